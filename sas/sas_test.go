// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package sas_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/sasmachine/sas"
)

func TestEmojiIndexes_BitSlicing(t *testing.T) {
	// All zero bytes must map to index 0 everywhere.
	indexes := sas.EmojiIndexes(make([]byte, 6))
	assert.Equal(t, [7]int{0, 0, 0, 0, 0, 0, 0}, indexes)

	// All one bits must map to index 63 everywhere.
	indexes = sas.EmojiIndexes([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	assert.Equal(t, [7]int{63, 63, 63, 63, 63, 63, 63}, indexes)

	// First 42 bits sliced into groups of six: 1, 2, 3, 4, 5, 6, 7 with
	// the last six bits of the input discarded.
	indexes = sas.EmojiIndexes([]byte{0b000001_00, 0b0010_0000, 0b11_000100, 0b000101_00, 0b0110_0001, 0b11_000000})
	assert.Equal(t, [7]int{1, 2, 3, 4, 5, 6, 7}, indexes)
}

func TestEmojis_TableLookup(t *testing.T) {
	emojis := sas.Emojis(make([]byte, 6))
	for _, emoji := range emojis {
		assert.Equal(t, '🐶', emoji.Emoji)
		assert.Equal(t, "Dog", emoji.Description)
	}

	emojis = sas.Emojis([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	for _, emoji := range emojis {
		assert.Equal(t, '📌', emoji.Emoji)
		assert.Equal(t, "Pin", emoji.Description)
	}
}

func TestDecimals_Range(t *testing.T) {
	decimals := sas.Decimals(make([]byte, 5))
	assert.Equal(t, [3]int{1000, 1000, 1000}, decimals)
	assert.Equal(t, "1000-1000-1000", sas.DecimalsString(decimals))

	decimals = sas.Decimals([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF})
	assert.Equal(t, [3]int{8191 + 1000, 8191 + 1000, 8191 + 1000}, decimals)
	assert.Equal(t, "9191-9191-9191", sas.DecimalsString(decimals))
}

func TestTranscript_Symmetric(t *testing.T) {
	// The starter's info goes first regardless of which side builds the
	// transcript, so swapping the roles must produce the same bytes.
	starterSide := sas.Transcript(true,
		"@alice:example.org", "ALICE_DEV", "starterkey",
		"@bob:example.org", "BOB_DEV", "acceptorkey",
		"txn")
	acceptorSide := sas.Transcript(false,
		"@bob:example.org", "BOB_DEV", "acceptorkey",
		"@alice:example.org", "ALICE_DEV", "starterkey",
		"txn")
	assert.Equal(t, starterSide, acceptorSide)
	assert.Equal(t,
		"MATRIX_KEY_VERIFICATION_SAS|@alice:example.org|ALICE_DEV|starterkey|@bob:example.org|BOB_DEV|acceptorkey|txn",
		string(starterSide))
}

func TestGenerateBytes_Deterministic(t *testing.T) {
	secret := []byte("such secret bytes")
	info := sas.Transcript(true, "@a:x", "A", "ka", "@b:x", "B", "kb", "t")

	first, err := sas.GenerateBytes(secret, info, 6)
	require.NoError(t, err)
	second, err := sas.GenerateBytes(secret, info, 6)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 6)

	other, err := sas.GenerateBytes(secret, append(info, '!'), 6)
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestEmojiIndexes_InRange(t *testing.T) {
	// Walk a few deterministic expansions and make sure every index stays
	// within the table.
	for i := byte(0); i < 32; i++ {
		sasBytes, err := sas.GenerateBytes([]byte{i}, []byte("range test"), 6)
		require.NoError(t, err)
		for _, idx := range sas.EmojiIndexes(sasBytes) {
			assert.GreaterOrEqual(t, idx, 0)
			assert.Less(t, idx, 64)
		}
	}
}
