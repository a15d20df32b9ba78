// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package sas implements the short authentication string generation for
// interactive device verification: expanding a shared secret into bytes and
// slicing those bytes into emoji and decimal representations that two humans
// can compare out-of-band.
//
// Everything in this package is a pure function of its inputs so that both
// sides of a verification derive byte-identical output from the same
// transcript.
package sas

import (
	"crypto/sha256"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Transcript builds the HKDF info string that domain-separates the short
// authentication string of one verification flow from every other flow.
//
// The two participants are ordered by who sent the m.key.verification.start
// event, so both sides construct the exact same string regardless of which
// role they played.
func Transcript(weStarted bool, ourUser, ourDevice, ourKey, theirUser, theirDevice, theirKey, transactionID string) []byte {
	ourInfo := strings.Join([]string{ourUser, ourDevice, ourKey}, "|")
	theirInfo := strings.Join([]string{theirUser, theirDevice, theirKey}, "|")

	var infoBuf strings.Builder
	infoBuf.WriteString("MATRIX_KEY_VERIFICATION_SAS|")
	if weStarted {
		infoBuf.WriteString(ourInfo + "|" + theirInfo)
	} else {
		infoBuf.WriteString(theirInfo + "|" + ourInfo)
	}
	infoBuf.WriteRune('|')
	infoBuf.WriteString(transactionID)
	return []byte(infoBuf.String())
}

// GenerateBytes expands the shared secret into length bytes using
// HKDF-SHA256 with the given info.
func GenerateBytes(sharedSecret, info []byte, length int) ([]byte, error) {
	reader := hkdf.New(sha256.New, sharedSecret, nil, info)
	output := make([]byte, length)
	if _, err := io.ReadFull(reader, output); err != nil {
		return nil, err
	}
	return output, nil
}

// Emojis slices the first 42 bits of the SAS bytes into 7 six-bit emoji
// indexes. The input must be at least 6 bytes.
func Emojis(sasBytes []byte) (emojis [7]Emoji) {
	for i, idx := range EmojiIndexes(sasBytes) {
		emojis[i] = AllEmojis[idx]
	}
	return
}

// EmojiIndexes slices the first 42 bits of the SAS bytes into 7 six-bit
// numbers. Every index is in the range [0, 63].
func EmojiIndexes(sasBytes []byte) (indexes [7]int) {
	sasNum := uint64(sasBytes[0])<<40 | uint64(sasBytes[1])<<32 | uint64(sasBytes[2])<<24 |
		uint64(sasBytes[3])<<16 | uint64(sasBytes[4])<<8 | uint64(sasBytes[5])

	for i := 0; i < len(indexes); i++ {
		// take nth group of 6 bits
		indexes[i] = int((sasNum >> uint(48-(i+1)*6)) & 0x3F)
	}
	return
}

// Decimals slices the first 39 bits of the SAS bytes into 3 thirteen-bit
// numbers and offsets each by 1000, so that every group renders as exactly
// four digits. The input must be at least 5 bytes.
func Decimals(sasBytes []byte) [3]int {
	return [3]int{
		(int(sasBytes[0])<<5 | int(sasBytes[1])>>3) + 1000,
		((int(sasBytes[1])&0x07)<<10 | int(sasBytes[2])<<2 | int(sasBytes[3])>>6) + 1000,
		((int(sasBytes[3])&0x3F)<<7 | int(sasBytes[4])>>1) + 1000,
	}
}

// DecimalsString renders the three decimal groups the way they should be
// shown to the user.
func DecimalsString(decimals [3]int) string {
	return fmt.Sprintf("%04d-%04d-%04d", decimals[0], decimals[1], decimals[2])
}
