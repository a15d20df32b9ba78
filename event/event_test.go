// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/sasmachine/event"
	"go.mau.fi/sasmachine/id"
)

func TestEvent_TransactionID(t *testing.T) {
	evt := &event.Event{
		Sender:  "@alice:example.org",
		Type:    event.ToDeviceVerificationStart,
		Content: json.RawMessage(`{"transaction_id":"txn123","from_device":"DEV","method":"m.sas.v1"}`),
	}
	assert.Equal(t, id.VerificationTransactionID("txn123"), evt.TransactionID())

	evt.Content = json.RawMessage(`{"from_device":"DEV"}`)
	assert.Empty(t, evt.TransactionID())
}

func TestEvent_ParseContent(t *testing.T) {
	evt := &event.Event{
		Type: event.ToDeviceVerificationStart,
		Content: json.RawMessage(`{
			"transaction_id": "txn123",
			"from_device": "DEV",
			"method": "m.sas.v1",
			"hashes": ["sha256"],
			"key_agreement_protocols": ["curve25519-hkdf-sha256"],
			"message_authentication_codes": ["hkdf-hmac-sha256.v2"],
			"short_authentication_string": ["decimal", "emoji"]
		}`),
	}
	content, err := evt.ParseContent()
	require.NoError(t, err)
	start, ok := content.(*event.VerificationStartEventContent)
	require.True(t, ok)
	assert.Equal(t, id.VerificationTransactionID("txn123"), start.GetTransactionID())
	assert.Equal(t, id.DeviceID("DEV"), start.FromDevice)
	assert.True(t, start.SupportsHashMethod(event.VerificationHashMethodSHA256))
	assert.True(t, start.SupportsMACMethod(event.MACMethodHKDFHMACSHA256V2))
	assert.False(t, start.SupportsMACMethod(event.MACMethodHKDFHMACSHA256))
	assert.True(t, start.SupportsSASMethod(event.SASMethodEmoji))
}

func TestEvent_ParseContent_UnknownType(t *testing.T) {
	evt := &event.Event{
		Type:    event.NewEventType("m.room.message"),
		Content: json.RawMessage(`{}`),
	}
	_, err := evt.ParseContent()
	require.ErrorIs(t, err, event.ErrUnsupportedContentType)
}

func TestVerificationCancelCode_Strings(t *testing.T) {
	assert.Equal(t, "m.mismatched_commitment", string(event.VerificationCancelCodeMismatchedCommitment))
	assert.Equal(t, "m.unknown_transaction", string(event.VerificationCancelCodeUnknownTransaction))
}
