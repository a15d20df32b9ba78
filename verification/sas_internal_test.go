// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/jsonbytes"

	"go.mau.fi/sasmachine/event"
	"go.mau.fi/sasmachine/id"
)

// buildConfirmedFlow wires a flow into the machine at the point where our MAC
// has gone out and the peer's MAC event is the next thing to arrive. The peer
// side is simulated with a second ephemeral key, the shared secret is the
// same from both ends so MACs the peer would compute can be produced through
// the flow itself.
func buildConfirmedFlow(t *testing.T, mach *Machine, peerUser id.UserID, peerDevice id.DeviceID) (*requestFlow, *sasFlow) {
	t.Helper()
	ourKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	peerKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)

	txnID := id.NewVerificationTransactionID()
	flow := &requestFlow{
		transactionID: txnID,
		theirUser:     peerUser,
		theirDevice:   peerDevice,
		weStarted:     true,
		state:         requestStateTransitioned,
		createdAt:     time.Now(),
		timeout:       mach.DefaultTimeout,
	}
	sas := &sasFlow{
		transactionID:   txnID,
		theirUser:       peerUser,
		theirDevice:     peerDevice,
		weStarted:       true,
		state:           sasStateConfirmed,
		macMethod:       event.MACMethodHKDFHMACSHA256V2,
		ephemeralKey:    ourKey,
		publicKeyShared: true,
		theirPublicKey:  peerKey.PublicKey(),
		sentOurMAC:      true,
		createdAt:       time.Now(),
		timeout:         mach.DefaultTimeout,
	}
	mach.requests[flowKey{peerUser, txnID}] = flow
	mach.sas[txnID] = sas
	return flow, sas
}

func TestHandleMAC_EmptyKeyMap(t *testing.T) {
	mach, err := NewMachine("@alice:example.org", "ALICEPHONE", zerolog.Nop())
	require.NoError(t, err)
	flow, sas := buildConfirmedFlow(t, mach, "@bob:example.org", "BOBLAPTOP")

	// The key list MAC is honest for an empty list, but the event carries no
	// key MACs at all. Nothing authenticated the peer device, so the flow
	// must not finish with the device marked verified.
	keysMAC, err := mach.computeMAC(sas, flow.theirUser, flow.theirDevice, mach.UserID, mach.DeviceID, "KEY_IDS", "")
	require.NoError(t, err)
	mach.handleVerificationMAC(zerolog.Nop(), flow, &event.VerificationMACEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: flow.transactionID},
		MAC:                       map[id.KeyID]jsonbytes.UnpaddedBytes{},
		Keys:                      keysMAC,
	})

	assert.Equal(t, sasStateCancelled, sas.state)
	assert.False(t, sas.receivedTheirMAC)
	require.NotNil(t, flow.cancelInfo)
	assert.Equal(t, event.VerificationCancelCodeKeyMismatch, flow.cancelInfo.Code)
}

func TestHandleMAC_OnlyUnknownKeys(t *testing.T) {
	mach, err := NewMachine("@alice:example.org", "ALICEPHONE", zerolog.Nop())
	require.NoError(t, err)
	flow, sas := buildConfirmedFlow(t, mach, "@bob:example.org", "BOBLAPTOP")

	// A correctly MACed entry for a key we know nothing about is skipped,
	// and skipped entries must not count as having verified the device.
	unknownKeyID := id.NewKeyID(id.KeyAlgorithmEd25519, "SOMEOTHERDEVICE")
	keyMAC, err := mach.computeMAC(sas, flow.theirUser, flow.theirDevice, mach.UserID, mach.DeviceID, unknownKeyID.String(), "fakekeyvalue")
	require.NoError(t, err)
	keysMAC, err := mach.computeMAC(sas, flow.theirUser, flow.theirDevice, mach.UserID, mach.DeviceID, "KEY_IDS", unknownKeyID.String())
	require.NoError(t, err)
	mach.handleVerificationMAC(zerolog.Nop(), flow, &event.VerificationMACEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: flow.transactionID},
		MAC:                       map[id.KeyID]jsonbytes.UnpaddedBytes{unknownKeyID: keyMAC},
		Keys:                      keysMAC,
	})

	assert.Equal(t, sasStateCancelled, sas.state)
	assert.False(t, sas.receivedTheirMAC)
	require.NotNil(t, flow.cancelInfo)
	assert.Equal(t, event.VerificationCancelCodeKeyMismatch, flow.cancelInfo.Code)
}
