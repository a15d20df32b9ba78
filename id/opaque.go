// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"github.com/rs/xid"
)

// A RoomID is a string starting with ! that references a specific room.
// https://matrix.org/docs/spec/appendices#room-ids-and-event-ids
type RoomID string

// An EventID is a string starting with $ that references a specific event.
//
// https://matrix.org/docs/spec/appendices#room-ids-and-event-ids
// https://matrix.org/docs/spec/rooms/v4#event-ids
type EventID string

// A DeviceID is an arbitrary string that references a specific device.
type DeviceID string

// A KeyID is a string usually formatted as <algorithm>:<device_id> that is used as the key in deviceid-key mappings.
type KeyID string

// A VerificationTransactionID is an opaque string that correlates all
// messages belonging to one interactive verification flow. For to-device
// verifications it's the transaction_id field, for in-room verifications
// it's the event ID of the request event.
type VerificationTransactionID string

// NewVerificationTransactionID generates a random transaction ID for a new
// verification flow.
func NewVerificationTransactionID() VerificationTransactionID {
	return VerificationTransactionID(xid.New().String())
}

func (roomID RoomID) String() string {
	return string(roomID)
}

func (eventID EventID) String() string {
	return string(eventID)
}

func (deviceID DeviceID) String() string {
	return string(deviceID)
}

func (keyID KeyID) String() string {
	return string(keyID)
}

func (transactionID VerificationTransactionID) String() string {
	return string(transactionID)
}
