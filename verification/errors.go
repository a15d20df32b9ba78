// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"errors"

	"go.mau.fi/sasmachine/event"
)

var (
	// ErrUnknownTransaction is returned when a lifecycle call references a
	// flow that this machine is not tracking (or no longer tracking).
	ErrUnknownTransaction = errors.New("unknown transaction ID")
	// ErrInvalidVerificationState is returned when a lifecycle call is not
	// valid in the flow's current state. The flow itself is not affected.
	ErrInvalidVerificationState = errors.New("transaction is not in the correct state")
	// ErrUnsupportedMethod is returned when the requested verification
	// method is not supported by this machine or by the other device.
	ErrUnsupportedMethod = errors.New("unsupported verification method")
	// ErrUnknownDevice is returned when the other device's identity keys
	// have not been fetched yet. A keys query for the user is queued as a
	// side effect, so the call can be retried after the query round-trips.
	ErrUnknownDevice = errors.New("unknown device")
)

// CancelInfo records why a flow was cancelled and which side did it.
type CancelInfo struct {
	Code          event.VerificationCancelCode
	Reason        string
	CancelledByUs bool
}
