// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"go.mau.fi/sasmachine/event"
	"go.mau.fi/sasmachine/id"
)

// DefaultVerificationTimeout is how long a verification flow stays usable
// after it was created. Timeouts are pull-driven: the engine only reports
// them through the TimedOut predicates and [Machine.GarbageCollect], it
// never cancels a flow behind the caller's back.
const DefaultVerificationTimeout = 10 * time.Minute

// DefaultMinOneTimeKeys is the one-time key count under which the machine
// queues a replenishing keys upload.
const DefaultMinOneTimeKeys = 50

type flowKey struct {
	userID id.UserID
	txnID  id.VerificationTransactionID
}

// Machine is the verification engine of a single local device. It owns the
// device's long-term keys, the registry of remote devices, the active
// verification flows and the queue of outgoing requests.
//
// The machine performs no I/O. Events come in through [Machine.ProcessSync],
// requests go out through [Machine.Drain] and are acknowledged with
// [Machine.MarkRequestSent]. Several machines can coexist in one process
// without sharing anything, which is also how the tests drive full flows.
type Machine struct {
	UserID   id.UserID
	DeviceID id.DeviceID
	Account  *Account
	Registry *DeviceRegistry
	Log      zerolog.Logger

	// SupportedMethods are the verification methods this machine advertises
	// in requests and ready events.
	SupportedMethods []event.VerificationMethod
	// DefaultTimeout is applied to flows created after it is set.
	DefaultTimeout time.Duration
	// MinOneTimeKeys is the one-time key replenish threshold.
	MinOneTimeKeys int

	queue    *RequestQueue
	requests map[flowKey]*requestFlow
	sas      map[id.VerificationTransactionID]*sasFlow
	lock     sync.RWMutex
}

// NewMachine creates a machine with freshly generated account keys and
// queues the initial keys upload for them.
func NewMachine(userID id.UserID, deviceID id.DeviceID, log zerolog.Logger) (*Machine, error) {
	account, err := NewAccount(userID, deviceID)
	if err != nil {
		return nil, err
	}
	log = log.With().
		Stringer("own_user_id", userID).
		Stringer("own_device_id", deviceID).
		Logger()
	mach := &Machine{
		UserID:   userID,
		DeviceID: deviceID,
		Account:  account,
		Registry: NewDeviceRegistry(log),
		Log:      log,

		SupportedMethods: []event.VerificationMethod{event.VerificationMethodSAS},
		DefaultTimeout:   DefaultVerificationTimeout,
		MinOneTimeKeys:   DefaultMinOneTimeKeys,

		queue:    NewRequestQueue(),
		requests: make(map[flowKey]*requestFlow),
		sas:      make(map[id.VerificationTransactionID]*sasFlow),
	}
	// The machine implicitly trusts its own device.
	mach.Registry.PutDevice(&id.Device{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: account.IdentityKey(),
		SigningKey:  account.SigningKey(),
		Trust:       id.TrustStateVerified,
	})
	uploadBody, err := account.KeysUploadBody()
	if err != nil {
		return nil, err
	}
	mach.queue.QueueKeysUpload(uploadBody)
	return mach, nil
}

// DeviceLists mirrors the device_lists section of a sync response.
type DeviceLists struct {
	Changed []id.UserID `json:"changed,omitempty"`
	Left    []id.UserID `json:"left,omitempty"`
}

// SyncPayload is the slice of a sync response that the machine consumes.
type SyncPayload struct {
	DeviceLists        DeviceLists             `json:"device_lists"`
	ToDeviceEvents     []*event.Event          `json:"to_device_events,omitempty"`
	OneTimeKeyCounts   map[id.KeyAlgorithm]int `json:"one_time_key_counts,omitempty"`
	UnusedFallbackKeys []id.KeyAlgorithm       `json:"unused_fallback_keys,omitempty"`
}

// ProcessSync ingests one sync payload: device list updates first, then each
// to-device event, then one-time key bookkeeping. Malformed or out-of-place
// events are logged and skipped, they never abort the rest of the batch.
func (mach *Machine) ProcessSync(payload *SyncPayload) {
	mach.lock.Lock()
	defer mach.lock.Unlock()

	for _, userID := range payload.DeviceLists.Changed {
		if _, err := mach.queue.QueueKeysQuery(userID); err != nil {
			mach.Log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to queue keys query for changed user")
		}
	}
	for _, userID := range payload.DeviceLists.Left {
		mach.Registry.MarkUserDevicesDeleted(userID)
	}

	for _, evt := range payload.ToDeviceEvents {
		mach.handleToDeviceEvent(evt)
	}

	if payload.OneTimeKeyCounts != nil {
		count := payload.OneTimeKeyCounts[id.KeyAlgorithmSignedCurve25519]
		if count < mach.MinOneTimeKeys {
			body, err := json.Marshal(map[string]int{"one_time_keys_needed": 2*mach.MinOneTimeKeys - count})
			if err == nil {
				mach.queue.QueueKeysUpload(body)
			}
		}
	}
}

func (mach *Machine) handleToDeviceEvent(evt *event.Event) {
	log := mach.Log.With().
		Stringer("sender", evt.Sender).
		Str("type", evt.Type.Type).
		Stringer("transaction_id", evt.TransactionID()).
		Logger()

	content, err := evt.ParseContent()
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring malformed to-device event")
		return
	}
	txnID := content.GetTransactionID()
	if txnID == "" {
		log.Warn().Msg("Ignoring verification event without a transaction ID")
		return
	}

	if request, ok := content.(*event.VerificationRequestEventContent); ok {
		mach.handleVerificationRequest(log, evt.Sender, request)
		return
	}

	flow := mach.requests[flowKey{evt.Sender, txnID}]
	if flow == nil {
		if cancel, ok := content.(*event.VerificationCancelEventContent); ok {
			// Never respond to a cancellation for an unknown flow, that
			// would just lead to two machines cancelling each other forever.
			log.Debug().Str("code", string(cancel.Code)).Msg("Ignoring cancellation for unknown transaction")
			return
		}
		if start, ok := content.(*event.VerificationStartEventContent); ok {
			if mach.handleDirectStart(log, evt.Sender, start) {
				return
			}
		}
		log.Warn().Msg("Ignoring verification event for an unknown transaction and sending cancellation")
		mach.cancelUnknownTransaction(log, evt.Sender, txnID, content)
		return
	}

	switch typed := content.(type) {
	case *event.VerificationReadyEventContent:
		mach.handleVerificationReady(log, flow, typed)
	case *event.VerificationCancelEventContent:
		mach.handleVerificationCancel(log, flow, typed)
	case *event.VerificationStartEventContent:
		mach.handleVerificationStart(log, flow, typed)
	case *event.VerificationAcceptEventContent:
		mach.handleVerificationAccept(log, flow, typed)
	case *event.VerificationKeyEventContent:
		mach.handleVerificationKey(log, flow, typed)
	case *event.VerificationMACEventContent:
		mach.handleVerificationMAC(log, flow, typed)
	case *event.VerificationDoneEventContent:
		mach.handleVerificationDone(log, flow)
	default:
		log.Warn().Msg("Ignoring verification event of unhandled type")
	}
}

// cancelUnknownTransaction tells the sender that we are not tracking the
// flow they are talking about. The target device is taken from the event
// content when it carries one, otherwise the cancellation is fanned out with
// a wildcard.
func (mach *Machine) cancelUnknownTransaction(log zerolog.Logger, sender id.UserID, txnID id.VerificationTransactionID, content event.VerificationTransactionable) {
	targetDevice := id.DeviceID("*")
	switch typed := content.(type) {
	case *event.VerificationReadyEventContent:
		targetDevice = typed.FromDevice
	case *event.VerificationStartEventContent:
		targetDevice = typed.FromDevice
	}
	err := mach.queueCancelEvent(sender, targetDevice, txnID, event.VerificationCancelCodeUnknownTransaction, "The transaction ID was not recognized.")
	if err != nil {
		log.Warn().Err(err).Msg("Failed to queue cancellation for unknown transaction")
	}
}

func (mach *Machine) queueCancelEvent(userID id.UserID, deviceID id.DeviceID, txnID id.VerificationTransactionID, code event.VerificationCancelCode, reason string) error {
	_, err := mach.queue.QueueToDevice(event.ToDeviceVerificationCancel, userID, []id.DeviceID{deviceID}, &event.VerificationCancelEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: txnID},
		Code:                      code,
		Reason:                    reason,
	})
	return err
}

// Drain returns the queued unsent requests. Nothing is removed from the
// queue until [Machine.MarkRequestSent] acknowledges it.
func (mach *Machine) Drain() []*OutgoingRequest {
	return mach.queue.Drain()
}

// MarkRequestSent acknowledges an outgoing request and applies its response.
// For keys query requests the response (if any) is merged into the device
// registry. Acknowledging the same request twice, or a request that was
// never queued, is a no-op.
func (mach *Machine) MarkRequestSent(requestID string, response json.RawMessage) error {
	mach.lock.Lock()
	defer mach.lock.Unlock()
	req, ok := mach.queue.MarkSent(requestID)
	if !ok {
		return nil
	}
	if req.Type == OutgoingRequestKeysQuery && len(response) > 0 {
		var parsed KeysQueryResponse
		if err := json.Unmarshal(response, &parsed); err != nil {
			return fmt.Errorf("failed to parse keys query response: %w", err)
		}
		mach.Registry.ProcessQueryResponse(&parsed)
	}
	return nil
}

// GarbageCollect drops terminal flows and cancels timed-out ones, queueing
// an m.timeout cancellation for each flow it cancels.
func (mach *Machine) GarbageCollect() {
	mach.lock.Lock()
	defer mach.lock.Unlock()
	now := time.Now()
	for key, flow := range mach.requests {
		if !flow.state.Terminal() && flow.timedOut(now) {
			mach.cancelRequestFlow(flow, event.VerificationCancelCodeTimeout, "The verification timed out.", true)
		}
		if flow.state.Terminal() {
			delete(mach.requests, key)
			delete(mach.sas, flow.transactionID)
		}
	}
	for txnID, flow := range mach.sas {
		if flow.state.Terminal() {
			delete(mach.sas, txnID)
		}
	}
}
