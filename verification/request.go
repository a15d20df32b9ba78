// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"golang.org/x/exp/slices"

	"go.mau.fi/sasmachine/event"
	"go.mau.fi/sasmachine/id"
)

type requestState int

const (
	requestStateRequested requestState = iota
	requestStateReady
	requestStateTransitioned
	requestStateDone
	requestStateCancelled
)

func (state requestState) String() string {
	switch state {
	case requestStateRequested:
		return "requested"
	case requestStateReady:
		return "ready"
	case requestStateTransitioned:
		return "transitioned"
	case requestStateDone:
		return "done"
	case requestStateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("requestState(%d)", int(state))
	}
}

// Terminal reports whether the state can never change again.
func (state requestState) Terminal() bool {
	return state == requestStateDone || state == requestStateCancelled
}

type requestFlow struct {
	transactionID id.VerificationTransactionID
	theirUser     id.UserID
	// theirDevice stays empty until the request becomes ready.
	theirDevice  id.DeviceID
	theirMethods []event.VerificationMethod
	ourMethods   []event.VerificationMethod
	weStarted    bool
	state        requestState
	// sentToDevices lists the devices the initial request was fanned out
	// to, so that accepting on one device cancels the others.
	sentToDevices []id.DeviceID
	createdAt     time.Time
	timeout       time.Duration
	cancelInfo    *CancelInfo
}

func (flow *requestFlow) timedOut(now time.Time) bool {
	return !flow.state.Terminal() && now.Sub(flow.createdAt) > flow.timeout
}

// VerificationRequest is a live handle to one verification request tracked
// by a machine. The handle holds no state of its own: every accessor
// re-resolves the flow, so two handles to the same flow always agree.
type VerificationRequest struct {
	mach          *Machine
	otherUser     id.UserID
	transactionID id.VerificationTransactionID
}

func (req *VerificationRequest) resolve() *requestFlow {
	return req.mach.requests[flowKey{req.otherUser, req.transactionID}]
}

func (req *VerificationRequest) TransactionID() id.VerificationTransactionID {
	return req.transactionID
}

func (req *VerificationRequest) OtherUser() id.UserID {
	return req.otherUser
}

// OtherDeviceID returns the other side's device ID, or an empty string while
// the request has not been accepted by any specific device yet.
func (req *VerificationRequest) OtherDeviceID() id.DeviceID {
	req.mach.lock.RLock()
	defer req.mach.lock.RUnlock()
	if flow := req.resolve(); flow != nil {
		return flow.theirDevice
	}
	return ""
}

// WeStarted reports whether the request originated on this machine.
func (req *VerificationRequest) WeStarted() bool {
	req.mach.lock.RLock()
	defer req.mach.lock.RUnlock()
	if flow := req.resolve(); flow != nil {
		return flow.weStarted
	}
	return false
}

// IsReady reports whether both sides have agreed to verify (the request is
// in the ready state or has already transitioned into a method flow).
func (req *VerificationRequest) IsReady() bool {
	req.mach.lock.RLock()
	defer req.mach.lock.RUnlock()
	flow := req.resolve()
	return flow != nil && (flow.state == requestStateReady || flow.state == requestStateTransitioned)
}

func (req *VerificationRequest) IsDone() bool {
	req.mach.lock.RLock()
	defer req.mach.lock.RUnlock()
	flow := req.resolve()
	return flow != nil && flow.state == requestStateDone
}

func (req *VerificationRequest) IsCancelled() bool {
	req.mach.lock.RLock()
	defer req.mach.lock.RUnlock()
	flow := req.resolve()
	return flow != nil && flow.state == requestStateCancelled
}

// TimedOut reports whether the flow has outlived its timeout without
// reaching a terminal state. The flow is not cancelled as a side effect.
func (req *VerificationRequest) TimedOut() bool {
	req.mach.lock.RLock()
	defer req.mach.lock.RUnlock()
	flow := req.resolve()
	return flow != nil && flow.timedOut(time.Now())
}

// OurSupportedMethods returns the methods this side has advertised, or nil
// while this side has not acted on the request yet.
func (req *VerificationRequest) OurSupportedMethods() []event.VerificationMethod {
	req.mach.lock.RLock()
	defer req.mach.lock.RUnlock()
	if flow := req.resolve(); flow != nil {
		return slices.Clone(flow.ourMethods)
	}
	return nil
}

// TheirSupportedMethods returns the methods the other side has advertised,
// or nil while no message from the other side has arrived.
func (req *VerificationRequest) TheirSupportedMethods() []event.VerificationMethod {
	req.mach.lock.RLock()
	defer req.mach.lock.RUnlock()
	if flow := req.resolve(); flow != nil {
		return slices.Clone(flow.theirMethods)
	}
	return nil
}

// CancelInfo returns why the flow was cancelled, or nil if it has not been.
func (req *VerificationRequest) CancelInfo() *CancelInfo {
	req.mach.lock.RLock()
	defer req.mach.lock.RUnlock()
	if flow := req.resolve(); flow != nil {
		return flow.cancelInfo
	}
	return nil
}

// RequestVerification starts a new verification flow with the given user.
// The request is queued to the given devices, or to all of the user's known
// devices when none are named. If the machine does not know any devices of
// the user yet, a keys query is queued and [ErrUnknownDevice] is returned so
// the call can be retried once the query has round-tripped.
func (mach *Machine) RequestVerification(otherUser id.UserID, devices ...id.DeviceID) (*VerificationRequest, error) {
	mach.lock.Lock()
	defer mach.lock.Unlock()

	if len(devices) == 0 {
		for _, device := range mach.Registry.GetUserDevices(otherUser) {
			if device.Deleted || (device.UserID == mach.UserID && device.DeviceID == mach.DeviceID) {
				continue
			}
			devices = append(devices, device.DeviceID)
		}
		if len(devices) == 0 {
			if _, err := mach.queue.QueueKeysQuery(otherUser); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: no known devices for %s", ErrUnknownDevice, otherUser)
		}
	}

	txnID := id.NewVerificationTransactionID()
	log := mach.Log.With().
		Str("verification_action", "request verification").
		Stringer("transaction_id", txnID).
		Stringer("other_user", otherUser).
		Logger()
	log.Info().Any("device_ids", devices).Msg("Sending verification request")

	ourMethods := slices.Clone(mach.SupportedMethods)
	_, err := mach.queue.QueueToDevice(event.ToDeviceVerificationRequest, otherUser, devices, &event.VerificationRequestEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: txnID},
		FromDevice:                mach.DeviceID,
		Methods:                   ourMethods,
		Timestamp:                 jsontime.UnixMilliNow(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue verification request: %w", err)
	}

	mach.requests[flowKey{otherUser, txnID}] = &requestFlow{
		transactionID: txnID,
		theirUser:     otherUser,
		ourMethods:    ourMethods,
		weStarted:     true,
		state:         requestStateRequested,
		sentToDevices: slices.Clone(devices),
		createdAt:     time.Now(),
		timeout:       mach.DefaultTimeout,
	}
	return &VerificationRequest{mach: mach, otherUser: otherUser, transactionID: txnID}, nil
}

// GetVerificationRequest returns a handle to a tracked flow.
func (mach *Machine) GetVerificationRequest(otherUser id.UserID, txnID id.VerificationTransactionID) (*VerificationRequest, bool) {
	mach.lock.RLock()
	defer mach.lock.RUnlock()
	if _, ok := mach.requests[flowKey{otherUser, txnID}]; !ok {
		return nil, false
	}
	return &VerificationRequest{mach: mach, otherUser: otherUser, transactionID: txnID}, true
}

// VerificationRequests returns handles to all flows the machine is tracking.
func (mach *Machine) VerificationRequests() []*VerificationRequest {
	mach.lock.RLock()
	defer mach.lock.RUnlock()
	requests := make([]*VerificationRequest, 0, len(mach.requests))
	for key := range mach.requests {
		requests = append(requests, &VerificationRequest{mach: mach, otherUser: key.userID, transactionID: key.txnID})
	}
	return requests
}

func (mach *Machine) handleVerificationRequest(log zerolog.Logger, sender id.UserID, content *event.VerificationRequestEventContent) {
	if sender == mach.UserID && content.FromDevice == mach.DeviceID {
		log.Warn().Msg("Ignoring verification request from our own device")
		return
	}
	key := flowKey{sender, content.TransactionID}
	if _, ok := mach.requests[key]; ok {
		log.Info().Msg("Ignoring verification request for an already active transaction")
		return
	}
	log.Info().
		Stringer("from_device", content.FromDevice).
		Any("requested_methods", content.Methods).
		Msg("Received verification request")

	if mach.Registry.GetDevice(sender, content.FromDevice) == nil {
		// We can track the flow, but the device keys have to arrive before
		// the MAC stage.
		if _, err := mach.queue.QueueKeysQuery(sender); err != nil {
			log.Warn().Err(err).Msg("Failed to queue keys query for unknown requesting device")
		}
	}

	mach.requests[key] = &requestFlow{
		transactionID: content.TransactionID,
		theirUser:     sender,
		theirDevice:   content.FromDevice,
		theirMethods:  slices.Clone(content.Methods),
		state:         requestStateRequested,
		createdAt:     time.Now(),
		timeout:       mach.DefaultTimeout,
	}
}

// Accept agrees to a verification request that the other side initiated. A
// ready event advertising this machine's methods is queued to the
// requesting device. Accepting an already-ready request is a no-op.
func (req *VerificationRequest) Accept() error {
	req.mach.lock.Lock()
	defer req.mach.lock.Unlock()
	flow := req.resolve()
	if flow == nil {
		return ErrUnknownTransaction
	}
	if flow.state == requestStateReady {
		return nil
	}
	if flow.state != requestStateRequested {
		return fmt.Errorf("%w: cannot accept in state %s", ErrInvalidVerificationState, flow.state)
	}
	if flow.weStarted {
		return fmt.Errorf("%w: cannot accept our own request", ErrInvalidVerificationState)
	}

	req.mach.Log.Info().
		Str("verification_action", "accept verification").
		Stringer("transaction_id", flow.transactionID).
		Msg("Sending ready event")

	ourMethods := slices.Clone(req.mach.SupportedMethods)
	_, err := req.mach.queue.QueueToDevice(event.ToDeviceVerificationReady, flow.theirUser, []id.DeviceID{flow.theirDevice}, &event.VerificationReadyEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: flow.transactionID},
		FromDevice:                req.mach.DeviceID,
		Methods:                   ourMethods,
	})
	if err != nil {
		return fmt.Errorf("failed to queue ready event: %w", err)
	}
	flow.ourMethods = ourMethods
	flow.state = requestStateReady
	return nil
}

func (mach *Machine) handleVerificationReady(log zerolog.Logger, flow *requestFlow, content *event.VerificationReadyEventContent) {
	if flow.state != requestStateRequested || !flow.weStarted {
		log.Warn().Stringer("state", flow.state).Msg("Ignoring ready event for a transaction that is not in the requested state")
		return
	}
	log.Info().
		Stringer("from_device", content.FromDevice).
		Any("their_methods", content.Methods).
		Msg("Verification request was accepted")

	flow.theirDevice = content.FromDevice
	flow.theirMethods = slices.Clone(content.Methods)
	flow.state = requestStateReady

	// The request went out to every known device of the user, tell the ones
	// that did not win the race to stop showing it.
	for _, deviceID := range flow.sentToDevices {
		if deviceID == flow.theirDevice {
			continue
		}
		err := mach.queueCancelEvent(flow.theirUser, deviceID, flow.transactionID, event.VerificationCancelCodeAccepted, "The verification was accepted on another device.")
		if err != nil {
			log.Warn().Err(err).Stringer("device_id", deviceID).Msg("Failed to queue cancellation for other device")
		}
	}
}

// Cancel cancels the flow with the given code, queueing a cancellation to
// the other side. Cancelling a flow that is already done or cancelled does
// nothing.
func (req *VerificationRequest) Cancel(code event.VerificationCancelCode, reason string) error {
	req.mach.lock.Lock()
	defer req.mach.lock.Unlock()
	flow := req.resolve()
	if flow == nil {
		return ErrUnknownTransaction
	}
	if flow.state.Terminal() {
		return nil
	}
	req.mach.cancelRequestFlow(flow, code, reason, true)
	return nil
}

// cancelRequestFlow moves the flow (and its SAS sub-flow, if any) to the
// cancelled state. When byUs is set, a cancellation event is queued to the
// other side as well.
func (mach *Machine) cancelRequestFlow(flow *requestFlow, code event.VerificationCancelCode, reason string, byUs bool) {
	if flow.state.Terminal() {
		return
	}
	if byUs {
		targets := []id.DeviceID{flow.theirDevice}
		if flow.theirDevice == "" {
			targets = flow.sentToDevices
		}
		for _, deviceID := range targets {
			err := mach.queueCancelEvent(flow.theirUser, deviceID, flow.transactionID, code, reason)
			if err != nil {
				mach.Log.Warn().Err(err).
					Stringer("transaction_id", flow.transactionID).
					Msg("Failed to queue cancellation event")
			}
		}
	}
	flow.state = requestStateCancelled
	flow.cancelInfo = &CancelInfo{Code: code, Reason: reason, CancelledByUs: byUs}
	if sasFlow, ok := mach.sas[flow.transactionID]; ok && !sasFlow.state.Terminal() {
		sasFlow.state = sasStateCancelled
		sasFlow.cancelInfo = flow.cancelInfo
	}
}

func (mach *Machine) handleVerificationCancel(log zerolog.Logger, flow *requestFlow, content *event.VerificationCancelEventContent) {
	if flow.state.Terminal() {
		log.Debug().Msg("Ignoring cancellation for a flow that is already terminal")
		return
	}
	log.Info().
		Str("code", string(content.Code)).
		Str("reason", content.Reason).
		Msg("Verification was cancelled by the other side")
	flow.state = requestStateCancelled
	flow.cancelInfo = &CancelInfo{Code: content.Code, Reason: content.Reason}
	if sasFlow, ok := mach.sas[flow.transactionID]; ok && !sasFlow.state.Terminal() {
		sasFlow.state = sasStateCancelled
		sasFlow.cancelInfo = flow.cancelInfo
	}
}

// StartQR is a declared method variant without an engine implementation.
func (req *VerificationRequest) StartQR() error {
	return fmt.Errorf("%w: QR code verification is not implemented", ErrUnsupportedMethod)
}
