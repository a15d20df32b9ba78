// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"bytes"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsonbytes"
	"golang.org/x/exp/slices"

	"go.mau.fi/sasmachine/canonicaljson"
	"go.mau.fi/sasmachine/event"
	"go.mau.fi/sasmachine/id"
	"go.mau.fi/sasmachine/sas"
)

type sasState int

const (
	sasStateStarted sasState = iota
	sasStateAccepted
	sasStateKeyExchanged
	sasStateConfirmed
	sasStateDone
	sasStateCancelled
)

func (state sasState) String() string {
	switch state {
	case sasStateStarted:
		return "started"
	case sasStateAccepted:
		return "accepted"
	case sasStateKeyExchanged:
		return "key_exchanged"
	case sasStateConfirmed:
		return "confirmed"
	case sasStateDone:
		return "done"
	case sasStateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("sasState(%d)", int(state))
	}
}

func (state sasState) Terminal() bool {
	return state == sasStateDone || state == sasStateCancelled
}

type sasFlow struct {
	transactionID id.VerificationTransactionID
	theirUser     id.UserID
	theirDevice   id.DeviceID
	weStarted     bool
	state         sasState

	// startContent is the start event content of this flow: the one we sent
	// when we started, or the one we received otherwise. The commitment is
	// calculated over it either way.
	startContent *event.VerificationStartEventContent
	macMethod    event.MACMethod
	sasMethods   []event.SASMethod
	// commitment is the peer's commitment from the accept event. Only the
	// starter stores one, the acceptor generated its own and has nothing to
	// verify later.
	commitment []byte

	ephemeralKey *ecdh.PrivateKey
	// publicKeyShared is set once our ephemeral public key has been queued,
	// and therefore must be considered known to the other side.
	publicKeyShared bool
	theirPublicKey  *ecdh.PublicKey
	sasBytes        []byte

	sentOurMAC        bool
	receivedTheirMAC  bool
	sentOurDone       bool
	receivedTheirDone bool

	createdAt  time.Time
	timeout    time.Duration
	cancelInfo *CancelInfo
}

func (flow *sasFlow) timedOut(now time.Time) bool {
	return !flow.state.Terminal() && now.Sub(flow.createdAt) > flow.timeout
}

// SASVerification is a live handle to one SAS flow tracked by a machine.
// Like [VerificationRequest], it re-resolves the flow on every accessor.
type SASVerification struct {
	mach          *Machine
	transactionID id.VerificationTransactionID
}

func (sv *SASVerification) resolve() *sasFlow {
	return sv.mach.sas[sv.transactionID]
}

func (sv *SASVerification) TransactionID() id.VerificationTransactionID {
	return sv.transactionID
}

func (sv *SASVerification) OtherUser() id.UserID {
	sv.mach.lock.RLock()
	defer sv.mach.lock.RUnlock()
	if flow := sv.resolve(); flow != nil {
		return flow.theirUser
	}
	return ""
}

func (sv *SASVerification) OtherDeviceID() id.DeviceID {
	sv.mach.lock.RLock()
	defer sv.mach.lock.RUnlock()
	if flow := sv.resolve(); flow != nil {
		return flow.theirDevice
	}
	return ""
}

func (sv *SASVerification) WeStarted() bool {
	sv.mach.lock.RLock()
	defer sv.mach.lock.RUnlock()
	flow := sv.resolve()
	return flow != nil && flow.weStarted
}

func (sv *SASVerification) IsDone() bool {
	sv.mach.lock.RLock()
	defer sv.mach.lock.RUnlock()
	flow := sv.resolve()
	return flow != nil && flow.state == sasStateDone
}

func (sv *SASVerification) IsCancelled() bool {
	sv.mach.lock.RLock()
	defer sv.mach.lock.RUnlock()
	flow := sv.resolve()
	return flow != nil && flow.state == sasStateCancelled
}

// TimedOut reports whether the flow has outlived its timeout without
// reaching a terminal state. No cancellation is triggered as a side effect.
func (sv *SASVerification) TimedOut() bool {
	sv.mach.lock.RLock()
	defer sv.mach.lock.RUnlock()
	flow := sv.resolve()
	return flow != nil && flow.timedOut(time.Now())
}

// CancelInfo returns why the flow was cancelled, or nil if it has not been.
func (sv *SASVerification) CancelInfo() *CancelInfo {
	sv.mach.lock.RLock()
	defer sv.mach.lock.RUnlock()
	if flow := sv.resolve(); flow != nil {
		return flow.cancelInfo
	}
	return nil
}

// CanBePresented reports whether the flow is in a state where the short
// authentication string is final and the local MAC has been sent, i.e. the
// point after which showing the result to the user cannot be invalidated by
// further negotiation.
func (sv *SASVerification) CanBePresented() bool {
	sv.mach.lock.RLock()
	defer sv.mach.lock.RUnlock()
	flow := sv.resolve()
	return flow != nil && flow.sasBytes != nil && flow.sentOurMAC
}

// Emojis returns the 7-emoji rendering of the short authentication string.
// Only available once both ephemeral keys have been exchanged.
func (sv *SASVerification) Emojis() ([7]sas.Emoji, error) {
	sv.mach.lock.RLock()
	defer sv.mach.lock.RUnlock()
	flow := sv.resolve()
	if flow == nil {
		return [7]sas.Emoji{}, ErrUnknownTransaction
	} else if flow.sasBytes == nil {
		return [7]sas.Emoji{}, fmt.Errorf("%w: keys have not been exchanged yet", ErrInvalidVerificationState)
	} else if !slices.Contains(flow.sasMethods, event.SASMethodEmoji) {
		return [7]sas.Emoji{}, fmt.Errorf("%w: emoji SAS was not negotiated", ErrUnsupportedMethod)
	}
	return sas.Emojis(flow.sasBytes), nil
}

// EmojiIndexes returns the raw table indexes behind [SASVerification.Emojis].
func (sv *SASVerification) EmojiIndexes() ([7]int, error) {
	sv.mach.lock.RLock()
	defer sv.mach.lock.RUnlock()
	flow := sv.resolve()
	if flow == nil {
		return [7]int{}, ErrUnknownTransaction
	} else if flow.sasBytes == nil {
		return [7]int{}, fmt.Errorf("%w: keys have not been exchanged yet", ErrInvalidVerificationState)
	} else if !slices.Contains(flow.sasMethods, event.SASMethodEmoji) {
		return [7]int{}, fmt.Errorf("%w: emoji SAS was not negotiated", ErrUnsupportedMethod)
	}
	return sas.EmojiIndexes(flow.sasBytes), nil
}

// Decimals returns the three four-digit decimal groups of the short
// authentication string.
func (sv *SASVerification) Decimals() ([3]int, error) {
	sv.mach.lock.RLock()
	defer sv.mach.lock.RUnlock()
	flow := sv.resolve()
	if flow == nil {
		return [3]int{}, ErrUnknownTransaction
	} else if flow.sasBytes == nil {
		return [3]int{}, fmt.Errorf("%w: keys have not been exchanged yet", ErrInvalidVerificationState)
	} else if !slices.Contains(flow.sasMethods, event.SASMethodDecimal) {
		return [3]int{}, fmt.Errorf("%w: decimal SAS was not negotiated", ErrUnsupportedMethod)
	}
	return sas.Decimals(flow.sasBytes), nil
}

// DecimalsString returns the decimal groups formatted for display.
func (sv *SASVerification) DecimalsString() (string, error) {
	decimals, err := sv.Decimals()
	if err != nil {
		return "", err
	}
	return sas.DecimalsString(decimals), nil
}

// GetSASVerification returns a handle to a tracked SAS flow.
func (mach *Machine) GetSASVerification(txnID id.VerificationTransactionID) (*SASVerification, bool) {
	mach.lock.RLock()
	defer mach.lock.RUnlock()
	if _, ok := mach.sas[txnID]; !ok {
		return nil, false
	}
	return &SASVerification{mach: mach, transactionID: txnID}, true
}

func supportedStartContent(txnID id.VerificationTransactionID, fromDevice id.DeviceID) *event.VerificationStartEventContent {
	return &event.VerificationStartEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: txnID},
		FromDevice:                fromDevice,
		Method:                    event.VerificationMethodSAS,

		Hashes:                []event.VerificationHashMethod{event.VerificationHashMethodSHA256},
		KeyAgreementProtocols: []event.KeyAgreementProtocol{event.KeyAgreementProtocolCurve25519HKDFSHA256},
		MessageAuthenticationCodes: []event.MACMethod{
			event.MACMethodHKDFHMACSHA256,
			event.MACMethodHKDFHMACSHA256V2,
		},
		ShortAuthenticationString: []event.SASMethod{
			event.SASMethodDecimal,
			event.SASMethodEmoji,
		},
	}
}

// StartSAS transitions a ready request into a SAS flow: an ephemeral key is
// generated and a start event naming our supported algorithms is queued to
// the other device.
func (req *VerificationRequest) StartSAS() (*SASVerification, error) {
	req.mach.lock.Lock()
	defer req.mach.lock.Unlock()
	flow := req.resolve()
	if flow == nil {
		return nil, ErrUnknownTransaction
	}
	if flow.state != requestStateReady {
		return nil, fmt.Errorf("%w: cannot start SAS in state %s", ErrInvalidVerificationState, flow.state)
	}
	if !slices.Contains(flow.theirMethods, event.VerificationMethodSAS) {
		return nil, fmt.Errorf("%w: the other device does not support SAS verification", ErrUnsupportedMethod)
	}
	if req.mach.Registry.GetDevice(flow.theirUser, flow.theirDevice) == nil {
		if _, err := req.mach.queue.QueueKeysQuery(flow.theirUser); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s of %s", ErrUnknownDevice, flow.theirDevice, flow.theirUser)
	}
	return req.mach.startSAS(flow)
}

// StartSAS starts SAS verification directly against a known device, without
// a preceding verification request. The request-flow bookkeeping is still
// created so that the shared lifecycle (cancellation, timeouts, garbage
// collection) applies to direct flows as well.
func (mach *Machine) StartSAS(otherUser id.UserID, deviceID id.DeviceID) (*SASVerification, error) {
	mach.lock.Lock()
	defer mach.lock.Unlock()
	if otherUser == mach.UserID && deviceID == mach.DeviceID {
		return nil, fmt.Errorf("%w: cannot verify our own device", ErrInvalidVerificationState)
	}
	if mach.Registry.GetDevice(otherUser, deviceID) == nil {
		if _, err := mach.queue.QueueKeysQuery(otherUser); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s of %s", ErrUnknownDevice, deviceID, otherUser)
	}

	flow := &requestFlow{
		transactionID: id.NewVerificationTransactionID(),
		theirUser:     otherUser,
		theirDevice:   deviceID,
		theirMethods:  []event.VerificationMethod{event.VerificationMethodSAS},
		ourMethods:    slices.Clone(mach.SupportedMethods),
		weStarted:     true,
		state:         requestStateReady,
		createdAt:     time.Now(),
		timeout:       mach.DefaultTimeout,
	}
	mach.requests[flowKey{otherUser, flow.transactionID}] = flow
	return mach.startSAS(flow)
}

func (mach *Machine) startSAS(flow *requestFlow) (*SASVerification, error) {
	ephemeralKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	mach.Log.Info().
		Str("verification_action", "start SAS").
		Stringer("transaction_id", flow.transactionID).
		Msg("Sending start event")

	startContent := supportedStartContent(flow.transactionID, mach.DeviceID)
	_, err = mach.queue.QueueToDevice(event.ToDeviceVerificationStart, flow.theirUser, []id.DeviceID{flow.theirDevice}, startContent)
	if err != nil {
		return nil, fmt.Errorf("failed to queue start event: %w", err)
	}

	mach.sas[flow.transactionID] = &sasFlow{
		transactionID: flow.transactionID,
		theirUser:     flow.theirUser,
		theirDevice:   flow.theirDevice,
		weStarted:     true,
		state:         sasStateStarted,
		startContent:  startContent,
		ephemeralKey:  ephemeralKey,
		createdAt:     time.Now(),
		timeout:       mach.DefaultTimeout,
	}
	flow.state = requestStateTransitioned
	return &SASVerification{mach: mach, transactionID: flow.transactionID}, nil
}

// handleDirectStart accepts a start event for a transaction that was never
// requested, as long as the starting device is already in the registry. The
// flow is tracked with an implicit request entry so the rest of the
// lifecycle is identical to request-based flows.
func (mach *Machine) handleDirectStart(log zerolog.Logger, sender id.UserID, content *event.VerificationStartEventContent) bool {
	if sender == mach.UserID && content.FromDevice == mach.DeviceID {
		return false
	}
	if mach.Registry.GetDevice(sender, content.FromDevice) == nil {
		return false
	}
	log.Info().
		Stringer("from_device", content.FromDevice).
		Msg("Received direct start event from a known device")

	flow := &requestFlow{
		transactionID: content.TransactionID,
		theirUser:     sender,
		theirDevice:   content.FromDevice,
		theirMethods:  []event.VerificationMethod{event.VerificationMethodSAS},
		state:         requestStateReady,
		createdAt:     time.Now(),
		timeout:       mach.DefaultTimeout,
	}
	mach.requests[flowKey{sender, content.TransactionID}] = flow
	mach.handleVerificationStart(log, flow, content)
	return true
}

func (mach *Machine) handleVerificationStart(log zerolog.Logger, flow *requestFlow, content *event.VerificationStartEventContent) {
	if _, ok := mach.sas[flow.transactionID]; ok {
		log.Warn().Msg("Ignoring duplicate start event for a transaction that already has a SAS flow")
		return
	}
	if flow.state != requestStateReady {
		log.Warn().Stringer("state", flow.state).Msg("Ignoring start event for a transaction that is not in the ready state")
		return
	}
	if content.FromDevice != flow.theirDevice {
		log.Warn().
			Stringer("from_device", content.FromDevice).
			Stringer("expected_device", flow.theirDevice).
			Msg("Ignoring start event from an unexpected device")
		return
	}
	if content.Method != event.VerificationMethodSAS {
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeUnknownMethod, fmt.Sprintf("unknown method %s", content.Method), true)
		return
	}

	if !content.SupportsKeyAgreementProtocol(event.KeyAgreementProtocolCurve25519HKDFSHA256) {
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeUnknownMethod, "No supported key agreement protocol offered.", true)
		return
	}
	if !content.SupportsHashMethod(event.VerificationHashMethodSHA256) {
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeUnknownMethod, "No supported hash algorithm offered.", true)
		return
	}
	macMethod := event.MACMethodHKDFHMACSHA256V2
	if !content.SupportsMACMethod(macMethod) {
		if content.SupportsMACMethod(event.MACMethodHKDFHMACSHA256) {
			macMethod = event.MACMethodHKDFHMACSHA256
		} else {
			mach.cancelRequestFlow(flow, event.VerificationCancelCodeUnknownMethod, "No supported message authentication code offered.", true)
			return
		}
	}
	var sasMethods []event.SASMethod
	for _, method := range []event.SASMethod{event.SASMethodDecimal, event.SASMethodEmoji} {
		if content.SupportsSASMethod(method) {
			sasMethods = append(sasMethods, method)
		}
	}
	if len(sasMethods) == 0 {
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeUnknownMethod, "No supported short authentication string method offered.", true)
		return
	}

	if mach.Registry.GetDevice(flow.theirUser, flow.theirDevice) == nil {
		// The flow can proceed up to the MAC stage without the peer's
		// long-term keys, as long as the query round-trips before then.
		if _, err := mach.queue.QueueKeysQuery(flow.theirUser); err != nil {
			log.Warn().Err(err).Msg("Failed to queue keys query for unknown starting device")
		}
	}

	ephemeralKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		log.Err(err).Msg("Failed to generate ephemeral key")
		return
	}
	commitment, err := calculateCommitment(ephemeralKey.PublicKey(), content)
	if err != nil {
		log.Err(err).Msg("Failed to calculate commitment")
		return
	}

	log.Info().Str("mac_method", string(macMethod)).Msg("Received SAS start event, sending accept and key")

	_, err = mach.queue.QueueToDevice(event.ToDeviceVerificationAccept, flow.theirUser, []id.DeviceID{flow.theirDevice}, &event.VerificationAcceptEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: flow.transactionID},
		Commitment:                commitment,
		Hash:                      event.VerificationHashMethodSHA256,
		KeyAgreementProtocol:      event.KeyAgreementProtocolCurve25519HKDFSHA256,
		MessageAuthenticationCode: macMethod,
		ShortAuthenticationString: sasMethods,
	})
	if err != nil {
		log.Err(err).Msg("Failed to queue accept event")
		return
	}
	// The commitment binds us to this key, so revealing it right away is
	// fine and lets the other side check the commitment before revealing
	// its own key.
	_, err = mach.queue.QueueToDevice(event.ToDeviceVerificationKey, flow.theirUser, []id.DeviceID{flow.theirDevice}, &event.VerificationKeyEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: flow.transactionID},
		Key:                       ephemeralKey.PublicKey().Bytes(),
	})
	if err != nil {
		log.Err(err).Msg("Failed to queue key event")
		return
	}

	mach.sas[flow.transactionID] = &sasFlow{
		transactionID:   flow.transactionID,
		theirUser:       flow.theirUser,
		theirDevice:     flow.theirDevice,
		state:           sasStateAccepted,
		startContent:    content,
		macMethod:       macMethod,
		sasMethods:      sasMethods,
		ephemeralKey:    ephemeralKey,
		publicKeyShared: true,
		createdAt:       time.Now(),
		timeout:         mach.DefaultTimeout,
	}
	flow.state = requestStateTransitioned
}

func calculateCommitment(ephemeralPubKey *ecdh.PublicKey, startContent *event.VerificationStartEventContent) ([]byte, error) {
	// The protocol hashes the unpadded base64 encoding of the key rather
	// than the key bytes themselves.
	hash := sha256.New()
	hash.Write([]byte(base64.RawStdEncoding.EncodeToString(ephemeralPubKey.Bytes())))
	startJSON, err := json.Marshal(startContent)
	if err != nil {
		return nil, err
	}
	hash.Write(canonicaljson.CanonicalJSONAssumeValid(startJSON))
	return hash.Sum(nil), nil
}

func (mach *Machine) handleVerificationAccept(log zerolog.Logger, flow *requestFlow, content *event.VerificationAcceptEventContent) {
	sasFlow := mach.sas[flow.transactionID]
	if sasFlow == nil || !sasFlow.weStarted {
		log.Warn().Msg("Ignoring accept event for a transaction we did not start")
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeUnexpectedMessage, "Got an accept event for a flow in the wrong state.", true)
		return
	}
	if sasFlow.state != sasStateStarted {
		if sasFlow.state.Terminal() {
			log.Debug().Msg("Ignoring accept event for a terminal SAS flow")
			return
		}
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeUnexpectedMessage, "Got an accept event for a flow in the wrong state.", true)
		return
	}

	if content.KeyAgreementProtocol != event.KeyAgreementProtocolCurve25519HKDFSHA256 ||
		content.Hash != event.VerificationHashMethodSHA256 ||
		(content.MessageAuthenticationCode != event.MACMethodHKDFHMACSHA256 && content.MessageAuthenticationCode != event.MACMethodHKDFHMACSHA256V2) {
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeUnknownMethod, "The accepted algorithms were not among the offered ones.", true)
		return
	}
	var sasMethods []event.SASMethod
	for _, method := range content.ShortAuthenticationString {
		if method == event.SASMethodDecimal || method == event.SASMethodEmoji {
			sasMethods = append(sasMethods, method)
		}
	}
	if len(sasMethods) == 0 {
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeUnknownMethod, "The accepted SAS methods were not among the offered ones.", true)
		return
	}

	log.Info().
		Str("mac_method", string(content.MessageAuthenticationCode)).
		Msg("Received SAS accept event")

	sasFlow.commitment = content.Commitment
	sasFlow.macMethod = content.MessageAuthenticationCode
	sasFlow.sasMethods = sasMethods
	sasFlow.state = sasStateAccepted
}

func (mach *Machine) handleVerificationKey(log zerolog.Logger, flow *requestFlow, content *event.VerificationKeyEventContent) {
	sasFlow := mach.sas[flow.transactionID]
	if sasFlow == nil {
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeUnexpectedMessage, "Got a key event for a flow in the wrong state.", true)
		return
	}
	if sasFlow.state != sasStateAccepted {
		if sasFlow.state.Terminal() || sasFlow.theirPublicKey != nil {
			log.Debug().Msg("Ignoring duplicate key event")
			return
		}
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeUnexpectedMessage, "Got a key event for a flow in the wrong state.", true)
		return
	}

	theirKey, err := ecdh.X25519().NewPublicKey(content.Key)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to parse ephemeral public key from key event")
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeInvalidMessage, "The ephemeral public key was invalid.", true)
		return
	}
	sasFlow.theirPublicKey = theirKey

	if !sasFlow.publicKeyShared {
		// We started this flow, so the other side committed to its key
		// before we revealed anything. Check the commitment first: on a
		// mismatch our key never leaves this machine.
		commitment, err := calculateCommitment(theirKey, sasFlow.startContent)
		if err != nil {
			log.Err(err).Msg("Failed to calculate commitment")
			return
		}
		if !bytes.Equal(commitment, sasFlow.commitment) {
			log.Warn().Msg("Commitment mismatch in SAS flow")
			mach.cancelRequestFlow(flow, event.VerificationCancelCodeMismatchedCommitment, "The key was not the one that was committed to.", true)
			return
		}
		_, err = mach.queue.QueueToDevice(event.ToDeviceVerificationKey, sasFlow.theirUser, []id.DeviceID{sasFlow.theirDevice}, &event.VerificationKeyEventContent{
			ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: sasFlow.transactionID},
			Key:                       sasFlow.ephemeralKey.PublicKey().Bytes(),
		})
		if err != nil {
			log.Err(err).Msg("Failed to queue key event")
			return
		}
		sasFlow.publicKeyShared = true
	}

	sasBytes, err := mach.deriveSASBytes(sasFlow)
	if err != nil {
		log.Err(err).Msg("Failed to derive SAS bytes")
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeInvalidMessage, "Failed to derive the shared secret.", true)
		return
	}
	sasFlow.sasBytes = sasBytes
	sasFlow.state = sasStateKeyExchanged
	log.Info().Msg("SAS keys exchanged")
}

func (mach *Machine) deriveSASBytes(flow *sasFlow) ([]byte, error) {
	sharedSecret, err := flow.ephemeralKey.ECDH(flow.theirPublicKey)
	if err != nil {
		return nil, err
	}
	info := sas.Transcript(flow.weStarted,
		mach.UserID.String(), mach.DeviceID.String(),
		base64.RawStdEncoding.EncodeToString(flow.ephemeralKey.PublicKey().Bytes()),
		flow.theirUser.String(), flow.theirDevice.String(),
		base64.RawStdEncoding.EncodeToString(flow.theirPublicKey.Bytes()),
		flow.transactionID.String())
	return sas.GenerateBytes(sharedSecret, info, 6)
}

// Confirm tells the engine that the user has compared the short
// authentication strings and they match. The MAC over this device's signing
// key is queued to the other side. Confirming twice is a no-op.
func (sv *SASVerification) Confirm() error {
	sv.mach.lock.Lock()
	defer sv.mach.lock.Unlock()
	flow := sv.resolve()
	if flow == nil {
		return ErrUnknownTransaction
	}
	if flow.sentOurMAC {
		return nil
	}
	if flow.state != sasStateKeyExchanged {
		return fmt.Errorf("%w: cannot confirm in state %s", ErrInvalidVerificationState, flow.state)
	}

	keys := make(map[id.KeyID]jsonbytes.UnpaddedBytes)
	ownKeyID := id.NewKeyID(id.KeyAlgorithmEd25519, sv.mach.DeviceID.String())
	ownKeyMAC, err := sv.mach.computeMAC(flow, sv.mach.UserID, sv.mach.DeviceID, flow.theirUser, flow.theirDevice, ownKeyID.String(), sv.mach.Account.SigningKey().String())
	if err != nil {
		return fmt.Errorf("failed to calculate own key MAC: %w", err)
	}
	keys[ownKeyID] = ownKeyMAC

	keyIDs := make([]string, 0, len(keys))
	for keyID := range keys {
		keyIDs = append(keyIDs, keyID.String())
	}
	slices.Sort(keyIDs)
	keysMAC, err := sv.mach.computeMAC(flow, sv.mach.UserID, sv.mach.DeviceID, flow.theirUser, flow.theirDevice, "KEY_IDS", strings.Join(keyIDs, ","))
	if err != nil {
		return fmt.Errorf("failed to calculate key list MAC: %w", err)
	}

	sv.mach.Log.Info().
		Str("verification_action", "confirm SAS").
		Stringer("transaction_id", flow.transactionID).
		Msg("Sending MAC event")

	_, err = sv.mach.queue.QueueToDevice(event.ToDeviceVerificationMAC, flow.theirUser, []id.DeviceID{flow.theirDevice}, &event.VerificationMACEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: flow.transactionID},
		Keys:                      keysMAC,
		MAC:                       keys,
	})
	if err != nil {
		return fmt.Errorf("failed to queue MAC event: %w", err)
	}
	flow.sentOurMAC = true
	flow.state = sasStateConfirmed
	sv.mach.completeSASFlow(sv.mach.Log, flow)
	return nil
}

func (mach *Machine) handleVerificationMAC(log zerolog.Logger, flow *requestFlow, content *event.VerificationMACEventContent) {
	sasFlow := mach.sas[flow.transactionID]
	if sasFlow == nil || sasFlow.state == sasStateStarted || sasFlow.state == sasStateAccepted {
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeUnexpectedMessage, "Got a MAC event before key exchange.", true)
		return
	}
	if sasFlow.receivedTheirMAC || sasFlow.state.Terminal() {
		log.Debug().Msg("Ignoring duplicate MAC event")
		return
	}

	keyIDs := make([]string, 0, len(content.MAC))
	for keyID := range content.MAC {
		keyIDs = append(keyIDs, keyID.String())
	}
	slices.Sort(keyIDs)
	expectedKeysMAC, err := mach.computeMAC(sasFlow, sasFlow.theirUser, sasFlow.theirDevice, mach.UserID, mach.DeviceID, "KEY_IDS", strings.Join(keyIDs, ","))
	if err != nil {
		log.Err(err).Msg("Failed to calculate expected key list MAC")
		return
	}
	if !hmac.Equal(expectedKeysMAC, content.Keys) {
		log.Warn().Msg("Key list MAC mismatch")
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeKeyMismatch, "The MAC of the key list did not match.", true)
		return
	}

	masterKey, _ := mach.Registry.GetCrossSigningKeys(sasFlow.theirUser)
	verifiedDeviceKey := false
	for keyID, keyMAC := range content.MAC {
		algorithm, name := keyID.Parse()
		if algorithm != id.KeyAlgorithmEd25519 {
			log.Debug().Stringer("key_id", keyID).Msg("Skipping MAC for key with unexpected algorithm")
			continue
		}
		var key string
		isDeviceKey := false
		switch {
		case name == sasFlow.theirDevice.String():
			device := mach.Registry.GetDevice(sasFlow.theirUser, sasFlow.theirDevice)
			if device == nil {
				if _, err = mach.queue.QueueKeysQuery(sasFlow.theirUser); err != nil {
					log.Warn().Err(err).Msg("Failed to queue keys query")
				}
				mach.cancelRequestFlow(flow, event.VerificationCancelCodeKeyMismatch, "The device keys to verify the MAC against are not known.", true)
				return
			}
			key = device.SigningKey.String()
			isDeviceKey = true
		case masterKey != "" && name == masterKey.String():
			key = masterKey.String()
		default:
			log.Debug().Stringer("key_id", keyID).Msg("Skipping MAC for unknown key")
			continue
		}
		expectedMAC, err := mach.computeMAC(sasFlow, sasFlow.theirUser, sasFlow.theirDevice, mach.UserID, mach.DeviceID, keyID.String(), key)
		if err != nil {
			log.Err(err).Stringer("key_id", keyID).Msg("Failed to calculate expected key MAC")
			return
		}
		if !hmac.Equal(expectedMAC, keyMAC) {
			log.Warn().Stringer("key_id", keyID).Msg("Key MAC mismatch")
			mach.cancelRequestFlow(flow, event.VerificationCancelCodeKeyMismatch, fmt.Sprintf("The MAC of the key %s did not match.", keyID), true)
			return
		}
		if isDeviceKey {
			verifiedDeviceKey = true
		}
	}
	// A MAC event that never authenticates the device's own signing key must
	// not make that device verified, no matter what else it contains.
	if !verifiedDeviceKey {
		log.Warn().Msg("MAC event did not contain a MAC for the device signing key")
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeKeyMismatch, "The MAC event did not include the device signing key.", true)
		return
	}

	log.Info().Msg("Received and verified SAS MAC event")
	sasFlow.receivedTheirMAC = true
	mach.completeSASFlow(log, sasFlow)
}

// completeSASFlow finishes the flow once both sides have authenticated: our
// MAC is out, theirs arrived and verified. The peer device becomes locally
// verified, a done event is queued and for own-user flows a signature
// upload publishing our signature on the peer device is queued as well.
func (mach *Machine) completeSASFlow(log zerolog.Logger, flow *sasFlow) {
	if !flow.sentOurMAC || !flow.receivedTheirMAC || flow.state != sasStateConfirmed {
		return
	}
	if !flow.sentOurDone {
		_, err := mach.queue.QueueToDevice(event.ToDeviceVerificationDone, flow.theirUser, []id.DeviceID{flow.theirDevice}, &event.VerificationDoneEventContent{
			ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: flow.transactionID},
		})
		if err != nil {
			log.Err(err).Msg("Failed to queue done event")
			return
		}
		flow.sentOurDone = true
	}

	if err := mach.Registry.SetLocalTrust(flow.theirUser, flow.theirDevice, id.TrustStateVerified); err != nil {
		log.Warn().Err(err).Msg("Failed to mark verified device as trusted")
	} else if flow.theirUser == mach.UserID {
		mach.queueDeviceSignatureUpload(log, flow.theirUser, flow.theirDevice)
	}

	flow.state = sasStateDone
	if requestFlow, ok := mach.requests[flowKey{flow.theirUser, flow.transactionID}]; ok && !requestFlow.state.Terminal() {
		requestFlow.state = requestStateDone
	}
	log.Info().Stringer("transaction_id", flow.transactionID).Msg("Verification done")
}

// queueDeviceSignatureUpload signs the given device's keys blob with our own
// device key and queues a signature upload publishing it.
func (mach *Machine) queueDeviceSignatureUpload(log zerolog.Logger, userID id.UserID, deviceID id.DeviceID) {
	raw := mach.Registry.GetRawDeviceKeys(userID, deviceID)
	if raw == nil {
		return
	}
	var deviceKeys DeviceKeys
	if err := json.Unmarshal(raw, &deviceKeys); err != nil {
		log.Warn().Err(err).Msg("Failed to parse stored device keys for signature upload")
		return
	}
	signature, err := mach.Account.SignJSON(&deviceKeys)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to sign device keys for signature upload")
		return
	}
	if deviceKeys.Signatures == nil {
		deviceKeys.Signatures = make(map[id.UserID]map[id.KeyID]string)
	}
	if deviceKeys.Signatures[mach.UserID] == nil {
		deviceKeys.Signatures[mach.UserID] = make(map[id.KeyID]string)
	}
	deviceKeys.Signatures[mach.UserID][id.NewKeyID(id.KeyAlgorithmEd25519, mach.DeviceID.String())] = signature

	body, err := json.Marshal(map[id.UserID]map[id.DeviceID]*DeviceKeys{userID: {deviceID: &deviceKeys}})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal signature upload body")
		return
	}
	mach.queue.QueueSignatureUpload(body)
}

func (mach *Machine) handleVerificationDone(log zerolog.Logger, flow *requestFlow) {
	sasFlow := mach.sas[flow.transactionID]
	if sasFlow == nil {
		mach.cancelRequestFlow(flow, event.VerificationCancelCodeUnexpectedMessage, "Got a done event for a flow in the wrong state.", true)
		return
	}
	if sasFlow.receivedTheirDone {
		log.Debug().Msg("Ignoring duplicate done event")
		return
	}
	sasFlow.receivedTheirDone = true
	if sasFlow.state == sasStateDone {
		// We already completed on our side, nothing left to do.
		return
	}
	if sasFlow.state != sasStateConfirmed {
		log.Warn().Stringer("state", sasFlow.state).Msg("Received done event before confirming, recording it for later")
		return
	}
	mach.completeSASFlow(log, sasFlow)
}

// Cancel cancels the SAS flow (and its owning request) with the given code.
// Cancelling a flow that is already done or cancelled does nothing.
func (sv *SASVerification) Cancel(code event.VerificationCancelCode, reason string) error {
	sv.mach.lock.Lock()
	defer sv.mach.lock.Unlock()
	flow := sv.resolve()
	if flow == nil {
		return ErrUnknownTransaction
	}
	if flow.state.Terminal() {
		return nil
	}
	if requestFlow, ok := sv.mach.requests[flowKey{flow.theirUser, flow.transactionID}]; ok {
		sv.mach.cancelRequestFlow(requestFlow, code, reason, true)
		return nil
	}
	// No owning request, cancel just the SAS flow.
	err := sv.mach.queueCancelEvent(flow.theirUser, flow.theirDevice, flow.transactionID, code, reason)
	if err != nil {
		return err
	}
	flow.state = sasStateCancelled
	flow.cancelInfo = &CancelInfo{Code: code, Reason: reason, CancelledByUs: true}
	return nil
}

// computeMAC derives the per-flow MAC key for the given key ID and computes
// the MAC over the key using the negotiated MAC method.
func (mach *Machine) computeMAC(flow *sasFlow, senderUser id.UserID, senderDevice id.DeviceID, receiverUser id.UserID, receiverDevice id.DeviceID, keyID, key string) (jsonbytes.UnpaddedBytes, error) {
	sharedSecret, err := flow.ephemeralKey.ECDH(flow.theirPublicKey)
	if err != nil {
		return nil, err
	}

	var info strings.Builder
	info.WriteString("MATRIX_KEY_VERIFICATION_MAC")
	info.WriteString(senderUser.String())
	info.WriteString(senderDevice.String())
	info.WriteString(receiverUser.String())
	info.WriteString(receiverDevice.String())
	info.WriteString(flow.transactionID.String())
	info.WriteString(keyID)

	macKey, err := sas.GenerateBytes(sharedSecret, []byte(info.String()), 32)
	if err != nil {
		return nil, err
	}

	hash := hmac.New(sha256.New, macKey)
	hash.Write([]byte(key))
	sum := hash.Sum(nil)
	if flow.macMethod == event.MACMethodHKDFHMACSHA256 {
		// The old MAC method requires reproducing a libolm base64 bug.
		sum, err = base64.RawStdEncoding.DecodeString(brokenB64Encode(sum))
		if err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// brokenB64Encode implements the incorrect base64 serialization in libolm
// for the hkdf-hmac-sha256 MAC method. The bug is caused by the input and
// output buffers aliasing each other during the encoding, and this function
// is narrowly scoped to it: the input must be exactly 32 bytes.
//
// See [MSC3783] for details.
//
// [MSC3783]: https://github.com/matrix-org/matrix-spec-proposals/pull/3783
func brokenB64Encode(input []byte) string {
	encodeBase64 := []byte("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/")

	output := make([]byte, 43)
	copy(output, input)

	pos := 0
	outputPos := 0
	for pos != 30 {
		value := int32(output[pos])
		value <<= 8
		value |= int32(output[pos+1])
		value <<= 8
		value |= int32(output[pos+2])
		pos += 3
		output[outputPos] = encodeBase64[(value>>18)&0x3F]
		output[outputPos+1] = encodeBase64[(value>>12)&0x3F]
		output[outputPos+2] = encodeBase64[(value>>6)&0x3F]
		output[outputPos+3] = encodeBase64[value&0x3F]
		outputPos += 4
	}
	// This is the mangling that libolm does to the end of the encoding.
	value := int32(output[pos])
	value <<= 8
	value |= int32(output[pos+1])
	value <<= 2
	output[outputPos] = encodeBase64[(value>>12)&0x3F]
	output[outputPos+1] = encodeBase64[(value>>6)&0x3F]
	output[outputPos+2] = encodeBase64[value&0x3F]
	return string(output)
}
