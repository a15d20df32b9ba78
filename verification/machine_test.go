// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"

	"go.mau.fi/sasmachine/event"
	"go.mau.fi/sasmachine/id"
	"go.mau.fi/sasmachine/verification"
)

const (
	aliceUser   = id.UserID("@alice:example.org")
	aliceDevice = id.DeviceID("ALICEPHONE")
	bobUser     = id.UserID("@bob:example.org")
	bobDevice   = id.DeviceID("BOBLAPTOP")
)

// network relays outgoing requests between in-process machines, playing the
// roles of both the homeserver and the key server. To-device requests are
// delivered as sync events, keys queries are answered from the target
// machines' own accounts.
type network struct {
	t        *testing.T
	machines map[id.UserID]map[id.DeviceID]*verification.Machine

	// tamper, when set, can rewrite the content of a to-device event in
	// flight. Returning nil delivers the event unmodified.
	tamper func(evtType event.Type, content json.RawMessage) json.RawMessage
	// sent counts delivered to-device events per sending machine and event
	// type, and other request types under their type name.
	sent map[*verification.Machine]map[string]int
}

func newNetwork(t *testing.T) *network {
	return &network{
		t:        t,
		machines: make(map[id.UserID]map[id.DeviceID]*verification.Machine),
		sent:     make(map[*verification.Machine]map[string]int),
	}
}

func (net *network) add(userID id.UserID, deviceID id.DeviceID) *verification.Machine {
	mach, err := verification.NewMachine(userID, deviceID, zerolog.Nop())
	require.NoError(net.t, err)
	if net.machines[userID] == nil {
		net.machines[userID] = make(map[id.DeviceID]*verification.Machine)
	}
	net.machines[userID][deviceID] = mach
	net.sent[mach] = make(map[string]int)
	return mach
}

func (net *network) answerKeysQuery(body json.RawMessage) json.RawMessage {
	var query verification.KeysQueryBody
	require.NoError(net.t, json.Unmarshal(body, &query))
	resp := verification.KeysQueryResponse{
		DeviceKeys: make(map[id.UserID]map[id.DeviceID]json.RawMessage),
	}
	for userID := range query.DeviceKeys {
		resp.DeviceKeys[userID] = make(map[id.DeviceID]json.RawMessage)
		for deviceID, mach := range net.machines[userID] {
			deviceKeys, err := mach.Account.DeviceKeys()
			require.NoError(net.t, err)
			raw, err := json.Marshal(deviceKeys)
			require.NoError(net.t, err)
			resp.DeviceKeys[userID][deviceID] = raw
		}
	}
	respJSON, err := json.Marshal(&resp)
	require.NoError(net.t, err)
	return respJSON
}

func (net *network) deliverToDevice(sender *verification.Machine, req *verification.OutgoingRequest) {
	parsed, err := req.ToDevice()
	require.NoError(net.t, err)
	for userID, devices := range parsed.Messages {
		for deviceID, content := range devices {
			if net.tamper != nil {
				if tampered := net.tamper(parsed.EventType, content); tampered != nil {
					content = tampered
				}
			}
			targets := net.machines[userID]
			if deviceID != "*" {
				target, ok := targets[deviceID]
				if !ok {
					continue
				}
				targets = map[id.DeviceID]*verification.Machine{deviceID: target}
			}
			for _, target := range targets {
				if target == sender {
					continue
				}
				target.ProcessSync(&verification.SyncPayload{
					ToDeviceEvents: []*event.Event{{
						Sender:  sender.UserID,
						Type:    parsed.EventType,
						Content: content,
					}},
				})
			}
		}
	}
}

// flush drains and delivers outgoing requests until every machine's queue is
// quiet. Requests generated while delivering are picked up by later passes.
func (net *network) flush() {
	for pass := 0; ; pass++ {
		require.Less(net.t, pass, 25, "machines did not go quiet")
		progressed := false
		for _, devices := range net.machines {
			for _, mach := range devices {
				for _, req := range mach.Drain() {
					progressed = true
					var response json.RawMessage
					switch req.Type {
					case verification.OutgoingRequestToDevice:
						net.sent[mach][req.ToDeviceType.Type]++
						net.deliverToDevice(mach, req)
					case verification.OutgoingRequestKeysQuery:
						net.sent[mach][string(req.Type)]++
						response = net.answerKeysQuery(req.Body)
					default:
						net.sent[mach][string(req.Type)]++
					}
					require.NoError(net.t, mach.MarkRequestSent(req.ID, response))
				}
			}
		}
		if !progressed {
			return
		}
	}
}

// runUntilReady drives a verification request through acceptance and returns
// the two request handles, requester first.
func runUntilReady(t *testing.T, net *network, requester, accepter *verification.Machine) (*verification.VerificationRequest, *verification.VerificationRequest) {
	net.flush()

	_, err := requester.RequestVerification(accepter.UserID)
	require.ErrorIs(t, err, verification.ErrUnknownDevice)
	net.flush()

	req, err := requester.RequestVerification(accepter.UserID)
	require.NoError(t, err)
	net.flush()

	theirReqs := accepter.VerificationRequests()
	require.Len(t, theirReqs, 1)
	theirReq := theirReqs[0]
	assert.Equal(t, requester.UserID, theirReq.OtherUser())
	assert.Contains(t, theirReq.TheirSupportedMethods(), event.VerificationMethodSAS)
	require.NoError(t, theirReq.Accept())
	net.flush()

	require.True(t, req.IsReady())
	require.True(t, theirReq.IsReady())
	assert.Equal(t, accepter.DeviceID, req.OtherDeviceID())
	return req, theirReq
}

func TestVerificationFlow_TwoUsers(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	bob := net.add(bobUser, bobDevice)

	req, bobReq := runUntilReady(t, net, alice, bob)

	sasAlice, err := req.StartSAS()
	require.NoError(t, err)
	assert.True(t, sasAlice.WeStarted())
	net.flush()

	sasBob, ok := bob.GetSASVerification(req.TransactionID())
	require.True(t, ok)

	aliceEmojis, err := sasAlice.Emojis()
	require.NoError(t, err)
	bobEmojis, err := sasBob.Emojis()
	require.NoError(t, err)
	assert.Equal(t, aliceEmojis, bobEmojis)

	aliceDecimals, err := sasAlice.DecimalsString()
	require.NoError(t, err)
	bobDecimals, err := sasBob.DecimalsString()
	require.NoError(t, err)
	assert.Equal(t, aliceDecimals, bobDecimals)

	require.NoError(t, sasAlice.Confirm())
	require.NoError(t, sasBob.Confirm())
	net.flush()

	assert.True(t, sasAlice.IsDone())
	assert.True(t, sasBob.IsDone())
	assert.True(t, req.IsDone())
	assert.True(t, bobReq.IsDone())
	assert.Nil(t, req.CancelInfo())
	assert.Nil(t, bobReq.CancelInfo())

	assert.Equal(t, id.TrustStateVerified, alice.Registry.GetDevice(bobUser, bobDevice).Trust)
	assert.Equal(t, id.TrustStateVerified, bob.Registry.GetDevice(aliceUser, aliceDevice).Trust)
	assert.True(t, alice.Registry.IsAnyVerified(bobUser))
	assert.True(t, bob.Registry.IsAnyVerified(aliceUser))

	// Cross-user verification must not publish device signatures.
	assert.Zero(t, net.sent[alice][string(verification.OutgoingRequestSignatureUpload)])
	assert.Zero(t, net.sent[bob][string(verification.OutgoingRequestSignatureUpload)])
}

func TestVerificationFlow_OwnDevices(t *testing.T) {
	net := newNetwork(t)
	phone := net.add(aliceUser, "PHONE")
	laptop := net.add(aliceUser, "LAPTOP")

	req, laptopReq := runUntilReady(t, net, phone, laptop)

	sasPhone, err := req.StartSAS()
	require.NoError(t, err)
	net.flush()
	sasLaptop, ok := laptop.GetSASVerification(req.TransactionID())
	require.True(t, ok)

	require.NoError(t, sasPhone.Confirm())
	require.NoError(t, sasLaptop.Confirm())
	net.flush()

	require.True(t, req.IsDone())
	require.True(t, laptopReq.IsDone())

	// Verifying a device of our own user publishes our signature on it.
	assert.Equal(t, 1, net.sent[phone][string(verification.OutgoingRequestSignatureUpload)])
	assert.Equal(t, 1, net.sent[laptop][string(verification.OutgoingRequestSignatureUpload)])
}

func TestVerificationFlow_CommitmentTamper(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	bob := net.add(bobUser, bobDevice)

	req, bobReq := runUntilReady(t, net, alice, bob)

	net.tamper = func(evtType event.Type, content json.RawMessage) json.RawMessage {
		if evtType != event.ToDeviceVerificationAccept {
			return nil
		}
		tampered, err := sjson.SetBytes(content, "commitment", "dGFtcGVyZWQgY29tbWl0bWVudCB2YWx1ZSAhIQ")
		require.NoError(t, err)
		return tampered
	}

	_, err := req.StartSAS()
	require.NoError(t, err)
	net.flush()

	require.True(t, req.IsCancelled())
	cancelInfo := req.CancelInfo()
	require.NotNil(t, cancelInfo)
	assert.Equal(t, event.VerificationCancelCodeMismatchedCommitment, cancelInfo.Code)
	assert.True(t, cancelInfo.CancelledByUs)

	require.True(t, bobReq.IsCancelled())
	bobCancelInfo := bobReq.CancelInfo()
	require.NotNil(t, bobCancelInfo)
	assert.Equal(t, event.VerificationCancelCodeMismatchedCommitment, bobCancelInfo.Code)
	assert.False(t, bobCancelInfo.CancelledByUs)

	// The acceptor revealed its committed key, but the machine that caught
	// the mismatch must never have sent its own.
	assert.Zero(t, net.sent[alice][event.ToDeviceVerificationKey.Type])
	assert.Equal(t, 1, net.sent[bob][event.ToDeviceVerificationKey.Type])
	assert.NotEqual(t, id.TrustStateVerified, alice.Registry.GetDevice(bobUser, bobDevice).Trust)
}

func TestVerificationFlow_MACTamper(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	bob := net.add(bobUser, bobDevice)

	req, bobReq := runUntilReady(t, net, alice, bob)

	sasAlice, err := req.StartSAS()
	require.NoError(t, err)
	net.flush()
	sasBob, ok := bob.GetSASVerification(req.TransactionID())
	require.True(t, ok)

	net.tamper = func(evtType event.Type, content json.RawMessage) json.RawMessage {
		if evtType != event.ToDeviceVerificationMAC {
			return nil
		}
		tampered, err := sjson.SetBytes(content, "keys", "dGFtcGVyZWQga2V5IGxpc3QgbWFjIHZhbHVlICE")
		require.NoError(t, err)
		return tampered
	}

	require.NoError(t, sasAlice.Confirm())
	require.NoError(t, sasBob.Confirm())
	net.flush()

	require.True(t, req.IsCancelled())
	assert.Equal(t, event.VerificationCancelCodeKeyMismatch, req.CancelInfo().Code)
	require.True(t, bobReq.IsCancelled())

	assert.NotEqual(t, id.TrustStateVerified, alice.Registry.GetDevice(bobUser, bobDevice).Trust)
	assert.NotEqual(t, id.TrustStateVerified, bob.Registry.GetDevice(aliceUser, aliceDevice).Trust)
}

func TestVerificationFlow_CancelPropagates(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	bob := net.add(bobUser, bobDevice)

	req, bobReq := runUntilReady(t, net, alice, bob)

	require.NoError(t, req.Cancel(event.VerificationCancelCodeUser, "changed my mind"))
	net.flush()

	require.True(t, req.IsCancelled())
	assert.True(t, req.CancelInfo().CancelledByUs)
	require.True(t, bobReq.IsCancelled())
	assert.Equal(t, event.VerificationCancelCodeUser, bobReq.CancelInfo().Code)
	assert.Equal(t, "changed my mind", bobReq.CancelInfo().Reason)
	assert.False(t, bobReq.CancelInfo().CancelledByUs)

	// Terminal states are final: a late cancellation changes nothing.
	require.NoError(t, bobReq.Cancel(event.VerificationCancelCodeTimeout, "too late"))
	assert.Equal(t, event.VerificationCancelCodeUser, bobReq.CancelInfo().Code)
}

func TestVerificationFlow_DoneStaysDone(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	bob := net.add(bobUser, bobDevice)

	req, _ := runUntilReady(t, net, alice, bob)
	sasAlice, err := req.StartSAS()
	require.NoError(t, err)
	net.flush()
	sasBob, _ := bob.GetSASVerification(req.TransactionID())
	require.NoError(t, sasAlice.Confirm())
	require.NoError(t, sasBob.Confirm())
	net.flush()
	require.True(t, req.IsDone())

	// A cancellation arriving after completion must not regress the flow.
	cancelContent, err := json.Marshal(&event.VerificationCancelEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: req.TransactionID()},
		Code:                      event.VerificationCancelCodeUser,
		Reason:                    "too late",
	})
	require.NoError(t, err)
	alice.ProcessSync(&verification.SyncPayload{
		ToDeviceEvents: []*event.Event{{
			Sender:  bobUser,
			Type:    event.ToDeviceVerificationCancel,
			Content: cancelContent,
		}},
	})
	assert.True(t, req.IsDone())
	assert.False(t, req.IsCancelled())
	assert.Nil(t, req.CancelInfo())
}

func TestVerificationFlow_Timeout(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	net.flush()
	alice.DefaultTimeout = time.Nanosecond

	req, err := alice.RequestVerification(bobUser, bobDevice)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)

	// Timeouts are only reported, never acted on implicitly.
	assert.True(t, req.TimedOut())
	assert.False(t, req.IsCancelled())

	alice.GarbageCollect()
	var cancelled bool
	for _, outgoing := range alice.Drain() {
		if outgoing.ToDeviceType != event.ToDeviceVerificationCancel {
			continue
		}
		parsed, err := outgoing.ToDevice()
		require.NoError(t, err)
		var content event.VerificationCancelEventContent
		require.NoError(t, json.Unmarshal(parsed.Messages[bobUser][bobDevice], &content))
		assert.Equal(t, event.VerificationCancelCodeTimeout, content.Code)
		cancelled = true
	}
	assert.True(t, cancelled)
	_, ok := alice.GetVerificationRequest(bobUser, req.TransactionID())
	assert.False(t, ok)
}

func TestDirectStart_FullFlow(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	bob := net.add(bobUser, bobDevice)
	net.flush()

	// Both sides learn about each other's devices through device list
	// updates before any verification traffic flows.
	alice.ProcessSync(&verification.SyncPayload{DeviceLists: verification.DeviceLists{Changed: []id.UserID{bobUser}}})
	bob.ProcessSync(&verification.SyncPayload{DeviceLists: verification.DeviceLists{Changed: []id.UserID{aliceUser}}})
	net.flush()

	sasAlice, err := alice.StartSAS(bobUser, bobDevice)
	require.NoError(t, err)
	assert.True(t, sasAlice.WeStarted())
	net.flush()

	// The start event carried a transaction Bob never saw a request for,
	// but it came from a known device, so it must be tracked rather than
	// answered with an unknown transaction cancellation.
	sasBob, ok := bob.GetSASVerification(sasAlice.TransactionID())
	require.True(t, ok)
	assert.False(t, sasAlice.IsCancelled())
	assert.False(t, sasBob.IsCancelled())
	assert.Zero(t, net.sent[bob][event.ToDeviceVerificationCancel.Type])

	aliceEmojis, err := sasAlice.Emojis()
	require.NoError(t, err)
	bobEmojis, err := sasBob.Emojis()
	require.NoError(t, err)
	assert.Equal(t, aliceEmojis, bobEmojis)

	require.NoError(t, sasAlice.Confirm())
	require.NoError(t, sasBob.Confirm())
	net.flush()

	assert.True(t, sasAlice.IsDone())
	assert.True(t, sasBob.IsDone())
	assert.Equal(t, id.TrustStateVerified, alice.Registry.GetDevice(bobUser, bobDevice).Trust)
	assert.Equal(t, id.TrustStateVerified, bob.Registry.GetDevice(aliceUser, aliceDevice).Trust)
}

func TestDirectStart_UnknownDevice(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	net.flush()

	// Starting against a device we have no keys for queues a query instead.
	_, err := alice.StartSAS(bobUser, bobDevice)
	require.ErrorIs(t, err, verification.ErrUnknownDevice)
	requests := alice.Drain()
	require.Len(t, requests, 1)
	assert.Equal(t, verification.OutgoingRequestKeysQuery, requests[0].Type)
	require.NoError(t, alice.MarkRequestSent(requests[0].ID, net.answerKeysQuery(requests[0].Body)))

	// An inbound direct start from a device that is not in the registry is
	// still rejected as an unknown transaction.
	startContent, err := json.Marshal(&event.VerificationStartEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: "uninvited-txn"},
		FromDevice:                bobDevice,
		Method:                    event.VerificationMethodSAS,
	})
	require.NoError(t, err)
	alice.ProcessSync(&verification.SyncPayload{
		ToDeviceEvents: []*event.Event{{
			Sender:  bobUser,
			Type:    event.ToDeviceVerificationStart,
			Content: startContent,
		}},
	})
	_, ok := alice.GetSASVerification("uninvited-txn")
	assert.False(t, ok)
	requests = alice.Drain()
	require.Len(t, requests, 1)
	require.Equal(t, event.ToDeviceVerificationCancel, requests[0].ToDeviceType)
	parsed, err := requests[0].ToDevice()
	require.NoError(t, err)
	var cancel event.VerificationCancelEventContent
	require.NoError(t, json.Unmarshal(parsed.Messages[bobUser][bobDevice], &cancel))
	assert.Equal(t, event.VerificationCancelCodeUnknownTransaction, cancel.Code)
}

func TestRequest_MethodVisibility(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	bob := net.add(bobUser, bobDevice)
	net.flush()

	_, err := alice.RequestVerification(bobUser)
	require.ErrorIs(t, err, verification.ErrUnknownDevice)
	net.flush()
	req, err := alice.RequestVerification(bobUser)
	require.NoError(t, err)
	net.flush()

	bobReqs := bob.VerificationRequests()
	require.Len(t, bobReqs, 1)
	bobReq := bobReqs[0]

	// Before acceptance each handle only knows the methods its own side has
	// put on the wire: the requester has advertised, the accepter has not.
	assert.Contains(t, req.OurSupportedMethods(), event.VerificationMethodSAS)
	assert.Nil(t, req.TheirSupportedMethods())
	assert.Nil(t, bobReq.OurSupportedMethods())
	assert.Contains(t, bobReq.TheirSupportedMethods(), event.VerificationMethodSAS)

	require.NoError(t, bobReq.Accept())
	assert.Contains(t, bobReq.OurSupportedMethods(), event.VerificationMethodSAS)
	// The ready event has not been delivered yet.
	assert.Nil(t, req.TheirSupportedMethods())

	net.flush()
	require.True(t, req.IsReady())
	assert.Contains(t, req.TheirSupportedMethods(), event.VerificationMethodSAS)
}

func TestProcessSync_UnknownTransaction(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	net.flush()

	keyContent, err := json.Marshal(&event.VerificationKeyEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: "no-such-flow"},
		Key:                       []byte("0123456789abcdef0123456789abcdef"),
	})
	require.NoError(t, err)
	alice.ProcessSync(&verification.SyncPayload{
		ToDeviceEvents: []*event.Event{{
			Sender:  bobUser,
			Type:    event.ToDeviceVerificationKey,
			Content: keyContent,
		}},
	})

	requests := alice.Drain()
	require.Len(t, requests, 1)
	assert.Equal(t, event.ToDeviceVerificationCancel, requests[0].ToDeviceType)
	parsed, err := requests[0].ToDevice()
	require.NoError(t, err)
	var content event.VerificationCancelEventContent
	require.NoError(t, json.Unmarshal(parsed.Messages[bobUser]["*"], &content))
	assert.Equal(t, event.VerificationCancelCodeUnknownTransaction, content.Code)

	// A cancellation for an unknown flow must not be answered, that would
	// just ping-pong between two machines forever.
	require.NoError(t, alice.MarkRequestSent(requests[0].ID, nil))
	cancelContent, err := json.Marshal(&event.VerificationCancelEventContent{
		ToDeviceVerificationEvent: event.ToDeviceVerificationEvent{TransactionID: "also-no-such-flow"},
		Code:                      event.VerificationCancelCodeUser,
	})
	require.NoError(t, err)
	alice.ProcessSync(&verification.SyncPayload{
		ToDeviceEvents: []*event.Event{{
			Sender:  bobUser,
			Type:    event.ToDeviceVerificationCancel,
			Content: cancelContent,
		}},
	})
	assert.Empty(t, alice.Drain())
}

func TestProcessSync_OneTimeKeyReplenish(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	net.flush()

	alice.ProcessSync(&verification.SyncPayload{
		OneTimeKeyCounts: map[id.KeyAlgorithm]int{id.KeyAlgorithmSignedCurve25519: 10},
	})
	requests := alice.Drain()
	require.Len(t, requests, 1)
	assert.Equal(t, verification.OutgoingRequestKeysUpload, requests[0].Type)

	// Above the threshold nothing is queued.
	require.NoError(t, alice.MarkRequestSent(requests[0].ID, nil))
	alice.ProcessSync(&verification.SyncPayload{
		OneTimeKeyCounts: map[id.KeyAlgorithm]int{id.KeyAlgorithmSignedCurve25519: 100},
	})
	assert.Empty(t, alice.Drain())
}

func TestMarkRequestSent_Idempotent(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)

	requests := alice.Drain()
	require.Len(t, requests, 1)
	require.NoError(t, alice.MarkRequestSent(requests[0].ID, nil))
	assert.Empty(t, alice.Drain())

	require.NoError(t, alice.MarkRequestSent(requests[0].ID, nil))
	require.NoError(t, alice.MarkRequestSent("never-queued", nil))
	assert.Empty(t, alice.Drain())
}

func TestAccept_OwnRequest(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	net.flush()

	req, err := alice.RequestVerification(bobUser, bobDevice)
	require.NoError(t, err)
	require.ErrorIs(t, req.Accept(), verification.ErrInvalidVerificationState)
}

func TestStartSAS_BeforeReady(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	net.flush()

	req, err := alice.RequestVerification(bobUser, bobDevice)
	require.NoError(t, err)
	_, err = req.StartSAS()
	require.ErrorIs(t, err, verification.ErrInvalidVerificationState)
}

func TestStartQR_Unsupported(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	bob := net.add(bobUser, bobDevice)

	req, _ := runUntilReady(t, net, alice, bob)
	require.ErrorIs(t, req.StartQR(), verification.ErrUnsupportedMethod)
}

func TestSAS_ShortStringBeforeKeyExchange(t *testing.T) {
	net := newNetwork(t)
	alice := net.add(aliceUser, aliceDevice)
	bob := net.add(bobUser, bobDevice)

	req, _ := runUntilReady(t, net, alice, bob)
	sasAlice, err := req.StartSAS()
	require.NoError(t, err)

	_, err = sasAlice.Emojis()
	require.ErrorIs(t, err, verification.ErrInvalidVerificationState)
	_, err = sasAlice.Decimals()
	require.ErrorIs(t, err, verification.ErrInvalidVerificationState)
	assert.False(t, sasAlice.CanBePresented())
}
