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

	"github.com/rs/xid"
	"golang.org/x/exp/slices"

	"go.mau.fi/sasmachine/event"
	"go.mau.fi/sasmachine/id"
)

// OutgoingRequestType identifies what kind of server request an
// [OutgoingRequest] represents.
type OutgoingRequestType string

const (
	OutgoingRequestToDevice        OutgoingRequestType = "to_device"
	OutgoingRequestKeysUpload      OutgoingRequestType = "keys_upload"
	OutgoingRequestKeysQuery       OutgoingRequestType = "keys_query"
	OutgoingRequestKeysClaim       OutgoingRequestType = "keys_claim"
	OutgoingRequestSignatureUpload OutgoingRequestType = "signature_upload"
)

// OutgoingRequest is one server request produced by the engine. The engine
// never talks to the network itself: the caller drains these, performs them
// with whatever transport it has, and acknowledges each one with
// [Machine.MarkRequestSent].
type OutgoingRequest struct {
	// ID is a unique identifier for acknowledging the request.
	ID string
	// Type tells the caller which endpoint the request belongs to.
	Type OutgoingRequestType
	// ToDeviceType is the event type for to-device requests, empty otherwise.
	ToDeviceType event.Type
	// Body is the request payload. For to-device requests it unmarshals
	// into [ToDeviceRequest].
	Body json.RawMessage
	// Sent is set once the request has been acknowledged.
	Sent bool
}

// ToDeviceRequest is the body of a to-device [OutgoingRequest]: one event
// type fanned out to a set of target devices.
type ToDeviceRequest struct {
	EventType event.Type                                    `json:"event_type"`
	Messages  map[id.UserID]map[id.DeviceID]json.RawMessage `json:"messages"`
}

// ToDevice parses the request body as a [ToDeviceRequest].
func (req *OutgoingRequest) ToDevice() (*ToDeviceRequest, error) {
	if req.Type != OutgoingRequestToDevice {
		return nil, fmt.Errorf("%s request is not a to-device request", req.Type)
	}
	var parsed ToDeviceRequest
	if err := json.Unmarshal(req.Body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse to-device request body: %w", err)
	}
	return &parsed, nil
}

// KeysQueryBody is the body of a keys query [OutgoingRequest].
type KeysQueryBody struct {
	DeviceKeys map[id.UserID][]id.DeviceID `json:"device_keys"`
}

// RequestQueue collects the outgoing requests of one machine. Requests stay
// queued until they are explicitly acknowledged: draining the queue does not
// remove anything, so a crashed caller can always drain again and retry.
type RequestQueue struct {
	lock    sync.Mutex
	pending []*OutgoingRequest
	byID    map[string]*OutgoingRequest
}

func NewRequestQueue() *RequestQueue {
	return &RequestQueue{
		byID: make(map[string]*OutgoingRequest),
	}
}

// Drain returns all unsent requests in the order they were queued. The
// requests are not removed: only [RequestQueue.MarkSent] retires them.
func (queue *RequestQueue) Drain() []*OutgoingRequest {
	queue.lock.Lock()
	defer queue.lock.Unlock()
	requests := make([]*OutgoingRequest, 0, len(queue.pending))
	for _, req := range queue.pending {
		if !req.Sent {
			requests = append(requests, req)
		}
	}
	return requests
}

// MarkSent marks the request as sent and retires it from the pending list.
// The second return value is false if the request was never queued or has
// already been acknowledged.
func (queue *RequestQueue) MarkSent(requestID string) (*OutgoingRequest, bool) {
	queue.lock.Lock()
	defer queue.lock.Unlock()
	req, ok := queue.byID[requestID]
	if !ok || req.Sent {
		return req, false
	}
	req.Sent = true
	delete(queue.byID, requestID)
	queue.pending = slices.DeleteFunc(queue.pending, func(queued *OutgoingRequest) bool {
		return queued == req
	})
	return req, true
}

func (queue *RequestQueue) queue(req *OutgoingRequest) *OutgoingRequest {
	req.ID = xid.New().String()
	queue.lock.Lock()
	defer queue.lock.Unlock()
	queue.pending = append(queue.pending, req)
	queue.byID[req.ID] = req
	return req
}

// QueueToDevice queues a to-device request fanning the given content out to
// the given devices. The content must already carry its transaction ID.
func (queue *RequestQueue) QueueToDevice(evtType event.Type, userID id.UserID, deviceIDs []id.DeviceID, content any) (*OutgoingRequest, error) {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to-device content: %w", err)
	}
	messages := map[id.UserID]map[id.DeviceID]json.RawMessage{userID: {}}
	for _, deviceID := range deviceIDs {
		messages[userID][deviceID] = contentJSON
	}
	body, err := json.Marshal(&ToDeviceRequest{EventType: evtType, Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal to-device request: %w", err)
	}
	return queue.queue(&OutgoingRequest{
		Type:         OutgoingRequestToDevice,
		ToDeviceType: evtType,
		Body:         body,
	}), nil
}

// QueueKeysQuery queues a keys query for the given user. If an unsent keys
// query is already pending, the user is merged into it instead of queueing a
// second request.
func (queue *RequestQueue) QueueKeysQuery(userID id.UserID) (*OutgoingRequest, error) {
	queue.lock.Lock()
	defer queue.lock.Unlock()
	for _, req := range queue.pending {
		if req.Type != OutgoingRequestKeysQuery || req.Sent {
			continue
		}
		var existing KeysQueryBody
		if err := json.Unmarshal(req.Body, &existing); err != nil {
			continue
		}
		if _, ok := existing.DeviceKeys[userID]; ok {
			return req, nil
		}
		existing.DeviceKeys[userID] = []id.DeviceID{}
		body, err := json.Marshal(&existing)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal keys query body: %w", err)
		}
		req.Body = body
		return req, nil
	}

	body, err := json.Marshal(&KeysQueryBody{DeviceKeys: map[id.UserID][]id.DeviceID{userID: {}}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal keys query body: %w", err)
	}
	req := &OutgoingRequest{
		ID:   xid.New().String(),
		Type: OutgoingRequestKeysQuery,
		Body: body,
	}
	queue.pending = append(queue.pending, req)
	queue.byID[req.ID] = req
	return req, nil
}

// QueueKeysUpload queues a keys upload with the given body. If an unsent
// keys upload is already pending, it is left alone and returned instead.
func (queue *RequestQueue) QueueKeysUpload(body json.RawMessage) *OutgoingRequest {
	queue.lock.Lock()
	defer queue.lock.Unlock()
	for _, req := range queue.pending {
		if req.Type == OutgoingRequestKeysUpload && !req.Sent {
			return req
		}
	}
	req := &OutgoingRequest{
		ID:   xid.New().String(),
		Type: OutgoingRequestKeysUpload,
		Body: body,
	}
	queue.pending = append(queue.pending, req)
	queue.byID[req.ID] = req
	return req
}

// QueueSignatureUpload queues a signature upload with the given body.
func (queue *RequestQueue) QueueSignatureUpload(body json.RawMessage) *OutgoingRequest {
	return queue.queue(&OutgoingRequest{
		Type: OutgoingRequestSignatureUpload,
		Body: body,
	})
}
