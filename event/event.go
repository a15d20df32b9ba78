// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"go.mau.fi/sasmachine/id"
)

// Event represents a single to-device event as received from sync.
type Event struct {
	Sender  id.UserID       `json:"sender"`
	Type    Type            `json:"type"`
	Content json.RawMessage `json:"content"`
}

var ErrUnsupportedContentType = errors.New("unsupported event type")

// TransactionID extracts the transaction ID from the raw content without
// parsing the full event.
func (evt *Event) TransactionID() id.VerificationTransactionID {
	return id.VerificationTransactionID(gjson.GetBytes(evt.Content, "transaction_id").Str)
}

// ParseContent parses the raw content of the event into the typed content
// struct matching the event type.
func (evt *Event) ParseContent() (VerificationTransactionable, error) {
	var content VerificationTransactionable
	switch evt.Type.Type {
	case ToDeviceVerificationRequest.Type:
		content = &VerificationRequestEventContent{}
	case ToDeviceVerificationReady.Type:
		content = &VerificationReadyEventContent{}
	case ToDeviceVerificationStart.Type:
		content = &VerificationStartEventContent{}
	case ToDeviceVerificationAccept.Type:
		content = &VerificationAcceptEventContent{}
	case ToDeviceVerificationKey.Type:
		content = &VerificationKeyEventContent{}
	case ToDeviceVerificationMAC.Type:
		content = &VerificationMACEventContent{}
	case ToDeviceVerificationDone.Type:
		content = &VerificationDoneEventContent{}
	case ToDeviceVerificationCancel.Type:
		content = &VerificationCancelEventContent{}
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedContentType, evt.Type.Type)
	}
	if err := json.Unmarshal(evt.Content, content); err != nil {
		return nil, fmt.Errorf("failed to parse %s content: %w", evt.Type.Type, err)
	}
	return content, nil
}
