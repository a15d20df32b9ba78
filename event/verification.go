// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package event

import (
	"golang.org/x/exp/slices"

	"go.mau.fi/util/jsonbytes"
	"go.mau.fi/util/jsontime"

	"go.mau.fi/sasmachine/id"
)

type VerificationMethod string

const (
	VerificationMethodSAS VerificationMethod = "m.sas.v1"

	VerificationMethodQRCodeShow  VerificationMethod = "m.qr_code.show.v1"
	VerificationMethodQRCodeScan  VerificationMethod = "m.qr_code.scan.v1"
	VerificationMethodReciprocate VerificationMethod = "m.reciprocate.v1"
)

// VerificationTransactionable is an interface for verification event contents
// that have a transaction ID.
type VerificationTransactionable interface {
	GetTransactionID() id.VerificationTransactionID
	SetTransactionID(id.VerificationTransactionID)
}

// ToDeviceVerificationEvent contains the fields common to all to-device
// verification events.
type ToDeviceVerificationEvent struct {
	// TransactionID is an opaque identifier for the verification process.
	// Must be unique with respect to the devices involved.
	TransactionID id.VerificationTransactionID `json:"transaction_id,omitempty"`
}

func (ve *ToDeviceVerificationEvent) GetTransactionID() id.VerificationTransactionID {
	return ve.TransactionID
}

func (ve *ToDeviceVerificationEvent) SetTransactionID(id id.VerificationTransactionID) {
	ve.TransactionID = id
}

// VerificationRequestEventContent represents the content of an
// m.key.verification.request to-device event as described in [Section
// 11.12.2.1] of the Spec.
//
// [Section 11.12.2.1]: https://spec.matrix.org/v1.9/client-server-api/#key-verification-framework
type VerificationRequestEventContent struct {
	ToDeviceVerificationEvent
	// FromDevice is the device ID which is initiating the request.
	FromDevice id.DeviceID `json:"from_device"`
	// Methods is a list of the verification methods supported by the sender.
	Methods []VerificationMethod `json:"methods"`
	// Timestamp is the time at which the request was made.
	Timestamp jsontime.UnixMilli `json:"timestamp,omitempty"`
}

// VerificationReadyEventContent represents the content of an
// m.key.verification.ready event (both the to-device and the in-room
// version) as described in [Section 11.12.2.1] of the Spec.
//
// [Section 11.12.2.1]: https://spec.matrix.org/v1.9/client-server-api/#key-verification-framework
type VerificationReadyEventContent struct {
	ToDeviceVerificationEvent
	// FromDevice is the device ID which is accepting the request.
	FromDevice id.DeviceID `json:"from_device"`
	// Methods is a list of the verification methods supported by the sender.
	Methods []VerificationMethod `json:"methods"`
}

type KeyAgreementProtocol string

const (
	KeyAgreementProtocolCurve25519           KeyAgreementProtocol = "curve25519"
	KeyAgreementProtocolCurve25519HKDFSHA256 KeyAgreementProtocol = "curve25519-hkdf-sha256"
)

type VerificationHashMethod string

const VerificationHashMethodSHA256 VerificationHashMethod = "sha256"

type MACMethod string

const (
	MACMethodHKDFHMACSHA256 MACMethod = "hkdf-hmac-sha256"
	// MACMethodHKDFHMACSHA256V2 is a replacement for MACMethodHKDFHMACSHA256
	// with a libolm base64-encoding bug fixed. See [MSC3783] for details.
	//
	// [MSC3783]: https://github.com/matrix-org/matrix-spec-proposals/pull/3783
	MACMethodHKDFHMACSHA256V2 MACMethod = "hkdf-hmac-sha256.v2"
)

type SASMethod string

const (
	SASMethodDecimal SASMethod = "decimal"
	SASMethodEmoji   SASMethod = "emoji"
)

// VerificationStartEventContent represents the content of an
// m.key.verification.start event as described in [Section 11.12.2.1] of the
// Spec.
//
// [Section 11.12.2.1]: https://spec.matrix.org/v1.9/client-server-api/#key-verification-framework
type VerificationStartEventContent struct {
	ToDeviceVerificationEvent
	// FromDevice is the device ID which is initiating the process.
	FromDevice id.DeviceID `json:"from_device"`
	// Method is the verification method to use.
	Method VerificationMethod `json:"method"`

	// Hashes are the hash methods the sending device understands. Only
	// applicable for method m.sas.v1.
	Hashes []VerificationHashMethod `json:"hashes,omitempty"`
	// KeyAgreementProtocols is the list of key agreement protocols the sending
	// device understands. Only applicable for method m.sas.v1.
	KeyAgreementProtocols []KeyAgreementProtocol `json:"key_agreement_protocols,omitempty"`
	// MessageAuthenticationCodes is a list of the MAC methods that the sending
	// device understands. Only applicable for method m.sas.v1.
	MessageAuthenticationCodes []MACMethod `json:"message_authentication_codes,omitempty"`
	// ShortAuthenticationString is a list of SAS methods the sending device
	// (and the sending device's user) understands. Only applicable for method
	// m.sas.v1.
	ShortAuthenticationString []SASMethod `json:"short_authentication_string,omitempty"`

	// Secret is the shared secret from the QR code. Only applicable for
	// method m.reciprocate.v1.
	Secret jsonbytes.UnpaddedBytes `json:"secret,omitempty"`
}

func (vsec *VerificationStartEventContent) SupportsKeyAgreementProtocol(proto KeyAgreementProtocol) bool {
	return slices.Contains(vsec.KeyAgreementProtocols, proto)
}

func (vsec *VerificationStartEventContent) SupportsHashMethod(method VerificationHashMethod) bool {
	return slices.Contains(vsec.Hashes, method)
}

func (vsec *VerificationStartEventContent) SupportsMACMethod(method MACMethod) bool {
	return slices.Contains(vsec.MessageAuthenticationCodes, method)
}

func (vsec *VerificationStartEventContent) SupportsSASMethod(method SASMethod) bool {
	return slices.Contains(vsec.ShortAuthenticationString, method)
}

// VerificationAcceptEventContent represents the content of an
// m.key.verification.accept event as described in [Section 11.12.2.1] of the
// Spec.
//
// [Section 11.12.2.1]: https://spec.matrix.org/v1.9/client-server-api/#key-verification-framework
type VerificationAcceptEventContent struct {
	ToDeviceVerificationEvent
	// Commitment is the hash of the unpadded base64 representation of the
	// accepting device's own public ephemeral key concatenated with the
	// canonical JSON representation of the m.key.verification.start message
	// content. The key itself is only revealed in the later
	// m.key.verification.key event.
	Commitment jsonbytes.UnpaddedBytes `json:"commitment"`
	// Hash is the hash method the device is choosing to use.
	Hash VerificationHashMethod `json:"hash"`
	// KeyAgreementProtocol is the key agreement protocol the device is
	// choosing to use.
	KeyAgreementProtocol KeyAgreementProtocol `json:"key_agreement_protocol"`
	// MessageAuthenticationCode is the MAC method the device is choosing to
	// use.
	MessageAuthenticationCode MACMethod `json:"message_authentication_code"`
	// ShortAuthenticationString is a list of SAS methods both devices involved
	// in the verification process understand.
	ShortAuthenticationString []SASMethod `json:"short_authentication_string"`
}

// VerificationKeyEventContent represents the content of an
// m.key.verification.key event as described in [Section 11.12.2.1] of the
// Spec.
//
// [Section 11.12.2.1]: https://spec.matrix.org/v1.9/client-server-api/#key-verification-framework
type VerificationKeyEventContent struct {
	ToDeviceVerificationEvent
	// Key is the device's ephemeral public key.
	Key jsonbytes.UnpaddedBytes `json:"key"`
}

// VerificationMACEventContent represents the content of an
// m.key.verification.mac event as described in [Section 11.12.2.1] of the
// Spec.
//
// [Section 11.12.2.1]: https://spec.matrix.org/v1.9/client-server-api/#key-verification-framework
type VerificationMACEventContent struct {
	ToDeviceVerificationEvent
	// Keys is the MAC of the comma-separated, sorted, list of key IDs given
	// in the MAC property.
	Keys jsonbytes.UnpaddedBytes `json:"keys"`
	// MAC is a map of the key ID to the MAC of the key, as an unpadded base64
	// string, calculated using the MAC key.
	MAC map[id.KeyID]jsonbytes.UnpaddedBytes `json:"mac"`
}

// VerificationDoneEventContent represents the content of an
// m.key.verification.done event as described in [Section 11.12.2.1] of the
// Spec.
//
// [Section 11.12.2.1]: https://spec.matrix.org/v1.9/client-server-api/#key-verification-framework
type VerificationDoneEventContent struct {
	ToDeviceVerificationEvent
}

type VerificationCancelCode string

const (
	VerificationCancelCodeUser                 VerificationCancelCode = "m.user"
	VerificationCancelCodeTimeout              VerificationCancelCode = "m.timeout"
	VerificationCancelCodeUnknownTransaction   VerificationCancelCode = "m.unknown_transaction"
	VerificationCancelCodeUnknownMethod        VerificationCancelCode = "m.unknown_method"
	VerificationCancelCodeUnexpectedMessage    VerificationCancelCode = "m.unexpected_message"
	VerificationCancelCodeKeyMismatch          VerificationCancelCode = "m.key_mismatch"
	VerificationCancelCodeUserMismatch         VerificationCancelCode = "m.user_mismatch"
	VerificationCancelCodeInvalidMessage       VerificationCancelCode = "m.invalid_message"
	VerificationCancelCodeAccepted             VerificationCancelCode = "m.accepted"
	VerificationCancelCodeMismatchedCommitment VerificationCancelCode = "m.mismatched_commitment"
	VerificationCancelCodeMismatchedSAS        VerificationCancelCode = "m.mismatched_sas"
)

// VerificationCancelEventContent represents the content of an
// m.key.verification.cancel event as described in [Section 11.12.2.1] of the
// Spec.
//
// [Section 11.12.2.1]: https://spec.matrix.org/v1.9/client-server-api/#key-verification-framework
type VerificationCancelEventContent struct {
	ToDeviceVerificationEvent
	// Code is the error code for why the process/request was cancelled by the
	// user.
	Code VerificationCancelCode `json:"code"`
	// Reason is a human readable description of the code. The client should
	// only rely on this string if it does not understand the code.
	Reason string `json:"reason"`
}
