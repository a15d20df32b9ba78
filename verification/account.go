// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"go.mau.fi/sasmachine/id"
	"go.mau.fi/sasmachine/signatures"
)

// Account holds the long-term key material of the local device: an ed25519
// signing key and an X25519 identity key. The keys are generated fresh for
// every account and are immutable afterwards.
type Account struct {
	UserID   id.UserID
	DeviceID id.DeviceID

	signingKey  ed25519.PrivateKey
	identityKey *ecdh.PrivateKey
}

func NewAccount(userID id.UserID, deviceID id.DeviceID) (*Account, error) {
	_, signingKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	identityKey, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	return &Account{
		UserID:      userID,
		DeviceID:    deviceID,
		signingKey:  signingKey,
		identityKey: identityKey,
	}, nil
}

// SigningKey returns the public ed25519 key in unpadded base64.
func (account *Account) SigningKey() id.Ed25519 {
	return id.Ed25519(base64.RawStdEncoding.EncodeToString(account.signingKey.Public().(ed25519.PublicKey)))
}

// IdentityKey returns the public curve25519 key in unpadded base64.
func (account *Account) IdentityKey() id.Curve25519 {
	return id.Curve25519(base64.RawStdEncoding.EncodeToString(account.identityKey.PublicKey().Bytes()))
}

// SignJSON canonicalizes and signs the given object with the account's
// ed25519 signing key.
func (account *Account) SignJSON(obj any) (string, error) {
	return signatures.SignJSON(account.signingKey, obj)
}

// DeviceKeys is the self-signed identity blob of one device, as uploaded to
// and queried from the key server.
type DeviceKeys struct {
	UserID     id.UserID             `json:"user_id"`
	DeviceID   id.DeviceID           `json:"device_id"`
	Algorithms []string              `json:"algorithms"`
	Keys       map[id.KeyID]string   `json:"keys"`
	Signatures signatures.Signatures `json:"signatures,omitempty"`
}

// DeviceKeys produces the account's signed device keys blob.
func (account *Account) DeviceKeys() (*DeviceKeys, error) {
	deviceKeys := &DeviceKeys{
		UserID:   account.UserID,
		DeviceID: account.DeviceID,
		Algorithms: []string{
			"m.olm.v1.curve25519-aes-sha2",
			"m.megolm.v1.aes-sha2",
		},
		Keys: map[id.KeyID]string{
			id.NewKeyID(id.KeyAlgorithmCurve25519, account.DeviceID.String()): account.IdentityKey().String(),
			id.NewKeyID(id.KeyAlgorithmEd25519, account.DeviceID.String()):    account.SigningKey().String(),
		},
	}
	signature, err := account.SignJSON(deviceKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to sign device keys: %w", err)
	}
	deviceKeys.Signatures = signatures.NewSingleSignature(account.UserID, id.KeyAlgorithmEd25519, account.DeviceID.String(), signature)
	return deviceKeys, nil
}

// KeysUploadBody builds the body of a keys upload request carrying the
// account's signed device keys.
func (account *Account) KeysUploadBody() (json.RawMessage, error) {
	deviceKeys, err := account.DeviceKeys()
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]any{"device_keys": deviceKeys})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal keys upload body: %w", err)
	}
	return body, nil
}
