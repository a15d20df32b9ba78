// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package signatures implements JSON object signing and signature
// verification for device keys and cross-signing keys.
package signatures

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/sjson"

	"go.mau.fi/sasmachine/canonicaljson"
	"go.mau.fi/sasmachine/id"
)

// Signatures represents a set of signatures for some data from multiple users
// and keys.
type Signatures map[id.UserID]map[id.KeyID]string

// NewSingleSignature creates a new [Signatures] object with a single
// signature.
func NewSingleSignature(userID id.UserID, algorithm id.KeyAlgorithm, keyID string, signature string) Signatures {
	return Signatures{
		userID: {
			id.NewKeyID(algorithm, keyID): signature,
		},
	}
}

// signablePayload marshals the given object and strips the signatures and
// unsigned fields, since they're not covered by the signature itself.
func signablePayload(obj any) ([]byte, error) {
	objJSON, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal object: %w", err)
	}
	objJSON, err = sjson.DeleteBytes(objJSON, "signatures")
	if err != nil {
		return nil, fmt.Errorf("failed to delete signatures from object: %w", err)
	}
	objJSON, err = sjson.DeleteBytes(objJSON, "unsigned")
	if err != nil {
		return nil, fmt.Errorf("failed to delete unsigned from object: %w", err)
	}
	return canonicaljson.CanonicalJSONAssumeValid(objJSON), nil
}

// SignJSON canonicalizes the given object (sans signatures and unsigned
// fields) and signs it with the given ed25519 private key. The signature is
// returned in unpadded base64.
func SignJSON(key ed25519.PrivateKey, obj any) (string, error) {
	payload, err := signablePayload(obj)
	if err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(key, payload)), nil
}

// VerifySignatureJSON verifies the signature made by the given user with the
// given key name inside the signatures property of the given object.
func VerifySignatureJSON(obj any, userID id.UserID, keyName string, key id.Ed25519) (bool, error) {
	var sigs Signatures
	switch typedObj := obj.(type) {
	case interface{ GetSignatures() Signatures }:
		sigs = typedObj.GetSignatures()
	default:
		objJSON, err := json.Marshal(obj)
		if err != nil {
			return false, fmt.Errorf("failed to marshal object: %w", err)
		}
		var wrapper struct {
			Signatures Signatures `json:"signatures"`
		}
		if err = json.Unmarshal(objJSON, &wrapper); err != nil {
			return false, fmt.Errorf("failed to unmarshal signatures: %w", err)
		}
		sigs = wrapper.Signatures
	}

	sigB64, ok := sigs[userID][id.NewKeyID(id.KeyAlgorithmEd25519, keyName)]
	if !ok {
		return false, nil
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	if err != nil {
		return false, fmt.Errorf("failed to decode signature: %w", err)
	}
	keyBytes, err := base64.RawStdEncoding.DecodeString(key.String())
	if err != nil {
		return false, fmt.Errorf("failed to decode public key: %w", err)
	} else if len(keyBytes) != ed25519.PublicKeySize {
		return false, fmt.Errorf("unexpected public key length %d", len(keyBytes))
	}

	payload, err := signablePayload(obj)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(ed25519.PublicKey(keyBytes), payload, sig), nil
}
