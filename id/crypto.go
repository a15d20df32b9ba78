// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package id

import (
	"fmt"
	"strings"
)

// KeyAlgorithm is a cryptographic algorithm identifier used in key objects.
type KeyAlgorithm string

const (
	KeyAlgorithmCurve25519       KeyAlgorithm = "curve25519"
	KeyAlgorithmEd25519          KeyAlgorithm = "ed25519"
	KeyAlgorithmSignedCurve25519 KeyAlgorithm = "signed_curve25519"
)

func (alg KeyAlgorithm) String() string {
	return string(alg)
}

// NewKeyID creates a KeyID from the given algorithm and key name.
func NewKeyID(algorithm KeyAlgorithm, keyID string) KeyID {
	return KeyID(fmt.Sprintf("%s:%s", algorithm, keyID))
}

// Parse parses a KeyID into its algorithm and key name parts.
func (keyID KeyID) Parse() (Algorithm KeyAlgorithm, ID string) {
	algorithm, id, _ := strings.Cut(string(keyID), ":")
	return KeyAlgorithm(algorithm), id
}

// Ed25519 is the base64 representation of an ed25519 public key.
type Ed25519 string
type SigningKey = Ed25519

// Curve25519 is the base64 representation of a curve25519 public key.
type Curve25519 string
type IdentityKey = Curve25519

func (ed25519 Ed25519) String() string {
	return string(ed25519)
}

// Fingerprint returns the key in groups of 4 characters for nicer manual comparison.
func (ed25519 Ed25519) Fingerprint() string {
	spacedSigningKey := make([]byte, len(ed25519)+(len(ed25519)-1)/4)
	var ptr = 0
	for i, chr := range []byte(ed25519) {
		spacedSigningKey[ptr] = chr
		ptr++
		if i%4 == 3 {
			spacedSigningKey[ptr] = ' '
			ptr++
		}
	}
	return string(spacedSigningKey)
}

func (curve25519 Curve25519) String() string {
	return string(curve25519)
}

// Device represents a remote device's identity key snapshot plus the local
// mutable metadata attached to it.
//
// The key fields never change after the device has first been validated: a
// device whose signing key changes is treated as a logically different
// device and the update is rejected. Devices are never removed either,
// they're only flagged as deleted so that old flows stay auditable.
type Device struct {
	UserID      UserID
	DeviceID    DeviceID
	IdentityKey Curve25519
	SigningKey  Ed25519

	Trust   TrustState
	Deleted bool
	Name    string
}

func (device *Device) Fingerprint() string {
	return device.SigningKey.Fingerprint()
}
