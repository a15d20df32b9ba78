// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package verification

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"go.mau.fi/sasmachine/id"
	"go.mau.fi/sasmachine/signatures"
)

// CrossSigningKey is a single cross-signing key blob from a keys query
// response.
type CrossSigningKey struct {
	UserID     id.UserID             `json:"user_id"`
	Usage      []string              `json:"usage"`
	Keys       map[id.KeyID]string   `json:"keys"`
	Signatures signatures.Signatures `json:"signatures,omitempty"`
}

// FirstKey returns the first (and in practice only) key in the blob.
func (csk *CrossSigningKey) FirstKey() id.Ed25519 {
	for _, key := range csk.Keys {
		return id.Ed25519(key)
	}
	return ""
}

// KeysQueryResponse is the server response to a keys query request.
type KeysQueryResponse struct {
	DeviceKeys      map[id.UserID]map[id.DeviceID]json.RawMessage `json:"device_keys"`
	MasterKeys      map[id.UserID]*CrossSigningKey                `json:"master_keys,omitempty"`
	SelfSigningKeys map[id.UserID]*CrossSigningKey                `json:"self_signing_keys,omitempty"`
}

// DeviceRegistry is the in-memory store of remote device identities known to
// one machine. Devices enter the registry through validated keys query
// responses and never leave it: a device reported as gone is only flagged as
// deleted.
//
// Verification flows read identity keys from here when computing and checking
// MACs, and write local trust back after a successful confirmation.
type DeviceRegistry struct {
	log zerolog.Logger

	lock         sync.RWMutex
	devices      map[id.UserID]map[id.DeviceID]*id.Device
	rawKeys      map[id.UserID]map[id.DeviceID]json.RawMessage
	crossSigning map[id.UserID]*crossSigningIdentity
}

type crossSigningIdentity struct {
	masterKey      id.Ed25519
	selfSigningKey id.Ed25519
}

func NewDeviceRegistry(log zerolog.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		log:          log.With().Str("component", "device_registry").Logger(),
		devices:      make(map[id.UserID]map[id.DeviceID]*id.Device),
		rawKeys:      make(map[id.UserID]map[id.DeviceID]json.RawMessage),
		crossSigning: make(map[id.UserID]*crossSigningIdentity),
	}
}

// GetDevice returns the stored device, or nil if it has never been seen.
// Deleted devices are still returned, callers routing messages must check
// the Deleted flag themselves.
func (registry *DeviceRegistry) GetDevice(userID id.UserID, deviceID id.DeviceID) *id.Device {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	return registry.devices[userID][deviceID]
}

// GetUserDevices returns all stored devices of the user sorted by device ID.
func (registry *DeviceRegistry) GetUserDevices(userID id.UserID) []*id.Device {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	devices := make([]*id.Device, 0, len(registry.devices[userID]))
	for _, device := range registry.devices[userID] {
		devices = append(devices, device)
	}
	slices.SortFunc(devices, func(a, b *id.Device) int {
		return strings.Compare(a.DeviceID.String(), b.DeviceID.String())
	})
	return devices
}

// PutDevice stores a device directly, bypassing signature validation. Mostly
// useful for tests and for trusting the local device itself.
func (registry *DeviceRegistry) PutDevice(device *id.Device) {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	registry.putDevice(device)
}

func (registry *DeviceRegistry) putDevice(device *id.Device) {
	if registry.devices[device.UserID] == nil {
		registry.devices[device.UserID] = make(map[id.DeviceID]*id.Device)
	}
	registry.devices[device.UserID][device.DeviceID] = device
}

// SetLocalTrust overrides the local trust state of a device.
func (registry *DeviceRegistry) SetLocalTrust(userID id.UserID, deviceID id.DeviceID, trust id.TrustState) error {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	device := registry.devices[userID][deviceID]
	if device == nil {
		return fmt.Errorf("%w: %s of %s", ErrUnknownDevice, deviceID, userID)
	}
	device.Trust = trust
	return nil
}

// ResolveTrust returns the effective trust state of a device. An explicit
// local verification or blacklisting always wins. Otherwise the trust is
// derived from the stored cross-signing identity of the device's owner and
// never persisted on the device itself.
func (registry *DeviceRegistry) ResolveTrust(device *id.Device) id.TrustState {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	return registry.resolveTrust(device)
}

func (registry *DeviceRegistry) resolveTrust(device *id.Device) id.TrustState {
	if device.Trust == id.TrustStateVerified || device.Trust == id.TrustStateBlacklisted {
		return device.Trust
	}
	identity := registry.crossSigning[device.UserID]
	raw := registry.rawKeys[device.UserID][device.DeviceID]
	if identity == nil || identity.selfSigningKey == "" || raw == nil {
		return id.TrustStateUnset
	}
	ok, err := signatures.VerifySignatureJSON(raw, device.UserID, identity.selfSigningKey.String(), identity.selfSigningKey)
	if err != nil || !ok {
		return id.TrustStateUnset
	}
	return id.TrustStateCrossSignedTOFU
}

// IsAnyVerified reports whether at least one non-deleted device of the user
// resolves to a verified trust state.
func (registry *DeviceRegistry) IsAnyVerified(userID id.UserID) bool {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	for _, device := range registry.devices[userID] {
		if !device.Deleted && registry.resolveTrust(device).IsVerified() {
			return true
		}
	}
	return false
}

// GetCrossSigningKeys returns the stored master and self-signing keys of the
// user, or empty strings if no cross-signing identity is known.
func (registry *DeviceRegistry) GetCrossSigningKeys(userID id.UserID) (master, selfSigning id.Ed25519) {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	if identity := registry.crossSigning[userID]; identity != nil {
		return identity.masterKey, identity.selfSigningKey
	}
	return "", ""
}

// GetRawDeviceKeys returns the last validated device keys blob of the
// device, or nil if none has been ingested.
func (registry *DeviceRegistry) GetRawDeviceKeys(userID id.UserID, deviceID id.DeviceID) json.RawMessage {
	registry.lock.RLock()
	defer registry.lock.RUnlock()
	return registry.rawKeys[userID][deviceID]
}

// MarkUserDevicesDeleted flags all devices of the user as deleted. The
// devices stay in the registry so that historical flows remain auditable.
func (registry *DeviceRegistry) MarkUserDevicesDeleted(userID id.UserID) {
	registry.lock.Lock()
	defer registry.lock.Unlock()
	for _, device := range registry.devices[userID] {
		device.Deleted = true
	}
}

// ProcessQueryResponse validates and stores the device keys in a keys query
// response. Invalid blobs are logged and skipped without affecting the rest
// of the response. Re-ingesting identical material is a no-op: in particular
// the local trust state of already-known devices is preserved.
func (registry *DeviceRegistry) ProcessQueryResponse(resp *KeysQueryResponse) {
	registry.lock.Lock()
	defer registry.lock.Unlock()

	for userID, selfSigning := range resp.SelfSigningKeys {
		identity := registry.crossSigning[userID]
		if identity == nil {
			identity = &crossSigningIdentity{}
			registry.crossSigning[userID] = identity
		}
		identity.selfSigningKey = selfSigning.FirstKey()
		if master, ok := resp.MasterKeys[userID]; ok {
			identity.masterKey = master.FirstKey()
		}
	}

	for userID, devices := range resp.DeviceKeys {
		for deviceID, raw := range devices {
			device, err := registry.validateDevice(userID, deviceID, raw)
			if err != nil {
				registry.log.Warn().Err(err).
					Stringer("user_id", userID).
					Stringer("device_id", deviceID).
					Msg("Rejecting device keys blob from query response")
				continue
			}
			existing := registry.devices[userID][deviceID]
			if existing != nil {
				// The signing key pins the device identity. A blob with a
				// different signing key is a different device wearing the
				// same ID and must not replace the pinned one.
				if existing.SigningKey != device.SigningKey {
					registry.log.Warn().
						Stringer("user_id", userID).
						Stringer("device_id", deviceID).
						Msg("Rejecting device keys blob with changed signing key")
					continue
				}
				existing.IdentityKey = device.IdentityKey
				existing.Deleted = false
			} else {
				registry.putDevice(device)
			}
			if registry.rawKeys[userID] == nil {
				registry.rawKeys[userID] = make(map[id.DeviceID]json.RawMessage)
			}
			registry.rawKeys[userID][deviceID] = raw
		}
	}
}

func (registry *DeviceRegistry) validateDevice(userID id.UserID, deviceID id.DeviceID, raw json.RawMessage) (*id.Device, error) {
	var deviceKeys DeviceKeys
	if err := json.Unmarshal(raw, &deviceKeys); err != nil {
		return nil, fmt.Errorf("failed to parse device keys: %w", err)
	}
	if deviceKeys.UserID != userID || deviceKeys.DeviceID != deviceID {
		return nil, fmt.Errorf("mismatching user ID (%s) or device ID (%s) in device keys blob", deviceKeys.UserID, deviceKeys.DeviceID)
	}

	signingKey := deviceKeys.Keys[id.NewKeyID(id.KeyAlgorithmEd25519, deviceID.String())]
	identityKey := deviceKeys.Keys[id.NewKeyID(id.KeyAlgorithmCurve25519, deviceID.String())]
	if signingKey == "" {
		return nil, fmt.Errorf("no ed25519 key found in device keys blob")
	} else if identityKey == "" {
		return nil, fmt.Errorf("no curve25519 key found in device keys blob")
	}

	ok, err := signatures.VerifySignatureJSON(raw, userID, deviceID.String(), id.Ed25519(signingKey))
	if err != nil {
		return nil, fmt.Errorf("failed to verify self-signature: %w", err)
	} else if !ok {
		return nil, fmt.Errorf("invalid self-signature in device keys blob")
	}

	return &id.Device{
		UserID:      userID,
		DeviceID:    deviceID,
		IdentityKey: id.Curve25519(identityKey),
		SigningKey:  id.Ed25519(signingKey),
	}, nil
}
