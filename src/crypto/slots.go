// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package primitives implements the cryptographic operations shared by every
// component of the licensing toolchain: signing, AEAD, key wrapping, HMAC,
// hashing, certificate verification, and the key-slot abstraction that keeps
// raw key material out of callers' hands.
//
// Key material lives behind a Manager and is addressed by opaque SlotID
// handles, mirroring the pk11.Session/pk11.object split this package
// replaces: there is no PKCS#11 module or HSM here, only in-process Go
// values, but the caller-facing shape — generate into a slot, operate on a
// slot, clear a slot — is the same.
package primitives

import (
	"crypto/ecdsa"
	"fmt"
	"sync"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// SlotID addresses a key held by a Manager. The zero value never refers to a
// live slot.
type SlotID uint32

// Slot bounds, per the data model's MIN_KEY_SLOT/MAX_KEY_SLOT.
const (
	MinKeySlot SlotID = 1
	MaxKeySlot SlotID = 4096
)

// Kind identifies the type of key material held in a slot.
type Kind int

const (
	KindECDSA Kind = iota
	KindAES
	KindHMAC
	KindGenericSecret
)

func (k Kind) String() string {
	switch k {
	case KindECDSA:
		return "ecdsa"
	case KindAES:
		return "aes"
	case KindHMAC:
		return "hmac"
	case KindGenericSecret:
		return "generic-secret"
	default:
		return "unknown"
	}
}

// KeyOptions controls how a generated or imported key behaves. Extractable
// mirrors pk11's CKA_EXTRACTABLE: an extractable key's raw bytes can be read
// back out via Manager.ExportAES or Manager.ExportPrivateECDSA; a
// non-extractable one can only be operated on
// through the Manager's methods.
type KeyOptions struct {
	Extractable bool
}

type slot struct {
	kind      Kind
	ecdsaPriv *ecdsa.PrivateKey
	symmetric []byte
	opts      KeyOptions
}

// Manager holds live key material for one session's worth of work (one
// keystore load, one protect run, one license-service connection). It is
// safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	slots map[SlotID]*slot
	next  SlotID
}

// NewManager returns an empty Manager.
func NewManager() *Manager {
	return &Manager{
		slots: make(map[SlotID]*slot),
		next:  MinKeySlot,
	}
}

func (m *Manager) alloc(s *slot) (SlotID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.next > MaxKeySlot {
		return 0, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "key slot space exhausted", nil)
	}
	id := m.next
	m.next++
	m.slots[id] = s
	return id, nil
}

func (m *Manager) get(id SlotID, kind Kind) (*slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, fmt.Sprintf("no key in slot %d", id), nil)
	}
	if s.kind != kind {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter,
			fmt.Sprintf("slot %d holds a %s key, not a %s key", id, s.kind, kind), nil)
	}
	return s, nil
}

// Clear zeroizes and frees the key material in id. Clearing an unknown slot
// is a no-op, matching pk11's tolerance of double-frees on session close.
func (m *Manager) Clear(id SlotID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.slots[id]
	if !ok {
		return
	}
	if s.ecdsaPriv != nil {
		s.ecdsaPriv.D.SetInt64(0)
		s.ecdsaPriv = nil
	}
	zeroize(s.symmetric)
	s.symmetric = nil
	delete(m.slots, id)
}

// Close zeroizes every slot still held by the Manager. Call it when a
// command's key material is no longer needed, e.g. at the end of a protect
// or sale run.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]SlotID, 0, len(m.slots))
	for id := range m.slots {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Clear(id)
	}
}

// Kind reports the Kind of key held in id.
func (m *Manager) Kind(id SlotID) (Kind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return 0, ovsaerr.New(ovsaerr.InvalidParameter, fmt.Sprintf("no key in slot %d", id), nil)
	}
	return s.kind, nil
}
