// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package primitives

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// GenerateHMACKey generates a 256-bit HMAC key and stores it in a new slot.
func (m *Manager) GenerateHMACKey(opts *KeyOptions) (SlotID, error) {
	if opts == nil {
		opts = &KeyOptions{}
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return 0, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not generate HMAC key", err)
	}
	return m.alloc(&slot{kind: KindHMAC, symmetric: key, opts: *opts})
}

// ImportHMACKey stores an existing HMAC key in a new slot.
func (m *Manager) ImportHMACKey(key []byte, opts *KeyOptions) (SlotID, error) {
	if opts == nil {
		opts = &KeyOptions{}
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return m.alloc(&slot{kind: KindHMAC, symmetric: cp, opts: *opts})
}

// HMACJSONBlob computes HMAC-SHA-256 over data (the canonical JSON encoding
// of a payload) with the key in id, for the keystore file's integrity tag
// and the master license's HMAC envelope.
func (m *Manager) HMACJSONBlob(id SlotID, data []byte) ([]byte, error) {
	s, err := m.get(id, KindHMAC)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, s.symmetric)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// VerifyHMACJSONBlob recomputes the HMAC over data with the key in id and
// compares it against tag in constant time.
func (m *Manager) VerifyHMACJSONBlob(id SlotID, data, tag []byte) error {
	want, err := m.HMACJSONBlob(id, data)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want, tag) != 1 {
		return ovsaerr.New(ovsaerr.VerificationFailed, "HMAC does not match", nil)
	}
	return nil
}
