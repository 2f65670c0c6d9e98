// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package primitives

import (
	"crypto/rand"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// GenerateGenericSecret generates a length-byte generic secret and stores it
// in a new slot, grounded on pk11/gensec.go's CKM_GENERIC_SECRET_KEY_GEN
// key class: key material with no fixed algorithm of its own, used as a
// vehicle for wrapping two related keys (a content key and its
// accompanying HMAC key) as one opaque blob.
func (m *Manager) GenerateGenericSecret(length int, opts *KeyOptions) (SlotID, error) {
	if opts == nil {
		opts = &KeyOptions{}
	}
	if length < 16 {
		return 0, ovsaerr.New(ovsaerr.InvalidParameter, "generic secret must be at least 16 bytes", nil)
	}
	key := make([]byte, length)
	if _, err := rand.Read(key); err != nil {
		return 0, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not generate generic secret", err)
	}
	return m.alloc(&slot{kind: KindGenericSecret, symmetric: key, opts: *opts})
}

// JoinGenericSecret concatenates the raw bytes of an AES slot and an HMAC
// slot into a new generic-secret slot, for wrapping both keys as a single
// blob. It leaves aesID and hmacID untouched; the caller clears them once
// it is done using them directly.
func (m *Manager) JoinGenericSecret(aesID, hmacID SlotID) (SlotID, error) {
	aes, err := m.get(aesID, KindAES)
	if err != nil {
		return 0, err
	}
	hm, err := m.get(hmacID, KindHMAC)
	if err != nil {
		return 0, err
	}

	combined := make([]byte, 0, len(aes.symmetric)+len(hm.symmetric))
	combined = append(combined, aes.symmetric...)
	combined = append(combined, hm.symmetric...)
	return m.alloc(&slot{kind: KindGenericSecret, symmetric: combined, opts: KeyOptions{}})
}

// SplitGenericSecret reverses JoinGenericSecret: it splits the generic
// secret in id into a new AES slot (the first aesLen bytes) and a new HMAC
// slot (the remainder), then clears id.
func (m *Manager) SplitGenericSecret(id SlotID, aesLen int) (aesID, hmacID SlotID, err error) {
	s, err := m.get(id, KindGenericSecret)
	if err != nil {
		return 0, 0, err
	}
	if len(s.symmetric) <= aesLen {
		return 0, 0, ovsaerr.New(ovsaerr.InvalidParameter, "generic secret too short to split", nil)
	}

	aesPart := make([]byte, aesLen)
	copy(aesPart, s.symmetric[:aesLen])
	hmacPart := make([]byte, len(s.symmetric)-aesLen)
	copy(hmacPart, s.symmetric[aesLen:])

	aesID, err = m.alloc(&slot{kind: KindAES, symmetric: aesPart, opts: KeyOptions{}})
	if err != nil {
		return 0, 0, err
	}
	hmacID, err = m.alloc(&slot{kind: KindHMAC, symmetric: hmacPart, opts: KeyOptions{}})
	if err != nil {
		m.Clear(aesID)
		return 0, 0, err
	}
	m.Clear(id)
	return aesID, hmacID, nil
}
