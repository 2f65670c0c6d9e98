// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package primitives

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// GCMNonceSize is the AES-GCM IV length used throughout the toolchain: 96
// bits, per the data model's EncryptMem/DecryptMem definition.
const GCMNonceSize = 12

// GCMTagSize is the AES-GCM authentication tag length: 128 bits.
const GCMTagSize = 16

// GenerateAES generates a 256-bit AES key and stores it in a new slot.
func (m *Manager) GenerateAES(opts *KeyOptions) (SlotID, error) {
	if opts == nil {
		opts = &KeyOptions{}
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return 0, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not generate AES key", err)
	}
	return m.alloc(&slot{kind: KindAES, symmetric: key, opts: *opts})
}

// ImportAES stores an existing 256-bit AES key in a new slot.
func (m *Manager) ImportAES(key []byte, opts *KeyOptions) (SlotID, error) {
	if opts == nil {
		opts = &KeyOptions{}
	}
	if len(key) != 32 {
		return 0, ovsaerr.New(ovsaerr.InvalidParameter, "AES key must be 32 bytes", nil)
	}
	cp := make([]byte, len(key))
	copy(cp, key)
	return m.alloc(&slot{kind: KindAES, symmetric: cp, opts: *opts})
}

// ExportAES returns a copy of the raw key bytes in id. It fails unless the
// slot was created with KeyOptions.Extractable set.
func (m *Manager) ExportAES(id SlotID) ([]byte, error) {
	s, err := m.get(id, KindAES)
	if err != nil {
		return nil, err
	}
	if !s.opts.Extractable {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "key slot is not extractable", nil)
	}
	cp := make([]byte, len(s.symmetric))
	copy(cp, s.symmetric)
	return cp, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not construct AES cipher", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, GCMTagSize)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not construct GCM mode", err)
	}
	return gcm, nil
}

// EncryptMem encrypts plaintext with the AES key in id using AES-256-GCM: a
// fresh random 96-bit IV is generated and returned alongside the ciphertext
// (which carries the 128-bit tag appended, per crypto/cipher.AEAD.Seal).
// aad may be nil.
func (m *Manager) EncryptMem(id SlotID, plaintext, aad []byte) (ciphertext, iv []byte, err error) {
	s, err := m.get(id, KindAES)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := newGCM(s.symmetric)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, GCMNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not generate IV", err)
	}
	ciphertext = gcm.Seal(nil, iv, plaintext, aad)
	return ciphertext, iv, nil
}

// DecryptMem decrypts ciphertext produced by EncryptMem. A mismatched tag,
// key, IV, or aad surfaces as a VerificationFailed error: callers must treat
// a decrypt failure as tamper evidence, not as a retryable I/O error.
func (m *Manager) DecryptMem(id SlotID, ciphertext, iv, aad []byte) ([]byte, error) {
	s, err := m.get(id, KindAES)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(s.symmetric)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.VerificationFailed, "AES-GCM authentication failed", err)
	}
	return plaintext, nil
}
