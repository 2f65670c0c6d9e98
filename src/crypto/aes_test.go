// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package primitives

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptMem_RoundTrip(t *testing.T) {
	m := NewTestManager(t)
	id := MustGenerateAES(t, m)

	plaintext := []byte("model weights go here")
	aad := []byte("bundle-manifest-v1")

	ciphertext, iv, err := m.EncryptMem(id, plaintext, aad)
	if err != nil {
		t.Fatalf("EncryptMem() error = %v", err)
	}
	if len(iv) != GCMNonceSize {
		t.Fatalf("len(iv) = %d, want %d", len(iv), GCMNonceSize)
	}

	got, err := m.DecryptMem(id, ciphertext, iv, aad)
	if err != nil {
		t.Fatalf("DecryptMem() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("DecryptMem() = %q, want %q", got, plaintext)
	}
}

func TestDecryptMem_TamperedCiphertextFails(t *testing.T) {
	m := NewTestManager(t)
	id := MustGenerateAES(t, m)

	ciphertext, iv, err := m.EncryptMem(id, []byte("secret"), nil)
	if err != nil {
		t.Fatalf("EncryptMem() error = %v", err)
	}
	ciphertext[0] ^= 0xff

	if _, err := m.DecryptMem(id, ciphertext, iv, nil); err == nil {
		t.Error("DecryptMem() error = nil, want authentication failure")
	}
}

func TestDecryptMem_WrongAADFails(t *testing.T) {
	m := NewTestManager(t)
	id := MustGenerateAES(t, m)

	ciphertext, iv, err := m.EncryptMem(id, []byte("secret"), []byte("aad-a"))
	if err != nil {
		t.Fatalf("EncryptMem() error = %v", err)
	}

	if _, err := m.DecryptMem(id, ciphertext, iv, []byte("aad-b")); err == nil {
		t.Error("DecryptMem() error = nil, want authentication failure for mismatched aad")
	}
}

func TestExportAES_RequiresExtractable(t *testing.T) {
	m := NewTestManager(t)
	id, err := m.GenerateAES(&KeyOptions{Extractable: false})
	if err != nil {
		t.Fatalf("GenerateAES() error = %v", err)
	}
	if _, err := m.ExportAES(id); err == nil {
		t.Error("ExportAES() error = nil, want error for non-extractable slot")
	}
}

func TestImportAES_RejectsWrongLength(t *testing.T) {
	m := NewTestManager(t)
	if _, err := m.ImportAES(make([]byte, 16), nil); err == nil {
		t.Error("ImportAES(16 bytes) error = nil, want error: keys must be 32 bytes")
	}
}
