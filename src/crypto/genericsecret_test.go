// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package primitives

import (
	"bytes"
	"testing"
)

func TestJoinSplitGenericSecret_RoundTrip(t *testing.T) {
	m := NewTestManager(t)

	aesID, err := m.GenerateAES(&KeyOptions{Extractable: true})
	if err != nil {
		t.Fatalf("GenerateAES() error = %v", err)
	}
	hmacID, err := m.GenerateHMACKey(&KeyOptions{Extractable: true})
	if err != nil {
		t.Fatalf("GenerateHMACKey() error = %v", err)
	}
	wantAES, err := m.ExportAES(aesID)
	if err != nil {
		t.Fatalf("ExportAES() error = %v", err)
	}

	combinedID, err := m.JoinGenericSecret(aesID, hmacID)
	if err != nil {
		t.Fatalf("JoinGenericSecret() error = %v", err)
	}

	gotAESID, gotHMACID, err := m.SplitGenericSecret(combinedID, 32)
	if err != nil {
		t.Fatalf("SplitGenericSecret() error = %v", err)
	}

	// The split AES slot isn't marked Extractable, so verify it round-trips
	// through EncryptMem/DecryptMem instead of exporting it directly.
	ciphertext, iv, err := m.EncryptMem(gotAESID, []byte("hello"), nil)
	if err != nil {
		t.Fatalf("EncryptMem() error = %v", err)
	}
	m2ID, err := m.ImportAES(wantAES, &KeyOptions{})
	if err != nil {
		t.Fatalf("ImportAES() error = %v", err)
	}
	plain, err := m.DecryptMem(m2ID, ciphertext, iv, nil)
	if err != nil {
		t.Fatalf("DecryptMem() error = %v", err)
	}
	if !bytes.Equal(plain, []byte("hello")) {
		t.Errorf("split AES key does not match original: got %q", plain)
	}

	if _, err := m.HMACJSONBlob(gotHMACID, []byte("data")); err != nil {
		t.Errorf("split HMAC key is not usable: %v", err)
	}
}

func TestSplitGenericSecret_RejectsTooShort(t *testing.T) {
	m := NewTestManager(t)

	id, err := m.GenerateGenericSecret(16, nil)
	if err != nil {
		t.Fatalf("GenerateGenericSecret() error = %v", err)
	}
	if _, _, err := m.SplitGenericSecret(id, 32); err == nil {
		t.Error("SplitGenericSecret() error = nil, want error for too-short secret")
	}
}
