// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// This file contains test-support helpers for standing up a Manager
// pre-loaded with key material, the way pk11/test_support.go stood up a
// SoftHSM-backed Session for the PKCS#11-based tests this package replaces.
// There is no HSM process to launch here: a Manager is just a Go value, so
// these helpers are a thin convenience layer, not a test harness.

package primitives

import (
	"crypto/elliptic"
	"testing"
)

// NewTestManager returns a Manager whose slots are cleared automatically
// when t finishes, mirroring pk11.test_support's per-test token cleanup.
func NewTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager()
	t.Cleanup(m.Close)
	return m
}

// MustGenerateECDSA generates an extractable P-256 keypair in a fresh slot,
// failing the test on error.
func MustGenerateECDSA(t *testing.T, m *Manager) SlotID {
	t.Helper()
	id, err := m.GenerateECDSA(elliptic.P256(), &KeyOptions{Extractable: true})
	if err != nil {
		t.Fatalf("GenerateECDSA() error = %v", err)
	}
	return id
}

// MustGenerateAES generates an extractable 256-bit AES key in a fresh slot,
// failing the test on error.
func MustGenerateAES(t *testing.T, m *Manager) SlotID {
	t.Helper()
	id, err := m.GenerateAES(&KeyOptions{Extractable: true})
	if err != nil {
		t.Fatalf("GenerateAES() error = %v", err)
	}
	return id
}
