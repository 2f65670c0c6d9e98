// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "licenses.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGet_UnknownLicenseReturnsPolicyUnknown(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("does-not-exist")
	if !ovsaerr.IsPolicyReason(err, ovsaerr.PolicyReasonUnknownLicense) {
		t.Errorf("Get() error = %v, want PolicyReasonUnknownLicense", err)
	}
}

func TestInsertAndGet_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	r := &Record{
		LicenseGUID:                "50934a64-5d1b-4655-bcb4-80080fcb8858",
		CustomerPrimaryFingerprint: "aabbcc",
		PolicyType:                 "Unlimited",
		ModelGUID:                  "model-guid",
		ModelHash:                  "deadbeef",
	}
	if err := s.Insert(r); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	got, err := s.Get(r.LicenseGUID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusActive {
		t.Errorf("Status = %q, want %q", got.Status, StatusActive)
	}
	if got.ModelHash != r.ModelHash {
		t.Errorf("ModelHash = %q, want %q", got.ModelHash, r.ModelHash)
	}
}

func TestValidateAndConsume_UnlimitedAlwaysSucceeds(t *testing.T) {
	s := openTestStore(t)
	r := &Record{LicenseGUID: "lic-unlimited", PolicyType: "Unlimited"}
	if err := s.Insert(r); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.ValidateAndConsume(r.LicenseGUID, time.Now()); err != nil {
			t.Fatalf("ValidateAndConsume() iteration %d error = %v", i, err)
		}
	}
}

func TestValidateAndConsume_TimeLimitExpiry(t *testing.T) {
	s := openTestStore(t)
	created := time.Now().Add(-31 * 24 * time.Hour)
	r := &Record{
		LicenseGUID:     "lic-timelimit",
		PolicyType:      "TimeLimit",
		ExpiryTimestamp: created.Add(30 * 24 * time.Hour),
	}
	if err := s.Insert(r); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	if _, err := s.ValidateAndConsume(r.LicenseGUID, created.Add(29*24*time.Hour+23*time.Hour)); err != nil {
		t.Errorf("ValidateAndConsume() before expiry error = %v, want nil", err)
	}

	_, err := s.ValidateAndConsume(r.LicenseGUID, created.Add(31*24*time.Hour))
	if !ovsaerr.IsPolicyReason(err, ovsaerr.PolicyReasonExpired) {
		t.Errorf("ValidateAndConsume() after expiry error = %v, want PolicyReasonExpired", err)
	}

	got, getErr := s.Get(r.LicenseGUID)
	if getErr != nil {
		t.Fatalf("Get() error = %v", getErr)
	}
	if got.Status != StatusExpired {
		t.Errorf("Status = %q, want %q", got.Status, StatusExpired)
	}
}

func TestValidateAndConsume_UsageCountExhaustsAtZero(t *testing.T) {
	s := openTestStore(t)
	r := &Record{LicenseGUID: "lic-usagecount", PolicyType: "UsageCount", RemainingQuota: 2}
	if err := s.Insert(r); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	if _, err := s.ValidateAndConsume(r.LicenseGUID, time.Now()); err != nil {
		t.Fatalf("ValidateAndConsume() call 1 error = %v", err)
	}
	if _, err := s.ValidateAndConsume(r.LicenseGUID, time.Now()); err != nil {
		t.Fatalf("ValidateAndConsume() call 2 error = %v", err)
	}
	_, err := s.ValidateAndConsume(r.LicenseGUID, time.Now())
	if !ovsaerr.IsPolicyReason(err, ovsaerr.PolicyReasonExhausted) {
		t.Errorf("ValidateAndConsume() call 3 error = %v, want PolicyReasonExhausted", err)
	}

	got, getErr := s.Get(r.LicenseGUID)
	if getErr != nil {
		t.Fatalf("Get() error = %v", getErr)
	}
	if got.Status != StatusExhausted || got.RemainingQuota != 0 {
		t.Errorf("Status/RemainingQuota = %q/%d, want exhausted/0", got.Status, got.RemainingQuota)
	}
}

// TestValidateAndConsume_ConcurrentUsageCountOne proves the exactly-once
// guarantee spec section 5 requires: two concurrent validations against a
// UsageCount{remaining=1} license yield exactly one success and one
// Exhausted failure.
func TestValidateAndConsume_ConcurrentUsageCountOne(t *testing.T) {
	s := openTestStore(t)
	r := &Record{LicenseGUID: "lic-concurrent", PolicyType: "UsageCount", RemainingQuota: 1}
	if err := s.Insert(r); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	var successes, failures int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ValidateAndConsume(r.LicenseGUID, time.Now()); err != nil {
				atomic.AddInt32(&failures, 1)
			} else {
				atomic.AddInt32(&successes, 1)
			}
		}()
	}
	wg.Wait()

	if successes != 1 || failures != 1 {
		t.Errorf("successes=%d failures=%d, want 1 and 1", successes, failures)
	}

	got, err := s.Get(r.LicenseGUID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusExhausted || got.RemainingQuota != 0 {
		t.Errorf("final Status/RemainingQuota = %q/%d, want exhausted/0", got.Status, got.RemainingQuota)
	}
}

func TestRevoke_TransitionsToTerminalState(t *testing.T) {
	s := openTestStore(t)
	r := &Record{LicenseGUID: "lic-revoke", PolicyType: "Unlimited"}
	if err := s.Insert(r); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := s.Revoke(r.LicenseGUID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	_, err := s.ValidateAndConsume(r.LicenseGUID, time.Now())
	if !ovsaerr.IsPolicyReason(err, ovsaerr.PolicyReasonRevoked) {
		t.Errorf("ValidateAndConsume() after revoke error = %v, want PolicyReasonRevoked", err)
	}
}
