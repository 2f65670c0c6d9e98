// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package store implements the license service's persistent record table: a
// single sqlite-backed relational store, one row per issued customer
// license, per spec section 3's license-service record and section 5's
// "single file-backed relational store" requirement.
package store

import (
	"fmt"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// Status is a license row's lifecycle state. Per spec section 4.5: initial
// state on ingest is Active; there are no transitions out of a terminal
// state (Exhausted, Expired, Revoked).
type Status string

const (
	StatusActive    Status = "active"
	StatusExhausted Status = "exhausted"
	StatusExpired   Status = "expired"
	StatusRevoked   Status = "revoked"
)

// Record is one row of the license table, per spec section 3's
// license-service record.
type Record struct {
	LicenseGUID                  string `gorm:"primarykey"`
	CustomerPrimaryFingerprint   string
	CustomerSecondaryFingerprint string
	PolicyType                   string // "TimeLimit" | "UsageCount" | "Unlimited"
	LicensePolicyBlob            string // JSON-encoded blob.LicenseConfig
	TCBSignatureBlob             []byte // the bound TCB signature file's raw bytes
	ModelGUID                    string
	ModelHash                    string // hex SHA-384
	RemainingQuota               uint32 // meaningful only when PolicyType == UsageCount
	ExpiryTimestamp              time.Time
	Status                       Status
	CreatedAt                    time.Time
	UpdatedAt                    time.Time
}

// Store is the license table's data-access layer, holding one row-lock per
// in-flight license_guid so the decrement step in ValidateAndConsume never
// races two concurrent validations of the same license, per spec section 5's
// ordering guarantee.
type Store struct {
	db *gorm.DB

	rowLocksMu sync.Mutex
	rowLocks   map[string]*sync.Mutex
}

// Open opens (creating if necessary) the sqlite database at path and
// migrates the Record schema, following filedb.go's WAL/busy-timeout
// pragmas for a single-writer, multi-reader workload.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.FileIO, "could not open license database", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA busy_timeout = 5000;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, ovsaerr.New(ovsaerr.FileIO, "could not migrate license database schema", err)
	}
	return &Store{db: db, rowLocks: make(map[string]*sync.Mutex)}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return ovsaerr.New(ovsaerr.FileIO, "could not access underlying database handle", err)
	}
	if err := sqlDB.Close(); err != nil {
		return ovsaerr.New(ovsaerr.FileIO, "could not close license database", err)
	}
	return nil
}

// Insert adds a new row, per cmd/licingest's offline admin ingestion step.
// Inserting a license_guid that already exists is rejected: ingestion is
// add-only, never an update.
func (s *Store) Insert(r *Record) error {
	if r.Status == "" {
		r.Status = StatusActive
	}
	result := s.db.Create(r)
	if result.Error != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, fmt.Sprintf("could not insert license %q", r.LicenseGUID), result.Error)
	}
	return nil
}

// Get looks up a row by license_guid. A missing row surfaces as
// PolicyReasonUnknownLicense, per validation step 1 ("reject Unknown if
// absent").
func (s *Store) Get(licenseGUID string) (*Record, error) {
	var r Record
	result := s.db.First(&r, "license_guid = ?", licenseGUID)
	if result.Error != nil {
		return nil, ovsaerr.Policy(ovsaerr.PolicyReasonUnknownLicense, fmt.Sprintf("no license with guid %q", licenseGUID), result.Error)
	}
	return &r, nil
}

// Revoke marks a row Revoked. It is the only externally triggered state
// transition; ingestion and validation never call it.
func (s *Store) Revoke(licenseGUID string) error {
	result := s.db.Model(&Record{}).Where("license_guid = ?", licenseGUID).Update("status", StatusRevoked)
	if result.Error != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, fmt.Sprintf("could not revoke license %q", licenseGUID), result.Error)
	}
	if result.RowsAffected == 0 {
		return ovsaerr.Policy(ovsaerr.PolicyReasonUnknownLicense, fmt.Sprintf("no license with guid %q", licenseGUID), nil)
	}
	return nil
}

// rowLock returns the per-license_guid mutex used to serialize the
// check-then-decrement sequence, creating it on first use. Locks are never
// removed: the table is expected to hold at most a few hundred thousand
// rows, each costing one unshared sync.Mutex, which is cheap relative to
// the alternative of a single global lock serializing every license's
// validations against each other.
func (s *Store) rowLock(licenseGUID string) *sync.Mutex {
	s.rowLocksMu.Lock()
	defer s.rowLocksMu.Unlock()
	lock, ok := s.rowLocks[licenseGUID]
	if !ok {
		lock = &sync.Mutex{}
		s.rowLocks[licenseGUID] = lock
	}
	return lock
}

// ValidateAndConsume implements validation steps 5 and 6: it checks status
// and policy, and — only if every other check has already passed — performs
// the UsageCount decrement atomically and transitions to Exhausted when the
// quota reaches zero. now is passed in rather than read internally so tests
// can exercise TimeLimit expiry deterministically.
//
// The row lock is held for the whole check-then-decrement sequence, which is
// the only place two concurrent validations of the same license_guid can
// race: this is what gives the "exactly one success, one Exhausted" ordering
// guarantee spec section 5 requires for a UsageCount{remaining=1} license
// under concurrent validation.
func (s *Store) ValidateAndConsume(licenseGUID string, now time.Time) (*Record, error) {
	lock := s.rowLock(licenseGUID)
	lock.Lock()
	defer lock.Unlock()

	r, err := s.Get(licenseGUID)
	if err != nil {
		return nil, err
	}

	switch r.Status {
	case StatusExhausted:
		return nil, ovsaerr.Policy(ovsaerr.PolicyReasonExhausted, "license usage count exhausted", nil)
	case StatusRevoked:
		return nil, ovsaerr.Policy(ovsaerr.PolicyReasonRevoked, "license revoked", nil)
	case StatusExpired:
		return nil, ovsaerr.Policy(ovsaerr.PolicyReasonExpired, "license expired", nil)
	}

	if !r.ExpiryTimestamp.IsZero() && now.After(r.ExpiryTimestamp) {
		s.db.Model(&Record{}).Where("license_guid = ?", licenseGUID).Update("status", StatusExpired)
		return nil, ovsaerr.Policy(ovsaerr.PolicyReasonExpired, "license expired", nil)
	}

	if r.PolicyType != "UsageCount" {
		// TimeLimit or Unlimited: no quota to consume, nothing further to
		// check now that the expiry and status checks above have passed.
		return r, nil
	}

	if r.RemainingQuota == 0 {
		s.db.Model(&Record{}).Where("license_guid = ?", licenseGUID).Update("status", StatusExhausted)
		return nil, ovsaerr.Policy(ovsaerr.PolicyReasonExhausted, "license usage count exhausted", nil)
	}

	result := s.db.Transaction(func(tx *gorm.DB) error {
		r.RemainingQuota--
		updates := map[string]interface{}{"remaining_quota": r.RemainingQuota}
		if r.RemainingQuota == 0 {
			r.Status = StatusExhausted
			updates["status"] = StatusExhausted
		}
		return tx.Model(&Record{}).Where("license_guid = ?", licenseGUID).Updates(updates).Error
	})
	if result != nil {
		return nil, ovsaerr.New(ovsaerr.TransientUnavailable, "could not commit usage-count decrement", result)
	}

	return r, nil
}
