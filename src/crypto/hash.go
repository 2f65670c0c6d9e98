// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package primitives

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// ComputeHash computes the SHA-384 digest of data, used as the digest every
// signed envelope signs and for the bundle hash recorded as a license's
// model_hash.
func ComputeHash(data []byte) []byte {
	sum := sha512.Sum384(data)
	return sum[:]
}

// Fingerprint computes a SHA-256 digest over a certificate's DER-encoded
// subject public key info, used to identify a customer certificate without
// comparing the whole certificate.
func Fingerprint(spkiDER []byte) []byte {
	sum := sha256.Sum256(spkiDER)
	return sum[:]
}

// GenerateGUID mints an RFC-4122 version-4 UUID directly off crypto/rand,
// formatted as the canonical 8-4-4-4-12 hex string.
func GenerateGUID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not generate GUID", err)
	}
	b[6] = (b[6] & 0x0f) | 0x40 // version 4
	b[8] = (b[8] & 0x3f) | 0x80 // variant 10

	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16]), nil
}
