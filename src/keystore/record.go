// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package keystore

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// currentFileVersion is the only keyRecord.Version value load_asymmetric_key
// accepts. A keystore file written by a future, incompatible format carries
// a higher number and MUST be rejected rather than guessed at.
const currentFileVersion = 1

const (
	hkdfInfoWrapKey = "ovsa-keystore wrap-key v1"
	hkdfInfoHMACKey = "ovsa-keystore hmac-key v1"
)

// keyRecordBase is the part of a keyRecord the integrity tag covers. It is
// split out from keyRecord so the HMAC can be computed and verified over
// exactly these fields, never over the HMAC field itself.
type keyRecordBase struct {
	Version           int    `json:"version"`
	Algorithm         string `json:"algorithm"` // "ECDSA-P256"
	Salt              string `json:"salt"`      // base64, KDF salt for this record
	PassphraseHash    string `json:"passphrase_hash"`
	IV                string `json:"iv"`                  // base64, AES-GCM IV over the wrapped private key
	WrappedPrivateKey string `json:"wrapped_private_key"` // base64 AES-GCM(PKCS8 DER private key)
	Subject           string `json:"subject"`
	Issuer            string `json:"issuer"`
}

// keyRecord is the on-disk encoding of one keypair entry, written to
// primary_<name> or secondary_<name>. Private key material is encrypted at
// rest under a key derived from an operator passphrase rather than a
// hardware-bound wrapping key, since no HSM is present in this environment.
type keyRecord struct {
	keyRecordBase
	HMAC string `json:"hmac"` // hex HMAC-SHA-256 over keyRecordBase's canonical encoding
}

// deriveWrapKey derives the AES-256 key that seals a record's private key
// material, from the operator passphrase and the record's salt.
func deriveWrapKey(passphrase, salt []byte) ([]byte, error) {
	return hkdfExpand(passphrase, salt, hkdfInfoWrapKey)
}

// deriveHMACKey derives the HMAC-SHA-256 key that protects a record's
// integrity tag, from the same passphrase and salt but a distinct info
// string so the two derived keys are independent.
func deriveHMACKey(passphrase, salt []byte) ([]byte, error) {
	return hkdfExpand(passphrase, salt, hkdfInfoHMACKey)
}

// hkdfExpand mirrors src/crypto/wrap.go's deriveKEK: a one-shot HKDF-SHA-256
// expansion, salted and domain-separated by info.
func hkdfExpand(secret, salt []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, 32)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not derive keystore key", err)
	}
	return out, nil
}
