// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package primitives

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/asn1"
	"io"
	"math/big"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// GenerateECDSA generates an ECDSA signing keypair on curve and stores the
// private half in a new slot. Only P-256 and P-384 are supported; the
// keystore's primary and secondary keys both use P-256, per the data model.
func (m *Manager) GenerateECDSA(curve elliptic.Curve, opts *KeyOptions) (SlotID, error) {
	if opts == nil {
		opts = &KeyOptions{}
	}
	switch curve {
	case elliptic.P256(), elliptic.P384():
	default:
		return 0, ovsaerr.New(ovsaerr.InvalidParameter, "unsupported curve, expected P-256 or P-384", nil)
	}

	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return 0, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not generate ECDSA keypair", err)
	}

	return m.alloc(&slot{kind: KindECDSA, ecdsaPriv: priv, opts: *opts})
}

// ImportECDSAPrivate stores an existing ECDSA private key (e.g. one loaded
// from a keystore file) in a new slot.
func (m *Manager) ImportECDSAPrivate(key *ecdsa.PrivateKey, opts *KeyOptions) (SlotID, error) {
	if opts == nil {
		opts = &KeyOptions{}
	}
	if key == nil {
		return 0, ovsaerr.New(ovsaerr.InvalidParameter, "nil ECDSA private key", nil)
	}
	cp := *key
	cp.D = new(big.Int).Set(key.D)
	return m.alloc(&slot{kind: KindECDSA, ecdsaPriv: &cp, opts: *opts})
}

// PublicKey returns the public half of the ECDSA keypair in id.
func (m *Manager) PublicKey(id SlotID) (*ecdsa.PublicKey, error) {
	s, err := m.get(id, KindECDSA)
	if err != nil {
		return nil, err
	}
	pub := s.ecdsaPriv.PublicKey
	return &pub, nil
}

// ExportPrivateECDSA returns a copy of the private key in id. It fails
// unless the slot was created with KeyOptions.Extractable set, matching the
// pk11 CKA_EXTRACTABLE contract.
func (m *Manager) ExportPrivateECDSA(id SlotID) (*ecdsa.PrivateKey, error) {
	s, err := m.get(id, KindECDSA)
	if err != nil {
		return nil, err
	}
	if !s.opts.Extractable {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "key slot is not extractable", nil)
	}
	cp := *s.ecdsaPriv
	cp.D = new(big.Int).Set(s.ecdsaPriv.D)
	return &cp, nil
}

// SignBlob signs digest, the pre-computed hash of a canonical JSON payload,
// with the ECDSA private key in id. The signature is ASN.1 DER-encoded,
// SEQUENCE { r INTEGER; s INTEGER }, matching the shape X.509 and the
// customer-license envelope both expect.
func (m *Manager) SignBlob(id SlotID, digest []byte) ([]byte, error) {
	s, err := m.get(id, KindECDSA)
	if err != nil {
		return nil, err
	}

	r, sVal, err := ecdsa.Sign(rand.Reader, s.ecdsaPriv, digest)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not sign blob", err)
	}

	der, err := asn1.Marshal(struct{ R, S *big.Int }{r, sVal})
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not encode signature", err)
	}
	return der, nil
}

// VerifyBlob verifies an ASN.1 DER-encoded ECDSA signature over digest
// against pub.
func VerifyBlob(pub *ecdsa.PublicKey, digest, sig []byte) error {
	var parsed struct{ R, S *big.Int }
	if _, err := asn1.Unmarshal(sig, &parsed); err != nil {
		return ovsaerr.New(ovsaerr.VerificationFailed, "could not parse signature", err)
	}
	if !ecdsa.Verify(pub, digest, parsed.R, parsed.S) {
		return ovsaerr.New(ovsaerr.VerificationFailed, "signature does not verify", nil)
	}
	return nil
}

// ecdsaSigner adapts a Manager slot to crypto.Signer, for use with
// x509.CreateCertificate and tls.Certificate.
type ecdsaSigner struct {
	m   *Manager
	id  SlotID
	pub *ecdsa.PublicKey
}

// Signer returns a crypto.Signer backed by the ECDSA key in id, for minting
// self-signed certificates and CSRs without ever exporting the private key.
func (m *Manager) Signer(id SlotID) (crypto.Signer, error) {
	pub, err := m.PublicKey(id)
	if err != nil {
		return nil, err
	}
	return &ecdsaSigner{m: m, id: id, pub: pub}, nil
}

func (s *ecdsaSigner) Public() crypto.PublicKey { return s.pub }

func (s *ecdsaSigner) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	return s.m.SignBlob(s.id, digest)
}
