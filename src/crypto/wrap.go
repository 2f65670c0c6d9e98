// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package primitives

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"io"

	kwp "github.com/google/tink/go/kwp/subtle"
	"golang.org/x/crypto/hkdf"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// hkdfInfoWrap is the HKDF "info" string binding a derived KEK to its
// purpose, so a KEK derived for one use can't silently be replayed for
// another.
const hkdfInfoWrap = "ovsa-licensing wrap-key v1"

func deriveKEK(shared []byte) ([]byte, error) {
	kek := make([]byte, 32)
	r := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfoWrap))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not derive key-encryption key", err)
	}
	return kek, nil
}

// WrapKeyECDH wraps the key held in id for recipientPub: it performs an
// ephemeral ECDH exchange against recipientPub, derives a KEK with
// HKDF-SHA-256, and seals the key bytes under AES-256-GCM. The returned
// ephemeralPub must travel alongside the ciphertext so the recipient can
// redo the ECDH on their side; this is how a customer license's key blob
// and a master license's key blob both carry an embedded ephemeral public
// key next to the wrapped key.
func (m *Manager) WrapKeyECDH(id SlotID, recipientPub *ecdsa.PublicKey) (wrapped, iv []byte, ephemeralPub *ecdsa.PublicKey, err error) {
	keyBytes, err := m.rawKeyBytes(id)
	if err != nil {
		return nil, nil, nil, err
	}

	recipientECDH, err := recipientPub.ECDH()
	if err != nil {
		return nil, nil, nil, ovsaerr.New(ovsaerr.InvalidParameter, "recipient public key is not a valid ECDH point", err)
	}
	curve := recipientECDH.Curve()

	ephemeral, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not generate ephemeral ECDH key", err)
	}

	shared, err := ephemeral.ECDH(recipientECDH)
	if err != nil {
		return nil, nil, nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "ECDH key agreement failed", err)
	}

	kek, err := deriveKEK(shared)
	if err != nil {
		return nil, nil, nil, err
	}
	defer zeroize(kek)

	gcm, err := newGCM(kek)
	if err != nil {
		return nil, nil, nil, err
	}
	iv = make([]byte, GCMNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not generate IV", err)
	}
	wrapped = gcm.Seal(nil, iv, keyBytes, nil)

	ephPub, err := ecdhPubToECDSA(ephemeral.Public().(*ecdh.PublicKey), recipientPub.Curve)
	if err != nil {
		return nil, nil, nil, err
	}
	return wrapped, iv, ephPub, nil
}

// UnwrapKeyECDH reverses WrapKeyECDH: it performs the ECDH exchange with the
// sender's ephemeralPub using the private key in privID, re-derives the KEK,
// and opens the wrapped blob, storing the recovered key bytes in a new slot
// of the given kind.
func (m *Manager) UnwrapKeyECDH(privID SlotID, ephemeralPub *ecdsa.PublicKey, wrapped, iv []byte, kind Kind, opts *KeyOptions) (SlotID, error) {
	priv, err := m.get(privID, KindECDSA)
	if err != nil {
		return 0, err
	}

	selfECDH, err := priv.ecdsaPriv.ECDH()
	if err != nil {
		return 0, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "stored private key is not a valid ECDH key", err)
	}
	peerECDH, err := ephemeralPub.ECDH()
	if err != nil {
		return 0, ovsaerr.New(ovsaerr.InvalidParameter, "ephemeral public key is not a valid ECDH point", err)
	}

	shared, err := selfECDH.ECDH(peerECDH)
	if err != nil {
		return 0, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "ECDH key agreement failed", err)
	}

	kek, err := deriveKEK(shared)
	if err != nil {
		return 0, err
	}
	defer zeroize(kek)

	gcm, err := newGCM(kek)
	if err != nil {
		return 0, err
	}
	plain, err := gcm.Open(nil, iv, wrapped, nil)
	if err != nil {
		return 0, ovsaerr.New(ovsaerr.VerificationFailed, "could not unwrap key: AES-GCM authentication failed", err)
	}
	defer zeroize(plain)

	return m.importRawKeyBytes(plain, kind, opts)
}

// hkdfInfoAuth is the HKDF "info" string for deriving a license-service
// authorization HMAC key, kept distinct from hkdfInfoWrap so the same ECDH
// shared secret could never be reused across the two purposes.
const hkdfInfoAuth = "ovsa-licensing authorization v1"

// DeriveAuthorizationKey performs an ECDH exchange between the private key
// in ephemeralID and peerPub, HKDF-derives a 256-bit HMAC key from the
// shared secret, and stores it in a new slot. This is the license service's
// per-connection authorization handshake (spec section 4.5 step 7): the
// server holds ephemeralID's private half and sends its public half as
// kex_pubkey; the client, holding the matching customer private key, derives
// the identical HMAC key and so can verify the authorization tag without
// any key ever crossing the wire.
func (m *Manager) DeriveAuthorizationKey(ephemeralID SlotID, peerPub *ecdsa.PublicKey) (SlotID, error) {
	s, err := m.get(ephemeralID, KindECDSA)
	if err != nil {
		return 0, err
	}

	selfECDH, err := s.ecdsaPriv.ECDH()
	if err != nil {
		return 0, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "stored private key is not a valid ECDH key", err)
	}
	peerECDH, err := peerPub.ECDH()
	if err != nil {
		return 0, ovsaerr.New(ovsaerr.InvalidParameter, "peer public key is not a valid ECDH point", err)
	}
	shared, err := selfECDH.ECDH(peerECDH)
	if err != nil {
		return 0, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "ECDH key agreement failed", err)
	}

	hmacKey := make([]byte, 32)
	r := hkdf.New(sha256.New, shared, nil, []byte(hkdfInfoAuth))
	if _, err := io.ReadFull(r, hmacKey); err != nil {
		return 0, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not derive authorization key", err)
	}
	defer zeroize(hmacKey)

	return m.importRawKeyBytes(hmacKey, KindHMAC, &KeyOptions{})
}

// WrapKeyKWP wraps the key in id under the AES key in kekID using AES-KWP
// (RFC 5649 key wrap with padding). This is the "software HSM" wrap mode,
// used when both ends of the wrap already share a root key.
func (m *Manager) WrapKeyKWP(id, kekID SlotID) ([]byte, error) {
	keyBytes, err := m.rawKeyBytes(id)
	if err != nil {
		return nil, err
	}
	kek, err := m.get(kekID, KindAES)
	if err != nil {
		return nil, err
	}

	w, err := kwp.NewKWP(kek.symmetric)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not construct AES-KWP wrapper", err)
	}
	wrapped, err := w.Wrap(keyBytes)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "AES-KWP wrap failed", err)
	}
	return wrapped, nil
}

// UnwrapKeyKWP reverses WrapKeyKWP, storing the recovered key bytes in a new
// slot of the given kind.
func (m *Manager) UnwrapKeyKWP(wrapped []byte, kekID SlotID, kind Kind, opts *KeyOptions) (SlotID, error) {
	kek, err := m.get(kekID, KindAES)
	if err != nil {
		return 0, err
	}

	w, err := kwp.NewKWP(kek.symmetric)
	if err != nil {
		return 0, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not construct AES-KWP wrapper", err)
	}
	plain, err := w.Unwrap(wrapped)
	if err != nil {
		return 0, ovsaerr.New(ovsaerr.VerificationFailed, "AES-KWP unwrap failed", err)
	}
	defer zeroize(plain)

	return m.importRawKeyBytes(plain, kind, opts)
}

func (m *Manager) rawKeyBytes(id SlotID) ([]byte, error) {
	m.mu.Lock()
	s, ok := m.slots[id]
	m.mu.Unlock()
	if !ok {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "no key in slot", nil)
	}
	switch s.kind {
	case KindAES, KindHMAC, KindGenericSecret:
		return s.symmetric, nil
	default:
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "slot does not hold wrappable symmetric key material", nil)
	}
}

func (m *Manager) importRawKeyBytes(b []byte, kind Kind, opts *KeyOptions) (SlotID, error) {
	if opts == nil {
		opts = &KeyOptions{}
	}
	switch kind {
	case KindAES, KindHMAC, KindGenericSecret:
		cp := make([]byte, len(b))
		copy(cp, b)
		return m.alloc(&slot{kind: kind, symmetric: cp, opts: *opts})
	default:
		return 0, ovsaerr.New(ovsaerr.InvalidParameter, "unwrap target kind must be symmetric", nil)
	}
}

// ecdhPubToECDSA reconstructs an *ecdsa.PublicKey from an ECDH public key on
// the named curve, for serializing an ephemeral key alongside wrapped key
// material in the uncompressed point format the rest of the toolchain uses.
func ecdhPubToECDSA(pub *ecdh.PublicKey, curve elliptic.Curve) (*ecdsa.PublicKey, error) {
	raw := pub.Bytes()
	x, y := elliptic.Unmarshal(curve, raw)
	if x == nil {
		return nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not decode ECDH public key point", nil)
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}
