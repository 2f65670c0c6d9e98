// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package keystore implements the at-rest container for the issuer's
// primary and secondary asymmetric keypairs and their certificates: the
// `-storekey`, `-storecert`, and load_asymmetric_key operations over the
// data model's "Keystore file".
//
// A keystore is identified by a directory and a name. Each of the two
// required keypairs ("primary", "secondary") is written as three files:
//
//	<which>_<name>       the encrypted key record (keyRecord, JSON)
//	<which>_<name>.csr   a PKCS#10 certificate signing request (PEM)
//	<which>_<name>.csr.crt  the current certificate (PEM; self-signed until
//	                        StoreCert replaces it)
package keystore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math/big"
	"path/filepath"
	"time"

	"github.com/lowRISC/ovsa-licensing/src/blob"
	"github.com/lowRISC/ovsa-licensing/src/cert/signer"
	primitives "github.com/lowRISC/ovsa-licensing/src/crypto"
	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
	"github.com/lowRISC/ovsa-licensing/src/utils"
)

// which identifies one of the two required keypairs.
type which string

const (
	whichPrimary   which = "primary"
	whichSecondary which = "secondary"
)

// selfSignedValidity bounds a freshly minted self-signed certificate's
// lifetime. An operator is expected to replace it with an externally-signed
// certificate via StoreCert well before it lapses.
const selfSignedValidity = 20 * 365 * 24 * time.Hour

// Entry is one loaded keypair: the key slot it lives in and its current
// certificate.
type Entry struct {
	SlotID primitives.SlotID
	Cert   *x509.Certificate
}

// Keystore is the result of a successful LoadAsymmetricKey: both required
// keypairs, resident in the Manager the caller supplied.
type Keystore struct {
	Primary   Entry
	Secondary Entry
}

func recordPath(dir, name string, w which) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s", w, name))
}

func csrPath(dir, name string, w which) string {
	return recordPath(dir, name, w) + ".csr"
}

func certPath(dir, name string, w which) string {
	return csrPath(dir, name, w) + ".crt"
}

// StoreKey implements `keygen -storekey`: it generates fresh primary and
// secondary ECDSA P-256 keypairs, each with a self-signed certificate and a
// CSR, and writes all six files under dir. Any existing files at those
// paths are overwritten.
func StoreKey(m *primitives.Manager, dir, name string, passphrase []byte, subject pkix.Name) error {
	if len(passphrase) == 0 {
		return ovsaerr.New(ovsaerr.InvalidParameter, "passphrase must not be empty", nil)
	}
	if err := storeOneKey(m, dir, name, whichPrimary, passphrase, subject); err != nil {
		return err
	}
	if err := storeOneKey(m, dir, name, whichSecondary, passphrase, subject); err != nil {
		return err
	}
	return nil
}

func storeOneKey(m *primitives.Manager, dir, name string, w which, passphrase []byte, subject pkix.Name) error {
	id, err := m.GenerateECDSA(elliptic.P256(), &primitives.KeyOptions{Extractable: true})
	if err != nil {
		return err
	}
	defer m.Clear(id)

	priv, err := m.ExportPrivateECDSA(id)
	if err != nil {
		return err
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	zeroizeECDSA(priv)
	if err != nil {
		return ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not marshal private key", err)
	}

	salt, err := utils.GenerateRandom(16)
	if err != nil {
		return ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not generate salt", err)
	}

	wrapKey, err := deriveWrapKey(passphrase, salt)
	if err != nil {
		return err
	}
	aesID, err := m.ImportAES(wrapKey, &primitives.KeyOptions{})
	zeroizeBytes(wrapKey)
	if err != nil {
		return err
	}
	ciphertext, iv, err := m.EncryptMem(aesID, der, nil)
	zeroizeBytes(der)
	m.Clear(aesID)
	if err != nil {
		return err
	}

	passHash, err := utils.GenerateHashFromPassword(passphrase)
	if err != nil {
		return ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not hash passphrase", err)
	}

	rec := keyRecord{keyRecordBase: keyRecordBase{
		Version:           currentFileVersion,
		Algorithm:         "ECDSA-P256",
		Salt:              utils.Base64Encode(salt),
		PassphraseHash:    string(passHash),
		IV:                utils.Base64Encode(iv),
		WrappedPrivateKey: utils.Base64Encode(ciphertext),
		Subject:           subject.String(),
		Issuer:            subject.String(),
	}}

	hmacKey, err := deriveHMACKey(passphrase, salt)
	if err != nil {
		return err
	}
	hmacID, err := m.ImportHMACKey(hmacKey, &primitives.KeyOptions{})
	zeroizeBytes(hmacKey)
	if err != nil {
		return err
	}
	defer m.Clear(hmacID)

	canon, err := blob.Canonicalize(rec.keyRecordBase)
	if err != nil {
		return err
	}
	tag, err := m.HMACJSONBlob(hmacID, canon)
	if err != nil {
		return err
	}
	rec.HMAC = fmt.Sprintf("%x", tag)

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, "could not marshal key record", err)
	}
	if err := utils.WriteFile(recordPath(dir, name, w), data, 0600); err != nil {
		return ovsaerr.New(ovsaerr.FileIO, "could not write key record", err)
	}

	signerObj, err := m.Signer(id)
	if err != nil {
		return err
	}
	template, err := buildSelfSignedTemplate(subject)
	if err != nil {
		return err
	}
	certDER, err := signer.CreateCertificate(template, template, signerObj.Public(), signerObj)
	if err != nil {
		return ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not create self-signed certificate", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := utils.WriteFile(certPath(dir, name, w), certPEM, 0644); err != nil {
		return ovsaerr.New(ovsaerr.FileIO, "could not write certificate", err)
	}

	csrTemplate := &x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}
	csrDER, err := x509.CreateCertificateRequest(rand.Reader, csrTemplate, signerObj)
	if err != nil {
		return ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not create CSR", err)
	}
	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	if err := utils.WriteFile(csrPath(dir, name, w), csrPEM, 0644); err != nil {
		return ovsaerr.New(ovsaerr.FileIO, "could not write CSR", err)
	}

	return nil
}

func buildSelfSignedTemplate(subject pkix.Name) (*x509.Certificate, error) {
	serial, err := utils.GenerateRandom(16)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not generate serial number", err)
	}
	serial[0] &= 0x7f // serial number must be positive
	now := time.Now()
	return &x509.Certificate{
		SerialNumber:          new(big.Int).SetBytes(serial),
		Subject:               subject,
		Issuer:                subject,
		NotBefore:             now,
		NotAfter:              now.Add(selfSignedValidity),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
	}, nil
}

// StoreCert implements `-storecert`: it replaces the certificate at
// <which>_<name>.csr.crt with newCertPEM, but only after confirming
// newCertPEM's public key matches the one in the certificate it replaces
// (and therefore the stored private key, which the existing certificate was
// already checked against when it was written).
func StoreCert(dir, name string, primary bool, newCertPEM []byte) error {
	w := whichSecondary
	if primary {
		w = whichPrimary
	}

	path := certPath(dir, name, w)
	existing, err := utils.ReadFile(path)
	if err != nil {
		return ovsaerr.New(ovsaerr.FileIO, "could not read existing certificate", err)
	}
	existingCert, err := parsePEMCert(existing)
	if err != nil {
		return ovsaerr.New(ovsaerr.VerificationFailed, "existing certificate is structurally invalid", err)
	}

	newCert, err := parsePEMCert(newCertPEM)
	if err != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, "new certificate is structurally invalid", err)
	}

	if !spkiEqual(existingCert, newCert) {
		return ovsaerr.New(ovsaerr.VerificationFailed, "new certificate's public key does not match the stored private key", nil)
	}

	if err := utils.WriteFile(path, newCertPEM, 0644); err != nil {
		return ovsaerr.New(ovsaerr.FileIO, "could not write new certificate", err)
	}
	return nil
}

func spkiEqual(a, b *x509.Certificate) bool {
	aPub, ok1 := a.PublicKey.(*ecdsa.PublicKey)
	bPub, ok2 := b.PublicKey.(*ecdsa.PublicKey)
	if !ok1 || !ok2 {
		return false
	}
	return aPub.X.Cmp(bPub.X) == 0 && aPub.Y.Cmp(bPub.Y) == 0 && aPub.Curve == bPub.Curve
}

func parsePEMCert(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

// LoadAsymmetricKey implements load_asymmetric_key: it validates and
// decrypts both the primary and secondary key records under dir/name,
// importing each private key into a fresh slot in m. It fails if the
// secondary record is missing (the dual-key invariant), if either record's
// version is unrecognized, if either record's HMAC does not verify, or if
// either certificate is structurally invalid or does not match its private
// key.
func LoadAsymmetricKey(m *primitives.Manager, dir, name string, passphrase []byte) (*Keystore, error) {
	primary, err := loadOneKey(m, dir, name, whichPrimary, passphrase)
	if err != nil {
		return nil, err
	}
	secondary, err := loadOneKey(m, dir, name, whichSecondary, passphrase)
	if err != nil {
		m.Clear(primary.SlotID)
		return nil, err
	}
	return &Keystore{Primary: *primary, Secondary: *secondary}, nil
}

func loadOneKey(m *primitives.Manager, dir, name string, w which, passphrase []byte) (*Entry, error) {
	data, err := utils.ReadFile(recordPath(dir, name, w))
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.FileIO, fmt.Sprintf("could not read %s key record (dual-key invariant requires both)", w), err)
	}

	var rec keyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not parse key record", err)
	}
	if rec.Version != currentFileVersion {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, fmt.Sprintf("unknown key record version %d", rec.Version), nil)
	}

	if err := utils.CompareHashAndPassword(rec.PassphraseHash, string(passphrase)); err != nil {
		return nil, ovsaerr.New(ovsaerr.VerificationFailed, "passphrase does not match keystore", err)
	}

	salt, err := utils.Base64Decode(rec.Salt)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not decode salt", err)
	}

	hmacKey, err := deriveHMACKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	hmacID, err := m.ImportHMACKey(hmacKey, &primitives.KeyOptions{})
	zeroizeBytes(hmacKey)
	if err != nil {
		return nil, err
	}
	defer m.Clear(hmacID)

	canon, err := blob.Canonicalize(rec.keyRecordBase)
	if err != nil {
		return nil, err
	}
	gotTag, err := m.HMACJSONBlob(hmacID, canon)
	if err != nil {
		return nil, err
	}
	if fmt.Sprintf("%x", gotTag) != rec.HMAC {
		return nil, ovsaerr.New(ovsaerr.VerificationFailed, "key record integrity tag does not match", nil)
	}

	wrapKey, err := deriveWrapKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	aesID, err := m.ImportAES(wrapKey, &primitives.KeyOptions{})
	zeroizeBytes(wrapKey)
	if err != nil {
		return nil, err
	}
	ciphertext, err := utils.Base64Decode(rec.WrappedPrivateKey)
	if err != nil {
		m.Clear(aesID)
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not decode wrapped private key", err)
	}
	iv, err := utils.Base64Decode(rec.IV)
	if err != nil {
		m.Clear(aesID)
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not decode IV", err)
	}
	der, err := m.DecryptMem(aesID, ciphertext, iv, nil)
	m.Clear(aesID)
	if err != nil {
		return nil, err
	}

	privAny, err := x509.ParsePKCS8PrivateKey(der)
	zeroizeBytes(der)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not parse private key", err)
	}
	priv, ok := privAny.(*ecdsa.PrivateKey)
	if !ok {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "stored private key is not ECDSA", nil)
	}

	cert, err := loadAndCheckCert(dir, name, w, priv)
	if err != nil {
		zeroizeECDSA(priv)
		return nil, err
	}

	id, err := m.ImportECDSAPrivate(priv, &primitives.KeyOptions{})
	zeroizeECDSA(priv)
	if err != nil {
		return nil, err
	}

	return &Entry{SlotID: id, Cert: cert}, nil
}

func loadAndCheckCert(dir, name string, w which, priv *ecdsa.PrivateKey) (*x509.Certificate, error) {
	data, err := utils.ReadFile(certPath(dir, name, w))
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.FileIO, "could not read certificate", err)
	}
	cert, err := parsePEMCert(data)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.VerificationFailed, "certificate is structurally invalid", err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, ovsaerr.New(ovsaerr.VerificationFailed, "certificate public key is not ECDSA", nil)
	}
	if pub.X.Cmp(priv.X) != 0 || pub.Y.Cmp(priv.Y) != 0 {
		return nil, ovsaerr.New(ovsaerr.VerificationFailed, "certificate does not match stored private key", nil)
	}
	return cert, nil
}

func zeroizeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func zeroizeECDSA(priv *ecdsa.PrivateKey) {
	if priv == nil || priv.D == nil {
		return
	}
	priv.D.SetInt64(0)
}
