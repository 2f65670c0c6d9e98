// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package protect implements the Protect Engine: it takes a set of model
// files, wraps each in AES-256-GCM under a fresh per-bundle symmetric key,
// signs the resulting bundle with the issuer's keystore, and mints the
// master license that records the wrapped key for later use by sale.
package protect

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"path/filepath"
	"regexp"

	"github.com/lowRISC/ovsa-licensing/src/blob"
	primitives "github.com/lowRISC/ovsa-licensing/src/crypto"
	"github.com/lowRISC/ovsa-licensing/src/keystore"
	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
	"github.com/lowRISC/ovsa-licensing/src/utils"
)

// Size constraints on protect's inputs, replacing the source's
// RSIZE_MAX_STR/MAX_NAME_SIZE checks against raw C buffers with validation
// at the function boundary: nothing past this point ever sees an
// over-long name, description, version, or path.
const (
	MaxNameSize     = 256
	MaxVersionSize  = 64
	MaxFileNameSize = 4096
)

// Metadata is the model identity recorded in a protected bundle.
type Metadata struct {
	Name        string
	Description string
	Version     string
}

var licenseGUIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

func validateInputs(modelFiles []string, meta Metadata, licenseGUID string) error {
	if len(modelFiles) == 0 {
		return ovsaerr.New(ovsaerr.InvalidParameter, "model file list must not be empty", nil)
	}
	if len(meta.Name) == 0 || len(meta.Name) > MaxNameSize {
		return ovsaerr.New(ovsaerr.InvalidParameter, "model name exceeds MAX_NAME_SIZE", nil)
	}
	if len(meta.Description) > MaxNameSize {
		return ovsaerr.New(ovsaerr.InvalidParameter, "model description exceeds MAX_NAME_SIZE", nil)
	}
	if len(meta.Version) == 0 || len(meta.Version) > MaxVersionSize {
		return ovsaerr.New(ovsaerr.InvalidParameter, "model version exceeds MAX_VERSION_SIZE", nil)
	}
	for _, path := range modelFiles {
		if len(path) == 0 || len(path) > MaxFileNameSize {
			return ovsaerr.New(ovsaerr.InvalidParameter, fmt.Sprintf("input path %q exceeds MAX_FILE_NAME", path), nil)
		}
	}
	if !licenseGUIDPattern.MatchString(licenseGUID) {
		return ovsaerr.New(ovsaerr.InvalidParameter, "license_guid is not a syntactically valid RFC-4122 UUID", nil)
	}
	return nil
}

// protectContext is the single mutable-state carrier threaded through the
// pipeline below, replacing the source's process-wide globals
// (g_model_hash, g_isv_certificate, g_model_guid, g_model_name, …).
type protectContext struct {
	meta        Metadata
	licenseGUID string
	modelGUID   string
	modelHash   []byte
	issuerCert  *x509.Certificate
	entries     []blob.EncModelFile
}

// Run implements the protect(model_files, metadata, license_guid,
// keystore_path, protect_out, master_out) contract: it signs a bundle of
// encrypted model files and mints the master license that records the
// bundle's content key for sale to later consume.
func Run(m *primitives.Manager, modelFiles []string, meta Metadata, licenseGUID, keystoreDir, keystoreName string, passphrase []byte, protectOut, masterOut string) error {
	if err := validateInputs(modelFiles, meta, licenseGUID); err != nil {
		return err
	}

	ks, err := keystore.LoadAsymmetricKey(m, keystoreDir, keystoreName, passphrase)
	if err != nil {
		return err
	}
	defer m.Clear(ks.Primary.SlotID)
	defer m.Clear(ks.Secondary.SlotID)

	if err := verifyIssuerCert(ks.Primary.Cert); err != nil {
		return err
	}

	contentID, err := m.GenerateAES(&primitives.KeyOptions{})
	if err != nil {
		return ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not allocate symmetric content key", err)
	}
	defer m.Clear(contentID)

	ctx := &protectContext{meta: meta, licenseGUID: licenseGUID, issuerCert: ks.Primary.Cert}

	if err := encryptModelFiles(m, contentID, modelFiles, ctx); err != nil {
		return err
	}

	ctx.modelGUID, err = primitives.GenerateGUID()
	if err != nil {
		return err
	}

	payload := blob.BundlePayload{
		ModelName:      ctx.meta.Name,
		Description:    ctx.meta.Description,
		Version:        ctx.meta.Version,
		ModelGUID:      ctx.modelGUID,
		ISVCertificate: certToPEM(ctx.issuerCert),
		EncModel:       ctx.entries,
	}
	canon, err := blob.Canonicalize(payload)
	if err != nil {
		return err
	}
	ctx.modelHash = primitives.ComputeHash(canon)

	sign := func(digest []byte) ([]byte, error) { return m.SignBlob(ks.Primary.SlotID, digest) }
	signedBundle, err := blob.EncodeSigned(payload, sign, primitives.ComputeHash)
	if err != nil {
		return err
	}
	if err := utils.WriteFile(protectOut, signedBundle, 0644); err != nil {
		return ovsaerr.New(ovsaerr.FileIO, "could not write protect_out", err)
	}

	return writeMasterLicense(m, ks, contentID, ctx, masterOut)
}

func verifyIssuerCert(cert *x509.Certificate) error {
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	return primitives.VerifyCertificate(cert, primitives.VerifyOptions{Roots: roots})
}

func encryptModelFiles(m *primitives.Manager, contentID primitives.SlotID, modelFiles []string, ctx *protectContext) error {
	entries := make([]blob.EncModelFile, 0, len(modelFiles))
	for _, path := range modelFiles {
		plaintext, err := utils.ReadFile(path)
		if err != nil {
			return ovsaerr.New(ovsaerr.FileIO, fmt.Sprintf("could not read model file %q", path), err)
		}
		ciphertext, iv, err := m.EncryptMem(contentID, plaintext, nil)
		zeroize(plaintext)
		if err != nil {
			return err
		}
		entries = append(entries, blob.EncModelFile{
			FileName:   filepath.Base(path),
			IV:         utils.Base64Encode(iv),
			Ciphertext: utils.Base64Encode(ciphertext),
		})
	}
	ctx.entries = entries
	return nil
}

// writeMasterLicense implements protect step 7: it bundles the content key
// together with a freshly generated HMAC key into one generic-secret slot
// (see src/crypto.JoinGenericSecret), self-wraps that combined secret to
// the issuer's own public key so the issuer can re-derive it later, and
// HMAC-tags the master-license payload with the still-live HMAC key before
// clearing every slot it touched.
func writeMasterLicense(m *primitives.Manager, ks *keystore.Keystore, contentID primitives.SlotID, ctx *protectContext, masterOut string) error {
	hmacID, err := m.GenerateHMACKey(&primitives.KeyOptions{})
	if err != nil {
		return err
	}
	defer m.Clear(hmacID)

	combinedID, err := m.JoinGenericSecret(contentID, hmacID)
	if err != nil {
		return err
	}
	defer m.Clear(combinedID)

	issuerPub, err := m.PublicKey(ks.Primary.SlotID)
	if err != nil {
		return err
	}
	wrapped, iv, ephemeralPub, err := m.WrapKeyECDH(combinedID, issuerPub)
	if err != nil {
		return err
	}
	encryptionKey, err := blob.EncodeWrappedKeyECDH(wrapped, iv, ephemeralPub)
	if err != nil {
		return err
	}

	payload := blob.MasterLicensePayload{
		LicenseGUID:    ctx.licenseGUID,
		ModelGUID:      ctx.modelGUID,
		ModelHash:      fmt.Sprintf("%x", ctx.modelHash),
		ISVCertificate: certToPEM(ctx.issuerCert),
		EncryptionKey:  encryptionKey,
		CreationDate:   blob.CreationTimestamp(),
	}

	mac := func(data []byte) ([]byte, error) { return m.HMACJSONBlob(hmacID, data) }
	signedMaster, err := blob.EncodeHMAC(payload, mac)
	if err != nil {
		return err
	}
	if err := utils.WriteFile(masterOut, signedMaster, 0644); err != nil {
		return ovsaerr.New(ovsaerr.FileIO, "could not write master_out", err)
	}
	return nil
}

func certToPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
