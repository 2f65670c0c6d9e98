// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package sale implements the License Mint: it turns a master license, a
// TCB signature, and a customer certificate into a signed customer license
// bound to that customer's key and to the policy chosen at sale time.
package sale

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"

	"github.com/lowRISC/ovsa-licensing/src/blob"
	primitives "github.com/lowRISC/ovsa-licensing/src/crypto"
	"github.com/lowRISC/ovsa-licensing/src/keystore"
	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
	"github.com/lowRISC/ovsa-licensing/src/tcb"
	"github.com/lowRISC/ovsa-licensing/src/utils"
)

// Run implements the sale(master_license_path, keystore_path,
// customer_license_config_path, tcb_path, customer_cert_path, output)
// contract: the 7 steps of spec section 4.4.
func Run(m *primitives.Manager, masterLicensePath, keystoreDir, keystoreName string, passphrase []byte, configPath, tcbPath, customerCertPath, output string) error {
	return run(m, masterLicensePath, keystoreDir, keystoreName, passphrase, configPath, tcbPath, customerCertPath, output, nil)
}

// run is Run's implementation, parameterized over the OCSP checker so
// tests can point step 3's lookup at a local responder instead of the
// network. A nil checker uses OCSPChecker's real HTTP defaults.
func run(m *primitives.Manager, masterLicensePath, keystoreDir, keystoreName string, passphrase []byte, configPath, tcbPath, customerCertPath, output string, ocspChecker *primitives.OCSPChecker) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	policy, err := cfg.licenseConfig()
	if err != nil {
		return err
	}

	ks, err := keystore.LoadAsymmetricKey(m, keystoreDir, keystoreName, passphrase)
	if err != nil {
		return err
	}
	defer m.Clear(ks.Primary.SlotID)
	defer m.Clear(ks.Secondary.SlotID)

	master, contentID, err := loadMasterLicense(m, ks, masterLicensePath)
	if err != nil {
		return err
	}
	defer m.Clear(contentID)

	issuerPub, err := m.PublicKey(ks.Primary.SlotID)
	if err != nil {
		return err
	}
	tcbEnvelope, err := loadAndCheckTCB(tcbPath, issuerPub, master.ISVCertificate)
	if err != nil {
		return err
	}

	customerCert, _, err := verifyCustomerCert(customerCertPath, cfg.CustomerCACertPath, ocspChecker)
	if err != nil {
		return err
	}

	customerPub, ok := customerCert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return ovsaerr.New(ovsaerr.InvalidParameter, "customer certificate public key is not ECDSA", nil)
	}
	wrapped, iv, ephemeralPub, err := m.WrapKeyECDH(contentID, customerPub)
	if err != nil {
		return err
	}
	encryptionKey, err := blob.EncodeWrappedKeyECDH(wrapped, iv, ephemeralPub)
	if err != nil {
		return err
	}

	serverCertPEM, err := utils.ReadFile(cfg.LicenseServerCertPath)
	if err != nil {
		return ovsaerr.New(ovsaerr.FileIO, "could not read license server certificate", err)
	}
	customerCertPEM, err := utils.ReadFile(customerCertPath)
	if err != nil {
		return ovsaerr.New(ovsaerr.FileIO, "could not read customer certificate", err)
	}

	payload := blob.CustomerLicensePayload{
		LicenseGUID:         master.LicenseGUID,
		ModelGUID:           master.ModelGUID,
		ModelHash:           master.ModelHash,
		ISVCertificate:      master.ISVCertificate,
		CustomerCertificate: string(customerCertPEM),
		LicenseConfig:       policy,
		LicenseServerURL:    cfg.LicenseServerURL,
		LicenseServerCert:   string(serverCertPEM),
		TCB:                 *tcbEnvelope,
		EncryptionKey:       encryptionKey,
		CreationDate:        blob.CreationTimestamp(),
	}

	sign := func(digest []byte) ([]byte, error) { return m.SignBlob(ks.Primary.SlotID, digest) }
	signed, err := blob.EncodeSigned(payload, sign, primitives.ComputeHash)
	if err != nil {
		return err
	}
	if err := utils.WriteFile(output, signed, 0644); err != nil {
		return ovsaerr.New(ovsaerr.FileIO, "could not write customer license", err)
	}
	return nil
}

// loadMasterLicense implements step 1: it unwraps encryption_key (which
// carries both the content key and its accompanying HMAC key, per
// src/crypto.JoinGenericSecret) before it can verify the envelope's HMAC,
// since the HMAC key itself only exists inside the field being verified —
// this is why sale can't use blob.DecodeHMAC directly the way a verifier
// with an out-of-band key could.
func loadMasterLicense(m *primitives.Manager, ks *keystore.Keystore, path string) (*blob.MasterLicensePayload, primitives.SlotID, error) {
	data, err := utils.ReadFile(path)
	if err != nil {
		return nil, 0, ovsaerr.New(ovsaerr.FileIO, "could not read master license", err)
	}

	var env blob.HMACEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, ovsaerr.New(ovsaerr.InvalidParameter, "could not parse master license envelope", err)
	}
	var payload blob.MasterLicensePayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return nil, 0, ovsaerr.New(ovsaerr.InvalidParameter, "could not parse master license payload", err)
	}

	wrapped, iv, ephemeralPub, err := blob.DecodeWrappedKeyECDH(payload.EncryptionKey)
	if err != nil {
		return nil, 0, err
	}
	combinedID, err := m.UnwrapKeyECDH(ks.Primary.SlotID, ephemeralPub, wrapped, iv, primitives.KindGenericSecret, nil)
	if err != nil {
		return nil, 0, err
	}
	defer m.Clear(combinedID)

	contentID, hmacID, err := m.SplitGenericSecret(combinedID, 32)
	if err != nil {
		return nil, 0, err
	}
	defer m.Clear(hmacID)

	canon, err := blob.Canonicalize(json.RawMessage(env.Payload))
	if err != nil {
		m.Clear(contentID)
		return nil, 0, err
	}
	tag, err := hex.DecodeString(env.HMAC)
	if err != nil {
		m.Clear(contentID)
		return nil, 0, ovsaerr.New(ovsaerr.InvalidParameter, "could not decode master license HMAC", err)
	}
	if err := m.VerifyHMACJSONBlob(hmacID, canon, tag); err != nil {
		m.Clear(contentID)
		return nil, 0, err
	}

	return &payload, contentID, nil
}

// loadAndCheckTCB implements step 2: it signature-verifies the TCB file
// against the issuer's primary public key, then confirms the TCB's embedded
// issuer certificate is the same one the master license was signed under —
// comparing SPKI fingerprints rather than raw PEM bytes, so re-encoding
// differences in how a certificate was stored don't produce a false
// mismatch.
func loadAndCheckTCB(path string, issuerPub *ecdsa.PublicKey, masterISVCertPEM string) (*blob.SignedEnvelope, error) {
	data, err := utils.ReadFile(path)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.FileIO, "could not read TCB signature file", err)
	}

	payload, err := tcb.Verify(data, issuerPub)
	if err != nil {
		return nil, err
	}

	tcbCert, err := parsePEMCert(payload.IssuerCertificate)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.VerificationFailed, "TCB issuer certificate is structurally invalid", err)
	}
	masterCert, err := parsePEMCert(masterISVCertPEM)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.VerificationFailed, "master license issuer certificate is structurally invalid", err)
	}
	if !bytes.Equal(primitives.Fingerprint(tcbCert.RawSubjectPublicKeyInfo), primitives.Fingerprint(masterCert.RawSubjectPublicKeyInfo)) {
		return nil, ovsaerr.New(ovsaerr.VerificationFailed, "TCB issuer certificate does not match master license issuer", nil)
	}

	var env blob.SignedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not parse TCB envelope", err)
	}
	return &env, nil
}

// verifyCustomerCert implements step 3: structural parse, chain
// verification against the customer CA certificate configured for this
// sale, and a fail-closed OCSP lookup (VerifyCertificate's Peer mode).
func verifyCustomerCert(certPath, caCertPath string, ocspChecker *primitives.OCSPChecker) (*x509.Certificate, []byte, error) {
	certPEM, err := utils.ReadFile(certPath)
	if err != nil {
		return nil, nil, ovsaerr.New(ovsaerr.FileIO, "could not read customer certificate", err)
	}
	cert, err := parsePEMCert(string(certPEM))
	if err != nil {
		return nil, nil, ovsaerr.New(ovsaerr.VerificationFailed, "customer certificate is structurally invalid", err)
	}

	caPEM, err := utils.ReadFile(caCertPath)
	if err != nil {
		return nil, nil, ovsaerr.New(ovsaerr.FileIO, "could not read customer CA certificate", err)
	}
	caCert, err := parsePEMCert(string(caPEM))
	if err != nil {
		return nil, nil, ovsaerr.New(ovsaerr.VerificationFailed, "customer CA certificate is structurally invalid", err)
	}

	if ocspChecker == nil {
		ocspChecker = &primitives.OCSPChecker{}
	}
	roots := x509.NewCertPool()
	roots.AddCert(caCert)
	opts := primitives.VerifyOptions{
		Roots:    roots,
		Peer:     true,
		OCSP:     ocspChecker,
		IssuerOf: caCert,
	}
	if err := primitives.VerifyCertificate(cert, opts); err != nil {
		return nil, nil, err
	}

	return cert, primitives.Fingerprint(cert.RawSubjectPublicKeyInfo), nil
}

func parsePEMCert(pemText string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}
