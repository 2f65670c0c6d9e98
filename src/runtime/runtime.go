// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package runtime implements the Runtime Client Glue: it loads a protected
// bundle and its customer license, checks every signature and binding the
// license claims, opens mTLS to the license service pinned by the
// license's embedded server certificate, runs the validation protocol, and
// on a successful Authorize reply unwraps and decrypts the bundle's model
// files for the caller's model-loader.
package runtime

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net"
	"time"

	"github.com/lowRISC/ovsa-licensing/src/blob"
	primitives "github.com/lowRISC/ovsa-licensing/src/crypto"
	"github.com/lowRISC/ovsa-licensing/src/keystore"
	"github.com/lowRISC/ovsa-licensing/src/licsvc/wire"
	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
	"github.com/lowRISC/ovsa-licensing/src/utils"
)

// DialTimeout bounds the TCP connect and TLS handshake to the license
// service; ValidateTimeout bounds the Validate/Authorize round trip. Both
// mirror the license service's own timeout budget (spec section 5).
const (
	DialTimeout     = 5 * time.Second
	ValidateTimeout = 10 * time.Second
)

// ModelSink is where a recovered model file's plaintext is delivered. Model
// loading itself is an external collaborator; this is the seam it plugs
// into.
type ModelSink interface {
	WriteFile(fileName string, plaintext []byte) error
}

// Run implements spec section 4.6's runtime client: load bundle+license,
// verify signatures/chain/pinned server certificate, run the validation
// protocol against the license service, and on success decrypt every model
// file into sink. tcbQuote is the runtime's measured PCR digest bytes,
// produced by a TPM quote outside this module's scope.
func Run(m *primitives.Manager, bundlePath, licensePath, keystoreDir, keystoreName string, passphrase, tcbQuote []byte, sink ModelSink) error {
	license, issuerCert, err := loadCustomerLicense(licensePath)
	if err != nil {
		return err
	}
	bundle, bundleHash, err := loadBundle(bundlePath, issuerCert)
	if err != nil {
		return err
	}
	if bundleHash != license.ModelHash {
		return ovsaerr.New(ovsaerr.VerificationFailed, "bundle hash does not match license", nil)
	}

	ks, err := keystore.LoadAsymmetricKey(m, keystoreDir, keystoreName, passphrase)
	if err != nil {
		return err
	}
	defer m.Clear(ks.Primary.SlotID)
	defer m.Clear(ks.Secondary.SlotID)

	licenseCustomerCert, err := parsePEMCert(license.CustomerCertificate)
	if err != nil {
		return ovsaerr.New(ovsaerr.VerificationFailed, "license customer certificate is structurally invalid", err)
	}
	if !bytes.Equal(primitives.Fingerprint(ks.Primary.Cert.RawSubjectPublicKeyInfo), primitives.Fingerprint(licenseCustomerCert.RawSubjectPublicKeyInfo)) {
		return ovsaerr.New(ovsaerr.VerificationFailed, "local keystore does not match the license's customer certificate", nil)
	}

	serverCert, err := parsePEMCert(license.LicenseServerCert)
	if err != nil {
		return ovsaerr.New(ovsaerr.VerificationFailed, "license server certificate is structurally invalid", err)
	}

	signerObj, err := m.Signer(ks.Primary.SlotID)
	if err != nil {
		return err
	}
	tlsConfig := &tls.Config{
		Certificates:          []tls.Certificate{{Certificate: [][]byte{ks.Primary.Cert.Raw}, PrivateKey: signerObj}},
		InsecureSkipVerify:    true, // pinned below via the license's embedded server certificate
		VerifyPeerCertificate: pinServerCert(serverCert),
	}

	conn, err := dial(license.LicenseServerURL, tlsConfig)
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, nonceClientB64, err := validate(conn, license.LicenseGUID, bundleHash, tcbQuote)
	if err != nil {
		return err
	}

	hmacID, contentID, err := recoverKeys(m, ks.Primary.SlotID, license, license.LicenseGUID, bundleHash, nonceClientB64, resp)
	if err != nil {
		return err
	}
	defer m.Clear(hmacID)
	defer m.Clear(contentID)

	return decryptBundle(m, contentID, bundle, sink)
}

// loadCustomerLicense reads and signature-verifies the customer license
// file. The license is its own root of trust: its embedded issuer
// certificate is checked for chain+lifetime validity against itself (it is
// self-signed, like every issuer certificate this toolchain mints), then
// used to verify the envelope signature.
func loadCustomerLicense(path string) (*blob.CustomerLicensePayload, *x509.Certificate, error) {
	data, err := utils.ReadFile(path)
	if err != nil {
		return nil, nil, ovsaerr.New(ovsaerr.FileIO, "could not read customer license", err)
	}

	var env blob.SignedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not parse customer license envelope", err)
	}
	var peek blob.CustomerLicensePayload
	if err := json.Unmarshal(env.Payload, &peek); err != nil {
		return nil, nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not parse customer license payload", err)
	}

	issuerCert, err := parsePEMCert(peek.ISVCertificate)
	if err != nil {
		return nil, nil, ovsaerr.New(ovsaerr.VerificationFailed, "license issuer certificate is structurally invalid", err)
	}
	issuerPub, ok := issuerCert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, nil, ovsaerr.New(ovsaerr.VerificationFailed, "license issuer certificate public key is not ECDSA", nil)
	}
	roots := x509.NewCertPool()
	roots.AddCert(issuerCert)
	if err := primitives.VerifyCertificate(issuerCert, primitives.VerifyOptions{Roots: roots}); err != nil {
		return nil, nil, err
	}

	var license blob.CustomerLicensePayload
	verify := func(digest, sig []byte) error { return primitives.VerifyBlob(issuerPub, digest, sig) }
	if err := blob.DecodeSigned(data, &license, verify, primitives.ComputeHash); err != nil {
		return nil, nil, err
	}
	return &license, issuerCert, nil
}

// loadBundle reads and signature-verifies the protected bundle, confirming
// its embedded issuer certificate is the same one (by SPKI fingerprint) the
// license was issued under, and returns the hex bundle hash the license's
// model_hash must match.
func loadBundle(path string, issuerCert *x509.Certificate) (*blob.BundlePayload, string, error) {
	data, err := utils.ReadFile(path)
	if err != nil {
		return nil, "", ovsaerr.New(ovsaerr.FileIO, "could not read protected bundle", err)
	}

	var env blob.SignedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, "", ovsaerr.New(ovsaerr.InvalidParameter, "could not parse bundle envelope", err)
	}
	var peek blob.BundlePayload
	if err := json.Unmarshal(env.Payload, &peek); err != nil {
		return nil, "", ovsaerr.New(ovsaerr.InvalidParameter, "could not parse bundle payload", err)
	}
	bundleCert, err := parsePEMCert(peek.ISVCertificate)
	if err != nil {
		return nil, "", ovsaerr.New(ovsaerr.VerificationFailed, "bundle issuer certificate is structurally invalid", err)
	}
	if !bytes.Equal(primitives.Fingerprint(bundleCert.RawSubjectPublicKeyInfo), primitives.Fingerprint(issuerCert.RawSubjectPublicKeyInfo)) {
		return nil, "", ovsaerr.New(ovsaerr.VerificationFailed, "bundle issuer certificate does not match license issuer", nil)
	}

	issuerPub := issuerCert.PublicKey.(*ecdsa.PublicKey)
	verify := func(digest, sig []byte) error { return primitives.VerifyBlob(issuerPub, digest, sig) }
	var bundle blob.BundlePayload
	if err := blob.DecodeSigned(data, &bundle, verify, primitives.ComputeHash); err != nil {
		return nil, "", err
	}

	canon, err := blob.Canonicalize(bundle)
	if err != nil {
		return nil, "", err
	}
	return &bundle, hex.EncodeToString(primitives.ComputeHash(canon)), nil
}

// pinServerCert returns a tls.Config.VerifyPeerCertificate callback that
// accepts the server's presented leaf only if its SPKI fingerprint matches
// pinned, skipping chain-of-trust verification entirely — the license's
// embedded server certificate is the only root this connection trusts.
func pinServerCert(pinned *x509.Certificate) func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	pinnedFingerprint := primitives.Fingerprint(pinned.RawSubjectPublicKeyInfo)
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return ovsaerr.New(ovsaerr.VerificationFailed, "license service presented no certificate", nil)
		}
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return ovsaerr.New(ovsaerr.VerificationFailed, "license service certificate is structurally invalid", err)
		}
		if !bytes.Equal(primitives.Fingerprint(leaf.RawSubjectPublicKeyInfo), pinnedFingerprint) {
			return ovsaerr.New(ovsaerr.VerificationFailed, "license service certificate does not match the license's pinned certificate", nil)
		}
		return nil
	}
}

// dial opens the mTLS connection to addr (the license's license_server_url,
// a bare host:port for this package's length-prefixed framing, not an HTTP
// URL), bounding the TCP connect and TLS handshake by DialTimeout.
func dial(addr string, tlsConfig *tls.Config) (*tls.Conn, error) {
	rawConn, err := net.DialTimeout("tcp", addr, DialTimeout)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.TransientUnavailable, "could not connect to license service", err)
	}
	conn := tls.Client(rawConn, tlsConfig)
	conn.SetDeadline(time.Now().Add(DialTimeout))
	if err := conn.Handshake(); err != nil {
		conn.Close()
		return nil, ovsaerr.New(ovsaerr.VerificationFailed, "TLS handshake with license service failed", err)
	}
	conn.SetDeadline(time.Now().Add(ValidateTimeout))
	return conn, nil
}

// validate sends the Hello/Validate exchange and returns the service's
// Authorize reply alongside the base64 client nonce that went into the
// authorization binding, for the caller to reproduce the HMAC tag.
func validate(conn *tls.Conn, licenseGUID, bundleHash string, tcbQuote []byte) (*wire.AuthorizeBody, string, error) {
	if err := wire.WriteMessage(conn, wire.TypeHello, wire.HelloBody{ProtocolVersion: 1}); err != nil {
		return nil, "", err
	}

	nonceClient, err := utils.GenerateRandom(16)
	if err != nil {
		return nil, "", ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not generate client nonce", err)
	}
	nonceClientB64 := base64.StdEncoding.EncodeToString(nonceClient)

	req := wire.ValidateBody{
		LicenseGUID: licenseGUID,
		BundleHash:  bundleHash,
		TCBQuote:    base64.StdEncoding.EncodeToString(tcbQuote),
		NonceClient: nonceClientB64,
	}
	if err := wire.WriteMessage(conn, wire.TypeValidate, req); err != nil {
		return nil, "", err
	}

	msgType, body, err := wire.ReadMessage(conn)
	if err != nil {
		return nil, "", err
	}
	if msgType == wire.TypeError {
		var errBody wire.ErrorBody
		if err := json.Unmarshal(body, &errBody); err != nil {
			return nil, "", ovsaerr.New(ovsaerr.InvalidParameter, "could not parse Error body", err)
		}
		return nil, "", wire.ErrorFromBody(errBody)
	}
	if msgType != wire.TypeAuthorize {
		return nil, "", ovsaerr.New(ovsaerr.InvalidParameter, fmt.Sprintf("expected Authorize message, got %q", msgType), nil)
	}
	var resp wire.AuthorizeBody
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, "", ovsaerr.New(ovsaerr.InvalidParameter, "could not parse Authorize body", err)
	}
	return &resp, nonceClientB64, nil
}

// recoverKeys reproduces the server's step-7 ECDH exchange with the
// customer's own private key to re-derive the authorization HMAC key,
// verifies the authorization tag, and unwraps the bundle's content key.
// ECDH is commutative, so the same shared secret the server derived from
// (ephemeral private, customer public) falls out here from (customer
// private, ephemeral public).
func recoverKeys(m *primitives.Manager, customerID primitives.SlotID, license *blob.CustomerLicensePayload, licenseGUID, bundleHash, nonceClientB64 string, resp *wire.AuthorizeBody) (hmacID, contentID primitives.SlotID, err error) {
	kexDER, err := base64.StdEncoding.DecodeString(resp.KEXPublicKey)
	if err != nil {
		return 0, 0, ovsaerr.New(ovsaerr.InvalidParameter, "could not decode server ephemeral public key", err)
	}
	kexAny, err := x509.ParsePKIXPublicKey(kexDER)
	if err != nil {
		return 0, 0, ovsaerr.New(ovsaerr.InvalidParameter, "could not parse server ephemeral public key", err)
	}
	kexPub, ok := kexAny.(*ecdsa.PublicKey)
	if !ok {
		return 0, 0, ovsaerr.New(ovsaerr.InvalidParameter, "server ephemeral public key is not ECDSA", nil)
	}

	hmacID, err = m.DeriveAuthorizationKey(customerID, kexPub)
	if err != nil {
		return 0, 0, err
	}

	canon, err := blob.Canonicalize(wire.AuthorizationBinding{
		LicenseGUID: licenseGUID,
		NonceClient: nonceClientB64,
		NonceServer: resp.NonceServer,
		BundleHash:  bundleHash,
	})
	if err != nil {
		m.Clear(hmacID)
		return 0, 0, err
	}
	tag, err := base64.StdEncoding.DecodeString(resp.Authorization)
	if err != nil {
		m.Clear(hmacID)
		return 0, 0, ovsaerr.New(ovsaerr.InvalidParameter, "could not decode authorization tag", err)
	}
	if err := m.VerifyHMACJSONBlob(hmacID, canon, tag); err != nil {
		m.Clear(hmacID)
		return 0, 0, err
	}

	wrapped, iv, ephemeralPub, err := blob.DecodeWrappedKeyECDH(license.EncryptionKey)
	if err != nil {
		m.Clear(hmacID)
		return 0, 0, err
	}
	contentID, err = m.UnwrapKeyECDH(customerID, ephemeralPub, wrapped, iv, primitives.KindAES, nil)
	if err != nil {
		m.Clear(hmacID)
		return 0, 0, err
	}
	return hmacID, contentID, nil
}

// decryptBundle decrypts every entry in bundle.EncModel, in order, and
// streams each plaintext to sink, zeroizing it immediately after.
func decryptBundle(m *primitives.Manager, contentID primitives.SlotID, bundle *blob.BundlePayload, sink ModelSink) error {
	for _, entry := range bundle.EncModel {
		ciphertext, err := utils.Base64Decode(entry.Ciphertext)
		if err != nil {
			return ovsaerr.New(ovsaerr.InvalidParameter, fmt.Sprintf("could not decode ciphertext for %q", entry.FileName), err)
		}
		iv, err := utils.Base64Decode(entry.IV)
		if err != nil {
			return ovsaerr.New(ovsaerr.InvalidParameter, fmt.Sprintf("could not decode IV for %q", entry.FileName), err)
		}
		plaintext, err := m.DecryptMem(contentID, ciphertext, iv, nil)
		if err != nil {
			return err
		}
		err = sink.WriteFile(entry.FileName, plaintext)
		zeroize(plaintext)
		if err != nil {
			return ovsaerr.New(ovsaerr.FileIO, fmt.Sprintf("could not write model file %q", entry.FileName), err)
		}
	}
	return nil
}

func parsePEMCert(pemText string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
