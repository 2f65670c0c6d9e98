// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package licsvc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/lowRISC/ovsa-licensing/src/blob"
	primitives "github.com/lowRISC/ovsa-licensing/src/crypto"
	"github.com/lowRISC/ovsa-licensing/src/licsvc/store"
	"github.com/lowRISC/ovsa-licensing/src/licsvc/wire"
	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
	"github.com/lowRISC/ovsa-licensing/src/tcb"
)

// ocspServer stands up a fake OCSP responder answering with the given
// status for any request, signed by the given CA.
func ocspServer(t *testing.T, caCert *x509.Certificate, caPriv *ecdsa.PrivateKey, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req, err := ocsp.ParseRequest(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		now := time.Now()
		resp, err := ocsp.CreateResponse(caCert, caCert, ocsp.Response{
			SerialNumber: req.SerialNumber,
			Status:       status,
			ThisUpdate:   now,
			NextUpdate:   now.Add(time.Hour),
		}, caPriv)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/ocsp-response")
		w.Write(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func generateCA(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate() error = %v", err)
	}
	return cert, priv
}

func issueLeaf(t *testing.T, caCert *x509.Certificate, caPriv *ecdsa.PrivateKey, cn string, serial int64) (*x509.Certificate, *ecdsa.PrivateKey, tls.Certificate) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &priv.PublicKey, caPriv)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate() error = %v", err)
	}
	tlsCert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert, priv, tlsCert
}

// testFixture wires up one CA, one server leaf cert, and one registered
// customer leaf cert, plus a running Server listening on a loopback port.
type testFixture struct {
	addr            string
	customerCert    *x509.Certificate
	customerPriv    *ecdsa.PrivateKey
	customerTLSCert tls.Certificate
	caPool          *x509.CertPool
	modelHash       string
	pcrDigest       []byte
	tcbBlob         []byte
	st              *store.Store
}

func newTestFixture(t *testing.T, licenseGUID, policyType string, remainingQuota uint32, expiry time.Time) *testFixture {
	t.Helper()

	caCert, caPriv := generateCA(t)
	caPool := x509.NewCertPool()
	caPool.AddCert(caCert)

	serverCert, serverPriv, serverTLSCert := issueLeaf(t, caCert, caPriv, "license-service", 10)

	customerCert, customerPriv, customerTLSCert := issueLeaf(t, caCert, caPriv, "customer-primary", 20)

	issuerCert, issuerPriv := generateCA(t)
	m := primitives.NewManager()
	defer m.Close()
	issuerSlot, err := m.ImportECDSAPrivate(issuerPriv, nil)
	if err != nil {
		t.Fatalf("ImportECDSAPrivate() error = %v", err)
	}
	pcrDigest := primitives.ComputeHash([]byte("pcr-reference-values"))
	tcbBlob, err := tcb.Generate(m, issuerSlot, issuerCert.Raw, tcb.Params{
		Name:             "test-tcb",
		Version:          "1",
		PCRBankAlgorithm: "sha384",
		PCRSelection:     []int{0, 1, 2},
		PCRDigest:        pcrDigest,
	})
	if err != nil {
		t.Fatalf("tcb.Generate() error = %v", err)
	}

	modelHash := hex.EncodeToString(primitives.ComputeHash([]byte("model-bytes")))

	st, err := store.Open(filepath.Join(t.TempDir(), "licenses.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	rec := &store.Record{
		LicenseGUID:                licenseGUID,
		CustomerPrimaryFingerprint: hex.EncodeToString(primitives.Fingerprint(customerCert.RawSubjectPublicKeyInfo)),
		PolicyType:                 policyType,
		TCBSignatureBlob:           tcbBlob,
		ModelGUID:                  "model-guid",
		ModelHash:                  modelHash,
		RemainingQuota:             remainingQuota,
		ExpiryTimestamp:            expiry,
	}
	if err := st.Insert(rec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	srv := NewServer(st, &tls.Config{
		Certificates: []tls.Certificate{serverTLSCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
	}, nil, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go srv.Serve(ln)

	serverRootPool := x509.NewCertPool()
	serverRootPool.AddCert(serverCert)

	return &testFixture{
		addr:            ln.Addr().String(),
		customerCert:    customerCert,
		customerPriv:    customerPriv,
		customerTLSCert: customerTLSCert,
		caPool:          serverRootPool,
		modelHash:       modelHash,
		pcrDigest:       pcrDigest,
		tcbBlob:         tcbBlob,
		st:              st,
	}
}

func (f *testFixture) dial(t *testing.T) *tls.Conn {
	t.Helper()
	conn, err := tls.Dial("tcp", f.addr, &tls.Config{
		Certificates: []tls.Certificate{f.customerTLSCert},
		RootCAs:      f.caPool,
	})
	if err != nil {
		t.Fatalf("tls.Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *testFixture) validate(t *testing.T, conn *tls.Conn, licenseGUID, bundleHash string, quote []byte, nonceClient string) (wire.Type, []byte) {
	t.Helper()
	req := wire.ValidateBody{
		LicenseGUID: licenseGUID,
		BundleHash:  bundleHash,
		TCBQuote:    base64.StdEncoding.EncodeToString(quote),
		NonceClient: nonceClient,
	}
	if err := wire.WriteMessage(conn, wire.TypeValidate, req); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	msgType, body, err := wire.ReadMessage(conn)
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	return msgType, body
}

func randomNonce(t *testing.T) string {
	t.Helper()
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("rand.Read() error = %v", err)
	}
	return base64.StdEncoding.EncodeToString(b)
}

func TestServer_ValidateUnlimitedLicense_ProducesVerifiableAuthorization(t *testing.T) {
	f := newTestFixture(t, "lic-unlimited", "Unlimited", 0, time.Time{})
	conn := f.dial(t)

	nonceClient := randomNonce(t)
	msgType, body := f.validate(t, conn, "lic-unlimited", f.modelHash, f.pcrDigest, nonceClient)
	if msgType != wire.TypeAuthorize {
		var errBody wire.ErrorBody
		json.Unmarshal(body, &errBody)
		t.Fatalf("msgType = %q, want Authorize (error: %+v)", msgType, errBody)
	}

	var resp wire.AuthorizeBody
	if err := json.Unmarshal(body, &resp); err != nil {
		t.Fatalf("Unmarshal(AuthorizeBody) error = %v", err)
	}

	kexDER, err := base64.StdEncoding.DecodeString(resp.KEXPublicKey)
	if err != nil {
		t.Fatalf("decode kex_pubkey error = %v", err)
	}
	kexPubAny, err := x509.ParsePKIXPublicKey(kexDER)
	if err != nil {
		t.Fatalf("ParsePKIXPublicKey() error = %v", err)
	}
	kexPub, ok := kexPubAny.(*ecdsa.PublicKey)
	if !ok {
		t.Fatalf("kex_pubkey is not ECDSA")
	}

	m := primitives.NewManager()
	defer m.Close()
	custID, err := m.ImportECDSAPrivate(f.customerPriv, nil)
	if err != nil {
		t.Fatalf("ImportECDSAPrivate() error = %v", err)
	}
	hmacID, err := m.DeriveAuthorizationKey(custID, kexPub)
	if err != nil {
		t.Fatalf("DeriveAuthorizationKey() error = %v", err)
	}

	canon, err := blob.Canonicalize(wire.AuthorizationBinding{
		LicenseGUID: "lic-unlimited",
		NonceClient: nonceClient,
		NonceServer: resp.NonceServer,
		BundleHash:  f.modelHash,
	})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	wantTag, err := base64.StdEncoding.DecodeString(resp.Authorization)
	if err != nil {
		t.Fatalf("decode authorization tag error = %v", err)
	}
	if err := m.VerifyHMACJSONBlob(hmacID, canon, wantTag); err != nil {
		t.Errorf("VerifyHMACJSONBlob() error = %v, want client-derived key to reproduce the server's tag", err)
	}
}

func TestServer_UnknownLicenseReturnsPolicyUnknownError(t *testing.T) {
	f := newTestFixture(t, "lic-exists", "Unlimited", 0, time.Time{})
	conn := f.dial(t)

	msgType, body := f.validate(t, conn, "does-not-exist", f.modelHash, f.pcrDigest, randomNonce(t))
	if msgType != wire.TypeError {
		t.Fatalf("msgType = %q, want Error", msgType)
	}
	var errBody wire.ErrorBody
	if err := json.Unmarshal(body, &errBody); err != nil {
		t.Fatalf("Unmarshal(ErrorBody) error = %v", err)
	}
	if errBody.Tag != "OVSA_ERR_POLICY_UNKNOWN" {
		t.Errorf("Tag = %q, want OVSA_ERR_POLICY_UNKNOWN", errBody.Tag)
	}
}

func TestServer_BundleHashMismatchReturnsVerificationError(t *testing.T) {
	f := newTestFixture(t, "lic-hashmismatch", "Unlimited", 0, time.Time{})
	conn := f.dial(t)

	msgType, body := f.validate(t, conn, "lic-hashmismatch", "not-the-right-hash", f.pcrDigest, randomNonce(t))
	if msgType != wire.TypeError {
		t.Fatalf("msgType = %q, want Error", msgType)
	}
	var errBody wire.ErrorBody
	if err := json.Unmarshal(body, &errBody); err != nil {
		t.Fatalf("Unmarshal(ErrorBody) error = %v", err)
	}
	if errBody.Tag != "OVSA_ERR_VERIFY" {
		t.Errorf("Tag = %q, want OVSA_ERR_VERIFY", errBody.Tag)
	}
}

func TestServer_UsageCountExhaustsAfterLimit(t *testing.T) {
	f := newTestFixture(t, "lic-usagecount", "UsageCount", 1, time.Time{})

	conn1 := f.dial(t)
	msgType, _ := f.validate(t, conn1, "lic-usagecount", f.modelHash, f.pcrDigest, randomNonce(t))
	if msgType != wire.TypeAuthorize {
		t.Fatalf("first validation msgType = %q, want Authorize", msgType)
	}

	conn2 := f.dial(t)
	msgType, body := f.validate(t, conn2, "lic-usagecount", f.modelHash, f.pcrDigest, randomNonce(t))
	if msgType != wire.TypeError {
		t.Fatalf("second validation msgType = %q, want Error", msgType)
	}
	var errBody wire.ErrorBody
	if err := json.Unmarshal(body, &errBody); err != nil {
		t.Fatalf("Unmarshal(ErrorBody) error = %v", err)
	}
	if errBody.Tag != "OVSA_ERR_POLICY_EXHAUSTED" {
		t.Errorf("Tag = %q, want OVSA_ERR_POLICY_EXHAUSTED", errBody.Tag)
	}
}

func TestServer_WrongClientCertFingerprintRejected(t *testing.T) {
	f := newTestFixture(t, "lic-wrongcert", "Unlimited", 0, time.Time{})

	otherConn, err := tls.Dial("tcp", f.addr, &tls.Config{
		Certificates: []tls.Certificate{f.customerTLSCert},
		RootCAs:      f.caPool,
	})
	if err != nil {
		t.Fatalf("tls.Dial() error = %v", err)
	}
	defer otherConn.Close()

	// Use the registered cert but query a different license_guid to prove
	// the row-level fingerprint compare, not just connectivity, gates
	// access: insert a second row bound to a fingerprint this cert can't
	// present.
	rec := &store.Record{
		LicenseGUID:                "lic-other-owner",
		CustomerPrimaryFingerprint: "0000000000000000000000000000000000000000000000000000000000000000",
		PolicyType:                 "Unlimited",
		TCBSignatureBlob:           f.tcbBlob,
		ModelGUID:                  "model-guid",
		ModelHash:                  f.modelHash,
	}
	if err := f.st.Insert(rec); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	req := wire.ValidateBody{
		LicenseGUID: "lic-other-owner",
		BundleHash:  f.modelHash,
		TCBQuote:    base64.StdEncoding.EncodeToString(f.pcrDigest),
		NonceClient: randomNonce(t),
	}
	if err := wire.WriteMessage(otherConn, wire.TypeValidate, req); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	msgType, body, err := wire.ReadMessage(otherConn)
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msgType != wire.TypeError {
		t.Fatalf("msgType = %q, want Error", msgType)
	}
	var errBody wire.ErrorBody
	if err := json.Unmarshal(body, &errBody); err != nil {
		t.Fatalf("Unmarshal(ErrorBody) error = %v", err)
	}
	if errBody.Tag != "OVSA_ERR_VERIFY" {
		t.Errorf("Tag = %q, want OVSA_ERR_VERIFY", errBody.Tag)
	}
}

func TestVerifyPeerClientCert_FailsClosedOnRevoked(t *testing.T) {
	caCert, caPriv := generateCA(t)
	srv := ocspServer(t, caCert, caPriv, ocsp.Revoked)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(30),
		Subject:      pkix.Name{CommonName: "customer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		OCSPServer:   []string{srv.URL},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &priv.PublicKey, caPriv)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate() error = %v", err)
	}

	checker := &primitives.OCSPChecker{Client: srv.Client(), Timeout: 2 * time.Second}
	verify := VerifyPeerClientCert(checker, caCert)

	err = verify(nil, [][]*x509.Certificate{{leaf}})
	if !ovsaerr.Is(err, ovsaerr.VerificationFailed) {
		t.Errorf("verify() error = %v, want VerificationFailed for a revoked peer certificate", err)
	}
}

func TestVerifyPeerClientCert_RejectsEmptyChain(t *testing.T) {
	verify := VerifyPeerClientCert(nil, nil)
	if err := verify(nil, nil); !ovsaerr.Is(err, ovsaerr.VerificationFailed) {
		t.Errorf("verify() error = %v, want VerificationFailed for an empty verified chain", err)
	}
}

func TestPCRDigestQuoteVerifier_RejectsMismatch(t *testing.T) {
	v := PCRDigestQuoteVerifier{}
	tcbPayload := &blob.TCBPayload{PCRDigest: hex.EncodeToString([]byte("expected"))}
	if err := v.Verify([]byte("not-expected"), tcbPayload); !ovsaerr.Is(err, ovsaerr.VerificationFailed) {
		t.Errorf("Verify() error = %v, want VerificationFailed", err)
	}
	if err := v.Verify([]byte("expected"), tcbPayload); err != nil {
		t.Errorf("Verify() error = %v, want nil on matching digest", err)
	}
}
