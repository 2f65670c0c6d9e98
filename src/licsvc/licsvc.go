// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package licsvc implements the license service's core: the mTLS accept
// loop and the per-connection validation handler of spec section 4.5. The
// database model lives in src/licsvc/store; the wire framing lives in
// src/licsvc/wire.
package licsvc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/lowRISC/ovsa-licensing/src/blob"
	primitives "github.com/lowRISC/ovsa-licensing/src/crypto"
	"github.com/lowRISC/ovsa-licensing/src/licsvc/store"
	"github.com/lowRISC/ovsa-licensing/src/licsvc/wire"
	"github.com/lowRISC/ovsa-licensing/src/logger"
	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// Default timeouts, per spec section 5's timeout budget.
const (
	HandshakeTimeout = 5 * time.Second
	ValidateTimeout  = 10 * time.Second
)

// QuoteVerifier checks a runtime-presented TCB quote against the TCB
// payload a license is bound to (validation step 4). Parsing a real TPM
// quote and chaining its signature to the TPM EK/AK anchor provisioned
// out-of-band is an external collaborator (spec section 1 scopes TPM quote
// generation and hardware-root-of-trust provisioning out of this module);
// this interface is the seam a real verifier plugs into.
type QuoteVerifier interface {
	Verify(tcbQuote []byte, tcb *blob.TCBPayload) error
}

// PCRDigestQuoteVerifier is the in-tree QuoteVerifier. It treats tcb_quote
// as the runtime's raw measured PCR digest bytes and compares it against
// the TCB payload's recorded digest; it does not itself verify a TPM
// AK-signature chain over the quote.
type PCRDigestQuoteVerifier struct{}

// Verify implements QuoteVerifier.
func (PCRDigestQuoteVerifier) Verify(tcbQuote []byte, tcb *blob.TCBPayload) error {
	if hex.EncodeToString(tcbQuote) != tcb.PCRDigest {
		return ovsaerr.New(ovsaerr.VerificationFailed, "TCB quote PCR digest does not match bound TCB signature", nil)
	}
	return nil
}

// VerifyPeerClientCert returns a tls.Config.VerifyPeerCertificate callback
// that performs the fail-closed OCSP lookup the customer's peer certificate
// requires, on top of the chain verification tls.RequireAndVerifyClientCert
// already does against ClientCAs. issuerOf is the CA certificate that
// issued customer leaf certs, used as the OCSP request's issuer. A nil
// checker uses OCSPChecker's network defaults.
func VerifyPeerClientCert(checker *primitives.OCSPChecker, issuerOf *x509.Certificate) func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
	if checker == nil {
		checker = &primitives.OCSPChecker{}
	}
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(verifiedChains) == 0 || len(verifiedChains[0]) == 0 {
			return ovsaerr.New(ovsaerr.VerificationFailed, "no verified client certificate chain", nil)
		}
		return checker.Check(verifiedChains[0][0], issuerOf)
	}
}

// Server is the license service: one accept loop fanning out to
// per-connection handlers that share read access to Store and take a row
// lock only for the decrement step, per spec section 5.
type Server struct {
	Store         *store.Store
	TLSConfig     *tls.Config
	QuoteVerifier QuoteVerifier
	Log           *logger.ModLogger

	// HandshakeTimeout and ValidateTimeout override the package defaults
	// above; the zero value means "use the default".
	HandshakeTimeout time.Duration
	ValidateTimeout  time.Duration
}

// NewServer constructs a Server. A nil qv defaults to PCRDigestQuoteVerifier.
func NewServer(st *store.Store, tlsConfig *tls.Config, qv QuoteVerifier, log *logger.ModLogger) *Server {
	if qv == nil {
		qv = PCRDigestQuoteVerifier{}
	}
	return &Server{Store: st, TLSConfig: tlsConfig, QuoteVerifier: qv, Log: log}
}

func (s *Server) handshakeTimeout() time.Duration {
	if s.HandshakeTimeout > 0 {
		return s.HandshakeTimeout
	}
	return HandshakeTimeout
}

func (s *Server) validateTimeout() time.Duration {
	if s.ValidateTimeout > 0 {
		return s.ValidateTimeout
	}
	return ValidateTimeout
}

// Serve accepts connections from ln until it returns an error (typically
// because ln was closed), dispatching one goroutine per connection.
func (s *Server) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return ovsaerr.New(ovsaerr.TransientUnavailable, "accept failed", err)
		}
		go s.handleConn(conn)
	}
}

// handleConn owns one connection end to end: TLS handshake, one
// Hello?/Validate exchange, and an Authorize or Error reply. Closing the
// connection (client disconnect, deadline, or return from this function)
// is the sole cancellation point; no lock is held across it.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(s.handshakeTimeout()))
	tlsConn := tls.Server(conn, s.TLSConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.logError(ovsaerr.New(ovsaerr.VerificationFailed, "TLS handshake failed", err))
		return
	}

	conn.SetDeadline(time.Now().Add(s.validateTimeout()))
	if err := s.handleValidate(tlsConn); err != nil {
		s.logError(err)
		wire.WriteError(tlsConn, err)
	}
}

func (s *Server) logError(err error) {
	if s.Log != nil {
		s.Log.Error(err)
	}
}

// handleValidate speaks exactly one validation exchange over conn,
// implementing the 7-step algorithm of spec section 4.5. A Hello message
// ahead of Validate is accepted and ignored beyond its presence; the
// protocol version it carries isn't load-bearing for this single
// supported version.
func (s *Server) handleValidate(conn *tls.Conn) error {
	msgType, body, err := wire.ReadMessage(conn)
	if err != nil {
		return err
	}
	if msgType == wire.TypeHello {
		msgType, body, err = wire.ReadMessage(conn)
		if err != nil {
			return err
		}
	}
	if msgType != wire.TypeValidate {
		return ovsaerr.New(ovsaerr.InvalidParameter, fmt.Sprintf("expected Validate message, got %q", msgType), nil)
	}
	var req wire.ValidateBody
	if err := json.Unmarshal(body, &req); err != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, "could not parse Validate body", err)
	}

	// Step 1: look up the row; Get itself surfaces PolicyReasonUnknownLicense.
	rec, err := s.Store.Get(req.LicenseGUID)
	if err != nil {
		return err
	}

	// Step 2: presented client certificate fingerprint must match the row.
	state := conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return ovsaerr.New(ovsaerr.VerificationFailed, "no client certificate presented", nil)
	}
	peerCert := state.PeerCertificates[0]
	peerFingerprint := hex.EncodeToString(primitives.Fingerprint(peerCert.RawSubjectPublicKeyInfo))
	if peerFingerprint != rec.CustomerPrimaryFingerprint {
		return ovsaerr.New(ovsaerr.VerificationFailed, "client certificate fingerprint does not match license", nil)
	}

	// Step 3: bundle hash must match the row's recorded model hash.
	if req.BundleHash != rec.ModelHash {
		return ovsaerr.New(ovsaerr.VerificationFailed, "bundle hash does not match license", nil)
	}

	// Step 4: TCB quote must match the TCB signature bound at ingestion.
	tcbQuote, err := base64.StdEncoding.DecodeString(req.TCBQuote)
	if err != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, "could not decode TCB quote", err)
	}
	var tcbEnv blob.SignedEnvelope
	if err := json.Unmarshal(rec.TCBSignatureBlob, &tcbEnv); err != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, "could not parse bound TCB signature", err)
	}
	var tcbPayload blob.TCBPayload
	if err := json.Unmarshal(tcbEnv.Payload, &tcbPayload); err != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, "could not parse bound TCB payload", err)
	}
	if err := s.QuoteVerifier.Verify(tcbQuote, &tcbPayload); err != nil {
		return err
	}

	// Steps 5-6: status/policy check and, for UsageCount, the atomic
	// decrement — both performed together, row-locked, by the store.
	if _, err := s.Store.ValidateAndConsume(rec.LicenseGUID, time.Now()); err != nil {
		return err
	}

	// Step 7: short ECDH exchange, HMAC-bound authorization token.
	resp, err := authorize(peerCert, req)
	if err != nil {
		return err
	}
	return wire.WriteMessage(conn, wire.TypeAuthorize, resp)
}

// authorize performs step 7: it generates a fresh ephemeral ECDSA keypair,
// derives a one-shot HMAC key via ECDH against the client's long-term
// public key (read off the already-verified peer certificate), and tags
// the binding. The Manager backing this exchange is scoped to the single
// call so its key slots are reclaimed immediately rather than accumulating
// against the server process's slot budget over the service's lifetime.
func authorize(peerCert *x509.Certificate, req wire.ValidateBody) (*wire.AuthorizeBody, error) {
	peerPub, ok := peerCert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "client certificate public key is not ECDSA", nil)
	}

	m := primitives.NewManager()
	defer m.Close()

	ephemeralID, err := m.GenerateECDSA(elliptic.P256(), nil)
	if err != nil {
		return nil, err
	}
	ephemeralPub, err := m.PublicKey(ephemeralID)
	if err != nil {
		return nil, err
	}
	kexDER, err := x509.MarshalPKIXPublicKey(ephemeralPub)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not encode ephemeral public key", err)
	}

	hmacID, err := m.DeriveAuthorizationKey(ephemeralID, peerPub)
	if err != nil {
		return nil, err
	}

	nonceServer := make([]byte, 16)
	if _, err := rand.Read(nonceServer); err != nil {
		return nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not generate server nonce", err)
	}
	nonceServerB64 := base64.StdEncoding.EncodeToString(nonceServer)

	canon, err := blob.Canonicalize(wire.AuthorizationBinding{
		LicenseGUID: req.LicenseGUID,
		NonceClient: req.NonceClient,
		NonceServer: nonceServerB64,
		BundleHash:  req.BundleHash,
	})
	if err != nil {
		return nil, err
	}
	tag, err := m.HMACJSONBlob(hmacID, canon)
	if err != nil {
		return nil, err
	}

	return &wire.AuthorizeBody{
		NonceServer:   nonceServerB64,
		KEXPublicKey:  base64.StdEncoding.EncodeToString(kexDER),
		Authorization: base64.StdEncoding.EncodeToString(tag),
	}, nil
}
