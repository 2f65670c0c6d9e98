// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package wire implements the license service's connection protocol: a
// length-prefixed (u32 network order) JSON framing over an already-dialed
// mTLS connection, per spec section 6. One connection carries exactly one
// Hello/Validate/Authorize (or Error) exchange.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// Type identifies a message's payload shape.
type Type string

const (
	TypeHello     Type = "Hello"
	TypeValidate  Type = "Validate"
	TypeAuthorize Type = "Authorize"
	TypeError     Type = "Error"
)

// MaxMessageSize bounds a single frame's body, guarding the server against a
// peer that sends a bogus length prefix and tries to force an unbounded
// allocation.
const MaxMessageSize = 1 << 20

// envelope is the on-wire shape: a type tag plus the type-specific body as
// raw JSON, so each side only unmarshals the body after dispatching on Type.
type envelope struct {
	Type Type            `json:"type"`
	Body json.RawMessage `json:"body"`
}

// HelloBody opens a connection: the protocol version the client speaks.
type HelloBody struct {
	ProtocolVersion int `json:"protocol_version"`
}

// ValidateBody is the client's validation request, per spec section 4.5's
// validate(license_guid, bundle_hash, tcb_quote, nonce_client) contract.
type ValidateBody struct {
	LicenseGUID string `json:"license_guid"`
	BundleHash  string `json:"bundle_hash"`  // hex SHA-384
	TCBQuote    string `json:"tcb_quote"`    // base64
	NonceClient string `json:"nonce_client"` // base64
}

// AuthorizeBody is the service's successful validation response: a fresh
// server nonce, an ephemeral ECDH public key for the final key-release
// exchange, and an authorization tag HMAC-bound to
// (license_guid, nonce_client, nonce_server, bundle_hash).
type AuthorizeBody struct {
	NonceServer   string `json:"nonce_server"`  // base64
	KEXPublicKey  string `json:"kex_pubkey"`    // base64 PKIX DER
	Authorization string `json:"authorization"` // base64 HMAC tag
}

// ErrorBody reports a failed validation. Tag is one of the stable
// OVSA_ERR_* strings from src/ovsaerr; Message is a short, non-secret
// description.
type ErrorBody struct {
	Tag     string `json:"tag"`
	Message string `json:"message"`
}

// AuthorizationBinding is the canonicalized payload the authorization tag
// HMACs over, per spec section 4.5 step 7. Both the server, which computes
// the tag, and the runtime client, which recomputes it to verify, build
// this same struct from their respective sides of the exchange.
type AuthorizationBinding struct {
	LicenseGUID string `json:"license_guid"`
	NonceClient string `json:"nonce_client"`
	NonceServer string `json:"nonce_server"`
	BundleHash  string `json:"bundle_hash"`
}

// WriteMessage frames body as msgType and writes it to w: a 4-byte
// big-endian length prefix followed by the JSON-encoded envelope.
func WriteMessage(w io.Writer, msgType Type, body interface{}) error {
	rawBody, err := json.Marshal(body)
	if err != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, "could not marshal message body", err)
	}
	rawEnv, err := json.Marshal(envelope{Type: msgType, Body: rawBody})
	if err != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, "could not marshal message envelope", err)
	}
	if len(rawEnv) > MaxMessageSize {
		return ovsaerr.New(ovsaerr.InvalidParameter, "message exceeds MaxMessageSize", nil)
	}

	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(rawEnv)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return ovsaerr.New(ovsaerr.TransientUnavailable, "could not write message length prefix", err)
	}
	if _, err := w.Write(rawEnv); err != nil {
		return ovsaerr.New(ovsaerr.TransientUnavailable, "could not write message body", err)
	}
	return nil
}

// ReadMessage reads one length-prefixed frame from r and returns its type
// and raw body, for the caller to unmarshal into the concrete *Body type
// that Type calls for.
func ReadMessage(r io.Reader) (Type, json.RawMessage, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return "", nil, ovsaerr.New(ovsaerr.TransientUnavailable, "could not read message length prefix", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > MaxMessageSize {
		return "", nil, ovsaerr.New(ovsaerr.InvalidParameter, fmt.Sprintf("message length %d exceeds MaxMessageSize", n), nil)
	}

	raw := make([]byte, n)
	if _, err := io.ReadFull(r, raw); err != nil {
		return "", nil, ovsaerr.New(ovsaerr.TransientUnavailable, "could not read message body", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not parse message envelope", err)
	}
	return env.Type, env.Body, nil
}

// WriteError is a convenience wrapper that frames err as a TypeError
// message, deriving Tag/Message from an *ovsaerr.Error when possible.
func WriteError(w io.Writer, err error) error {
	body := ErrorBody{Tag: "OVSA_ERR_UNKNOWN", Message: err.Error()}
	var oerr *ovsaerr.Error
	if e, ok := err.(*ovsaerr.Error); ok {
		oerr = e
	}
	if oerr != nil {
		body = ErrorBody{Tag: tagFor(oerr), Message: oerr.Msg}
	}
	return WriteMessage(w, TypeError, body)
}

func tagFor(e *ovsaerr.Error) string {
	// Reuse the same mapping ovsaerr.Error.Error() computes internally,
	// by formatting a fresh error string and taking its tag prefix, so
	// wire doesn't have to duplicate ovsaerr's private tag table.
	s := e.Error()
	for i, c := range s {
		if c == ':' {
			return s[:i]
		}
	}
	return s
}

// ErrorFromBody reverses the Tag a WriteError call assigned, reconstructing
// a classified *ovsaerr.Error so a client can branch on Kind/Reason the same
// way it would for a local failure instead of matching message strings.
func ErrorFromBody(b ErrorBody) error {
	switch b.Tag {
	case "OVSA_ERR_POLICY_UNKNOWN":
		return ovsaerr.Policy(ovsaerr.PolicyReasonUnknownLicense, b.Message, nil)
	case "OVSA_ERR_POLICY_EXPIRED":
		return ovsaerr.Policy(ovsaerr.PolicyReasonExpired, b.Message, nil)
	case "OVSA_ERR_POLICY_EXHAUSTED":
		return ovsaerr.Policy(ovsaerr.PolicyReasonExhausted, b.Message, nil)
	case "OVSA_ERR_POLICY_REVOKED":
		return ovsaerr.Policy(ovsaerr.PolicyReasonRevoked, b.Message, nil)
	case "OVSA_ERR_INVALID_PARAMETER":
		return ovsaerr.New(ovsaerr.InvalidParameter, b.Message, nil)
	case "OVSA_ERR_FILE_IO":
		return ovsaerr.New(ovsaerr.FileIO, b.Message, nil)
	case "OVSA_ERR_CRYPTO":
		return ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, b.Message, nil)
	case "OVSA_ERR_VERIFY":
		return ovsaerr.New(ovsaerr.VerificationFailed, b.Message, nil)
	case "OVSA_ERR_TRANSIENT":
		return ovsaerr.New(ovsaerr.TransientUnavailable, b.Message, nil)
	default:
		return ovsaerr.New(ovsaerr.InvalidParameter, b.Message, nil)
	}
}
