// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// SignedEnvelope is the on-disk shape of the protected bundle, customer
// license, and TCB signature files: a payload plus a base64 ECDSA DER
// signature over the payload's canonical encoding.
type SignedEnvelope struct {
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
}

// HMACEnvelope is the on-disk shape of the master license file: a payload
// plus a hex-encoded HMAC-SHA-256 over the payload's canonical encoding.
type HMACEnvelope struct {
	Payload json.RawMessage `json:"payload"`
	HMAC    string          `json:"hmac"`
}

// EncodeSigned canonicalizes payload, signs it with sign, and returns the
// marshaled SignedEnvelope bytes.
func EncodeSigned(payload interface{}, sign func(digest []byte) ([]byte, error), hash func([]byte) []byte) ([]byte, error) {
	canon, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	sig, err := sign(hash(canon))
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not sign payload", err)
	}

	env := SignedEnvelope{
		Payload:   json.RawMessage(canon),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not marshal signed envelope", err)
	}
	return out, nil
}

// DecodeSigned parses data as a SignedEnvelope, verifies the signature over
// the payload's canonical encoding with verify, and unmarshals the payload
// into v.
func DecodeSigned(data []byte, v interface{}, verify func(digest, sig []byte) error, hash func([]byte) []byte) error {
	var env SignedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, "could not parse signed envelope", err)
	}

	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, "could not decode signature", err)
	}

	canon, err := Canonicalize(json.RawMessage(env.Payload))
	if err != nil {
		return err
	}
	if err := verify(hash(canon), sig); err != nil {
		return err
	}

	if err := json.Unmarshal(env.Payload, v); err != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, "could not parse envelope payload", err)
	}
	return nil
}

// EncodeHMAC canonicalizes payload, HMACs it with mac, and returns the
// marshaled HMACEnvelope bytes.
func EncodeHMAC(payload interface{}, mac func([]byte) ([]byte, error)) ([]byte, error) {
	canon, err := Canonicalize(payload)
	if err != nil {
		return nil, err
	}
	tag, err := mac(canon)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.CryptoPrimitiveFailure, "could not compute HMAC", err)
	}

	env := HMACEnvelope{
		Payload: json.RawMessage(canon),
		HMAC:    hex.EncodeToString(tag),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not marshal HMAC envelope", err)
	}
	return out, nil
}

// DecodeHMAC parses data as an HMACEnvelope, verifies the HMAC over the
// payload's canonical encoding with verify, and unmarshals the payload
// into v.
func DecodeHMAC(data []byte, v interface{}, verify func(data, tag []byte) error) error {
	var env HMACEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, "could not parse HMAC envelope", err)
	}

	tag, err := hex.DecodeString(env.HMAC)
	if err != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, "could not decode HMAC", err)
	}

	canon, err := Canonicalize(json.RawMessage(env.Payload))
	if err != nil {
		return err
	}
	if err := verify(canon, tag); err != nil {
		return err
	}

	if err := json.Unmarshal(env.Payload, v); err != nil {
		return ovsaerr.New(ovsaerr.InvalidParameter, "could not parse envelope payload", err)
	}
	return nil
}
