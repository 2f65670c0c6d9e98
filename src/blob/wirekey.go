// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// wrappedKeyECDH is the wire shape of an ECDH-wrapped symmetric key: the
// AES-GCM-sealed key bytes, the IV that sealed them, and the ephemeral
// public key the recipient needs to redo the ECDH exchange. It is embedded
// as an opaque base64 string in a payload's encryption_key field, never as
// its own top-level JSON object, so the field stays a plain string per
// section 6's field contract.
type wrappedKeyECDH struct {
	Wrapped      string `json:"wrapped"`
	IV           string `json:"iv"`
	EphemeralPub string `json:"ephemeral_pub"`
}

// EncodeWrappedKeyECDH packs a WrapKeyECDH result into the string that
// belongs in a payload's encryption_key field.
func EncodeWrappedKeyECDH(wrapped, iv []byte, ephemeralPub *ecdsa.PublicKey) (string, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(ephemeralPub)
	if err != nil {
		return "", ovsaerr.New(ovsaerr.InvalidParameter, "could not marshal ephemeral public key", err)
	}
	w := wrappedKeyECDH{
		Wrapped:      base64.StdEncoding.EncodeToString(wrapped),
		IV:           base64.StdEncoding.EncodeToString(iv),
		EphemeralPub: base64.StdEncoding.EncodeToString(pubDER),
	}
	raw, err := json.Marshal(w)
	if err != nil {
		return "", ovsaerr.New(ovsaerr.InvalidParameter, "could not marshal wrapped key", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeWrappedKeyECDH reverses EncodeWrappedKeyECDH.
func DecodeWrappedKeyECDH(field string) (wrapped, iv []byte, ephemeralPub *ecdsa.PublicKey, err error) {
	raw, err := base64.StdEncoding.DecodeString(field)
	if err != nil {
		return nil, nil, nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not decode encryption_key field", err)
	}
	var w wrappedKeyECDH
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, nil, nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not parse wrapped key", err)
	}

	wrapped, err = base64.StdEncoding.DecodeString(w.Wrapped)
	if err != nil {
		return nil, nil, nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not decode wrapped key bytes", err)
	}
	iv, err = base64.StdEncoding.DecodeString(w.IV)
	if err != nil {
		return nil, nil, nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not decode wrap IV", err)
	}
	pubDER, err := base64.StdEncoding.DecodeString(w.EphemeralPub)
	if err != nil {
		return nil, nil, nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not decode ephemeral public key", err)
	}
	pubAny, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, nil, nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not parse ephemeral public key", err)
	}
	pub, ok := pubAny.(*ecdsa.PublicKey)
	if !ok {
		return nil, nil, nil, ovsaerr.New(ovsaerr.InvalidParameter, "ephemeral public key is not ECDSA", nil)
	}
	return wrapped, iv, pub, nil
}
