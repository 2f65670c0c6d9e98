// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package blob

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"
)

func TestEncodeDecodeWrappedKeyECDH_RoundTrip(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	wantWrapped := []byte{1, 2, 3, 4, 5}
	wantIV := []byte{6, 7, 8}

	field, err := EncodeWrappedKeyECDH(wantWrapped, wantIV, &priv.PublicKey)
	if err != nil {
		t.Fatalf("EncodeWrappedKeyECDH() error = %v", err)
	}

	gotWrapped, gotIV, gotPub, err := DecodeWrappedKeyECDH(field)
	if err != nil {
		t.Fatalf("DecodeWrappedKeyECDH() error = %v", err)
	}
	if !bytes.Equal(gotWrapped, wantWrapped) {
		t.Errorf("wrapped = %x, want %x", gotWrapped, wantWrapped)
	}
	if !bytes.Equal(gotIV, wantIV) {
		t.Errorf("iv = %x, want %x", gotIV, wantIV)
	}
	if gotPub.X.Cmp(priv.PublicKey.X) != 0 || gotPub.Y.Cmp(priv.PublicKey.Y) != 0 {
		t.Error("decoded ephemeral public key does not match original")
	}
}

func TestDecodeWrappedKeyECDH_RejectsGarbage(t *testing.T) {
	if _, _, _, err := DecodeWrappedKeyECDH("not-base64!!!"); err == nil {
		t.Error("DecodeWrappedKeyECDH() error = nil, want error for invalid input")
	}
}
