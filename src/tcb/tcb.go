// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package tcb mints and verifies the TCB signature file: a signed
// description of the runtime measurement (PCR bank and reference values) a
// customer license is allowed to bind to. The protect engine never reads
// this file; only License Mint and the license service do.
package tcb

import (
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/pem"

	"github.com/lowRISC/ovsa-licensing/src/blob"
	primitives "github.com/lowRISC/ovsa-licensing/src/crypto"
	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// Params describes the reference measurement a TCB signature attests to.
type Params struct {
	Name             string
	Version          string
	PCRBankAlgorithm string
	PCRSelection     []int
	PCRDigest        []byte
}

// Generate signs p with the issuer's primary key in slot id and returns the
// marshaled TCB signature file contents.
func Generate(m *primitives.Manager, id primitives.SlotID, issuerCertDER []byte, p Params) ([]byte, error) {
	if p.Name == "" || p.Version == "" || p.PCRBankAlgorithm == "" {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "tcb name, version, and PCR bank algorithm are required", nil)
	}
	if len(p.PCRSelection) == 0 {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "pcr selection must not be empty", nil)
	}

	payload := blob.TCBPayload{
		TCBName:           p.Name,
		TCBVersion:        p.Version,
		PCRBankAlgorithm:  p.PCRBankAlgorithm,
		PCRSelection:      p.PCRSelection,
		PCRDigest:         hex.EncodeToString(p.PCRDigest),
		IssuerCertificate: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: issuerCertDER})),
	}

	sign := func(digest []byte) ([]byte, error) { return m.SignBlob(id, digest) }
	return blob.EncodeSigned(payload, sign, primitives.ComputeHash)
}

// Verify parses data as a TCB signature file, checks its signature against
// issuerPub, and returns the decoded payload. The caller is responsible for
// checking payload.IssuerCertificate against whatever issuer cert it trusts
// (License Mint checks it against the master license's issuer cert).
func Verify(data []byte, issuerPub *ecdsa.PublicKey) (*blob.TCBPayload, error) {
	var payload blob.TCBPayload
	verify := func(digest, sig []byte) error { return primitives.VerifyBlob(issuerPub, digest, sig) }
	if err := blob.DecodeSigned(data, &payload, verify, primitives.ComputeHash); err != nil {
		return nil, err
	}
	return &payload, nil
}
