// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package signer

import (
	"crypto/rand"
	"crypto/x509"
)

// CreateCertificate creates a certificate from an x509 template endorsing the
// provided pub key, with a signature generated using priv key. The provided
// parent certificate must endorse the public version of priv key.
//
// The priv key must implement the crypto.Signer interface.
func CreateCertificate(template, parent *x509.Certificate, pub, priv any) ([]byte, error) {
	cert, err := x509.CreateCertificate(rand.Reader, template, parent, pub, priv)
	if err != nil {
		return nil, err
	}
	return cert, nil
}
