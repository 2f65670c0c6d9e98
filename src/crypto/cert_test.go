// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package primitives

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func selfSignedCA(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("ecdsa.GenerateKey() error = %v", err)
	}

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("x509.CreateCertificate() error = %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("x509.ParseCertificate() error = %v", err)
	}
	return cert, priv
}

func TestVerifyCertificate_SelfSignedWithMatchingRoot(t *testing.T) {
	ca, _ := selfSignedCA(t)

	pool := x509.NewCertPool()
	pool.AddCert(ca)

	err := VerifyCertificate(ca, VerifyOptions{
		Roots:       pool,
		CurrentTime: ca.NotBefore.Add(time.Minute),
	})
	if err != nil {
		t.Errorf("VerifyCertificate() error = %v, want nil", err)
	}
}

func TestVerifyCertificate_UntrustedRootFails(t *testing.T) {
	ca, _ := selfSignedCA(t)

	err := VerifyCertificate(ca, VerifyOptions{
		Roots:       x509.NewCertPool(),
		CurrentTime: ca.NotBefore.Add(time.Minute),
	})
	if err == nil {
		t.Error("VerifyCertificate() error = nil, want chain verification failure for empty root pool")
	}
}

func TestVerifyCertificate_ExpiredFails(t *testing.T) {
	ca, _ := selfSignedCA(t)

	pool := x509.NewCertPool()
	pool.AddCert(ca)

	err := VerifyCertificate(ca, VerifyOptions{
		Roots:       pool,
		CurrentTime: ca.NotAfter.Add(time.Hour),
	})
	if err == nil {
		t.Error("VerifyCertificate() error = nil, want failure for expired certificate")
	}
}
