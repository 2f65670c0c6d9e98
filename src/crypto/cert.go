// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package primitives

import (
	"crypto/x509"
	"time"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// VerifyOptions controls VerifyCertificate. Roots is the trusted CA pool;
// Intermediates, if any, is supplied alongside the chain embedded in the
// bundle or license being checked. EKU lists the extended key usages the
// leaf must carry; a nil EKU skips that check.
type VerifyOptions struct {
	Roots         *x509.CertPool
	Intermediates *x509.CertPool
	EKU           []x509.ExtKeyUsage
	CurrentTime   time.Time // zero value means time.Now()

	// Peer, when true, additionally requires a fail-closed OCSP check
	// against the leaf, per spec for customer/runtime peer certificates.
	Peer     bool
	OCSP     *OCSPChecker
	IssuerOf *x509.Certificate // issuer cert to query OCSP against; required when Peer is true
}

// VerifyCertificate checks leaf's validity window, its chain to a trusted
// root, and (when opts.EKU is non-empty) its extended key usages. When
// opts.Peer is set it additionally performs a fail-closed OCSP lookup.
func VerifyCertificate(leaf *x509.Certificate, opts VerifyOptions) error {
	now := opts.CurrentTime
	if now.IsZero() {
		now = time.Now()
	}

	verifyOpts := x509.VerifyOptions{
		Roots:         opts.Roots,
		Intermediates: opts.Intermediates,
		CurrentTime:   now,
		KeyUsages:     opts.EKU,
	}
	if len(opts.EKU) == 0 {
		verifyOpts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageAny}
	}

	if _, err := leaf.Verify(verifyOpts); err != nil {
		return ovsaerr.New(ovsaerr.VerificationFailed, "certificate chain verification failed", err)
	}

	if opts.Peer {
		if opts.OCSP == nil || opts.IssuerOf == nil {
			return ovsaerr.New(ovsaerr.VerificationFailed, "OCSP check required for peer certificate but no checker/issuer configured", nil)
		}
		if err := opts.OCSP.Check(leaf, opts.IssuerOf); err != nil {
			return err
		}
	}

	return nil
}
