// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package primitives

import (
	"bytes"
	"context"
	"crypto/x509"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// OCSPChecker queries a certificate's OCSP responder and fails closed:
// anything other than a definite "good" response is an error. Revoked and
// unknown statuses surface as VerificationFailed; a network error or
// timeout that persists through every retry surfaces as
// TransientUnavailable.
type OCSPChecker struct {
	// Client is the HTTP client used to reach the OCSP responder. A nil
	// Client uses http.DefaultClient with the Timeout below applied
	// per-request via context.
	Client *http.Client

	// Timeout bounds a single OCSP round trip. The zero value defaults to
	// 3 seconds, per the validation protocol's timeout budget.
	Timeout time.Duration

	// Retries is the number of additional attempts after the first
	// failure. The zero value defaults to 1, per the validation
	// protocol's "single retry" OCSP budget.
	Retries int
}

func (c *OCSPChecker) client() *http.Client {
	if c.Client != nil {
		return c.Client
	}
	return http.DefaultClient
}

func (c *OCSPChecker) timeout() time.Duration {
	if c.Timeout <= 0 {
		return 3 * time.Second
	}
	return c.Timeout
}

func (c *OCSPChecker) retries() int {
	if c.Retries <= 0 {
		return 1
	}
	return c.Retries
}

// Check performs a fail-closed OCSP lookup for leaf, issued by issuer.
func (c *OCSPChecker) Check(leaf, issuer *x509.Certificate) error {
	if len(leaf.OCSPServer) == 0 {
		return ovsaerr.New(ovsaerr.VerificationFailed, "certificate carries no OCSP responder URL", nil)
	}

	req, err := ocsp.CreateRequest(leaf, issuer, nil)
	if err != nil {
		return ovsaerr.New(ovsaerr.VerificationFailed, "could not build OCSP request", err)
	}

	var lastErr error
	attempts := 1 + c.retries()
	for i := 0; i < attempts; i++ {
		resp, err := c.query(leaf.OCSPServer[0], req, issuer)
		if err == nil {
			return c.evaluate(resp)
		}
		lastErr = err
	}
	return ovsaerr.New(ovsaerr.TransientUnavailable, "OCSP lookup failed after retry", lastErr)
}

func (c *OCSPChecker) query(url string, req []byte, issuer *x509.Certificate) (*ocsp.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout())
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(req))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")

	httpResp, err := c.client().Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, err
	}

	return ocsp.ParseResponseForCert(body, nil, issuer)
}

func (c *OCSPChecker) evaluate(resp *ocsp.Response) error {
	switch resp.Status {
	case ocsp.Good:
		return nil
	case ocsp.Revoked:
		return ovsaerr.New(ovsaerr.VerificationFailed, "certificate revoked per OCSP", nil)
	default:
		return ovsaerr.New(ovsaerr.VerificationFailed, "OCSP status unknown", nil)
	}
}
