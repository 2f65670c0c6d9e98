// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package main provides a command line tool that ingests a minted customer
// license into the license service's database, turning its fields into the
// store.Record row the validation protocol looks up by license GUID.
package main

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/lowRISC/ovsa-licensing/src/blob"
	primitives "github.com/lowRISC/ovsa-licensing/src/crypto"
	"github.com/lowRISC/ovsa-licensing/src/licsvc/store"
	ovsalog "github.com/lowRISC/ovsa-licensing/src/logger"
	"github.com/lowRISC/ovsa-licensing/src/utils"
)

var (
	licensePath   = flag.String("license", "", "Path to the signed customer license; required")
	secondaryCert = flag.String("secondary_cert", "", "Optional path to the customer's secondary certificate, fingerprinted into CustomerSecondaryFingerprint")
	dbPath        = flag.String("db", "", "Path to the license database; required")
	logFile       = flag.String("log_file", "", "Optional log file path")
	version       = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()
	utils.PrintVersion(*version)

	modLog, err := ovsalog.NewLogger("licingest", *logFile)
	if err != nil {
		log.Fatalf("could not create logger: %v", err)
	}

	if *licensePath == "" || *dbPath == "" {
		log.Fatal("--license and --db are required")
	}

	license, customerCert, err := loadAndVerifyLicense(*licensePath)
	if err != nil {
		modLog.Error(err)
		log.Fatalf("could not load customer license: %v", err)
	}

	policyBlob, err := json.Marshal(license.LicenseConfig)
	if err != nil {
		log.Fatalf("could not marshal license policy: %v", err)
	}

	rec := &store.Record{
		LicenseGUID:                license.LicenseGUID,
		CustomerPrimaryFingerprint: hex.EncodeToString(primitives.Fingerprint(customerCert.RawSubjectPublicKeyInfo)),
		PolicyType:                 license.LicenseConfig.Type,
		LicensePolicyBlob:          string(policyBlob),
		TCBSignatureBlob:           mustMarshalTCB(license.TCB),
		ModelGUID:                  license.ModelGUID,
		ModelHash:                  license.ModelHash,
	}

	if *secondaryCert != "" {
		secPEM, err := utils.ReadFile(*secondaryCert)
		if err != nil {
			log.Fatalf("could not read --secondary_cert: %v", err)
		}
		secCert, err := parsePEMCert(string(secPEM))
		if err != nil {
			log.Fatalf("--secondary_cert is structurally invalid: %v", err)
		}
		rec.CustomerSecondaryFingerprint = hex.EncodeToString(primitives.Fingerprint(secCert.RawSubjectPublicKeyInfo))
	}

	switch license.LicenseConfig.Type {
	case "UsageCount":
		rec.RemainingQuota = license.LicenseConfig.N
	case "TimeLimit":
		created, err := time.Parse(time.RFC3339, license.CreationDate)
		if err != nil {
			log.Fatalf("could not parse license creation_date: %v", err)
		}
		rec.ExpiryTimestamp = created.Add(time.Duration(license.LicenseConfig.Days) * 24 * time.Hour)
	}

	st, err := store.Open(*dbPath)
	if err != nil {
		log.Fatalf("could not open license database: %v", err)
	}
	defer st.Close()

	if err := st.Insert(rec); err != nil {
		modLog.Error(err)
		log.Fatalf("could not insert license record: %v", err)
	}
}

// loadAndVerifyLicense reads and signature-verifies the customer license
// file, trusting its embedded issuer certificate as its own root (every
// issuer certificate this toolchain mints is self-signed) the same way
// src/runtime verifies a license before acting on it.
func loadAndVerifyLicense(path string) (*blob.CustomerLicensePayload, *x509.Certificate, error) {
	data, err := utils.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}

	var env blob.SignedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, err
	}
	var peek blob.CustomerLicensePayload
	if err := json.Unmarshal(env.Payload, &peek); err != nil {
		return nil, nil, err
	}

	issuerCert, err := parsePEMCert(peek.ISVCertificate)
	if err != nil {
		return nil, nil, err
	}
	issuerPub, ok := issuerCert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("license issuer certificate public key is not ECDSA")
	}
	roots := x509.NewCertPool()
	roots.AddCert(issuerCert)
	if err := primitives.VerifyCertificate(issuerCert, primitives.VerifyOptions{Roots: roots}); err != nil {
		return nil, nil, err
	}

	var license blob.CustomerLicensePayload
	verify := func(digest, sig []byte) error { return primitives.VerifyBlob(issuerPub, digest, sig) }
	if err := blob.DecodeSigned(data, &license, verify, primitives.ComputeHash); err != nil {
		return nil, nil, err
	}

	customerCert, err := parsePEMCert(license.CustomerCertificate)
	if err != nil {
		return nil, nil, err
	}
	return &license, customerCert, nil
}

func mustMarshalTCB(env blob.SignedEnvelope) []byte {
	data, err := json.Marshal(env)
	if err != nil {
		log.Fatalf("could not marshal bound TCB signature: %v", err)
	}
	return data
}

func parsePEMCert(pemText string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}
