// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package main provides a command line tool for the `-storekey`/`-storecert`
// keystore operations: generating a fresh primary/secondary keystore, and
// installing an externally-signed certificate over an existing one.
package main

import (
	"crypto/x509/pkix"
	"flag"
	"log"

	primitives "github.com/lowRISC/ovsa-licensing/src/crypto"
	"github.com/lowRISC/ovsa-licensing/src/keystore"
	"github.com/lowRISC/ovsa-licensing/src/utils"
)

var (
	storeKey  = flag.Bool("storekey", false, "Generate a fresh primary/secondary keystore at --keystore_dir/--keystore_name")
	storeCert = flag.Bool("storecert", false, "Install --cert_file as the primary (or, with --secondary, the secondary) certificate")

	keystoreDir    = flag.String("keystore_dir", "", "Keystore directory; required")
	keystoreName   = flag.String("keystore_name", "", "Keystore name; required")
	passphraseFile = flag.String("passphrase_file", "", "File holding the keystore passphrase; required")
	certFile       = flag.String("cert_file", "", "PEM certificate to install; required with --storecert")
	secondary      = flag.Bool("secondary", false, "With --storecert, install into the secondary slot instead of primary")
	commonName     = flag.String("common_name", "", "Subject common name for --storekey; required with --storekey")
	organization   = flag.String("organization", "", "Subject organization for --storekey")
	version        = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()
	utils.PrintVersion(*version)

	if *keystoreDir == "" || *keystoreName == "" {
		log.Fatal("--keystore_dir and --keystore_name are required")
	}
	if *passphraseFile == "" {
		log.Fatal("--passphrase_file is required")
	}
	passphrase, err := utils.ReadFile(*passphraseFile)
	if err != nil {
		log.Fatalf("could not read passphrase file: %v", err)
	}

	switch {
	case *storeKey:
		if *commonName == "" {
			log.Fatal("--common_name is required with --storekey")
		}
		subject := pkix.Name{CommonName: *commonName}
		if *organization != "" {
			subject.Organization = []string{*organization}
		}
		m := primitives.NewManager()
		defer m.Close()
		if err := keystore.StoreKey(m, *keystoreDir, *keystoreName, passphrase, subject); err != nil {
			log.Fatalf("StoreKey() failed: %v", err)
		}
	case *storeCert:
		if *certFile == "" {
			log.Fatal("--cert_file is required with --storecert")
		}
		certPEM, err := utils.ReadFile(*certFile)
		if err != nil {
			log.Fatalf("could not read certificate file: %v", err)
		}
		if err := keystore.StoreCert(*keystoreDir, *keystoreName, !*secondary, certPEM); err != nil {
			log.Fatalf("StoreCert() failed: %v", err)
		}
	default:
		log.Fatal("one of --storekey or --storecert must be set")
	}
}
