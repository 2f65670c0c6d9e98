// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package main provides a command line tool for sale: minting a signed
// customer license from a master license, a TCB signature, and a customer
// certificate.
package main

import (
	"flag"
	"log"

	primitives "github.com/lowRISC/ovsa-licensing/src/crypto"
	ovsalog "github.com/lowRISC/ovsa-licensing/src/logger"
	"github.com/lowRISC/ovsa-licensing/src/sale"
	"github.com/lowRISC/ovsa-licensing/src/utils"
)

var (
	masterLicense    = flag.String("master_license", "", "Path to the master license; required")
	keystoreDir      = flag.String("keystore_dir", "", "Issuer keystore directory; required")
	keystoreName     = flag.String("keystore_name", "", "Issuer keystore name; required")
	passphraseFile   = flag.String("passphrase_file", "", "File holding the keystore passphrase; required")
	configPath       = flag.String("config", "", "Path to the customer-license-config YAML file; required")
	tcbPath          = flag.String("tcb", "", "Path to the bound TCB signature file; required")
	customerCertPath = flag.String("customer_cert", "", "Path to the customer's certificate; required")
	output           = flag.String("output", "", "Output path for the signed customer license; required")
	logFile          = flag.String("log_file", "", "Optional log file path")
	version          = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()
	utils.PrintVersion(*version)

	modLog, err := ovsalog.NewLogger("sale", *logFile)
	if err != nil {
		log.Fatalf("could not create logger: %v", err)
	}

	if *masterLicense == "" || *keystoreDir == "" || *keystoreName == "" || *passphraseFile == "" ||
		*configPath == "" || *tcbPath == "" || *customerCertPath == "" || *output == "" {
		log.Fatal("--master_license, --keystore_dir, --keystore_name, --passphrase_file, --config, --tcb, --customer_cert, and --output are required")
	}

	passphrase, err := utils.ReadFile(*passphraseFile)
	if err != nil {
		modLog.Error(err)
		log.Fatalf("could not read passphrase file: %v", err)
	}

	m := primitives.NewManager()
	defer m.Close()

	if err := sale.Run(m, *masterLicense, *keystoreDir, *keystoreName, passphrase, *configPath, *tcbPath, *customerCertPath, *output); err != nil {
		modLog.Error(err)
		log.Fatalf("sale failed: %v", err)
	}
}
