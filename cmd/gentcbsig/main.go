// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package main provides a command line tool that signs a TCB (PCR
// reference value) payload with the issuer's primary keystore key.
package main

import (
	"encoding/hex"
	"flag"
	"log"
	"strconv"
	"strings"

	primitives "github.com/lowRISC/ovsa-licensing/src/crypto"
	"github.com/lowRISC/ovsa-licensing/src/keystore"
	ovsalog "github.com/lowRISC/ovsa-licensing/src/logger"
	"github.com/lowRISC/ovsa-licensing/src/tcb"
	"github.com/lowRISC/ovsa-licensing/src/utils"
)

var (
	keystoreDir      = flag.String("keystore_dir", "", "Issuer keystore directory; required")
	keystoreName     = flag.String("keystore_name", "", "Issuer keystore name; required")
	passphraseFile   = flag.String("passphrase_file", "", "File holding the keystore passphrase; required")
	tcbName          = flag.String("tcb_name", "", "TCB name; required")
	tcbVersion       = flag.String("tcb_version", "", "TCB version; required")
	pcrBankAlgorithm = flag.String("pcr_bank_algorithm", "sha256", "PCR bank algorithm")
	pcrSelection     = flag.String("pcr_selection", "", "Comma-separated PCR indices; required")
	pcrDigestHex     = flag.String("pcr_digest", "", "Hex-encoded expected PCR digest; required")
	output           = flag.String("output", "", "Output path for the TCB signature file; required")
	logFile          = flag.String("log_file", "", "Optional log file path")
	version          = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()
	utils.PrintVersion(*version)

	modLog, err := ovsalog.NewLogger("gentcbsig", *logFile)
	if err != nil {
		log.Fatalf("could not create logger: %v", err)
	}

	if *keystoreDir == "" || *keystoreName == "" || *passphraseFile == "" ||
		*tcbName == "" || *tcbVersion == "" || *pcrSelection == "" || *pcrDigestHex == "" || *output == "" {
		log.Fatal("--keystore_dir, --keystore_name, --passphrase_file, --tcb_name, --tcb_version, --pcr_selection, --pcr_digest, and --output are required")
	}

	passphrase, err := utils.ReadFile(*passphraseFile)
	if err != nil {
		modLog.Error(err)
		log.Fatalf("could not read passphrase file: %v", err)
	}
	digest, err := hex.DecodeString(*pcrDigestHex)
	if err != nil {
		log.Fatalf("could not decode --pcr_digest: %v", err)
	}
	selection, err := parsePCRSelection(*pcrSelection)
	if err != nil {
		log.Fatalf("could not parse --pcr_selection: %v", err)
	}

	m := primitives.NewManager()
	defer m.Close()

	ks, err := keystore.LoadAsymmetricKey(m, *keystoreDir, *keystoreName, passphrase)
	if err != nil {
		modLog.Error(err)
		log.Fatalf("could not load keystore: %v", err)
	}
	defer m.Clear(ks.Primary.SlotID)
	defer m.Clear(ks.Secondary.SlotID)

	signed, err := tcb.Generate(m, ks.Primary.SlotID, ks.Primary.Cert.Raw, tcb.Params{
		Name:             *tcbName,
		Version:          *tcbVersion,
		PCRBankAlgorithm: *pcrBankAlgorithm,
		PCRSelection:     selection,
		PCRDigest:        digest,
	})
	if err != nil {
		modLog.Error(err)
		log.Fatalf("tcb.Generate() failed: %v", err)
	}

	if err := utils.WriteFile(*output, signed, 0644); err != nil {
		log.Fatalf("could not write TCB signature file: %v", err)
	}
}

func parsePCRSelection(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	selection := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		selection = append(selection, n)
	}
	return selection, nil
}
