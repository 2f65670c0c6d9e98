// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package main provides a command line tool for protect: encrypting a set
// of model files into a signed bundle and a matching master license.
package main

import (
	"flag"
	"log"
	"strings"

	primitives "github.com/lowRISC/ovsa-licensing/src/crypto"
	ovsalog "github.com/lowRISC/ovsa-licensing/src/logger"
	"github.com/lowRISC/ovsa-licensing/src/protect"
	"github.com/lowRISC/ovsa-licensing/src/utils"
)

var (
	models         = flag.String("models", "", "Comma-separated list of model file paths; required")
	modelName      = flag.String("model_name", "", "Model metadata name; required")
	modelDesc      = flag.String("model_description", "", "Model metadata description")
	modelVersion   = flag.String("model_version", "", "Model metadata version; required")
	licenseGUID    = flag.String("license_guid", "", "Model's license GUID; required")
	keystoreDir    = flag.String("keystore_dir", "", "Issuer keystore directory; required")
	keystoreName   = flag.String("keystore_name", "", "Issuer keystore name; required")
	passphraseFile = flag.String("passphrase_file", "", "File holding the keystore passphrase; required")
	bundleOut      = flag.String("bundle_out", "", "Output path for the protected bundle; required")
	masterOut      = flag.String("master_out", "", "Output path for the master license; required")
	logFile        = flag.String("log_file", "", "Optional log file path")
	version        = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()
	utils.PrintVersion(*version)

	modLog, err := ovsalog.NewLogger("protect", *logFile)
	if err != nil {
		log.Fatalf("could not create logger: %v", err)
	}

	if *models == "" || *modelName == "" || *modelVersion == "" || *licenseGUID == "" ||
		*keystoreDir == "" || *keystoreName == "" || *passphraseFile == "" || *bundleOut == "" || *masterOut == "" {
		log.Fatal("--models, --model_name, --model_version, --license_guid, --keystore_dir, --keystore_name, --passphrase_file, --bundle_out, and --master_out are required")
	}

	passphrase, err := utils.ReadFile(*passphraseFile)
	if err != nil {
		modLog.Error(err)
		log.Fatalf("could not read passphrase file: %v", err)
	}

	meta := protect.Metadata{
		Name:        *modelName,
		Description: *modelDesc,
		Version:     *modelVersion,
	}

	m := primitives.NewManager()
	defer m.Close()

	modelFiles := strings.Split(*models, ",")
	if err := protect.Run(m, modelFiles, meta, *licenseGUID, *keystoreDir, *keystoreName, passphrase, *bundleOut, *masterOut); err != nil {
		modLog.Error(err)
		log.Fatalf("protect failed: %v", err)
	}
}
