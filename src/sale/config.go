// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package sale

import (
	"github.com/lowRISC/ovsa-licensing/src/blob"
	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
	"github.com/lowRISC/ovsa-licensing/src/utils"
	"gopkg.in/yaml.v3"
)

// Config is the customer-license-config input to sale: the license policy
// to mint, plus the pinned license-server identity the customer license
// embeds (spec section 9's "treat as SPKI pin" resolution for server
// pinning).
type Config struct {
	LicenseType           string `yaml:"licenseType"`
	Days                  uint32 `yaml:"days,omitempty"`
	N                     uint32 `yaml:"usageCount,omitempty"`
	LicenseServerURL      string `yaml:"licenseServerUrl"`
	LicenseServerCertPath string `yaml:"licenseServerCertPath"`
	CustomerCACertPath    string `yaml:"customerCaCertPath"`
}

// LoadConfig reads and parses a customer-license-config YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := utils.ReadFile(path)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.FileIO, "could not read license config", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not parse license config", err)
	}
	return &cfg, nil
}

// licenseConfig validates c's policy fields and renders them as the
// blob.LicenseConfig variant section 6 expects, per the bounds in spec
// section 4.4: TimeLimit{1<=days<=3650}, UsageCount{1<=n<=1000000}, or
// Unlimited.
func (c *Config) licenseConfig() (blob.LicenseConfig, error) {
	switch c.LicenseType {
	case "TimeLimit":
		if c.Days == 0 || c.Days > 3650 {
			return blob.LicenseConfig{}, ovsaerr.New(ovsaerr.InvalidParameter, "TimeLimit days must be in [1, 3650]", nil)
		}
		return blob.LicenseConfig{Type: "TimeLimit", Days: c.Days}, nil
	case "UsageCount":
		if c.N == 0 || c.N > 1000000 {
			return blob.LicenseConfig{}, ovsaerr.New(ovsaerr.InvalidParameter, "UsageCount n must be in [1, 1000000]", nil)
		}
		return blob.LicenseConfig{Type: "UsageCount", N: c.N}, nil
	case "Unlimited":
		return blob.LicenseConfig{Type: "Unlimited"}, nil
	default:
		return blob.LicenseConfig{}, ovsaerr.New(ovsaerr.InvalidParameter, "license type must be one of TimeLimit, UsageCount, Unlimited", nil)
	}
}
