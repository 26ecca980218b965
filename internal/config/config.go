// Copyright 2025 The erc4337-bundler Authors
// This file is part of the erc4337-bundler library.
//
// The erc4337-bundler library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The erc4337-bundler library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the erc4337-bundler library. If not, see <http://www.gnu.org/licenses/>.

// Package config loads the bundler's configuration from a TOML file with
// environment-variable overrides, the same layering cmd/geth/config.go uses
// for geth.toml: github.com/naoina/toml decodes the file into a struct,
// BUNDLER_* environment variables override individual fields, and every
// optional field has a documented default.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/naoina/toml"
)

// Config holds every bundler setting.
type Config struct {
	RPCURL                   string         `toml:"rpcUrl"`
	EntryPointAddress        common.Address `toml:"-"`
	EntryPointAddressHex     string         `toml:"entryPointAddress"`
	BundlerPrivateKey        string         `toml:"bundlerPrivateKey"`
	Beneficiary              common.Address `toml:"-"`
	BeneficiaryHex           string         `toml:"beneficiary"`
	Port                     int            `toml:"port"`
	BundleIntervalMs         int            `toml:"bundleIntervalMs"`
	DatabasePath             string         `toml:"databasePath"`
	ChainID                  uint64         `toml:"chainId"`
	MaxBundleSize            int            `toml:"maxBundleSize"`
	MaxFeePerGasMultiplier   float64        `toml:"maxFeePerGasMultiplier"`
	ReconciliationGraceTicks int            `toml:"reconciliationGraceTicks"`
}

// Defaults returns the documented default for every setting.
func Defaults() Config {
	return Config{
		Port:                   4337,
		BundleIntervalMs:       15000,
		MaxBundleSize:          10,
		MaxFeePerGasMultiplier: 1.5,
		// Five ticks of grace before a submitted bundle whose receipt never
		// arrived is marked failed.
		ReconciliationGraceTicks: 5,
	}
}

// Load reads path as TOML over the defaults, then applies BUNDLER_*
// environment overrides, then validates. A missing required field or a
// malformed EntryPoint address is a fatal startup error (exit code 1);
// Load itself only returns the error, leaving the exit to the caller.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: open %s: %w", path, err)
		}
		defer f.Close()
		if err := toml.NewDecoder(f).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.finalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envOverrides maps each BUNDLER_<NAME> environment variable onto its field
// setter, evaluated after the TOML file so the environment always wins.
var envOverrides = map[string]func(*Config, string) error{
	"BUNDLER_RPC_URL": func(c *Config, v string) error { c.RPCURL = v; return nil },
	"BUNDLER_ENTRY_POINT_ADDRESS": func(c *Config, v string) error {
		c.EntryPointAddressHex = v
		return nil
	},
	"BUNDLER_PRIVATE_KEY": func(c *Config, v string) error { c.BundlerPrivateKey = v; return nil },
	"BUNDLER_BENEFICIARY": func(c *Config, v string) error { c.BeneficiaryHex = v; return nil },
	"BUNDLER_PORT": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BUNDLER_PORT: %w", err)
		}
		c.Port = n
		return nil
	},
	"BUNDLER_BUNDLE_INTERVAL_MS": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BUNDLER_BUNDLE_INTERVAL_MS: %w", err)
		}
		c.BundleIntervalMs = n
		return nil
	},
	"BUNDLER_DATABASE_PATH": func(c *Config, v string) error { c.DatabasePath = v; return nil },
	"BUNDLER_CHAIN_ID": func(c *Config, v string) error {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("BUNDLER_CHAIN_ID: %w", err)
		}
		c.ChainID = n
		return nil
	},
	"BUNDLER_MAX_BUNDLE_SIZE": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BUNDLER_MAX_BUNDLE_SIZE: %w", err)
		}
		c.MaxBundleSize = n
		return nil
	},
	"BUNDLER_MAX_FEE_PER_GAS_MULTIPLIER": func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BUNDLER_MAX_FEE_PER_GAS_MULTIPLIER: %w", err)
		}
		c.MaxFeePerGasMultiplier = f
		return nil
	},
	"BUNDLER_RECONCILIATION_GRACE_TICKS": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BUNDLER_RECONCILIATION_GRACE_TICKS: %w", err)
		}
		c.ReconciliationGraceTicks = n
		return nil
	},
}

func applyEnvOverrides(cfg *Config) error {
	for name, set := range envOverrides {
		v, ok := os.LookupEnv(name)
		if !ok || v == "" {
			continue
		}
		if err := set(cfg, v); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// finalize resolves the hex-string address fields into common.Address and
// validates the required fields. Missing rpcUrl/entryPointAddress/
// bundlerPrivateKey, or a malformed EntryPoint, are fatal (exit code 1 at
// the cmd/bundler caller).
func (c *Config) finalize() error {
	if strings.TrimSpace(c.RPCURL) == "" {
		return fmt.Errorf("config: rpcUrl is required")
	}
	if strings.TrimSpace(c.BundlerPrivateKey) == "" {
		return fmt.Errorf("config: bundlerPrivateKey is required")
	}
	if strings.TrimSpace(c.EntryPointAddressHex) == "" {
		return fmt.Errorf("config: entryPointAddress is required")
	}
	if !common.IsHexAddress(c.EntryPointAddressHex) {
		return fmt.Errorf("config: entryPointAddress %q is not a well-formed address", c.EntryPointAddressHex)
	}
	c.EntryPointAddress = common.HexToAddress(c.EntryPointAddressHex)

	if strings.TrimSpace(c.BeneficiaryHex) != "" {
		if !common.IsHexAddress(c.BeneficiaryHex) {
			return fmt.Errorf("config: beneficiary %q is not a well-formed address", c.BeneficiaryHex)
		}
		c.Beneficiary = common.HexToAddress(c.BeneficiaryHex)
	}

	if c.DatabasePath == "" {
		c.DatabasePath = "bundler-data"
	}
	if c.Port == 0 {
		c.Port = 4337
	}
	if c.BundleIntervalMs == 0 {
		c.BundleIntervalMs = 15000
	}
	if c.MaxBundleSize == 0 {
		c.MaxBundleSize = 10
	}
	if c.MaxFeePerGasMultiplier == 0 {
		c.MaxFeePerGasMultiplier = 1.5
	}
	return nil
}
