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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
rpcUrl = "https://rpc.example.com"
entryPointAddress = "0xD8C8632A00c3A11aE47D82b5945B0e5e6ba09338"
bundlerPrivateKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690"
chainId = 64165
`

func writeTOML(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "bundler.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeTOML(t, sampleTOML))
	require.NoError(t, err)
	require.Equal(t, 4337, cfg.Port)
	require.Equal(t, 15000, cfg.BundleIntervalMs)
	require.Equal(t, 10, cfg.MaxBundleSize)
	require.Equal(t, 5, cfg.ReconciliationGraceTicks)
	require.Equal(t, uint64(64165), cfg.ChainID)
	require.Equal(t, common.HexToAddress("0xD8C8632A00c3A11aE47D82b5945B0e5e6ba09338"), cfg.EntryPointAddress)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	_, err := Load(writeTOML(t, `port = 8080`))
	require.Error(t, err)
}

func TestLoadRejectsMalformedEntryPoint(t *testing.T) {
	body := `
rpcUrl = "https://rpc.example.com"
entryPointAddress = "not-an-address"
bundlerPrivateKey = "0x59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690"
`
	_, err := Load(writeTOML(t, body))
	require.Error(t, err)
}

func TestEnvOverridesTakePrecedenceOverFile(t *testing.T) {
	t.Setenv("BUNDLER_PORT", "9000")
	cfg, err := Load(writeTOML(t, sampleTOML+"port = 8080\n"))
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Port)
}
