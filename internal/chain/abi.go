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

package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// entryPointABIJSON is the subset of the ERC-4337 EntryPoint interface the
// bundler calls directly: getUserOpHash (view), simulateValidation (always
// reverts, success or failure), getNonce (view), and handleOps (the
// bundle-submission entry point). Trimmed to what this bundler exercises rather than embedding the
// full EntryPoint artifact.
const entryPointABIJSON = `[
  {"type":"function","name":"getUserOpHash","stateMutability":"view","inputs":[{"name":"userOp","type":"tuple","components":[
    {"name":"sender","type":"address"},
    {"name":"nonce","type":"uint256"},
    {"name":"initCode","type":"bytes"},
    {"name":"callData","type":"bytes"},
    {"name":"callGasLimit","type":"uint256"},
    {"name":"verificationGasLimit","type":"uint256"},
    {"name":"preVerificationGas","type":"uint256"},
    {"name":"maxFeePerGas","type":"uint256"},
    {"name":"maxPriorityFeePerGas","type":"uint256"},
    {"name":"paymasterAndData","type":"bytes"},
    {"name":"signature","type":"bytes"}
  ]}],"outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"simulateValidation","stateMutability":"nonpayable","inputs":[{"name":"userOp","type":"tuple","components":[
    {"name":"sender","type":"address"},
    {"name":"nonce","type":"uint256"},
    {"name":"initCode","type":"bytes"},
    {"name":"callData","type":"bytes"},
    {"name":"callGasLimit","type":"uint256"},
    {"name":"verificationGasLimit","type":"uint256"},
    {"name":"preVerificationGas","type":"uint256"},
    {"name":"maxFeePerGas","type":"uint256"},
    {"name":"maxPriorityFeePerGas","type":"uint256"},
    {"name":"paymasterAndData","type":"bytes"},
    {"name":"signature","type":"bytes"}
  ]}],"outputs":[]},
  {"type":"function","name":"getNonce","stateMutability":"view","inputs":[
    {"name":"sender","type":"address"},
    {"name":"key","type":"uint192"}
  ],"outputs":[{"name":"nonce","type":"uint256"}]},
  {"type":"function","name":"handleOps","stateMutability":"nonpayable","inputs":[
    {"name":"ops","type":"tuple[]","components":[
      {"name":"sender","type":"address"},
      {"name":"nonce","type":"uint256"},
      {"name":"initCode","type":"bytes"},
      {"name":"callData","type":"bytes"},
      {"name":"callGasLimit","type":"uint256"},
      {"name":"verificationGasLimit","type":"uint256"},
      {"name":"preVerificationGas","type":"uint256"},
      {"name":"maxFeePerGas","type":"uint256"},
      {"name":"maxPriorityFeePerGas","type":"uint256"},
      {"name":"paymasterAndData","type":"bytes"},
      {"name":"signature","type":"bytes"}
    ]},
    {"name":"beneficiary","type":"address"}
  ],"outputs":[]},
  {"type":"error","name":"ValidationResult","inputs":[
    {"name":"preOpGas","type":"uint256"},
    {"name":"prefund","type":"uint256"},
    {"name":"sigFailed","type":"bool"},
    {"name":"validAfter","type":"uint48"},
    {"name":"validUntil","type":"uint48"},
    {"name":"paymasterContext","type":"bytes"}
  ]},
  {"type":"error","name":"FailedOp","inputs":[
    {"name":"opIndex","type":"uint256"},
    {"name":"reason","type":"string"}
  ]}
]`

// entryPointABI is parsed once at package init, mirroring how geth parses
// its bundled contract ABIs as package-level values (see accounts/abi/bind
// generated bindings).
var entryPointABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(entryPointABIJSON))
	if err != nil {
		panic("chain: invalid embedded EntryPoint ABI: " + err.Error())
	}
	entryPointABI = parsed
}
