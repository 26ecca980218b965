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

// Package validator composes the format, nonce-freshness, and on-chain
// simulation checks that gate mempool admission.
package validator

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/params"

	"github.com/ethbundler/erc4337-bundler/internal/chain"
	"github.com/ethbundler/erc4337-bundler/internal/userop"
)

// FormatError reports a malformed or missing UserOperation field. The RPC
// dispatcher maps it to -32602.
type FormatError struct {
	Field string
}

func (e *FormatError) Error() string  { return "invalid-" + e.Field }
func (e *FormatError) ErrorCode() int { return -32602 }

// PolicyError reports an admission-policy rejection (a caller fault that is
// not a malformed field, e.g. a stale nonce). Maps to -32500.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string  { return e.Reason }
func (e *PolicyError) ErrorCode() int { return -32500 }

// SimulationError carries the EntryPoint's decoded rejection reason. Maps to
// -32500.
type SimulationError struct {
	Reason string
}

func (e *SimulationError) Error() string  { return e.Reason }
func (e *SimulationError) ErrorCode() int { return -32500 }

// Result is the outcome of Validate. Hash is set as soon as the chain has
// computed it, even when a later check fails.
type Result struct {
	OK   bool
	Hash common.Hash
	Err  error
}

// Validator admits or rejects UserOperations.
type Validator struct {
	chain chain.Service
}

// New builds a Validator against the given chain service.
func New(svc chain.Service) *Validator {
	return &Validator{chain: svc}
}

// Validate runs the format, hash, nonce, and simulation checks in order,
// short-circuiting on the first failure. The format check runs on the raw
// operation, before canonicalization fills defaults, so a genuinely missing
// required field is still observable.
func (v *Validator) Validate(ctx context.Context, op userop.UserOperation) Result {
	if err := formatCheck(op); err != nil {
		return Result{Err: err}
	}
	op = op.Canonicalize()

	hash, err := v.chain.ComputeUserOpHash(ctx, op)
	if err != nil {
		return Result{Err: err}
	}

	current, err := v.chain.GetNonce(ctx, op.Sender, big.NewInt(0))
	if err != nil {
		return Result{Hash: hash, Err: err}
	}
	// Nonces above current are allowed: future ops may queue behind a gap.
	if (*big.Int)(op.Nonce).Cmp(current) < 0 {
		return Result{Hash: hash, Err: &PolicyError{Reason: "nonce-too-low"}}
	}

	sim, err := v.chain.SimulateValidation(ctx, op)
	if err != nil {
		return Result{Hash: hash, Err: err}
	}
	if !sim.OK {
		return Result{Hash: hash, Err: &SimulationError{Reason: sim.Reason}}
	}

	return Result{OK: true, Hash: hash}
}

// GasEstimate is the conservative default gas breakdown returned by
// EstimateGas when on-chain simulation cannot yield exact values.
type GasEstimate struct {
	PreVerificationGas   *hexutil.Big
	VerificationGasLimit *hexutil.Big
	CallGasLimit         *hexutil.Big
}

// defaultCallGasLimit is the fixed fallback callGasLimit.
const defaultCallGasLimit = 100000

// EstimateGas computes conservative gas defaults from callData length alone:
// preVerificationGas = (TxGas + len(callData)*TxDataNonZeroGas) * 1.2,
// verificationGasLimit = 2*preVerificationGas, callGasLimit = 100000. The
// constants come from github.com/ethereum/go-ethereum/params — the same
// intrinsic-gas schedule geth's own core/state_transition.go charges
// regular transactions — rather than being re-declared here.
func (v *Validator) EstimateGas(op userop.UserOperation) GasEstimate {
	l := int64(len(op.CallData))
	base := int64(params.TxGas) + l*int64(params.TxDataNonZeroGasEIP2028)
	preVerification := base * 12 / 10
	verification := preVerification * 2

	return GasEstimate{
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(preVerification)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(verification)),
		CallGasLimit:         (*hexutil.Big)(big.NewInt(defaultCallGasLimit)),
	}
}

// formatCheck validates field presence and shape: every field except
// initCode/paymasterAndData is required, sender must be a well-formed
// 20-byte address, numeric fields must parse as non-negative integers, and a
// non-empty paymasterAndData must prefix a well-formed address. It runs
// before canonicalization, so nil still means "absent".
func formatCheck(op userop.UserOperation) error {
	if op.Sender == (common.Address{}) {
		return &FormatError{Field: "sender"}
	}
	if op.Nonce == nil || (*big.Int)(op.Nonce).Sign() < 0 {
		return &FormatError{Field: "nonce"}
	}
	if op.CallData == nil {
		return &FormatError{Field: "callData"}
	}
	if !isNonNegative(op.CallGasLimit) {
		return &FormatError{Field: "callGasLimit"}
	}
	if !isNonNegative(op.VerificationGasLimit) {
		return &FormatError{Field: "verificationGasLimit"}
	}
	if !isNonNegative(op.PreVerificationGas) {
		return &FormatError{Field: "preVerificationGas"}
	}
	if !isNonNegative(op.MaxFeePerGas) {
		return &FormatError{Field: "maxFeePerGas"}
	}
	if !isNonNegative(op.MaxPriorityFeePerGas) {
		return &FormatError{Field: "maxPriorityFeePerGas"}
	}
	if len(op.Signature) == 0 {
		return &FormatError{Field: "signature"}
	}
	if len(op.PaymasterAndData) > 0 && len(op.PaymasterAndData) < common.AddressLength {
		return &FormatError{Field: "paymasterAndData"}
	}
	return nil
}

func isNonNegative(v *hexutil.Big) bool {
	return v != nil && (*big.Int)(v).Sign() >= 0
}
