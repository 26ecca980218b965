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

// Package userop defines the ERC-4337 UserOperation wire format and the
// persisted record that tracks one through its lifecycle in the bundler.
package userop

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Status is the lifecycle state of a UserOperation record. Transitions are
// monotonic: pending -> submitted -> {confirmed, failed}, plus pending ->
// removed. There is no path back to an earlier state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusRemoved   Status = "removed"
)

// transitions enumerates the only status moves the store and mempool accept.
var transitions = map[Status]map[Status]bool{
	StatusPending:   {StatusSubmitted: true, StatusRemoved: true},
	StatusSubmitted: {StatusConfirmed: true, StatusFailed: true},
}

// CanTransition reports whether moving from "from" to "to" is a legal status
// transition. Re-applying the same status (from == to) is treated as a
// no-op, not an error, per the idempotence requirement.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return transitions[from][to]
}

// UserOperation is the immutable, eleven-field ERC-4337 pseudo-transaction as
// submitted by a client. All byte-string fields are stored already
// normalized (lowercased, even-length hex) by Canonicalize.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// Canonicalize returns a copy of uo with the sender lowercased and nil
// numeric/byte fields defaulted to their canonical form: addresses
// lowercased, numeric fields even-length hex, empty byte strings as "0x".
func (uo UserOperation) Canonicalize() UserOperation {
	out := uo
	out.Sender = common.HexToAddress(strings.ToLower(uo.Sender.Hex()))
	if out.Nonce == nil {
		out.Nonce = new(hexutil.Big)
	}
	if out.CallGasLimit == nil {
		out.CallGasLimit = new(hexutil.Big)
	}
	if out.VerificationGasLimit == nil {
		out.VerificationGasLimit = new(hexutil.Big)
	}
	if out.PreVerificationGas == nil {
		out.PreVerificationGas = new(hexutil.Big)
	}
	if out.MaxFeePerGas == nil {
		out.MaxFeePerGas = new(hexutil.Big)
	}
	if out.MaxPriorityFeePerGas == nil {
		out.MaxPriorityFeePerGas = new(hexutil.Big)
	}
	if out.InitCode == nil {
		out.InitCode = hexutil.Bytes{}
	}
	if out.CallData == nil {
		out.CallData = hexutil.Bytes{}
	}
	if out.PaymasterAndData == nil {
		out.PaymasterAndData = hexutil.Bytes{}
	}
	if out.Signature == nil {
		out.Signature = hexutil.Bytes{}
	}
	return out
}

// SenderLower is the lowercase hex address used as the mempool's per-sender
// index key.
func (uo UserOperation) SenderLower() string {
	return strings.ToLower(uo.Sender.Hex())
}

// Paymaster returns the 20-byte address prefix of PaymasterAndData, or the
// zero address if none is set.
func (uo UserOperation) Paymaster() common.Address {
	if len(uo.PaymasterAndData) < common.AddressLength {
		return common.Address{}
	}
	return common.BytesToAddress(uo.PaymasterAndData[:common.AddressLength])
}

// Record is a UserOperation plus its computed hash, lifecycle status,
// timestamps, and on-submission bookkeeping. userOpHash is its primary key.
type Record struct {
	Op UserOperation

	UserOpHash common.Hash
	Status     Status

	CreatedAt   time.Time
	SubmittedAt time.Time
	ConfirmedAt time.Time

	TxHash       common.Hash
	GasUsed      uint64
	GasCost      *hexutil.Big
	ErrorMessage string
	BlockNumber  uint64
}

// Clone returns a deep copy of r, suitable for returning from a
// concurrent-safe read path (the mempool's getAll/get snapshot contract):
// the copy shares no big-int or byte-slice backing memory with r, so a
// caller mutating a snapshot in place cannot touch the live record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Op = r.Op.clone()
	cp.GasCost = cloneBig(r.GasCost)
	return &cp
}

func (uo UserOperation) clone() UserOperation {
	out := uo
	out.Nonce = cloneBig(uo.Nonce)
	out.CallGasLimit = cloneBig(uo.CallGasLimit)
	out.VerificationGasLimit = cloneBig(uo.VerificationGasLimit)
	out.PreVerificationGas = cloneBig(uo.PreVerificationGas)
	out.MaxFeePerGas = cloneBig(uo.MaxFeePerGas)
	out.MaxPriorityFeePerGas = cloneBig(uo.MaxPriorityFeePerGas)
	out.InitCode = cloneBytes(uo.InitCode)
	out.CallData = cloneBytes(uo.CallData)
	out.PaymasterAndData = cloneBytes(uo.PaymasterAndData)
	out.Signature = cloneBytes(uo.Signature)
	return out
}

func cloneBig(v *hexutil.Big) *hexutil.Big {
	if v == nil {
		return nil
	}
	return (*hexutil.Big)(new(big.Int).Set((*big.Int)(v)))
}

func cloneBytes(b hexutil.Bytes) hexutil.Bytes {
	if b == nil {
		return nil
	}
	out := make(hexutil.Bytes, len(b))
	copy(out, b)
	return out
}
