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
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ethbundler/erc4337-bundler/internal/userop"
)

// abiUserOp mirrors the EntryPoint's UserOperation tuple layout for ABI
// encoding. Field order must match entryPointABIJSON exactly.
type abiUserOp struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func toABITuple(op userop.UserOperation) abiUserOp {
	return abiUserOp{
		Sender:               op.Sender,
		Nonce:                bigOrZero(op.Nonce),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         bigOrZero(op.CallGasLimit),
		VerificationGasLimit: bigOrZero(op.VerificationGasLimit),
		PreVerificationGas:   bigOrZero(op.PreVerificationGas),
		MaxFeePerGas:         bigOrZero(op.MaxFeePerGas),
		MaxPriorityFeePerGas: bigOrZero(op.MaxPriorityFeePerGas),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return (*big.Int)(v)
}

// decodeRevertData pulls the raw revert payload out of an RPC error, if the
// node's JSON-RPC error response included one in its "data" field. geth's
// own rpc.Client surfaces this by returning an error implementing an
// ErrorData() interface{} method (see rpc.jsonError/rpc.DataError).
func decodeRevertData(err error) ([]byte, bool) {
	type dataError interface {
		ErrorData() interface{}
	}
	de, ok := err.(dataError)
	if !ok {
		return nil, false
	}
	raw, ok := de.ErrorData().(string)
	if !ok || raw == "" {
		return nil, false
	}
	data, decErr := hexutil.Decode(raw)
	if decErr != nil {
		return nil, false
	}
	return data, true
}

// selectorName matches a 4-byte selector against the errors declared in
// entryPointABI, returning "" if none match.
func selectorName(selector []byte) string {
	for name, errAbi := range entryPointABI.Errors {
		if bytesEqual4(crypto.Keccak256([]byte(errAbi.Sig))[:4], selector) {
			return name
		}
	}
	return ""
}

func bytesEqual4(a, b []byte) bool {
	if len(a) != 4 || len(b) != 4 {
		return false
	}
	for i := 0; i < 4; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func unpackFailedOpReason(data []byte) (string, error) {
	errAbi, ok := entryPointABI.Errors["FailedOp"]
	if !ok || len(data) < 4 {
		return "", errNoFailedOp
	}
	values, err := errAbi.Inputs.Unpack(data[4:])
	if err != nil {
		return "", err
	}
	if len(values) < 2 {
		return "", errNoFailedOp
	}
	reason, ok := values[1].(string)
	if !ok {
		return "", errNoFailedOp
	}
	return reason, nil
}

var errNoFailedOp = &decodeError{"chain: could not decode FailedOp revert"}

type decodeError struct{ msg string }

func (e *decodeError) Error() string { return e.msg }
