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

package validator

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/ethbundler/erc4337-bundler/internal/chain"
	"github.com/ethbundler/erc4337-bundler/internal/userop"
)

// fakeChain is a scripted chain.Service for validator tests, the same
// "fake the narrow dependency interface" approach the chain.Service
// interface itself was pulled out to enable.
type fakeChain struct {
	hash     common.Hash
	hashErr  error
	nonce    *big.Int
	nonceErr error
	sim      *chain.SimulationResult
	simErr   error
}

func (f *fakeChain) ComputeUserOpHash(context.Context, userop.UserOperation) (common.Hash, error) {
	return f.hash, f.hashErr
}
func (f *fakeChain) GetNonce(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.nonce, f.nonceErr
}
func (f *fakeChain) SimulateValidation(context.Context, userop.UserOperation) (*chain.SimulationResult, error) {
	return f.sim, f.simErr
}
func (f *fakeChain) CurrentFees(context.Context) (*chain.Fees, error) { return nil, nil }
func (f *fakeChain) EstimateBundleGas(context.Context, []userop.UserOperation, common.Address) (uint64, error) {
	return 0, nil
}
func (f *fakeChain) SubmitBundle(context.Context, []userop.UserOperation, common.Address, uint64, *chain.Fees) (common.Hash, error) {
	return common.Hash{}, nil
}
func (f *fakeChain) WaitForReceipt(context.Context, common.Hash, time.Duration) (*chain.Receipt, error) {
	return nil, nil
}
func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func validOp() userop.UserOperation {
	return userop.UserOperation{
		Sender:               common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"),
		Nonce:                (*hexutil.Big)(big.NewInt(3)),
		CallData:             hexutil.Bytes{0x01},
		CallGasLimit:         (*hexutil.Big)(big.NewInt(100000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(100000)),
		PreVerificationGas:   (*hexutil.Big)(big.NewInt(21000)),
		MaxFeePerGas:         (*hexutil.Big)(big.NewInt(1000000000)),
		MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(1000000000)),
		Signature:            hexutil.Bytes{0x01, 0x02},
	}
}

func TestValidateHappyPath(t *testing.T) {
	fc := &fakeChain{
		hash:  common.BigToHash(big.NewInt(42)),
		nonce: big.NewInt(3),
		sim:   &chain.SimulationResult{OK: true},
	}
	res := New(fc).Validate(context.Background(), validOp())
	require.True(t, res.OK)
	require.Equal(t, common.BigToHash(big.NewInt(42)), res.Hash)
}

func TestValidateNonceTooLow(t *testing.T) {
	fc := &fakeChain{
		hash:  common.BigToHash(big.NewInt(42)),
		nonce: big.NewInt(5),
		sim:   &chain.SimulationResult{OK: true},
	}
	res := New(fc).Validate(context.Background(), validOp())
	require.False(t, res.OK)
	require.EqualError(t, res.Err, "nonce-too-low")
}

func TestValidateSimulationFailure(t *testing.T) {
	fc := &fakeChain{
		hash:  common.BigToHash(big.NewInt(42)),
		nonce: big.NewInt(0),
		sim:   &chain.SimulationResult{OK: false, Reason: "AA21 didn't pay prefund"},
	}
	res := New(fc).Validate(context.Background(), validOp())
	require.False(t, res.OK)
	require.EqualError(t, res.Err, "AA21 didn't pay prefund")
}

func TestFormatRejectsMissingSignature(t *testing.T) {
	op := validOp()
	op.Signature = nil
	res := New(&fakeChain{}).Validate(context.Background(), op)
	require.False(t, res.OK)
	require.EqualError(t, res.Err, "invalid-signature")
}

func TestFormatRejectsShortPaymasterAndData(t *testing.T) {
	op := validOp()
	op.PaymasterAndData = hexutil.Bytes{0x01, 0x02}
	res := New(&fakeChain{}).Validate(context.Background(), op)
	require.False(t, res.OK)
	require.EqualError(t, res.Err, "invalid-paymasterAndData")
}

func TestEstimateGasFormula(t *testing.T) {
	op := validOp()
	op.CallData = make(hexutil.Bytes, 10)
	est := New(&fakeChain{}).EstimateGas(op)
	// (21000 + 10*16) * 1.2 = 25392
	require.Equal(t, big.NewInt(25392), (*big.Int)(est.PreVerificationGas))
	require.Equal(t, big.NewInt(50784), (*big.Int)(est.VerificationGasLimit))
	require.Equal(t, big.NewInt(100000), (*big.Int)(est.CallGasLimit))
}

func TestFormatRejectsMissingCallData(t *testing.T) {
	op := validOp()
	op.CallData = nil
	res := New(&fakeChain{}).Validate(context.Background(), op)
	require.False(t, res.OK)
	require.EqualError(t, res.Err, "invalid-callData")

	var fe *FormatError
	require.ErrorAs(t, res.Err, &fe)
	require.Equal(t, -32602, fe.ErrorCode())
}
