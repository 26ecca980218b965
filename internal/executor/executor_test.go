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

package executor

import (
	"context"
	"math/big"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/ethbundler/erc4337-bundler/internal/chain"
	"github.com/ethbundler/erc4337-bundler/internal/mempool"
	"github.com/ethbundler/erc4337-bundler/internal/store"
	"github.com/ethbundler/erc4337-bundler/internal/userop"
)

type fakeChain struct {
	mu          sync.Mutex
	submitCalls int32
	hashes      map[common.Address]common.Hash
	submittedOps [][]userop.UserOperation
	receipt     *chain.Receipt
	blockOnCall chan struct{}
}

func (f *fakeChain) ComputeUserOpHash(_ context.Context, op userop.UserOperation) (common.Hash, error) {
	// Matches opWithFee's hash derivation so marks land on the stored record.
	return common.BytesToHash(append(op.Sender.Bytes(), byte((*big.Int)(op.Nonce).Int64()), byte((*big.Int)(op.MaxFeePerGas).Int64()))), nil
}
func (f *fakeChain) GetNonce(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(0), nil
}
func (f *fakeChain) SimulateValidation(context.Context, userop.UserOperation) (*chain.SimulationResult, error) {
	return &chain.SimulationResult{OK: true}, nil
}
func (f *fakeChain) CurrentFees(context.Context) (*chain.Fees, error) {
	return &chain.Fees{MaxFeePerGas: big.NewInt(1), MaxPriorityFeePerGas: big.NewInt(1)}, nil
}
func (f *fakeChain) EstimateBundleGas(context.Context, []userop.UserOperation, common.Address) (uint64, error) {
	return 100000, nil
}
func (f *fakeChain) SubmitBundle(_ context.Context, ops []userop.UserOperation, _ common.Address, _ uint64, _ *chain.Fees) (common.Hash, error) {
	if f.blockOnCall != nil {
		<-f.blockOnCall
	}
	atomic.AddInt32(&f.submitCalls, 1)
	f.mu.Lock()
	f.submittedOps = append(f.submittedOps, ops)
	f.mu.Unlock()
	return common.BigToHash(big.NewInt(int64(len(ops)))), nil
}
func (f *fakeChain) WaitForReceipt(context.Context, common.Hash, time.Duration) (*chain.Receipt, error) {
	return f.receipt, nil
}
func (f *fakeChain) ChainID(context.Context) (*big.Int, error) { return big.NewInt(1), nil }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "bundler-exec-store-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	st, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func opWithFee(sender byte, nonce, fee int64) *userop.Record {
	addr := common.Address{sender}
	op := userop.UserOperation{
		Sender:       addr,
		Nonce:        (*hexutil.Big)(big.NewInt(nonce)),
		MaxFeePerGas: (*hexutil.Big)(big.NewInt(fee)),
	}.Canonicalize()
	return &userop.Record{
		Op:         op,
		UserOpHash: common.BytesToHash(append(addr.Bytes(), byte(nonce), byte(fee))),
		Status:     userop.StatusPending,
		CreatedAt:  time.Now(),
	}
}

func TestSelectBundleOrdersByFeeDescendingStable(t *testing.T) {
	st := newTestStore(t)
	mp := mempool.New(st)

	low := opWithFee(1, 1, 0x10)
	high := opWithFee(2, 1, 0x30)
	mid := opWithFee(3, 1, 0x20)
	require.NoError(t, mp.Add(low))
	require.NoError(t, mp.Add(high))
	require.NoError(t, mp.Add(mid))

	ex := New(DefaultConfig(), &fakeChain{}, mp, st)
	selected := ex.selectBundle()
	require.Len(t, selected, 3)
	require.Equal(t, high.UserOpHash, selected[0].UserOpHash)
	require.Equal(t, mid.UserOpHash, selected[1].UserOpHash)
	require.Equal(t, low.UserOpHash, selected[2].UserOpHash)
}

func TestTickConfirmsBundleOnSuccessReceipt(t *testing.T) {
	st := newTestStore(t)
	mp := mempool.New(st)
	rec := opWithFee(9, 1, 0x3b9aca00)
	require.NoError(t, mp.Add(rec))

	fc := &fakeChain{receipt: &chain.Receipt{Status: 1, GasUsed: 21000, BlockNumber: 16}}
	cfg := DefaultConfig()
	ex := New(cfg, fc, mp, st)

	ex.Tick(context.Background())

	require.Equal(t, 0, mp.GetPendingCount())
	got, err := st.GetUserOpByHash(rec.UserOpHash)
	require.NoError(t, err)
	require.Equal(t, userop.StatusConfirmed, got.Status)
}

func TestTickMarksFailedOnRevertedReceipt(t *testing.T) {
	st := newTestStore(t)
	mp := mempool.New(st)
	rec := opWithFee(4, 1, 10)
	require.NoError(t, mp.Add(rec))

	fc := &fakeChain{receipt: &chain.Receipt{Status: 0, BlockNumber: 16}}
	ex := New(DefaultConfig(), fc, mp, st)
	ex.Tick(context.Background())

	got, err := st.GetUserOpByHash(rec.UserOpHash)
	require.NoError(t, err)
	require.Equal(t, userop.StatusFailed, got.Status)
	require.Equal(t, "transaction-reverted", got.ErrorMessage)
}

func TestConcurrentTicksCollapseToOne(t *testing.T) {
	st := newTestStore(t)
	mp := mempool.New(st)
	rec := opWithFee(5, 1, 10)
	require.NoError(t, mp.Add(rec))

	fc := &fakeChain{receipt: &chain.Receipt{Status: 1}, blockOnCall: make(chan struct{})}
	ex := New(DefaultConfig(), fc, mp, st)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ex.Tick(context.Background())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(fc.blockOnCall)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&fc.submitCalls))
}

func TestReceiptTimeoutExpiresAfterGracePeriod(t *testing.T) {
	st := newTestStore(t)
	mp := mempool.New(st)
	rec := opWithFee(6, 1, 10)
	require.NoError(t, mp.Add(rec))

	fc := &fakeChain{receipt: nil} // receipt never arrives
	cfg := DefaultConfig()
	cfg.ReconciliationGraceTicks = 1
	ex := New(cfg, fc, mp, st)

	// First tick submits and times out waiting for the receipt.
	ex.Tick(context.Background())
	require.Equal(t, int32(1), atomic.LoadInt32(&fc.submitCalls))
	got, err := st.GetUserOpByHash(rec.UserOpHash)
	require.NoError(t, err)
	require.Equal(t, userop.StatusSubmitted, got.Status)

	// Second tick must not resubmit the op, and the exhausted grace period
	// marks it failed.
	ex.Tick(context.Background())
	require.Equal(t, int32(1), atomic.LoadInt32(&fc.submitCalls))
	got, err = st.GetUserOpByHash(rec.UserOpHash)
	require.NoError(t, err)
	require.Equal(t, userop.StatusFailed, got.Status)
	require.Equal(t, "receipt-timeout", got.ErrorMessage)
	require.Equal(t, 0, mp.GetPendingCount())
}
