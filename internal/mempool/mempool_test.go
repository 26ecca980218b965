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

package mempool

import (
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/ethbundler/erc4337-bundler/internal/store"
	"github.com/ethbundler/erc4337-bundler/internal/userop"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "bundler-store-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	st, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newRecord(sender common.Address, nonce int64, fee int64) *userop.Record {
	op := userop.UserOperation{
		Sender:       sender,
		Nonce:        (*hexutil.Big)(big.NewInt(nonce)),
		MaxFeePerGas: (*hexutil.Big)(big.NewInt(fee)),
	}.Canonicalize()
	return &userop.Record{
		Op:         op,
		UserOpHash: common.BigToHash(big.NewInt(nonce + fee*1000)),
		Status:     userop.StatusPending,
		CreatedAt:  time.Now(),
	}
}

func TestAddRejectsDuplicateHash(t *testing.T) {
	mp := New(newTestStore(t))
	rec := newRecord(common.HexToAddress("0xaa"), 1, 1)

	require.NoError(t, mp.Add(rec))
	err := mp.Add(rec)
	require.ErrorIs(t, err, ErrDuplicateInMempool)
	require.Equal(t, 1, mp.GetPendingCount())
}

func TestAddRejectsNonceReuse(t *testing.T) {
	mp := New(newTestStore(t))
	sender := common.HexToAddress("0xbb")

	rec1 := newRecord(sender, 7, 1)
	require.NoError(t, mp.Add(rec1))

	rec2 := newRecord(sender, 7, 2)
	err := mp.Add(rec2)
	require.ErrorIs(t, err, ErrNonceReused)
}

func TestMarkConfirmedRemovesFromMempool(t *testing.T) {
	mp := New(newTestStore(t))
	rec := newRecord(common.HexToAddress("0xcc"), 1, 1)
	require.NoError(t, mp.Add(rec))
	require.Equal(t, 1, mp.GetPendingCount())

	require.NoError(t, mp.MarkSubmitted(rec.UserOpHash, common.BigToHash(common.Big2)))
	require.NoError(t, mp.MarkConfirmed(rec.UserOpHash, 21000, nil))
	require.Equal(t, 0, mp.GetPendingCount())
	require.Nil(t, mp.Get(rec.UserOpHash))
}

func TestMarkSubmittedKeepsEntryPending(t *testing.T) {
	mp := New(newTestStore(t))
	rec := newRecord(common.HexToAddress("0xdd"), 1, 1)
	require.NoError(t, mp.Add(rec))

	require.NoError(t, mp.MarkSubmitted(rec.UserOpHash, common.BigToHash(common.Big2)))
	require.Equal(t, 1, mp.GetPendingCount())
	got := mp.Get(rec.UserOpHash)
	require.Equal(t, userop.StatusSubmitted, got.Status)
}

func TestGetAllIsSnapshot(t *testing.T) {
	mp := New(newTestStore(t))
	rec := newRecord(common.HexToAddress("0xee"), 1, 1)
	require.NoError(t, mp.Add(rec))

	all := mp.GetAll()
	require.Len(t, all, 1)
	all[0].Status = userop.StatusFailed // mutate the snapshot

	require.Equal(t, userop.StatusPending, mp.Get(rec.UserOpHash).Status)
}
