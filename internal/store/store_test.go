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

package store

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/require"

	"github.com/ethbundler/erc4337-bundler/internal/bundle"
	"github.com/ethbundler/erc4337-bundler/internal/userop"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func newRecord(sender common.Address, nonce int64, createdAt time.Time) *userop.Record {
	op := userop.UserOperation{
		Sender: sender,
		Nonce:  (*hexutil.Big)(big.NewInt(nonce)),
	}.Canonicalize()
	return &userop.Record{
		Op:         op,
		UserOpHash: common.BytesToHash(append(sender.Bytes(), byte(nonce))),
		Status:     userop.StatusPending,
		CreatedAt:  createdAt,
	}
}

func TestSaveUserOpRejectsDuplicateHash(t *testing.T) {
	st := newTestStore(t)
	rec := newRecord(common.HexToAddress("0xaa"), 1, time.Now())

	require.NoError(t, st.SaveUserOp(rec))
	require.ErrorIs(t, st.SaveUserOp(rec), ErrDuplicateHash)
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	st := newTestStore(t)
	rec := newRecord(common.HexToAddress("0xbb"), 3, time.Now())
	require.NoError(t, st.SaveUserOp(rec))

	got, err := st.GetUserOpByHash(rec.UserOpHash)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, rec.UserOpHash, got.UserOpHash)
	require.Equal(t, userop.StatusPending, got.Status)
	require.Equal(t, rec.Op.Sender, got.Op.Sender)

	got, err = st.GetUserOpByHash(common.Hash{0xff})
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUpdateUserOpStatusEnforcesMonotonicRule(t *testing.T) {
	st := newTestStore(t)
	rec := newRecord(common.HexToAddress("0xcc"), 1, time.Now())
	require.NoError(t, st.SaveUserOp(rec))

	require.NoError(t, st.UpdateUserOpStatus(rec.UserOpHash, userop.StatusSubmitted, nil))
	require.NoError(t, st.UpdateUserOpStatus(rec.UserOpHash, userop.StatusConfirmed, nil))

	// A back-transition is silently ignored.
	require.NoError(t, st.UpdateUserOpStatus(rec.UserOpHash, userop.StatusPending, nil))
	got, err := st.GetUserOpByHash(rec.UserOpHash)
	require.NoError(t, err)
	require.Equal(t, userop.StatusConfirmed, got.Status)
	require.False(t, got.SubmittedAt.IsZero())
	require.False(t, got.ConfirmedAt.IsZero())
}

func TestUpdateUserOpStatusNoOpsOnUnknownHash(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.UpdateUserOpStatus(common.Hash{0x01}, userop.StatusSubmitted, nil))
}

func TestListPendingOrdersByCreatedAt(t *testing.T) {
	st := newTestStore(t)
	base := time.Now()

	newest := newRecord(common.HexToAddress("0x01"), 1, base.Add(2*time.Second))
	oldest := newRecord(common.HexToAddress("0x02"), 2, base)
	middle := newRecord(common.HexToAddress("0x03"), 3, base.Add(time.Second))
	for _, rec := range []*userop.Record{newest, oldest, middle} {
		require.NoError(t, st.SaveUserOp(rec))
	}

	// A confirmed record must not appear in the pending list.
	require.NoError(t, st.UpdateUserOpStatus(middle.UserOpHash, userop.StatusSubmitted, nil))
	require.NoError(t, st.UpdateUserOpStatus(middle.UserOpHash, userop.StatusConfirmed, nil))

	pending, err := st.ListPending(0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.Equal(t, oldest.UserOpHash, pending[0].UserOpHash)
	require.Equal(t, newest.UserOpHash, pending[1].UserOpHash)

	limited, err := st.ListPending(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, oldest.UserOpHash, limited[0].UserOpHash)
}

func TestGetBySenderSpansStatuses(t *testing.T) {
	st := newTestStore(t)
	sender := common.HexToAddress("0xdd")

	first := newRecord(sender, 1, time.Now())
	second := newRecord(sender, 2, time.Now())
	other := newRecord(common.HexToAddress("0xee"), 1, time.Now())
	for _, rec := range []*userop.Record{first, second, other} {
		require.NoError(t, st.SaveUserOp(rec))
	}
	require.NoError(t, st.UpdateUserOpStatus(first.UserOpHash, userop.StatusSubmitted, nil))

	got, err := st.GetBySender(first.Op.SenderLower())
	require.NoError(t, err)
	require.Len(t, got, 2)
}

func TestBundleRoundTripAndStatusMachine(t *testing.T) {
	st := newTestStore(t)
	members := []common.Hash{{0x01}, {0x02}, {0x03}}
	rec := &bundle.Record{
		BundleHash:  common.Hash{0xbd},
		TxHash:      common.Hash{0x77},
		Members:     members,
		UserOpCount: len(members),
		Status:      bundle.StatusSubmitted,
		CreatedAt:   time.Now(),
		SubmittedAt: time.Now(),
	}
	require.NoError(t, st.SaveBundle(rec))

	got, err := st.GetBundle(rec.BundleHash)
	require.NoError(t, err)
	require.Equal(t, members, got.Members)
	require.Equal(t, bundle.StatusSubmitted, got.Status)

	joined, err := st.GetBundleMembers(rec.BundleHash)
	require.NoError(t, err)
	require.Equal(t, members, joined)

	require.NoError(t, st.UpdateBundleStatus(rec.BundleHash, bundle.StatusConfirmed, func(r *bundle.Record) {
		r.BlockNumber = 16
		r.TotalGasUsed = 21000
	}))
	got, err = st.GetBundle(rec.BundleHash)
	require.NoError(t, err)
	require.Equal(t, bundle.StatusConfirmed, got.Status)
	require.Equal(t, uint64(16), got.BlockNumber)
	require.False(t, got.ConfirmedAt.IsZero())

	// Terminal; a further transition is ignored.
	require.NoError(t, st.UpdateBundleStatus(rec.BundleHash, bundle.StatusFailed, nil))
	got, err = st.GetBundle(rec.BundleHash)
	require.NoError(t, err)
	require.Equal(t, bundle.StatusConfirmed, got.Status)
}
