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
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/ethbundler/erc4337-bundler/internal/bundle"
)

type bundleRecord struct {
	BundleHash   common.Hash
	TxHash       common.Hash
	Members      []common.Hash
	UserOpCount  int
	TotalGasUsed uint64
	TotalGasCost string
	Status       bundle.Status
	BlockNumber  uint64
	CreatedAt    int64
	SubmittedAt  int64
	ConfirmedAt  int64
}

// SaveBundle inserts rec and its ordered member-index rows in one batch.
func (s *Store) SaveBundle(rec *bundle.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := encodeBundle(rec)
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(bundleKey(rec.BundleHash), data, nil); err != nil {
		return err
	}
	for i, member := range rec.Members {
		if err := batch.Set(bundleMemberKey(rec.BundleHash, i), member.Bytes(), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// UpdateBundleStatus atomically moves rec to newStatus, applying any field
// setters, honoring the monotonic bundle state machine (silently a no-op if
// the transition is illegal or the bundle is unknown). As with
// UpdateUserOpStatus, the lock spans the transition check and the write.
func (s *Store) UpdateBundleStatus(hash common.Hash, newStatus bundle.Status, apply func(*bundle.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.GetBundle(hash)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if !bundle.CanTransition(rec.Status, newStatus) {
		return nil
	}
	rec.Status = newStatus
	switch newStatus {
	case bundle.StatusSubmitted:
		if rec.SubmittedAt.IsZero() {
			rec.SubmittedAt = time.Now()
		}
	case bundle.StatusConfirmed:
		if rec.ConfirmedAt.IsZero() {
			rec.ConfirmedAt = time.Now()
		}
	}
	if apply != nil {
		apply(rec)
	}
	data, err := encodeBundle(rec)
	if err != nil {
		return err
	}
	return s.db.Set(bundleKey(hash), data, pebble.Sync)
}

// GetBundle returns the bundle record for hash, or (nil, nil) if absent.
func (s *Store) GetBundle(hash common.Hash) (*bundle.Record, error) {
	data, closer, err := s.db.Get(bundleKey(hash))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get bundle %x: %w", hash, err)
	}
	defer closer.Close()
	return decodeBundle(data)
}

// GetBundleMembers returns the bundle's member userOpHashes in submission
// order, read from the join rows rather than the denormalized record.
func (s *Store) GetBundleMembers(hash common.Hash) ([]common.Hash, error) {
	prefix := bundleMemberPrefix(hash)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var members []common.Hash
	for iter.First(); iter.Valid(); iter.Next() {
		members = append(members, common.BytesToHash(iter.Value()))
	}
	return members, nil
}

func encodeBundle(rec *bundle.Record) ([]byte, error) {
	r := bundleRecord{
		BundleHash:   rec.BundleHash,
		TxHash:       rec.TxHash,
		Members:      rec.Members,
		UserOpCount:  rec.UserOpCount,
		TotalGasUsed: rec.TotalGasUsed,
		Status:       rec.Status,
		BlockNumber:  rec.BlockNumber,
	}
	if rec.TotalGasCost != nil {
		r.TotalGasCost = (*big.Int)(rec.TotalGasCost).String()
	}
	if !rec.CreatedAt.IsZero() {
		r.CreatedAt = rec.CreatedAt.UnixNano()
	}
	if !rec.SubmittedAt.IsZero() {
		r.SubmittedAt = rec.SubmittedAt.UnixNano()
	}
	if !rec.ConfirmedAt.IsZero() {
		r.ConfirmedAt = rec.ConfirmedAt.UnixNano()
	}
	return json.Marshal(r)
}

func decodeBundle(data []byte) (*bundle.Record, error) {
	var r bundleRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("store: decode bundle: %w", err)
	}
	rec := &bundle.Record{
		BundleHash:   r.BundleHash,
		TxHash:       r.TxHash,
		Members:      r.Members,
		UserOpCount:  r.UserOpCount,
		TotalGasUsed: r.TotalGasUsed,
		Status:       r.Status,
		BlockNumber:  r.BlockNumber,
	}
	if r.TotalGasCost != "" {
		if v, ok := new(big.Int).SetString(r.TotalGasCost, 10); ok {
			rec.TotalGasCost = (*hexutil.Big)(v)
		}
	}
	if r.CreatedAt != 0 {
		rec.CreatedAt = time.Unix(0, r.CreatedAt)
	}
	if r.SubmittedAt != 0 {
		rec.SubmittedAt = time.Unix(0, r.SubmittedAt)
	}
	if r.ConfirmedAt != 0 {
		rec.ConfirmedAt = time.Unix(0, r.ConfirmedAt)
	}
	return rec, nil
}
