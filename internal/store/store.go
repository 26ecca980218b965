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

// Package store is the durable record of UserOperations and Bundles. It is
// the commit point every mempool mutation goes through: mempool operations
// treat the store call as their point of no return.
//
// Built on github.com/cockroachdb/pebble, the same embedded LSM engine geth
// uses as its default chain-database backend. Where geth layers logical
// tables over one pebble instance with key prefixes (core/rawdb), this
// package does the same for user_operations and bundles (see schema.go).
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethbundler/erc4337-bundler/internal/userop"
)

// ErrDuplicateHash is returned by SaveUserOp when userOpHash already exists.
var ErrDuplicateHash = errors.New("store: duplicate-hash")

// Store is the persistent record of UserOperations and Bundles. mu
// serializes every read-modify-write mutation: pebble only guarantees
// atomicity per Get or per Batch.Commit, so the transition check and the
// commit it guards must sit inside one critical section.
type Store struct {
	mu sync.Mutex
	db *pebble.DB
}

// Open opens (creating if absent) a pebble database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	log.Info("Opened persistent store", "path", path)
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// record is the on-disk encoding of a userop.Record.
type record struct {
	Op           userop.UserOperation
	UserOpHash   common.Hash
	Status       userop.Status
	CreatedAt    int64
	SubmittedAt  int64
	ConfirmedAt  int64
	TxHash       common.Hash
	GasUsed      uint64
	GasCost      string
	ErrorMessage string
	BlockNumber  uint64
}

// SaveUserOp atomically inserts rec and its status/sender index entries.
// Returns ErrDuplicateHash if rec.UserOpHash already exists — the insert is
// rejected outright, never overwritten.
func (s *Store) SaveUserOp(rec *userop.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := userOpKey(rec.UserOpHash)
	if _, closer, err := s.db.Get(key); err == nil {
		closer.Close()
		return ErrDuplicateHash
	} else if err != pebble.ErrNotFound {
		return fmt.Errorf("store: get %x: %w", rec.UserOpHash, err)
	}

	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, data, nil); err != nil {
		return err
	}
	if err := batch.Set(statusIndexKey(rec.Status, rec.UserOpHash), nil, nil); err != nil {
		return err
	}
	if err := batch.Set(senderIndexKey(rec.Op.SenderLower(), rec.Op.Nonce.String(), rec.UserOpHash), nil, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

// UpdateUserOpStatus atomically moves hash to newStatus, applying any of
// the optional field setters, and silently no-ops if hash is absent or the
// transition would violate the monotonic-status rule. The lock spans the
// transition check and the commit, so a concurrent updater cannot slip a
// conflicting status in between.
func (s *Store) UpdateUserOpStatus(hash common.Hash, newStatus userop.Status, apply func(*userop.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.GetUserOpByHash(hash)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if !userop.CanTransition(rec.Status, newStatus) {
		return nil
	}
	oldStatus := rec.Status
	rec.Status = newStatus
	switch newStatus {
	case userop.StatusSubmitted:
		if rec.SubmittedAt.IsZero() {
			rec.SubmittedAt = time.Now()
		}
	case userop.StatusConfirmed:
		if rec.ConfirmedAt.IsZero() {
			rec.ConfirmedAt = time.Now()
		}
	}
	if apply != nil {
		apply(rec)
	}

	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(userOpKey(hash), data, nil); err != nil {
		return err
	}
	if oldStatus != newStatus {
		if err := batch.Delete(statusIndexKey(oldStatus, hash), nil); err != nil {
			return err
		}
		if err := batch.Set(statusIndexKey(newStatus, hash), nil, nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// GetUserOpByHash returns the record for hash, or (nil, nil) if absent.
func (s *Store) GetUserOpByHash(hash common.Hash) (*userop.Record, error) {
	data, closer, err := s.db.Get(userOpKey(hash))
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get %x: %w", hash, err)
	}
	defer closer.Close()
	return decodeRecord(data)
}

// ListPending returns up to limit pending records. Pebble's keys sort
// lexically, not by creation time, so this scans the status index and then
// sorts the resolved records by CreatedAt the way a SQL
// "ORDER BY createdAt ASC" would.
func (s *Store) ListPending(limit int) ([]*userop.Record, error) {
	return s.listByStatus(userop.StatusPending, limit)
}

func (s *Store) listByStatus(status userop.Status, limit int) ([]*userop.Record, error) {
	prefix := statusIndexPrefix(status)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var hashes []common.Hash
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		hashHex := key[len(prefix):]
		hashes = append(hashes, common.HexToHash(hashHex))
	}

	records := make([]*userop.Record, 0, len(hashes))
	for _, h := range hashes {
		rec, err := s.GetUserOpByHash(h)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].CreatedAt.Before(records[j].CreatedAt) })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// GetBySender returns every stored record for sender, regardless of status.
func (s *Store) GetBySender(sender string) ([]*userop.Record, error) {
	prefix := senderIndexPrefix(sender)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: prefixUpperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*userop.Record
	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		parts := key[len(prefix):]
		// parts is "<nonce-hex>/<hash>"
		idx := len(parts) - 1
		for idx >= 0 && parts[idx] != '/' {
			idx--
		}
		hashHex := parts[idx+1:]
		rec, err := s.GetUserOpByHash(common.HexToHash(hashHex))
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

func encodeRecord(rec *userop.Record) ([]byte, error) {
	r := record{
		Op:           rec.Op,
		UserOpHash:   rec.UserOpHash,
		Status:       rec.Status,
		TxHash:       rec.TxHash,
		GasUsed:      rec.GasUsed,
		ErrorMessage: rec.ErrorMessage,
		BlockNumber:  rec.BlockNumber,
	}
	if rec.GasCost != nil {
		r.GasCost = (*big.Int)(rec.GasCost).String()
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
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("store: encode record: %w", err)
	}
	return data, nil
}

func decodeRecord(data []byte) (*userop.Record, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("store: decode record: %w", err)
	}
	rec := &userop.Record{
		Op:           r.Op,
		UserOpHash:   r.UserOpHash,
		Status:       r.Status,
		TxHash:       r.TxHash,
		GasUsed:      r.GasUsed,
		ErrorMessage: r.ErrorMessage,
		BlockNumber:  r.BlockNumber,
	}
	if r.GasCost != "" {
		if v, ok := new(big.Int).SetString(r.GasCost, 10); ok {
			rec.GasCost = (*hexutil.Big)(v)
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
