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

// Package mempool is the in-memory projection of pending UserOperations: a
// map of hash -> record plus a per-sender nonce index, synchronized to the
// persistent store on every mutation.
//
// Modeled on geth's transaction-pool shape: one sync.RWMutex guarding a
// hash-keyed map and a per-sender grouping, and an Add that rejects
// duplicates before touching the backing store. The per-sender nonce index
// uses github.com/deckarep/golang-set/v2, since membership checks are all
// it ever needs.
package mempool

import (
	"errors"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethbundler/erc4337-bundler/internal/store"
	"github.com/ethbundler/erc4337-bundler/internal/userop"
)

var (
	// ErrDuplicateInMempool is returned by Add when hash is already pending.
	// The text doubles as the stable reason string clients see.
	ErrDuplicateInMempool = errors.New("duplicate-in-mempool")
	// ErrNonceReused is returned by Add when (sender, nonce) is already pending.
	ErrNonceReused = errors.New("nonce-reused")
)

// Mempool is the bundler's in-memory queue of admitted UserOperations that
// have not reached a terminal status: submitted ops stay until their bundle
// reconciles.
type Mempool struct {
	mu sync.RWMutex

	byHash  map[common.Hash]*userop.Record
	byNonce map[string]mapset.Set[string] // senderLower -> set of nonce strings
	order   []common.Hash                 // insertion order, for bundle tie-breaking

	store *store.Store
}

// New creates an empty Mempool backed by st. Call LoadPending once at
// startup to repopulate it from the store.
func New(st *store.Store) *Mempool {
	return &Mempool{
		byHash:  make(map[common.Hash]*userop.Record),
		byNonce: make(map[string]mapset.Set[string]),
		store:   st,
	}
}

// LoadPending repopulates byHash/byNonce from every record the store still
// considers pending, the recovery path after a restart.
func (m *Mempool) LoadPending() error {
	records, err := m.store.ListPending(0)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.insertLocked(rec)
	}
	log.Info("Reloaded mempool from store", "count", len(records))
	return nil
}

// Add admits uo (already hashed by the validator) into the mempool. It
// rejects an in-memory duplicate or nonce reuse before ever touching the
// store; the store's own SaveUserOp is the actual commit point, and a
// duplicate-hash response there is treated as a rollback of the in-memory
// insert that hasn't happened yet.
func (m *Mempool) Add(rec *userop.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byHash[rec.UserOpHash]; exists {
		return ErrDuplicateInMempool
	}
	sender := rec.Op.SenderLower()
	nonce := rec.Op.Nonce.String()
	if set, ok := m.byNonce[sender]; ok && set.Contains(nonce) {
		return ErrNonceReused
	}

	if err := m.store.SaveUserOp(rec); err != nil {
		if errors.Is(err, store.ErrDuplicateHash) {
			return ErrDuplicateInMempool
		}
		return err
	}

	m.insertLocked(rec)
	return nil
}

func (m *Mempool) insertLocked(rec *userop.Record) {
	m.byHash[rec.UserOpHash] = rec
	sender := rec.Op.SenderLower()
	if m.byNonce[sender] == nil {
		m.byNonce[sender] = mapset.NewThreadUnsafeSet[string]()
	}
	m.byNonce[sender].Add(rec.Op.Nonce.String())
	m.order = append(m.order, rec.UserOpHash)
}

// Get returns a snapshot copy of the pending record for hash, or nil.
func (m *Mempool) Get(hash common.Hash) *userop.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byHash[hash].Clone()
}

// GetAll returns a snapshot copy of every pending record, in admission
// order, safe to range over without observing concurrent mutation.
func (m *Mempool) GetAll() []*userop.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*userop.Record, 0, len(m.order))
	for _, h := range m.order {
		if rec, ok := m.byHash[h]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// GetBySender returns every pending record for the given sender address.
func (m *Mempool) GetBySender(sender common.Address) []*userop.Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	senderLower := strings.ToLower(sender.Hex())
	var out []*userop.Record
	for _, h := range m.order {
		rec, ok := m.byHash[h]
		if ok && rec.Op.SenderLower() == senderLower {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// GetPendingCount returns the number of pending records.
func (m *Mempool) GetPendingCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byHash)
}

// MarkSubmitted write-throughs a submitted status to the store and keeps
// the in-memory entry; it stays visible until the bundle reconciles.
func (m *Mempool) MarkSubmitted(hash common.Hash, txHash common.Hash) error {
	if err := m.store.UpdateUserOpStatus(hash, userop.StatusSubmitted, func(r *userop.Record) {
		r.TxHash = txHash
	}); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.byHash[hash]; ok {
		rec.Status = userop.StatusSubmitted
		rec.TxHash = txHash
	}
	return nil
}

// MarkConfirmed write-throughs a confirmed status and removes hash from the
// mempool: confirmed records are store-only.
func (m *Mempool) MarkConfirmed(hash common.Hash, gasUsed uint64, gasCost *hexutil.Big) error {
	if err := m.store.UpdateUserOpStatus(hash, userop.StatusConfirmed, func(r *userop.Record) {
		r.GasUsed = gasUsed
		r.GasCost = gasCost
	}); err != nil {
		return err
	}
	m.removeFromMaps(hash)
	return nil
}

// MarkFailed write-throughs a failed status with errMsg and removes hash
// from the mempool.
func (m *Mempool) MarkFailed(hash common.Hash, errMsg string) error {
	if err := m.store.UpdateUserOpStatus(hash, userop.StatusFailed, func(r *userop.Record) {
		r.ErrorMessage = errMsg
	}); err != nil {
		return err
	}
	m.removeFromMaps(hash)
	return nil
}

// Remove explicitly evicts hash (status "removed"), dropping it from the
// mempool without a confirmation/failure outcome.
func (m *Mempool) Remove(hash common.Hash) error {
	if err := m.store.UpdateUserOpStatus(hash, userop.StatusRemoved, nil); err != nil {
		return err
	}
	m.removeFromMaps(hash)
	return nil
}

func (m *Mempool) removeFromMaps(hash common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.byHash[hash]
	if !ok {
		return
	}
	delete(m.byHash, hash)
	sender := rec.Op.SenderLower()
	if set, ok := m.byNonce[sender]; ok {
		set.Remove(rec.Op.Nonce.String())
		if set.Cardinality() == 0 {
			delete(m.byNonce, sender)
		}
	}
	for i, h := range m.order {
		if h == hash {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}
