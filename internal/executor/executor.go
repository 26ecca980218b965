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

// Package executor runs the periodic bundle-assembly tick: select pending
// ops, submit them as one EntryPoint transaction, wait for a receipt, and
// reconcile mempool/store state.
//
// Modeled on geth's miner worker loop: a ticker drives periodic work, and
// reentrancy is prevented by a guard — here golang.org/x/sync/singleflight's
// Do, which collapses an overlapping call onto the in-flight one instead of
// running a second copy.
package executor

import (
	"context"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"golang.org/x/sync/singleflight"

	"github.com/ethbundler/erc4337-bundler/internal/bundle"
	"github.com/ethbundler/erc4337-bundler/internal/chain"
	"github.com/ethbundler/erc4337-bundler/internal/mempool"
	"github.com/ethbundler/erc4337-bundler/internal/store"
	"github.com/ethbundler/erc4337-bundler/internal/userop"
)

// Config controls the executor's tick cadence and bundle shape.
type Config struct {
	BundleInterval time.Duration
	MaxBundleSize  int
	ReceiptTimeout time.Duration
	Beneficiary    common.Address

	// MaxFeePerGasMultiplier scales the node's suggested maxFeePerGas on
	// submission, so a bundle still clears after a base-fee climb between
	// fee lookup and inclusion.
	MaxFeePerGasMultiplier float64

	// ReconciliationGraceTicks bounds how many ticks a submitted bundle may
	// wait for its receipt before it is marked failed with
	// "receipt-timeout".
	ReconciliationGraceTicks int
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		BundleInterval:           15 * time.Second,
		MaxBundleSize:            10,
		ReceiptTimeout:           30 * time.Second,
		MaxFeePerGasMultiplier:   1.5,
		ReconciliationGraceTicks: 5,
	}
}

// Executor periodically assembles and submits bundles.
type Executor struct {
	cfg     Config
	chain   chain.Service
	mempool *mempool.Mempool
	store   *store.Store

	sf      singleflight.Group
	stopCh  chan struct{}
	stopped chan struct{}

	// orphaned tracks submitted bundles awaiting reconciliation across
	// ticks, counting how long each has been waiting for its receipt.
	orphaned map[common.Hash]int
}

// New builds an Executor over the given components.
func New(cfg Config, svc chain.Service, mp *mempool.Mempool, st *store.Store) *Executor {
	return &Executor{
		cfg:      cfg,
		chain:    svc,
		mempool:  mp,
		store:    st,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
		orphaned: make(map[common.Hash]int),
	}
}

// Run blocks, ticking every cfg.BundleInterval until Stop is called.
func (e *Executor) Run(ctx context.Context) {
	defer close(e.stopped)
	ticker := time.NewTicker(e.cfg.BundleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Stop signals Run to exit and waits for it to return.
func (e *Executor) Stop() {
	close(e.stopCh)
	<-e.stopped
}

// Tick runs one selection/submission/reconciliation cycle. Overlapping
// calls (a manual trigger racing the ticker) collapse onto whichever is
// already in flight instead of running twice.
func (e *Executor) Tick(ctx context.Context) {
	_, _, _ = e.sf.Do("tick", func() (interface{}, error) {
		e.tick(ctx)
		return nil, nil
	})
}

func (e *Executor) tick(ctx context.Context) {
	e.CheckOrphaned(ctx)

	selected := e.selectBundle()
	if len(selected) == 0 {
		return
	}

	hashes := make([]common.Hash, 0, len(selected))
	ops := make([]userop.UserOperation, 0, len(selected))
	for _, rec := range selected {
		hash, err := e.chain.ComputeUserOpHash(ctx, rec.Op)
		if err != nil {
			log.Warn("Dropping UserOperation from bundle: hash recompute failed", "hash", rec.UserOpHash, "err", err)
			continue
		}
		hashes = append(hashes, hash)
		ops = append(ops, rec.Op)
	}
	if len(ops) == 0 {
		return
	}

	bundleHash := deriveBundleHash(hashes)

	fees, err := e.chain.CurrentFees(ctx)
	if err != nil {
		log.Error("Bundle tick: could not fetch current fees", "err", err)
		return
	}
	fees.MaxFeePerGas = scaleFee(fees.MaxFeePerGas, e.cfg.MaxFeePerGasMultiplier)
	estimate, err := e.chain.EstimateBundleGas(ctx, ops, e.cfg.Beneficiary)
	if err != nil {
		log.Error("Bundle tick: gas estimation failed", "err", err)
		return
	}
	gasLimit := applyGasBuffer(estimate)

	txHash, err := e.chain.SubmitBundle(ctx, ops, e.cfg.Beneficiary, gasLimit, fees)
	if err != nil {
		log.Error("Bundle tick: submission failed", "err", err)
		return
	}

	now := time.Now()
	rec := &bundle.Record{
		BundleHash:  bundleHash,
		TxHash:      txHash,
		Members:     hashes,
		UserOpCount: len(hashes),
		Status:      bundle.StatusSubmitted,
		CreatedAt:   now,
		SubmittedAt: now,
	}
	if err := e.store.SaveBundle(rec); err != nil {
		log.Error("Bundle tick: failed to persist bundle record", "bundleHash", bundleHash, "err", err)
		return
	}
	for _, h := range hashes {
		if err := e.mempool.MarkSubmitted(h, txHash); err != nil {
			log.Error("Bundle tick: failed to mark op submitted", "hash", h, "err", err)
		}
	}
	log.Info("Submitted bundle", "bundleHash", bundleHash, "txHash", txHash, "ops", len(hashes))

	e.reconcile(ctx, bundleHash, txHash, hashes)
}

// selectBundle snapshots the mempool and returns up to MaxBundleSize ops,
// sorted descending by maxFeePerGas with ties broken by mempool insertion
// order. Ops already marked submitted stay in the mempool until their bundle
// reconciles but must not be picked up again. The comparison runs on
// github.com/holiman/uint256 rather than math/big: maxFeePerGas always fits
// in 256 bits and this is the fixed-width integer type the EVM stack
// (core/vm) uses for exactly this kind of fee/gas comparison.
func (e *Executor) selectBundle() []*userop.Record {
	snapshot := e.mempool.GetAll()
	all := snapshot[:0]
	for _, rec := range snapshot {
		if rec.Status == userop.StatusPending {
			all = append(all, rec)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		fi := feeAsUint256(all[i].Op.MaxFeePerGas)
		fj := feeAsUint256(all[j].Op.MaxFeePerGas)
		return fi.Gt(fj)
	})
	n := e.cfg.MaxBundleSize
	if n <= 0 || n > len(all) {
		n = len(all)
	}
	return all[:n]
}

func feeAsUint256(fee *hexutil.Big) *uint256.Int {
	if fee == nil {
		return uint256.NewInt(0)
	}
	v, _ := uint256.FromBig((*big.Int)(fee))
	return v
}

func applyGasBuffer(estimate uint64) uint64 {
	return estimate * 12 / 10
}

// scaleFee multiplies fee by multiplier in integer math, operating on the
// multiplier's hundredths so 1.5 means exactly 150/100.
func scaleFee(fee *big.Int, multiplier float64) *big.Int {
	if fee == nil || multiplier <= 0 {
		return fee
	}
	hundredths := big.NewInt(int64(multiplier * 100))
	return new(big.Int).Div(new(big.Int).Mul(fee, hundredths), big.NewInt(100))
}

func deriveBundleHash(hashes []common.Hash) common.Hash {
	buf := make([]byte, 0, len(hashes)*common.HashLength)
	for _, h := range hashes {
		buf = append(buf, h.Bytes()...)
	}
	return crypto.Keccak256Hash(buf)
}

// reconcile waits for the bundle's receipt and updates bundle/mempool state
// accordingly. A timeout leaves the bundle "submitted"; it is retried on
// subsequent ticks via CheckOrphaned until ReconciliationGraceTicks is
// exceeded, at which point it is marked failed with "receipt-timeout".
func (e *Executor) reconcile(ctx context.Context, bundleHash, txHash common.Hash, members []common.Hash) {
	receipt, err := e.chain.WaitForReceipt(ctx, txHash, e.cfg.ReceiptTimeout)
	if err != nil {
		log.Error("Bundle reconciliation: waitForReceipt error", "bundleHash", bundleHash, "err", err)
		return
	}
	if receipt == nil {
		e.orphaned[bundleHash]++
		log.Warn("Bundle reconciliation timed out", "bundleHash", bundleHash, "attempt", e.orphaned[bundleHash])
		return
	}
	delete(e.orphaned, bundleHash)
	e.applyReceipt(bundleHash, receipt, members)
}

// CheckOrphaned re-polls every bundle whose receipt previously timed out,
// advancing or expiring the grace-period counter. Called at the start of
// every tick (kept as its own method so it is easy to unit test in
// isolation).
func (e *Executor) CheckOrphaned(ctx context.Context) {
	for bundleHash, attempts := range e.orphaned {
		rec, err := e.store.GetBundle(bundleHash)
		if err != nil || rec == nil || rec.Status != bundle.StatusSubmitted {
			delete(e.orphaned, bundleHash)
			continue
		}
		if attempts >= e.cfg.ReconciliationGraceTicks {
			e.expireOrphaned(bundleHash, rec)
			continue
		}
		receipt, err := e.chain.WaitForReceipt(ctx, rec.TxHash, e.cfg.ReceiptTimeout)
		if err != nil {
			log.Error("Orphaned bundle re-check failed", "bundleHash", bundleHash, "err", err)
			continue
		}
		if receipt == nil {
			e.orphaned[bundleHash]++
			continue
		}
		delete(e.orphaned, bundleHash)
		e.applyReceipt(bundleHash, receipt, rec.Members)
	}
}

func (e *Executor) expireOrphaned(bundleHash common.Hash, rec *bundle.Record) {
	log.Warn("Bundle receipt never arrived within grace period; marking failed", "bundleHash", bundleHash, "ticks", e.cfg.ReconciliationGraceTicks)
	delete(e.orphaned, bundleHash)
	if err := e.store.UpdateBundleStatus(bundleHash, bundle.StatusFailed, nil); err != nil {
		log.Error("Failed to mark orphaned bundle failed", "bundleHash", bundleHash, "err", err)
	}
	for _, h := range rec.Members {
		if err := e.mempool.MarkFailed(h, "receipt-timeout"); err != nil {
			log.Error("Failed to mark orphaned op failed", "hash", h, "err", err)
		}
	}
}

func (e *Executor) applyReceipt(bundleHash common.Hash, receipt *chain.Receipt, members []common.Hash) {
	if receipt.Status == 1 {
		if err := e.store.UpdateBundleStatus(bundleHash, bundle.StatusConfirmed, func(r *bundle.Record) {
			r.BlockNumber = receipt.BlockNumber
			r.TotalGasUsed = receipt.GasUsed
			r.ConfirmedAt = time.Now()
			if receipt.EffectiveGasPrice != nil {
				r.TotalGasCost = (*hexutil.Big)(new(big.Int).Mul(big.NewInt(int64(receipt.GasUsed)), receipt.EffectiveGasPrice))
			}
		}); err != nil {
			log.Error("Failed to mark bundle confirmed", "bundleHash", bundleHash, "err", err)
		}
		var gasCost *hexutil.Big
		if receipt.EffectiveGasPrice != nil {
			gasCost = (*hexutil.Big)(new(big.Int).Mul(big.NewInt(int64(receipt.GasUsed)), receipt.EffectiveGasPrice))
		}
		for _, h := range members {
			if err := e.mempool.MarkConfirmed(h, receipt.GasUsed, gasCost); err != nil {
				log.Error("Failed to mark op confirmed", "hash", h, "err", err)
			}
		}
		log.Info("Bundle confirmed", "bundleHash", bundleHash, "block", receipt.BlockNumber, "gasUsed", receipt.GasUsed)
		return
	}

	if err := e.store.UpdateBundleStatus(bundleHash, bundle.StatusFailed, func(r *bundle.Record) {
		r.BlockNumber = receipt.BlockNumber
	}); err != nil {
		log.Error("Failed to mark bundle failed", "bundleHash", bundleHash, "err", err)
	}
	for _, h := range members {
		if err := e.mempool.MarkFailed(h, "transaction-reverted"); err != nil {
			log.Error("Failed to mark op failed", "hash", h, "err", err)
		}
	}
	log.Warn("Bundle reverted on-chain", "bundleHash", bundleHash, "block", receipt.BlockNumber)
}
