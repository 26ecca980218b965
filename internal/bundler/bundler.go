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

// Package bundler is the composition root: it wires chain, store, mempool,
// validator, and executor together into the operations the RPC dispatcher
// calls, the same role eth/backend_rollup.go's EthAPIBackend plays for
// geth's own JSON-RPC surface (a thin façade over the node's real
// components).
package bundler

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethbundler/erc4337-bundler/internal/chain"
	"github.com/ethbundler/erc4337-bundler/internal/config"
	"github.com/ethbundler/erc4337-bundler/internal/executor"
	"github.com/ethbundler/erc4337-bundler/internal/mempool"
	"github.com/ethbundler/erc4337-bundler/internal/store"
	"github.com/ethbundler/erc4337-bundler/internal/userop"
	"github.com/ethbundler/erc4337-bundler/internal/validator"
)

// ErrUnsupportedEntryPoint is returned when a client names an EntryPoint
// address this bundler isn't configured for.
var ErrUnsupportedEntryPoint = errors.New("Unsupported EntryPoint")

// Bundler owns every long-lived component and exposes the operations the
// RPC dispatcher maps JSON-RPC methods onto.
type Bundler struct {
	cfg       config.Config
	Chain     chain.Service
	Store     *store.Store
	Mempool   *mempool.Mempool
	Validator *validator.Validator
	Executor  *executor.Executor

	entryPoint common.Address
	chainID    *big.Int
}

// New dials the chain, opens the store, reloads the mempool, and verifies
// the configured chain id matches what the node reports. A mismatch is a
// fatal startup error, never a silent override.
func New(ctx context.Context, cfg config.Config) (*Bundler, error) {
	cl, err := chain.Dial(ctx, cfg.RPCURL, cfg.EntryPointAddress, cfg.BundlerPrivateKey, cfg.Beneficiary)
	if err != nil {
		return nil, err
	}

	reportedID, err := cl.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	if cfg.ChainID != 0 && reportedID.Cmp(big.NewInt(int64(cfg.ChainID))) != 0 {
		return nil, fmt.Errorf("bundler: configured chainId %d does not match chain-reported %s", cfg.ChainID, reportedID)
	}

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	mp := mempool.New(st)
	if err := mp.LoadPending(); err != nil {
		return nil, fmt.Errorf("bundler: reload mempool: %w", err)
	}

	v := validator.New(cl)

	execCfg := executor.DefaultConfig()
	if cfg.BundleIntervalMs > 0 {
		execCfg.BundleInterval = time.Duration(cfg.BundleIntervalMs) * time.Millisecond
	}
	if cfg.MaxBundleSize > 0 {
		execCfg.MaxBundleSize = cfg.MaxBundleSize
	}
	if cfg.ReconciliationGraceTicks > 0 {
		execCfg.ReconciliationGraceTicks = cfg.ReconciliationGraceTicks
	}
	if cfg.MaxFeePerGasMultiplier > 0 {
		execCfg.MaxFeePerGasMultiplier = cfg.MaxFeePerGasMultiplier
	}
	execCfg.Beneficiary = cl.Beneficiary()

	ex := executor.New(execCfg, cl, mp, st)

	log.Info("Bundler initialized", "entryPoint", cfg.EntryPointAddress, "chainId", reportedID)

	return &Bundler{
		cfg:        cfg,
		Chain:      cl,
		Store:      st,
		Mempool:    mp,
		Validator:  v,
		Executor:   ex,
		entryPoint: cfg.EntryPointAddress,
		chainID:    reportedID,
	}, nil
}

// Close releases the store handle. The executor's goroutine is stopped
// separately by the caller (cmd/bundler/main.go); the chain client is not
// closed here.
func (b *Bundler) Close() error {
	return b.Store.Close()
}

// NewWithComponents assembles a Bundler from already-constructed
// components, skipping chain.Dial. Used by the RPC dispatcher's tests to
// exercise the composition root against a fake chain.Service without a
// live endpoint.
func NewWithComponents(chainID *big.Int, entryPoint common.Address, cl chain.Service, st *store.Store, mp *mempool.Mempool, ex *executor.Executor) *Bundler {
	return &Bundler{
		Chain:      cl,
		Store:      st,
		Mempool:    mp,
		Validator:  validator.New(cl),
		Executor:   ex,
		entryPoint: entryPoint,
		chainID:    chainID,
	}
}

// ChainID returns the chain id this bundler is bound to.
func (b *Bundler) ChainID() *big.Int { return b.chainID }

// EntryPoint returns the single EntryPoint address this bundler supports.
func (b *Bundler) EntryPoint() common.Address { return b.entryPoint }

// CheckEntryPoint compares addr against the configured EntryPoint,
// case-insensitively.
func (b *Bundler) CheckEntryPoint(addr common.Address) error {
	if strings.ToLower(addr.Hex()) != strings.ToLower(b.entryPoint.Hex()) {
		return ErrUnsupportedEntryPoint
	}
	return nil
}

// SendUserOperation validates and, on success, admits op into the mempool,
// returning its userOpHash. Validation errors propagate as the validator's
// structured types so the dispatcher can translate them to the right
// JSON-RPC code.
func (b *Bundler) SendUserOperation(ctx context.Context, op userop.UserOperation) (common.Hash, error) {
	result := b.Validator.Validate(ctx, op)
	if !result.OK {
		return common.Hash{}, result.Err
	}

	rec := &userop.Record{
		Op:         op.Canonicalize(),
		UserOpHash: result.Hash,
		Status:     userop.StatusPending,
		CreatedAt:  time.Now(),
	}
	if err := b.Mempool.Add(rec); err != nil {
		return common.Hash{}, err
	}
	return result.Hash, nil
}

// EstimateUserOperationGas returns conservative gas defaults for op.
func (b *Bundler) EstimateUserOperationGas(op userop.UserOperation) validator.GasEstimate {
	return b.Validator.EstimateGas(op.Canonicalize())
}

// GetUserOperationByHash returns the stored record for hash, or nil.
func (b *Bundler) GetUserOperationByHash(hash common.Hash) (*userop.Record, error) {
	if rec := b.Mempool.Get(hash); rec != nil {
		return rec, nil
	}
	return b.Store.GetUserOpByHash(hash)
}

// GetUserOperationReceipt returns the stored record for hash if it has
// reached a terminal, receipt-bearing status (confirmed or failed).
func (b *Bundler) GetUserOperationReceipt(hash common.Hash) (*userop.Record, error) {
	rec, err := b.Store.GetUserOpByHash(hash)
	if err != nil {
		return nil, err
	}
	if rec == nil || (rec.Status != userop.StatusConfirmed && rec.Status != userop.StatusFailed) {
		return nil, nil
	}
	return rec, nil
}
