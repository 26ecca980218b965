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

// Package bundle defines the Bundle record: an ordered batch of
// UserOperations submitted to the EntryPoint in a single transaction.
package bundle

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Status is the bundle's lifecycle state. submitted is reached immediately
// on creation; "pending" is never observed externally.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
)

var transitions = map[Status]map[Status]bool{
	StatusPending:   {StatusSubmitted: true},
	StatusSubmitted: {StatusConfirmed: true, StatusFailed: true},
}

// CanTransition reports whether moving from "from" to "to" is legal.
// Re-applying the same status is always a no-op.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return transitions[from][to]
}

// Record is a persisted Bundle: its derived hash, its submission
// transaction, its ordered UserOperation membership, and lifecycle state.
type Record struct {
	BundleHash common.Hash
	TxHash     common.Hash
	Members    []common.Hash // ordered member userOpHashes

	UserOpCount  int
	TotalGasUsed uint64
	TotalGasCost *hexutil.Big

	Status      Status
	BlockNumber uint64

	CreatedAt   time.Time
	SubmittedAt time.Time
	ConfirmedAt time.Time
}
