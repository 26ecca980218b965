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

package chain

import "fmt"

// ErrChainUnavailable wraps any network-level failure talking to the
// configured chain endpoint: dial failures, timeouts, connection resets.
// The dispatcher maps these to JSON-RPC code -32603.
type ErrChainUnavailable struct {
	Op  string
	Err error
}

func (e *ErrChainUnavailable) Error() string {
	return fmt.Sprintf("chain: %s unavailable: %v", e.Op, e.Err)
}

func (e *ErrChainUnavailable) Unwrap() error { return e.Err }

func (e *ErrChainUnavailable) ErrorCode() int { return -32603 }

// RevertError carries a decoded on-chain revert: the selector name geth's
// ABI decoder matched (if any) and a human-readable reason.
type RevertError struct {
	Selector string
	Reason   string
	Data     []byte
}

func (e *RevertError) Error() string {
	if e.Selector == "" {
		return fmt.Sprintf("chain: revert: %s", e.Reason)
	}
	return fmt.Sprintf("chain: revert %s: %s", e.Selector, e.Reason)
}

func (e *RevertError) ErrorCode() int { return -32500 }
