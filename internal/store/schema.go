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
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ethbundler/erc4337-bundler/internal/userop"
)

// Key layout. A single pebble database stands in for a two-table schema
// (user_operations, bundles) plus its join table, the same way geth's
// core/rawdb package layers multiple logical tables over one leveldb/pebble
// instance via key prefixes instead of real tables.
//
//	uo/<hash>                                primary user_operations row
//	idx/status/<status>/<hash>                status index
//	idx/sender/<sender>/<nonce-hex>/<hash>     sender index
//	bundle/<hash>                             primary bundles row
//	idx/bundle-member/<bundle>/<position>      ordered bundle_user_operations join row -> member hash
const (
	prefixUserOp       = "uo/"
	prefixStatusIndex  = "idx/status/"
	prefixSenderIndex  = "idx/sender/"
	prefixBundle       = "bundle/"
	prefixBundleMember = "idx/bundle-member/"
)

func userOpKey(hash common.Hash) []byte {
	return []byte(prefixUserOp + hash.Hex())
}

func statusIndexKey(status userop.Status, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixStatusIndex, status, hash.Hex()))
}

func statusIndexPrefix(status userop.Status) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixStatusIndex, status))
}

func senderIndexKey(sender string, nonceHex string, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%s", prefixSenderIndex, strings.ToLower(sender), nonceHex, hash.Hex()))
}

func senderIndexPrefix(sender string) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixSenderIndex, strings.ToLower(sender)))
}

func bundleKey(hash common.Hash) []byte {
	return []byte(prefixBundle + hash.Hex())
}

func bundleMemberKey(bundle common.Hash, position int) []byte {
	return []byte(fmt.Sprintf("%s%s/%08d", prefixBundleMember, bundle.Hex(), position))
}

func bundleMemberPrefix(bundle common.Hash) []byte {
	return []byte(fmt.Sprintf("%s%s/", prefixBundleMember, bundle.Hex()))
}

// prefixUpperBound returns the exclusive upper bound for an iterator scanning
// all keys with the given prefix, the same trick geth's rawdb iterator
// helpers use to bound a prefix scan on an ordered key-value store.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff bytes; unbounded
}
