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

package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"

	"github.com/ethbundler/erc4337-bundler/internal/bundler"
	"github.com/ethbundler/erc4337-bundler/internal/mempool"
	"github.com/ethbundler/erc4337-bundler/internal/userop"
)

// clientVersion is returned by web3_clientVersion.
const clientVersion = "erc4337-bundler/v0.1.0"

// dispatch runs one decoded request against b. It is the single translator
// from structured component errors to JSON-RPC codes. correlationID is
// attached to every log line this call emits.
func dispatch(ctx context.Context, b *bundler.Bundler, req Request, correlationID string) Response {
	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, codeInvalidRequest, "invalid request: jsonrpc must be \"2.0\"", nil)
	}
	if req.Method == "" {
		return errorResponse(req.ID, codeInvalidRequest, "invalid request: method is required", nil)
	}

	log.Info("RPC request", "correlationId", correlationID, "method", req.Method)

	result, err := call(ctx, b, req.Method, req.Params)
	if err != nil {
		code, msg, data := translateError(err)
		log.Error("RPC request failed", "correlationId", correlationID, "method", req.Method, "err", err)
		return errorResponse(req.ID, code, msg, data)
	}
	return resultResponse(req.ID, result)
}

// call maps a method name onto its handler, returning a component-level
// error for translateError to classify.
func call(ctx context.Context, b *bundler.Bundler, method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case "eth_sendUserOperation":
		return handleSendUserOperation(ctx, b, params)
	case "eth_estimateUserOperationGas":
		return handleEstimateUserOperationGas(b, params)
	case "eth_getUserOperationReceipt":
		return handleGetUserOperationReceipt(b, params)
	case "eth_getUserOperationByHash":
		return handleGetUserOperationByHash(b, params)
	case "eth_supportedEntryPoints":
		return []common.Address{b.EntryPoint()}, nil
	case "eth_chainId":
		return hexutil.EncodeBig(b.ChainID()), nil
	case "net_version":
		return b.ChainID().String(), nil
	case "web3_clientVersion":
		return clientVersion, nil
	default:
		return nil, &methodNotFoundError{method: method}
	}
}

type methodNotFoundError struct{ method string }

func (e *methodNotFoundError) Error() string { return fmt.Sprintf("method not found: %s", e.method) }

// invalidParamsError marks a param-decoding failure as -32602 rather than
// the generic -32603 other errors fall back to.
type invalidParamsError struct{ msg string }

func (e *invalidParamsError) Error() string { return e.msg }

func decodeUOAndEntryPoint(params json.RawMessage) (userop.UserOperation, common.Address, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil {
		return userop.UserOperation{}, common.Address{}, &invalidParamsError{msg: "params must be an array"}
	}
	if len(raw) < 2 {
		return userop.UserOperation{}, common.Address{}, &invalidParamsError{msg: "expected [userOperation, entryPoint]"}
	}
	var op userop.UserOperation
	if err := json.Unmarshal(raw[0], &op); err != nil {
		return userop.UserOperation{}, common.Address{}, &invalidParamsError{msg: "invalid userOperation: " + err.Error()}
	}
	var epHex string
	if err := json.Unmarshal(raw[1], &epHex); err != nil || !common.IsHexAddress(epHex) {
		return userop.UserOperation{}, common.Address{}, &invalidParamsError{msg: "invalid entryPoint address"}
	}
	return op, common.HexToAddress(epHex), nil
}

func handleSendUserOperation(ctx context.Context, b *bundler.Bundler, params json.RawMessage) (interface{}, error) {
	op, ep, err := decodeUOAndEntryPoint(params)
	if err != nil {
		return nil, err
	}
	if err := b.CheckEntryPoint(ep); err != nil {
		return nil, err
	}
	hash, err := b.SendUserOperation(ctx, op)
	if err != nil {
		return nil, err
	}
	return hash, nil
}

func handleEstimateUserOperationGas(b *bundler.Bundler, params json.RawMessage) (interface{}, error) {
	op, ep, err := decodeUOAndEntryPoint(params)
	if err != nil {
		return nil, err
	}
	if err := b.CheckEntryPoint(ep); err != nil {
		return nil, err
	}
	est := b.EstimateUserOperationGas(op)
	return map[string]interface{}{
		"preVerificationGas":   est.PreVerificationGas,
		"verificationGasLimit": est.VerificationGasLimit,
		"callGasLimit":         est.CallGasLimit,
	}, nil
}

func decodeSingleHash(params json.RawMessage) (common.Hash, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(params, &raw); err != nil || len(raw) < 1 {
		return common.Hash{}, &invalidParamsError{msg: "expected [userOpHash]"}
	}
	var hashHex string
	if err := json.Unmarshal(raw[0], &hashHex); err != nil || !isHex32(hashHex) {
		return common.Hash{}, &invalidParamsError{msg: "invalid userOpHash"}
	}
	return common.HexToHash(hashHex), nil
}

func isHex32(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return false
	}
	_, err := hexutil.Decode("0x" + s)
	return err == nil
}

func handleGetUserOperationReceipt(b *bundler.Bundler, params json.RawMessage) (interface{}, error) {
	hash, err := decodeSingleHash(params)
	if err != nil {
		return nil, err
	}
	rec, err := b.GetUserOperationReceipt(hash)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return formatReceipt(b.EntryPoint(), rec), nil
}

func handleGetUserOperationByHash(b *bundler.Bundler, params json.RawMessage) (interface{}, error) {
	hash, err := decodeSingleHash(params)
	if err != nil {
		return nil, err
	}
	rec, err := b.GetUserOperationByHash(hash)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return formatRecord(b.EntryPoint(), rec), nil
}

// formatReceipt builds the eth_getUserOperationReceipt result, defaulting
// unknown block fields to "0x0" and status to "0x1"/"0x0" per
// confirmed/failed.
func formatReceipt(entryPoint common.Address, rec *userop.Record) map[string]interface{} {
	success := rec.Status == userop.StatusConfirmed
	status := "0x0"
	if success {
		status = "0x1"
	}
	var reason interface{}
	if !success && rec.ErrorMessage != "" {
		reason = rec.ErrorMessage
	}
	var paymaster interface{}
	if p := rec.Op.Paymaster(); p != (common.Address{}) {
		paymaster = p
	}
	var gasCost interface{} = "0x0"
	if rec.GasCost != nil {
		gasCost = rec.GasCost
	}
	return map[string]interface{}{
		"userOpHash":     rec.UserOpHash,
		"entryPoint":     entryPoint,
		"sender":         rec.Op.Sender,
		"nonce":          rec.Op.Nonce,
		"paymaster":      paymaster,
		"actualGasCost":  gasCost,
		"actualGasUsed":  hexutil.Uint64(rec.GasUsed),
		"success":        success,
		"reason":         reason,
		"logs":           []interface{}{},
		"receipt": map[string]interface{}{
			"transactionHash":   rec.TxHash,
			"blockNumber":       hexutil.Uint64(rec.BlockNumber),
			"from":              rec.Op.Sender,
			"to":                entryPoint,
			"cumulativeGasUsed": "0x0",
			"gasUsed":           hexutil.Uint64(rec.GasUsed),
			"logs":              []interface{}{},
			"logsBloom":         "0x0",
			"status":            status,
			"effectiveGasPrice": "0x0",
		},
	}
}

// formatRecord builds the eth_getUserOperationByHash result: the raw
// operation plus enough context (entryPoint, block, transaction) to locate
// it, mirroring the shape bundler RPC clients expect from this method.
func formatRecord(entryPoint common.Address, rec *userop.Record) map[string]interface{} {
	var blockNumber interface{}
	var txHash interface{}
	if rec.Status == userop.StatusConfirmed || rec.Status == userop.StatusFailed {
		blockNumber = hexutil.Uint64(rec.BlockNumber)
		txHash = rec.TxHash
	}
	return map[string]interface{}{
		"userOperation":   rec.Op,
		"entryPoint":      entryPoint,
		"blockNumber":     blockNumber,
		"transactionHash": txHash,
	}
}

// translateError maps a component-level error to a JSON-RPC code/message/
// data triple.
func translateError(err error) (int, string, interface{}) {
	var mnf *methodNotFoundError
	if errors.As(err, &mnf) {
		return codeMethodNotFound, err.Error(), nil
	}
	var ip *invalidParamsError
	if errors.As(err, &ip) {
		return codeInvalidParams, err.Error(), nil
	}
	if errors.Is(err, bundler.ErrUnsupportedEntryPoint) {
		return codeBundlerReserved, "Unsupported EntryPoint", nil
	}
	if errors.Is(err, mempool.ErrDuplicateInMempool) || errors.Is(err, mempool.ErrNonceReused) {
		return codeBundlerReserved, err.Error(), map[string]interface{}{"reason": err.Error()}
	}

	// Component errors carry their own JSON-RPC code: the validator's
	// format/policy/simulation errors, and the chain service's
	// transient/revert errors. Bundler-reserved rejections additionally
	// expose a stable data.reason string.
	type codedError interface{ ErrorCode() int }
	if ce, ok := err.(codedError); ok {
		if ce.ErrorCode() == codeBundlerReserved {
			return codeBundlerReserved, err.Error(), map[string]interface{}{"reason": err.Error()}
		}
		return ce.ErrorCode(), err.Error(), nil
	}

	return codeInternal, err.Error(), nil
}
