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

// Package rpcserver is the JSON-RPC 2.0 dispatcher and small operator HTTP
// surface: POST / for the bundler RPC method table, plus GET /health,
// /mempool, /userOp/:hash for operators.
//
// It is hand-rolled on net/http rather than built atop
// github.com/ethereum/go-ethereum/rpc's generic reflection-based server:
// the ERC-4337 bundler RPC pins down batch-edge-case and error-code
// semantics (an empty batch is itself a -32600 error; every response
// carries the same id as its request, or null) that a generic JSON-RPC
// codec doesn't special-case.
package rpcserver

import "encoding/json"

// Request is a single JSON-RPC 2.0 call, decoded standalone or as one
// element of a batch array.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// Response is a single JSON-RPC 2.0 reply. Result and Error are mutually
// exclusive; a response never includes both.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes, plus the ERC-4337 bundler-reserved
// -32500 band.
const (
	codeInvalidRequest  = -32600
	codeMethodNotFound  = -32601
	codeInvalidParams   = -32602
	codeInternal        = -32603
	codeBundlerReserved = -32500
)

func errorResponse(id json.RawMessage, code int, message string, data interface{}) Response {
	return Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message, Data: data},
		ID:      nullIfEmpty(id),
	}
}

func resultResponse(id json.RawMessage, result interface{}) Response {
	return Response{JSONRPC: "2.0", Result: result, ID: nullIfEmpty(id)}
}

func nullIfEmpty(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
