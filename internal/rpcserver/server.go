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
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/ethbundler/erc4337-bundler/internal/bundler"
)

// maxBodyBytes caps the request body at 10 MiB.
const maxBodyBytes = 10 << 20

// Server is the bundler's HTTP surface: the JSON-RPC 2.0 dispatcher at
// POST / plus the operator-only GET endpoints.
type Server struct {
	bundler *bundler.Bundler
	http    *http.Server
}

// New wires a Server listening on addr, permissive CORS enabled the way a
// public bundler RPC endpoint needs (clients call it directly from browser
// wallets), using github.com/rs/cors — present in geth's own RPC HTTP
// server dependency chain.
func New(b *bundler.Bundler, addr string) *Server {
	mux := http.NewServeMux()
	s := &Server{bundler: b}

	mux.HandleFunc("/", s.handleRPC)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/mempool", s.handleMempool)
	mux.HandleFunc("/userOp/", s.handleUserOp)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(mux)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until the server is shut down.
func (s *Server) ListenAndServe() error {
	log.Info("RPC server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server, honoring ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// handleRPC is POST /: JSON-RPC 2.0 single object or batch array. An empty
// batch array is itself a -32600 error; every response's id mirrors its
// request's id (or null for a malformed request); the response array's
// length always matches the request array's length.
//
// HTTP handlers never propagate client disconnect into chain calls: each
// dispatch() call runs to completion against context.Background() rather
// than the request context, so a closed connection can't abort a submission
// already committed to the mempool/store.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	correlationID := uuid.NewString()
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, errorResponse(nil, codeInvalidRequest, "invalid JSON: "+err.Error(), nil))
		return
	}

	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		s.handleBatch(w, raw, correlationID)
		return
	}
	s.handleSingle(w, raw, correlationID)
}

func (s *Server) handleSingle(w http.ResponseWriter, raw json.RawMessage, correlationID string) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		writeJSON(w, errorResponse(nil, codeInvalidRequest, "invalid request envelope: "+err.Error(), nil))
		return
	}
	writeJSON(w, dispatch(context.Background(), s.bundler, req, correlationID))
}

func (s *Server) handleBatch(w http.ResponseWriter, raw json.RawMessage, correlationID string) {
	var reqs []json.RawMessage
	if err := json.Unmarshal(raw, &reqs); err != nil {
		writeJSON(w, errorResponse(nil, codeInvalidRequest, "invalid batch: "+err.Error(), nil))
		return
	}
	if len(reqs) == 0 {
		writeJSON(w, errorResponse(nil, codeInvalidRequest, "empty batch", nil))
		return
	}

	responses := make([]Response, len(reqs))
	for i, rawReq := range reqs {
		var req Request
		if err := json.Unmarshal(rawReq, &req); err != nil {
			responses[i] = errorResponse(nil, codeInvalidRequest, "invalid request envelope: "+err.Error(), nil)
			continue
		}
		responses[i] = dispatch(context.Background(), s.bundler, req, correlationID)
	}
	writeJSON(w, responses)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth is the liveness endpoint operators poll.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"status":       "ok",
		"chainId":      s.bundler.ChainID().String(),
		"entryPoint":   s.bundler.EntryPoint(),
		"pendingCount": s.bundler.Mempool.GetPendingCount(),
	})
}

// handleMempool lists every currently pending UserOperation, for operators.
func (s *Server) handleMempool(w http.ResponseWriter, r *http.Request) {
	all := s.bundler.Mempool.GetAll()
	out := make([]map[string]interface{}, 0, len(all))
	for _, rec := range all {
		out = append(out, map[string]interface{}{
			"userOpHash": rec.UserOpHash,
			"sender":     rec.Op.Sender,
			"nonce":      rec.Op.Nonce,
			"status":     rec.Status,
			"createdAt":  rec.CreatedAt,
		})
	}
	writeJSON(w, out)
}

// handleUserOp is GET /userOp/:hash, for operators to inspect one record
// regardless of whether it's still pending or already terminal.
func (s *Server) handleUserOp(w http.ResponseWriter, r *http.Request) {
	hashHex := strings.TrimPrefix(r.URL.Path, "/userOp/")
	if !isHex32(hashHex) {
		http.Error(w, "invalid userOpHash", http.StatusBadRequest)
		return
	}
	rec, err := s.bundler.GetUserOperationByHash(common.HexToHash(hashHex))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, rec)
}
