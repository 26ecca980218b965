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
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHandleRPCBatchPreservesOrderAndIDs(t *testing.T) {
	b := newTestBundler(t)
	srv := New(b, ":0")

	body := `[
		{"jsonrpc":"2.0","method":"eth_chainId","id":1},
		{"jsonrpc":"2.0","method":"net_version","id":2},
		{"jsonrpc":"2.0","method":"eth_bogusMethod","id":3}
	]`
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	var responses []Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &responses))
	require.Len(t, responses, 3)
	require.Equal(t, json.RawMessage("1"), responses[0].ID)
	require.Equal(t, json.RawMessage("2"), responses[1].ID)
	require.Equal(t, json.RawMessage("3"), responses[2].ID)
	require.Nil(t, responses[0].Error)
	require.Nil(t, responses[1].Error)
	require.NotNil(t, responses[2].Error)
	require.Equal(t, codeMethodNotFound, responses[2].Error.Code)
}

func TestHandleRPCEmptyBatchIsInvalidRequest(t *testing.T) {
	b := newTestBundler(t)
	srv := New(b, ":0")

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`[]`))
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, codeInvalidRequest, resp.Error.Code)
}

func TestHandleHealth(t *testing.T) {
	b := newTestBundler(t)
	srv := New(b, ":0")

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.http.Handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}
