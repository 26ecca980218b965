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

// Package chain wraps the blockchain JSON-RPC client the bundler depends on
// for everything it cannot decide off-chain: UserOperation hashing, nonce
// lookups, validation simulation, fee suggestion, and bundle submission.
//
// It is built the way node/node_rollup.go and ethclient/ethclient_rollup.go
// wrap go-ethereum's own ethclient/rpc pair: a single dialed *rpc.Client
// underlies an *ethclient.Client, and every call, including the
// contract-specific eth_calls, goes through the ethclient.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/ethbundler/erc4337-bundler/internal/userop"
)

// Fees is the EIP-1559 fee suggestion returned by CurrentFees.
type Fees struct {
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	BaseFee              *big.Int // nil if the chain predates EIP-1559
}

// SimulationResult is the outcome of a simulateValidation static call.
type SimulationResult struct {
	OK     bool
	Reason string // populated when !OK
}

// Receipt is the subset of a transaction receipt the executor reconciles
// bundles against.
type Receipt struct {
	Status            uint64
	GasUsed           uint64
	BlockNumber       uint64
	EffectiveGasPrice *big.Int
}

// Service is the narrow interface the mempool/validator/executor depend on,
// so tests can substitute a fake chain without dialing a real node.
type Service interface {
	ComputeUserOpHash(ctx context.Context, op userop.UserOperation) (common.Hash, error)
	GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error)
	SimulateValidation(ctx context.Context, op userop.UserOperation) (*SimulationResult, error)
	CurrentFees(ctx context.Context) (*Fees, error)
	EstimateBundleGas(ctx context.Context, ops []userop.UserOperation, beneficiary common.Address) (uint64, error)
	SubmitBundle(ctx context.Context, ops []userop.UserOperation, beneficiary common.Address, gasLimit uint64, fees *Fees) (common.Hash, error)
	WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Client is the production Service backed by a real chain RPC endpoint.
type Client struct {
	eth *ethclient.Client
	rpc *rpc.Client

	entryPoint  common.Address
	beneficiary common.Address
	chainID     *big.Int
	signer      types.Signer
	privateKey  *ecdsa.PrivateKey
}

// Dial connects to rpcURL and prepares a Client bound to the given
// EntryPoint. privateKeyHex signs the bundle-submission transactions; it is
// the bundler's own hot-wallet key, never a UserOperation signer.
func Dial(ctx context.Context, rpcURL string, entryPoint common.Address, privateKeyHex string, beneficiary common.Address) (*Client, error) {
	rc, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, &ErrChainUnavailable{Op: "dial", Err: err}
	}
	ec := ethclient.NewClient(rc)

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid bundler private key: %w", err)
	}

	chainID, err := ec.ChainID(ctx)
	if err != nil {
		return nil, &ErrChainUnavailable{Op: "eth_chainId", Err: err}
	}

	if (beneficiary == common.Address{}) {
		beneficiary = crypto.PubkeyToAddress(key.PublicKey)
	}

	log.Info("Connected to chain endpoint", "url", rpcURL, "chainId", chainID, "entryPoint", entryPoint)

	return &Client{
		eth:         ec,
		rpc:         rc,
		entryPoint:  entryPoint,
		beneficiary: beneficiary,
		chainID:     chainID,
		signer:      types.LatestSignerForChainID(chainID),
		privateKey:  key,
	}, nil
}

// Beneficiary returns the address credited with gas refunds from bundle
// execution: the configured one, or the signer's own address if none was
// configured.
func (c *Client) Beneficiary() common.Address {
	return c.beneficiary
}

// ChainID returns the chain id the underlying node reports, used at startup
// to fail fast on configuration mismatch.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, &ErrChainUnavailable{Op: "eth_chainId", Err: err}
	}
	return id, nil
}

// ComputeUserOpHash asks the EntryPoint for the canonical hash of op via
// getUserOpHash, rather than recomputing the packing/keccak locally, so the
// bundler never diverges from whatever EntryPoint version is actually
// deployed at c.entryPoint.
func (c *Client) ComputeUserOpHash(ctx context.Context, op userop.UserOperation) (common.Hash, error) {
	data, err := entryPointABI.Pack("getUserOpHash", toABITuple(op))
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: pack getUserOpHash: %w", err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.entryPoint, Data: data}, nil)
	if err != nil {
		return common.Hash{}, &ErrChainUnavailable{Op: "getUserOpHash", Err: err}
	}
	var hash [32]byte
	if err := entryPointABI.UnpackIntoInterface(&hash, "getUserOpHash", out); err != nil {
		return common.Hash{}, fmt.Errorf("chain: unpack getUserOpHash: %w", err)
	}
	return hash, nil
}

// GetNonce returns the EntryPoint's current next-nonce for (sender, key).
func (c *Client) GetNonce(ctx context.Context, sender common.Address, key *big.Int) (*big.Int, error) {
	if key == nil {
		key = common.Big0
	}
	data, err := entryPointABI.Pack("getNonce", sender, key)
	if err != nil {
		return nil, fmt.Errorf("chain: pack getNonce: %w", err)
	}
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.entryPoint, Data: data}, nil)
	if err != nil {
		return nil, &ErrChainUnavailable{Op: "getNonce", Err: err}
	}
	var nonce *big.Int
	if err := entryPointABI.UnpackIntoInterface(&nonce, "getNonce", out); err != nil {
		return nil, fmt.Errorf("chain: unpack getNonce: %w", err)
	}
	return nonce, nil
}

// SimulateValidation issues simulateValidation as a static call. The
// EntryPoint always reverts: a ValidationResult-selector revert means the op
// validates; any other revert (typically FailedOp) means it doesn't. The
// revert is translated here, once, into a plain struct rather than letting
// it propagate as an error through the stack.
func (c *Client) SimulateValidation(ctx context.Context, op userop.UserOperation) (*SimulationResult, error) {
	data, err := entryPointABI.Pack("simulateValidation", toABITuple(op))
	if err != nil {
		return nil, fmt.Errorf("chain: pack simulateValidation: %w", err)
	}
	_, callErr := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.entryPoint, Data: data}, nil)
	if callErr == nil {
		// The EntryPoint never returns successfully from this call; no
		// revert at all means something upstream (e.g. a mocking RPC) isn't
		// behaving like a real EntryPoint.
		return nil, fmt.Errorf("chain: simulateValidation did not revert as expected by EntryPoint")
	}

	revertData, ok := decodeRevertData(callErr)
	if !ok {
		return nil, &ErrChainUnavailable{Op: "simulateValidation", Err: callErr}
	}

	if len(revertData) >= 4 {
		switch selectorName(revertData[:4]) {
		case "ValidationResult":
			return &SimulationResult{OK: true}, nil
		case "FailedOp":
			reason, err := unpackFailedOpReason(revertData)
			if err != nil {
				reason = callErr.Error()
			}
			return &SimulationResult{OK: false, Reason: reason}, nil
		}
	}
	return &SimulationResult{OK: false, Reason: callErr.Error()}, nil
}

// CurrentFees suggests maxFeePerGas/maxPriorityFeePerGas the way geth's own
// gas price oracle does: tip from the node's suggestion, cap from
// 2*baseFee+tip, so a two-block base fee jump still clears.
func (c *Client) CurrentFees(ctx context.Context) (*Fees, error) {
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, &ErrChainUnavailable{Op: "eth_maxPriorityFeePerGas", Err: err}
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, &ErrChainUnavailable{Op: "eth_getBlockByNumber", Err: err}
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		return &Fees{MaxFeePerGas: tip, MaxPriorityFeePerGas: tip}, nil
	}
	maxFee := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
	return &Fees{MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip, BaseFee: baseFee}, nil
}

// EstimateBundleGas estimates the gas handleOps(ops, beneficiary) will
// consume, for the executor to apply its 1.2x safety buffer to.
func (c *Client) EstimateBundleGas(ctx context.Context, ops []userop.UserOperation, beneficiary common.Address) (uint64, error) {
	data, err := c.packHandleOps(ops, beneficiary)
	if err != nil {
		return 0, err
	}
	from := crypto.PubkeyToAddress(c.privateKey.PublicKey)
	gas, err := c.eth.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &c.entryPoint, Data: data})
	if err != nil {
		if _, ok := decodeRevertData(err); ok {
			return 0, &RevertError{Reason: err.Error()}
		}
		return 0, &ErrChainUnavailable{Op: "estimateGas(handleOps)", Err: err}
	}
	return gas, nil
}

// SubmitBundle signs and sends handleOps(ops, beneficiary) as a single
// dynamic-fee transaction.
func (c *Client) SubmitBundle(ctx context.Context, ops []userop.UserOperation, beneficiary common.Address, gasLimit uint64, fees *Fees) (common.Hash, error) {
	data, err := c.packHandleOps(ops, beneficiary)
	if err != nil {
		return common.Hash{}, err
	}

	from := crypto.PubkeyToAddress(c.privateKey.PublicKey)
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, &ErrChainUnavailable{Op: "eth_getTransactionCount", Err: err}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: fees.MaxPriorityFeePerGas,
		GasFeeCap: fees.MaxFeePerGas,
		Gas:       gasLimit,
		To:        &c.entryPoint,
		Data:      data,
	})

	signed, err := types.SignTx(tx, c.signer, c.privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign bundle tx: %w", err)
	}

	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, &ErrChainUnavailable{Op: "eth_sendRawTransaction", Err: err}
	}
	return signed.Hash(), nil
}

func (c *Client) packHandleOps(ops []userop.UserOperation, beneficiary common.Address) ([]byte, error) {
	tuples := make([]abiUserOp, len(ops))
	for i, op := range ops {
		tuples[i] = toABITuple(op)
	}
	data, err := entryPointABI.Pack("handleOps", tuples, beneficiary)
	if err != nil {
		return nil, fmt.Errorf("chain: pack handleOps: %w", err)
	}
	return data, nil
}

// WaitForReceipt polls for txHash's receipt until it appears or timeout
// elapses, returning (nil, nil) on timeout. It never returns an error on a
// mere "not yet mined" response.
func (c *Client) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*Receipt, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil {
			return &Receipt{
				Status:            receipt.Status,
				GasUsed:           receipt.GasUsed,
				BlockNumber:       receipt.BlockNumber.Uint64(),
				EffectiveGasPrice: receipt.EffectiveGasPrice,
			}, nil
		}
		if err != ethereum.NotFound {
			return nil, &ErrChainUnavailable{Op: "eth_getTransactionReceipt", Err: err}
		}

		select {
		case <-ctx.Done():
			return nil, &ErrChainUnavailable{Op: "eth_getTransactionReceipt", Err: ctx.Err()}
		case <-deadline.C:
			log.Warn("Timed out waiting for bundle receipt", "txHash", txHash, "timeout", timeout)
			return nil, nil
		case <-ticker.C:
		}
	}
}
