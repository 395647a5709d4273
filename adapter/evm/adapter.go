// Package evm is the chain adapter implementation for EVM family chains,
// built on the ethgo JSON-RPC client. It owns signing, gas estimation,
// submission and receipt polling; the dispatcher never sees any of it.
package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/sethvargo/go-retry"
	"github.com/umbracle/ethgo"
	"github.com/umbracle/ethgo/jsonrpc"
	ethgowallet "github.com/umbracle/ethgo/wallet"

	"github.com/portalgrid/relayer/dispatcher"
	"github.com/portalgrid/relayer/helper/common"
	"github.com/portalgrid/relayer/helper/hex"
	"github.com/portalgrid/relayer/types"
)

const (
	// gas price escalation per replacement, in percent
	replacementGasBump = 15

	defaultMaxBatchSize = 16
)

type Config struct {
	JSONRPCAddr string `yaml:"json_rpc_addr"`

	// KeyHex is the signer's private key, hex encoded
	KeyHex string `yaml:"key"`

	BlockTime     common.Duration `yaml:"block_time"`
	FinalityDepth uint64          `yaml:"finality_depth"`
	MaxBatchSize  int             `yaml:"max_batch_size"`
}

// precursor is the chain-specific transaction representation persisted on the
// dispatcher transaction. The nonce is applied at submission time.
type precursor struct {
	To       types.Address `json:"to"`
	Input    []byte        `json:"input"`
	Gas      uint64        `json:"gas"`
	GasPrice uint64        `json:"gasPrice"`
}

// successCriteria is the adapter's interpretation of a payload's opaque
// success criteria: an eth_call returning a nonzero word means delivered
type successCriteria struct {
	To   types.Address `json:"to"`
	Data []byte        `json:"data"`
}

type Adapter struct {
	logger  hclog.Logger
	config  *Config
	client  *jsonrpc.Client
	key     *ethgowallet.Key
	signer  *ethgowallet.EIP1155Signer
	address types.Address
}

var _ dispatcher.ChainAdapter = (*Adapter)(nil)

func NewAdapter(ctx context.Context, logger hclog.Logger, config *Config) (*Adapter, error) {
	client, err := jsonrpc.NewClient(config.JSONRPCAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to create the JSON RPC client: %w", err)
	}

	rawKey, err := hex.DecodeHex(config.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("malformed signer key: %w", err)
	}

	key, err := ethgowallet.NewWalletFromPrivKey(rawKey)
	if err != nil {
		return nil, err
	}

	var chainID *big.Int

	err = retry.Do(ctx, retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond)),
		func(ctx context.Context) error {
			var rpcErr error
			chainID, rpcErr = client.Eth().ChainID()

			if rpcErr != nil {
				return retry.RetryableError(rpcErr)
			}

			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}

	return &Adapter{
		logger:  logger.Named("evm"),
		config:  config,
		client:  client,
		key:     key,
		signer:  ethgowallet.NewEIP155Signer(chainID.Uint64()),
		address: types.Address(key.Address()),
	}, nil
}

// BuildTransactions implements the dispatcher.ChainAdapter interface. Each
// payload becomes its own transaction; estimation doubles as simulation so a
// reverting payload fails here instead of on chain.
func (a *Adapter) BuildTransactions(
	_ context.Context,
	payloads []*dispatcher.Payload,
) []dispatcher.TxBuildingResult {
	results := make([]dispatcher.TxBuildingResult, 0, len(payloads))

	gasPrice, err := a.client.Eth().GasPrice()
	if err != nil {
		// without a gas price nothing in the batch can be built
		for _, payload := range payloads {
			results = append(results, dispatcher.TxBuildingResult{
				PayloadIDs: []string{payload.ID},
				Err:        fmt.Errorf("%w: %v", dispatcher.ErrRPCFailure, err),
			})
		}

		return results
	}

	for _, payload := range payloads {
		results = append(results, a.buildOne(payload, gasPrice))
	}

	return results
}

func (a *Adapter) buildOne(payload *dispatcher.Payload, gasPrice uint64) dispatcher.TxBuildingResult {
	to := ethgo.Address(payload.To)

	gas, err := a.client.Eth().EstimateGas(&ethgo.CallMsg{
		From: ethgo.Address(a.address),
		To:   &to,
		Data: payload.Data,
	})
	if err != nil {
		return dispatcher.TxBuildingResult{
			PayloadIDs: []string{payload.ID},
			Err:        err,
		}
	}

	raw, err := json.Marshal(&precursor{
		To:       payload.To,
		Input:    payload.Data,
		Gas:      gas,
		GasPrice: gasPrice,
	})
	if err != nil {
		return dispatcher.TxBuildingResult{
			PayloadIDs: []string{payload.ID},
			Err:        err,
		}
	}

	return dispatcher.TxBuildingResult{
		PayloadIDs: []string{payload.ID},
		Tx:         dispatcher.NewTransaction(a.address, raw, []string{payload.ID}),
	}
}

// SimulateTx implements the dispatcher.ChainAdapter interface
func (a *Adapter) SimulateTx(_ context.Context, tx *dispatcher.Transaction) (bool, error) {
	pre, err := decodePrecursor(tx)
	if err != nil {
		return false, err
	}

	to := ethgo.Address(pre.To)

	if _, err := a.client.Eth().Call(&ethgo.CallMsg{
		From:     ethgo.Address(a.address),
		To:       &to,
		Data:     pre.Input,
		GasPrice: pre.GasPrice,
		Gas:      new(big.Int).SetUint64(pre.Gas),
	}, ethgo.Latest); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "revert") {
			return false, nil
		}

		return false, err
	}

	return true, nil
}

// EstimateTx implements the dispatcher.ChainAdapter interface
func (a *Adapter) EstimateTx(_ context.Context, tx *dispatcher.Transaction) error {
	pre, err := decodePrecursor(tx)
	if err != nil {
		return err
	}

	to := ethgo.Address(pre.To)

	gas, err := a.client.Eth().EstimateGas(&ethgo.CallMsg{
		From: ethgo.Address(a.address),
		To:   &to,
		Data: pre.Input,
	})
	if err != nil {
		return err
	}

	pre.Gas = gas

	return encodePrecursor(tx, pre)
}

// SubmitTx implements the dispatcher.ChainAdapter interface
func (a *Adapter) SubmitTx(_ context.Context, tx *dispatcher.Transaction) error {
	return a.broadcast(tx)
}

// ReplaceTx implements the dispatcher.ChainAdapter interface. The gas price
// is escalated so nodes accept the replacement under the same nonce.
func (a *Adapter) ReplaceTx(_ context.Context, tx *dispatcher.Transaction) error {
	pre, err := decodePrecursor(tx)
	if err != nil {
		return err
	}

	pre.GasPrice += pre.GasPrice * replacementGasBump / 100

	if current, err := a.client.Eth().GasPrice(); err == nil && current > pre.GasPrice {
		pre.GasPrice = current
	}

	if err := encodePrecursor(tx, pre); err != nil {
		return err
	}

	return a.broadcast(tx)
}

func (a *Adapter) broadcast(tx *dispatcher.Transaction) error {
	if tx.Nonce == nil {
		return fmt.Errorf("%w: transaction %s has no nonce", dispatcher.ErrMalformedTx, tx.ID)
	}

	pre, err := decodePrecursor(tx)
	if err != nil {
		return err
	}

	to := ethgo.Address(pre.To)
	txn := &ethgo.Transaction{
		From:     ethgo.Address(a.address),
		To:       &to,
		Input:    pre.Input,
		Gas:      pre.Gas,
		GasPrice: pre.GasPrice,
		Nonce:    *tx.Nonce,
	}

	signed, err := a.signer.SignTx(txn, a.key)
	if err != nil {
		return fmt.Errorf("%w: %v", dispatcher.ErrMalformedTx, err)
	}

	data, err := signed.MarshalRLPTo(nil)
	if err != nil {
		return fmt.Errorf("%w: %v", dispatcher.ErrMalformedTx, err)
	}

	hash, err := a.client.Eth().SendRawTransaction(data)
	if err != nil {
		return err
	}

	tx.AddHash(types.Hash(hash))
	tx.SubmissionAttempts++
	tx.LastSubmittedAt = time.Now().UTC()

	a.logger.Debug("broadcasted transaction",
		"tx", tx.ID, "hash", hash, "nonce", *tx.Nonce, "gasPrice", pre.GasPrice)

	return nil
}

// TxStatus implements the dispatcher.ChainAdapter interface: the logical
// status is derived across every hash the transaction was submitted under
func (a *Adapter) TxStatus(ctx context.Context, tx *dispatcher.Transaction) (dispatcher.TransactionStatus, error) {
	latest, err := a.client.Eth().BlockNumber()
	if err != nil {
		return dispatcher.TxPendingInclusion, err
	}

	for i := len(tx.Hashes) - 1; i >= 0; i-- {
		receipt, err := a.receipt(tx.Hashes[i])
		if err != nil {
			return dispatcher.TxPendingInclusion, err
		}

		if receipt == nil {
			continue
		}

		return a.statusFromReceipt(receipt, latest), nil
	}

	// no receipt anywhere; if the account nonce moved past ours the chain
	// will never include any of these hashes
	if tx.Nonce != nil {
		chainNonce, err := a.client.Eth().GetNonce(ethgo.Address(tx.Signer), ethgo.Latest)
		if err != nil {
			return dispatcher.TxPendingInclusion, err
		}

		if chainNonce > *tx.Nonce {
			return dispatcher.TxDropped, nil
		}
	}

	return dispatcher.TxPendingInclusion, nil
}

// TxHashStatus implements the dispatcher.ChainAdapter interface
func (a *Adapter) TxHashStatus(_ context.Context, hash types.Hash) (dispatcher.TransactionStatus, error) {
	latest, err := a.client.Eth().BlockNumber()
	if err != nil {
		return dispatcher.TxPendingInclusion, err
	}

	receipt, err := a.receipt(hash)
	if err != nil {
		return dispatcher.TxPendingInclusion, err
	}

	if receipt == nil {
		return dispatcher.TxPendingInclusion, nil
	}

	return a.statusFromReceipt(receipt, latest), nil
}

// RevertedPayloads implements the dispatcher.ChainAdapter interface. A
// receipt with a failed status means every bundled payload reverted.
func (a *Adapter) RevertedPayloads(_ context.Context, tx *dispatcher.Transaction) ([]string, error) {
	for i := len(tx.Hashes) - 1; i >= 0; i-- {
		receipt, err := a.receipt(tx.Hashes[i])
		if err != nil {
			return nil, err
		}

		if receipt == nil {
			continue
		}

		if receipt.Status != 1 {
			return tx.PayloadIDs, nil
		}

		return nil, nil
	}

	return nil, nil
}

// SucceededPayloads implements the dispatcher.ChainAdapter interface: each
// payload's success criteria is evaluated with an eth_call; a nonzero return
// word means the payload's effect is already visible on chain
func (a *Adapter) SucceededPayloads(
	_ context.Context,
	payloads []*dispatcher.Payload,
) ([]string, error) {
	var succeeded []string

	for _, payload := range payloads {
		if len(payload.SuccessCriteria) == 0 {
			continue
		}

		criteria := &successCriteria{}
		if err := json.Unmarshal(payload.SuccessCriteria, criteria); err != nil {
			a.logger.Warn("malformed success criteria", "payload", payload.ID, "err", err)

			continue
		}

		to := ethgo.Address(criteria.To)

		result, err := a.client.Eth().Call(&ethgo.CallMsg{
			From: ethgo.Address(a.address),
			To:   &to,
			Data: criteria.Data,
		}, ethgo.Latest)
		if err != nil {
			return succeeded, err
		}

		if isNonZeroWord(result) {
			succeeded = append(succeeded, payload.ID)
		}
	}

	return succeeded, nil
}

// SignerNonces implements the dispatcher.ChainAdapter interface
func (a *Adapter) SignerNonces(_ context.Context, signer types.Address) (uint64, uint64, error) {
	finalized, err := a.client.Eth().GetNonce(ethgo.Address(signer), ethgo.Latest)
	if err != nil {
		return 0, 0, err
	}

	pending, err := a.client.Eth().GetNonce(ethgo.Address(signer), ethgo.Pending)
	if err != nil {
		return 0, 0, err
	}

	return finalized, pending, nil
}

// Signer implements the dispatcher.ChainAdapter interface
func (a *Adapter) Signer() types.Address {
	return a.address
}

// MaxBatchSize implements the dispatcher.ChainAdapter interface
func (a *Adapter) MaxBatchSize() int {
	if a.config.MaxBatchSize > 0 {
		return a.config.MaxBatchSize
	}

	return defaultMaxBatchSize
}

// EstimatedBlockTime implements the dispatcher.ChainAdapter interface
func (a *Adapter) EstimatedBlockTime() time.Duration {
	return a.config.BlockTime.Duration
}

// receipt fetches a receipt, normalizing the "not found" error to nil
func (a *Adapter) receipt(hash types.Hash) (*ethgo.Receipt, error) {
	receipt, err := a.client.Eth().GetTransactionReceipt(ethgo.Hash(hash))
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return nil, nil
		}

		return nil, err
	}

	return receipt, nil
}

func (a *Adapter) statusFromReceipt(receipt *ethgo.Receipt, latest uint64) dispatcher.TransactionStatus {
	if latest >= receipt.BlockNumber && latest-receipt.BlockNumber >= a.config.FinalityDepth {
		return dispatcher.TxFinalized
	}

	return dispatcher.TxIncluded
}

func decodePrecursor(tx *dispatcher.Transaction) (*precursor, error) {
	pre := &precursor{}
	if err := json.Unmarshal(tx.Precursor, pre); err != nil {
		return nil, fmt.Errorf("%w: undecodable precursor: %v", dispatcher.ErrMalformedTx, err)
	}

	return pre, nil
}

func encodePrecursor(tx *dispatcher.Transaction, pre *precursor) error {
	raw, err := json.Marshal(pre)
	if err != nil {
		return err
	}

	tx.Precursor = raw

	return nil
}

// isNonZeroWord checks an eth_call hex result for any set bit
func isNonZeroWord(result string) bool {
	trimmed := strings.TrimPrefix(result, "0x")

	for _, c := range trimmed {
		if c != '0' {
			return true
		}
	}

	return false
}
