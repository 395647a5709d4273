package dispatcher

import (
	"context"
	"time"

	"github.com/portalgrid/relayer/types"
)

// TxBuildingResult is the outcome of building one transaction out of a set of
// payloads. A single call may return several results, each covering a disjoint
// subset of the input batch.
type TxBuildingResult struct {
	// PayloadIDs are the payloads this result covers
	PayloadIDs []string

	// Tx is the built transaction, nil when building failed
	Tx *Transaction

	// Err is the building failure for the covered payloads, nil on success
	Err error
}

// ChainAdapter abstracts one chain family: building, estimation, submission
// and status polling. One implementation exists per protocol family and is
// selected at configuration time; the dispatcher never branches on chain type.
//
// All methods taking a context are expected to bound their own RPC timeouts.
type ChainAdapter interface {
	// BuildTransactions turns a batch of payloads into transactions. The
	// adapter may combine several payloads into a single transaction and may
	// simulate before returning.
	BuildTransactions(ctx context.Context, payloads []*Payload) []TxBuildingResult

	// SimulateTx dry-runs the transaction, returning false when it would revert
	SimulateTx(ctx context.Context, tx *Transaction) (bool, error)

	// EstimateTx refreshes gas quantities on the precursor
	EstimateTx(ctx context.Context, tx *Transaction) error

	// SubmitTx signs and broadcasts the transaction, recording the produced
	// hash on it. The nonce must already be assigned.
	SubmitTx(ctx context.Context, tx *Transaction) error

	// ReplaceTx escalates gas and rebroadcasts under the same nonce
	ReplaceTx(ctx context.Context, tx *Transaction) error

	// TxStatus derives the transaction status across all known hashes
	TxStatus(ctx context.Context, tx *Transaction) (TransactionStatus, error)

	// TxHashStatus reports the status of one specific hash
	TxHashStatus(ctx context.Context, hash types.Hash) (TransactionStatus, error)

	// RevertedPayloads returns the subset of the transaction's payloads whose
	// execution reverted even though the transaction itself finalized
	RevertedPayloads(ctx context.Context, tx *Transaction) ([]string, error)

	// SucceededPayloads returns the payload ids whose success criteria already
	// hold on chain, used to detect delivery through an independent channel
	SucceededPayloads(ctx context.Context, payloads []*Payload) ([]string, error)

	// SignerNonces returns the chain view of the signer account: the finalized
	// transaction count and the pending transaction count
	SignerNonces(ctx context.Context, signer types.Address) (finalized uint64, pending uint64, err error)

	// Signer is the address the adapter submits from
	Signer() types.Address

	// MaxBatchSize is the largest payload batch a single build call accepts
	MaxBatchSize() int

	// EstimatedBlockTime is the expected destination chain block interval
	EstimatedBlockTime() time.Duration
}
