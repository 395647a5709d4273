package dispatcher

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/portalgrid/relayer/types"
)

// TransactionStatus is the lifecycle status of a submitted transaction
type TransactionStatus string

const (
	// TxPendingInclusion - built (and possibly submitted) but not yet seen in a block
	TxPendingInclusion TransactionStatus = "pending_inclusion"
	// TxIncluded - observed in a block that is not irreversible yet
	TxIncluded TransactionStatus = "included"
	// TxFinalized - observed in an irreversible block, terminal success
	TxFinalized TransactionStatus = "finalized"
	// TxDropped - chain reported the transaction will never land, terminal failure
	TxDropped TransactionStatus = "dropped"
)

// TxDropReason explains a transaction level drop
type TxDropReason string

const (
	TxDropReorged          TxDropReason = "reorged"
	TxDropEvicted          TxDropReason = "evicted"
	TxDropRejected         TxDropReason = "rejected"
	TxDropFailedSubmission TxDropReason = "failed_submission"
)

// Transaction is one chain-specific submission bundling one or more payloads.
// It is owned exclusively by the dispatcher: created by the building stage,
// mutated by inclusion and confirmation, persisted on every transition.
type Transaction struct {
	ID     string        `json:"id"`
	Signer types.Address `json:"signer"`

	// Nonce is set by the nonce manager on first submission
	Nonce *uint64 `json:"nonce,omitempty"`

	// Precursor is the chain-specific transaction representation, opaque to
	// the dispatcher and owned by the chain adapter
	Precursor json.RawMessage `json:"precursor,omitempty"`

	// Hashes holds every hash this logical transaction was submitted under;
	// resubmission with escalated gas produces a new one each time and any
	// of them may land on chain
	Hashes []types.Hash `json:"hashes,omitempty"`

	PayloadIDs []string `json:"payloadIds"`

	Status     TransactionStatus `json:"status"`
	DropReason TxDropReason      `json:"dropReason,omitempty"`

	SubmissionAttempts uint64    `json:"submissionAttempts"`
	CreatedAt          time.Time `json:"createdAt"`
	LastSubmittedAt    time.Time `json:"lastSubmittedAt,omitempty"`
}

// NewTransaction creates a pending transaction bound to the given payloads
func NewTransaction(signer types.Address, precursor json.RawMessage, payloadIDs []string) *Transaction {
	return &Transaction{
		ID:         uuid.NewString(),
		Signer:     signer,
		Precursor:  precursor,
		PayloadIDs: payloadIDs,
		Status:     TxPendingInclusion,
		CreatedAt:  time.Now().UTC(),
	}
}

// AddHash records a submission hash unless it is already tracked
func (t *Transaction) AddHash(hash types.Hash) {
	for _, h := range t.Hashes {
		if h == hash {
			return
		}
	}

	t.Hashes = append(t.Hashes, hash)
}

// LatestHash returns the most recently produced hash, or false if the
// transaction was never submitted
func (t *Transaction) LatestHash() (types.Hash, bool) {
	if len(t.Hashes) == 0 {
		return types.ZeroHash, false
	}

	return t.Hashes[len(t.Hashes)-1], true
}
