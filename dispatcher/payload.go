package dispatcher

import (
	"time"

	"github.com/google/uuid"

	"github.com/portalgrid/relayer/types"
)

// PayloadState is the coarse lifecycle state of a payload
type PayloadState string

const (
	// PayloadReadyToSubmit marks a payload waiting to be built into a transaction
	PayloadReadyToSubmit PayloadState = "ready_to_submit"
	// PayloadInTransaction marks a payload bound to a transaction; the bound
	// transaction's status is carried alongside
	PayloadInTransaction PayloadState = "in_transaction"
	// PayloadDropped is the terminal failure state
	PayloadDropped PayloadState = "dropped"
)

// DropReason explains why a payload was permanently dropped
type DropReason string

const (
	DropFailedToBuild    DropReason = "failed_to_build_as_transaction"
	DropFailedSimulation DropReason = "failed_simulation"
	DropSubmissionFailed DropReason = "non_retryable_submission_error"
	DropReverted         DropReason = "reverted"
)

// PayloadStatus is the full payload status. While the payload is bound to a
// transaction the transaction's own status is mirrored in TxStatus, so
// "in_transaction/finalized" is the terminal success state.
type PayloadStatus struct {
	State    PayloadState      `json:"state"`
	TxStatus TransactionStatus `json:"txStatus,omitempty"`
	Reason   DropReason        `json:"reason,omitempty"`
}

func ReadyToSubmit() PayloadStatus {
	return PayloadStatus{State: PayloadReadyToSubmit}
}

func InTransaction(txStatus TransactionStatus) PayloadStatus {
	return PayloadStatus{State: PayloadInTransaction, TxStatus: txStatus}
}

func Dropped(reason DropReason) PayloadStatus {
	return PayloadStatus{State: PayloadDropped, Reason: reason}
}

// IsFinalized returns true if the payload reached terminal success
func (s PayloadStatus) IsFinalized() bool {
	return s.State == PayloadInTransaction && s.TxStatus == TxFinalized
}

// IsTerminal returns true for states a payload never leaves automatically.
// Manual reprocessing through the admin surface is the only way out.
func (s PayloadStatus) IsTerminal() bool {
	return s.State == PayloadDropped || s.IsFinalized()
}

// Payload is a chain-agnostic unit of work derived from a cross-chain message.
// Payloads reference their owning transaction only by uuid; the transaction is
// resolved through the store when needed.
type Payload struct {
	ID      string        `json:"id"`
	To      types.Address `json:"to"`
	Data    []byte        `json:"data"`
	Status  PayloadStatus `json:"status"`
	Details string        `json:"details"`

	// SuccessCriteria is an opaque, adapter-interpreted predicate used to
	// verify delivery independently of the submitting transaction
	SuccessCriteria []byte `json:"successCriteria,omitempty"`

	// TxID is the uuid of the owning transaction, empty while unbound
	TxID string `json:"txId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// NewPayload creates a payload in the ready to submit state
func NewPayload(to types.Address, data []byte, details string) *Payload {
	return &Payload{
		ID:        uuid.NewString(),
		To:        to,
		Data:      data,
		Status:    ReadyToSubmit(),
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}
}

// BindToTransaction links the payload to the given transaction
func (p *Payload) BindToTransaction(tx *Transaction) {
	p.TxID = tx.ID
	p.Status = InTransaction(tx.Status)
}

// Unbind severs the payload to transaction link and makes the payload
// eligible for rebuilding
func (p *Payload) Unbind() {
	p.TxID = ""
	p.Status = ReadyToSubmit()
}
