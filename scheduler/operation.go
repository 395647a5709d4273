package scheduler

import (
	"time"

	"github.com/portalgrid/relayer/dispatcher"
)

// Status is the message-level lifecycle of a pending operation
type Status string

const (
	// StatusPrepare - observed but not yet eligible for submission
	StatusPrepare Status = "prepare"
	// StatusReadyToSubmit - eligible, waiting in the queue
	StatusReadyToSubmit Status = "ready_to_submit"
	// StatusSubmitted - handed to the dispatch pipeline
	StatusSubmitted Status = "submitted"
	// StatusConfirmed - delivery confirmed, archived
	StatusConfirmed Status = "confirmed"
	// StatusRetry - waiting out a backoff before re-entering the queue
	StatusRetry Status = "retry"
	// StatusDropped - permanently abandoned, archived
	StatusDropped Status = "dropped"
)

// PendingOperation is a message-level work item tracked prior to (and across
// retries of) becoming a payload in the dispatch pipeline
type PendingOperation struct {
	MessageID   string `json:"messageId"`
	Origin      uint64 `json:"origin"`
	Destination uint64 `json:"destination"`
	Priority    uint64 `json:"priority"`

	Retries uint32 `json:"retries"`

	// NextAttempt is the earliest time the operation may be popped; retry
	// backoff is expressed through this field, never through sleeps
	NextAttempt time.Time `json:"nextAttempt"`

	Status      Status `json:"status"`
	RetryReason string `json:"retryReason,omitempty"`

	// Payload is the unit of work this operation submits
	Payload *dispatcher.Payload `json:"payload"`

	// seq is a process-local FIFO tie-breaker
	seq uint64
	// mixKey caches the fairness hash, computed on push when mixing is on
	mixKey uint64
	// index is maintained by the heap
	index int
}

// Ready reports whether the operation may be attempted at the given time
func (op *PendingOperation) Ready(now time.Time) bool {
	return !op.NextAttempt.After(now)
}
