package dispatcher

/* Inclusion stage: obtains a nonce for each transaction, submits it through
the chain adapter and keeps resubmitting with escalated gas until the chain
acknowledges it. Transactions the chain rejects permanently have their
payloads dropped and their nonce freed. */

import (
	"context"
	"time"
)

// inflightTx is a transaction owned by the inclusion loop together with its
// next eligible submission time
type inflightTx struct {
	tx          *Transaction
	nextAttempt time.Time
	failures    uint64
}

func (d *Dispatcher) runInclusionLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	var inflight []*inflightTx

	for {
		select {
		case <-ctx.Done():
			return
		case tx := <-d.inclusionCh:
			inflight = append(inflight, &inflightTx{tx: tx})
		case <-ticker.C:
			inflight = d.processInclusions(ctx, inflight)
		}
	}
}

// processInclusions attempts one submission for every due transaction and
// returns the set still owned by the inclusion stage
func (d *Dispatcher) processInclusions(ctx context.Context, inflight []*inflightTx) []*inflightTx {
	now := time.Now()
	remaining := inflight[:0]

	for _, entry := range inflight {
		if now.Before(entry.nextAttempt) {
			remaining = append(remaining, entry)

			continue
		}

		if d.submitTx(ctx, entry) {
			continue // handed off to confirmation or dropped
		}

		remaining = append(remaining, entry)
	}

	return remaining
}

// submitTx performs a single submission attempt. It returns true once the
// transaction left the inclusion stage.
func (d *Dispatcher) submitTx(ctx context.Context, entry *inflightTx) bool {
	tx := entry.tx

	if _, err := d.nonces.AssignNextNonce(ctx, tx); err != nil {
		d.logger.Error("failed to assign nonce", "tx", tx.ID, "err", err)
		entry.backoff(d.config.ResubmitInterval)

		return false
	}

	// the assigned nonce is part of the precursor, persist before broadcasting
	if err := d.txs.StoreTransaction(tx); err != nil {
		d.logger.Error("failed to persist transaction pre-submission", "tx", tx.ID, "err", err)
		entry.backoff(d.config.ResubmitInterval)

		return false
	}

	var err error
	if tx.SubmissionAttempts == 0 {
		err = d.adapter.SubmitTx(ctx, tx)
	} else {
		err = d.adapter.ReplaceTx(ctx, tx)
	}

	switch Classify(err) {
	case ClassAlreadyKnown:
		// the chain has it, from this or a previous life of the process
		return d.moveToConfirmation(ctx, tx)

	case ClassStaleNonce:
		// reassigned on the next attempt
		d.logger.Debug("stale nonce on submission, reassigning", "tx", tx.ID, "err", err)
		entry.tx.Nonce = nil
		entry.backoff(d.config.TickInterval)

		return false

	case ClassNonRetryable:
		d.logger.Error("non-retryable submission error", "tx", tx.ID, "err", err)
		d.dropTransaction(tx, TxDropRejected, DropSubmissionFailed)

		return true

	case ClassTransient:
		entry.failures++

		if d.config.MaxSubmissionAttempts > 0 && entry.failures >= d.config.MaxSubmissionAttempts {
			d.logger.Error("exhausted submission attempts", "tx", tx.ID, "err", err)
			d.dropTransaction(tx, TxDropFailedSubmission, DropSubmissionFailed)

			return true
		}

		d.logger.Warn("transient submission error", "tx", tx.ID,
			"failures", entry.failures, "err", err)
		entry.backoff(scaleBackoff(d.config.ResubmitInterval, entry.failures))

		return false
	}

	return false
}

// scaleBackoff doubles the base delay per consecutive failure, capped
func scaleBackoff(base time.Duration, failures uint64) time.Duration {
	const maxDelay = 10 * time.Minute

	delay := base
	for i := uint64(1); i < failures && delay < maxDelay; i++ {
		delay *= 2
	}

	if delay > maxDelay {
		delay = maxDelay
	}

	return delay
}

func (d *Dispatcher) moveToConfirmation(ctx context.Context, tx *Transaction) bool {
	if err := d.txs.StoreTransaction(tx); err != nil {
		d.logger.Error("failed to persist submitted transaction", "tx", tx.ID, "err", err)
	}

	select {
	case d.confirmCh <- tx:
		return true
	case <-ctx.Done():
		return true
	}
}

// dropTransaction records a terminal transaction failure, frees its nonce and
// drops every bound payload
func (d *Dispatcher) dropTransaction(tx *Transaction, txReason TxDropReason, payloadReason DropReason) {
	tx.Status = TxDropped
	tx.DropReason = txReason

	if err := d.txs.StoreTransaction(tx); err != nil {
		d.logger.Error("failed to persist dropped transaction", "tx", tx.ID, "err", err)
	}

	if tx.Nonce != nil {
		if err := d.nonces.FreeNonce(tx.Signer, *tx.Nonce, tx.ID); err != nil {
			d.logger.Error("failed to free nonce", "tx", tx.ID, "nonce", *tx.Nonce, "err", err)
		}
	}

	for _, payload := range d.loadPayloads(tx) {
		d.dropPayload(payload, payloadReason)
	}
}

func (e *inflightTx) backoff(delay time.Duration) {
	e.nextAttempt = time.Now().Add(delay)
}
