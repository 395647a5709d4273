package dispatcher

/* Confirmation stage: polls the chain adapter for the status of submitted
transactions. Finalized transactions commit their nonce and finalize their
payloads; dropped ones are checked for independent delivery, then their nonce
is freed and the surviving payloads are sent back to building. Transactions
stuck out of the mempool past the resubmission interval are handed back to
inclusion for gas escalation. */

import (
	"context"
	"time"
)

// watchedTx is a transaction owned by the confirmation loop
type watchedTx struct {
	tx        *Transaction
	lastCheck time.Time
	firstSeen time.Time
}

func (d *Dispatcher) runConfirmationLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	var watched []*watchedTx

	for {
		select {
		case <-ctx.Done():
			return
		case tx := <-d.confirmCh:
			watched = append(watched, &watchedTx{tx: tx, firstSeen: time.Now()})
		case <-ticker.C:
			watched = d.processConfirmations(ctx, watched)
		}
	}
}

func (d *Dispatcher) processConfirmations(ctx context.Context, watched []*watchedTx) []*watchedTx {
	// status polling is rate-limited to the chain block interval, finer
	// polling cannot observe anything new
	pollInterval := d.adapter.EstimatedBlockTime()
	now := time.Now()
	remaining := watched[:0]

	for _, entry := range watched {
		if now.Sub(entry.lastCheck) < pollInterval {
			remaining = append(remaining, entry)

			continue
		}

		entry.lastCheck = now

		if d.checkTx(ctx, entry) {
			continue // left the confirmation stage
		}

		remaining = append(remaining, entry)
	}

	return remaining
}

// checkTx polls one transaction and applies the resulting transition. It
// returns true once the transaction left the confirmation stage.
func (d *Dispatcher) checkTx(ctx context.Context, entry *watchedTx) bool {
	tx := entry.tx

	status, err := d.adapter.TxStatus(ctx, tx)
	if err != nil {
		d.logger.Warn("failed to poll transaction status", "tx", tx.ID, "err", err)

		return false
	}

	switch status {
	case TxFinalized:
		d.finalizeTx(ctx, tx)

		return true

	case TxDropped:
		d.handleDroppedTx(ctx, tx)

		return true

	case TxIncluded:
		if tx.Status != TxIncluded {
			tx.Status = TxIncluded

			if err := d.txs.StoreTransaction(tx); err != nil {
				d.logger.Error("failed to persist included transaction", "tx", tx.ID, "err", err)
			}

			d.updateBoundPayloads(tx)
		}

		return false

	case TxPendingInclusion:
		// still unseen; past the resubmission interval the inclusion stage
		// takes it back for gas escalation
		if time.Since(entry.firstSeen) >= d.config.ResubmitInterval {
			d.logger.Debug("transaction stuck pending, returning for resubmission", "tx", tx.ID)

			select {
			case d.inclusionCh <- tx:
				return true
			default:
				return false
			}
		}

		return false
	}

	return false
}

// finalizeTx is terminal success: the nonce is committed and every bound
// payload finalizes, except those the adapter reports as reverted
func (d *Dispatcher) finalizeTx(ctx context.Context, tx *Transaction) {
	tx.Status = TxFinalized

	if err := d.txs.StoreTransaction(tx); err != nil {
		d.logger.Error("failed to persist finalized transaction", "tx", tx.ID, "err", err)
	}

	if tx.Nonce != nil {
		if err := d.nonces.CommitNonce(tx.Signer, *tx.Nonce, tx.ID); err != nil {
			d.logger.Error("failed to commit nonce", "tx", tx.ID, "nonce", *tx.Nonce, "err", err)
		}
	}

	reverted, err := d.adapter.RevertedPayloads(ctx, tx)
	if err != nil {
		d.logger.Error("failed to query reverted payloads, finalizing all", "tx", tx.ID, "err", err)
	}

	revertedSet := make(map[string]struct{}, len(reverted))
	for _, id := range reverted {
		revertedSet[id] = struct{}{}
	}

	for _, payload := range d.loadPayloads(tx) {
		if _, ok := revertedSet[payload.ID]; ok {
			d.dropPayload(payload, DropReverted)
		} else {
			d.finalizePayload(payload)
		}
	}

	d.logger.Info("transaction finalized", "tx", tx.ID, "payloads", len(tx.PayloadIDs))
}

// handleDroppedTx processes a chain-reported drop (reorg, eviction, sequencer
// rejection). Payloads already delivered through an independent channel
// finalize; the rest are unbound, their nonce freed, and rebuilt from scratch.
func (d *Dispatcher) handleDroppedTx(ctx context.Context, tx *Transaction) {
	tx.Status = TxDropped

	if tx.DropReason == "" {
		tx.DropReason = TxDropReorged
	}

	if err := d.txs.StoreTransaction(tx); err != nil {
		d.logger.Error("failed to persist dropped transaction", "tx", tx.ID, "err", err)
	}

	payloads := d.loadPayloads(tx)

	delivered, err := d.adapter.SucceededPayloads(ctx, payloads)
	if err != nil {
		d.logger.Warn("failed to verify independent delivery", "tx", tx.ID, "err", err)
	}

	deliveredSet := make(map[string]struct{}, len(delivered))
	for _, id := range delivered {
		deliveredSet[id] = struct{}{}
	}

	if tx.Nonce != nil {
		if err := d.nonces.FreeNonce(tx.Signer, *tx.Nonce, tx.ID); err != nil {
			d.logger.Error("failed to free nonce", "tx", tx.ID, "nonce", *tx.Nonce, "err", err)
		}
	}

	for _, payload := range payloads {
		if _, ok := deliveredSet[payload.ID]; ok {
			// already landed through another transaction, do not resubmit
			d.finalizePayload(payload)

			continue
		}

		payload.Unbind()

		if err := d.payloads.StorePayload(payload); err != nil {
			d.logger.Error("failed to persist unbound payload", "payload", payload.ID, "err", err)
		}

		select {
		case d.buildCh <- payload:
		case <-ctx.Done():
			return
		}
	}

	d.logger.Warn("transaction dropped by chain, payloads requeued",
		"tx", tx.ID, "reason", tx.DropReason, "delivered", len(delivered))
}

// updateBoundPayloads mirrors the transaction status onto its payloads
func (d *Dispatcher) updateBoundPayloads(tx *Transaction) {
	for _, payload := range d.loadPayloads(tx) {
		payload.Status = InTransaction(tx.Status)

		if err := d.payloads.StorePayload(payload); err != nil {
			d.logger.Error("failed to persist payload status", "payload", payload.ID, "err", err)
		}
	}
}
