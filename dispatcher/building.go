package dispatcher

/* Building stage: drains payload batches from the build channel, asks the
chain adapter to turn them into transactions and hands the persisted result
to the inclusion stage. Persistence precedes hand-off so a crash cannot
silently lose a built transaction. */

import (
	"context"
)

func (d *Dispatcher) runBuildingLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-d.buildCh:
			d.buildBatch(ctx, d.drainBuildQueue(payload))
		}
	}
}

// drainBuildQueue collects payloads already waiting on the channel, up to the
// adapter's batch limit
func (d *Dispatcher) drainBuildQueue(first *Payload) []*Payload {
	batch := []*Payload{first}
	limit := d.adapter.MaxBatchSize()

	for len(batch) < limit {
		select {
		case payload := <-d.buildCh:
			batch = append(batch, payload)
		default:
			return batch
		}
	}

	return batch
}

func (d *Dispatcher) buildBatch(ctx context.Context, batch []*Payload) {
	byID := make(map[string]*Payload, len(batch))
	for _, p := range batch {
		byID[p.ID] = p
	}

	for _, result := range d.adapter.BuildTransactions(ctx, batch) {
		if result.Err != nil {
			d.handleBuildFailure(result, byID)

			continue
		}

		tx := result.Tx

		// persist the transaction before updating payload bindings so a crash
		// in between leaves payloads pointing at an existing transaction
		if err := d.txs.StoreTransaction(tx); err != nil {
			d.logger.Error("failed to persist built transaction", "tx", tx.ID, "err", err)
			d.requeuePayloads(result.PayloadIDs, byID)

			continue
		}

		for _, id := range result.PayloadIDs {
			payload, ok := byID[id]
			if !ok {
				continue
			}

			payload.BindToTransaction(tx)

			if err := d.payloads.StorePayload(payload); err != nil {
				d.logger.Error("failed to persist payload binding", "payload", id, "err", err)
			}
		}

		d.logger.Debug("built transaction",
			"tx", tx.ID, "payloads", len(result.PayloadIDs))

		select {
		case d.inclusionCh <- tx:
		case <-ctx.Done():
			return
		}
	}
}

// handleBuildFailure routes failed build results: transient failures send the
// payloads back upstream for rescheduling, everything else drops them
func (d *Dispatcher) handleBuildFailure(result TxBuildingResult, byID map[string]*Payload) {
	class := Classify(result.Err)

	d.logger.Warn("failed to build payloads into a transaction",
		"payloads", result.PayloadIDs, "class", class.String(), "err", result.Err)

	if class == ClassTransient || class == ClassStaleNonce {
		d.requeuePayloads(result.PayloadIDs, byID)

		return
	}

	for _, id := range result.PayloadIDs {
		if payload, ok := byID[id]; ok {
			d.dropPayload(payload, DropFailedToBuild)
		}
	}
}

// requeuePayloads hands payloads back to the scheduler for a retry with backoff
func (d *Dispatcher) requeuePayloads(ids []string, byID map[string]*Payload) {
	for _, id := range ids {
		payload, ok := byID[id]
		if !ok {
			continue
		}

		d.emitResult(&PayloadResult{
			Payload:   payload,
			Retryable: true,
			Reason:    DropFailedToBuild,
		})
	}
}
