// Package relayer wires the message scheduler to one dispatch pipeline per
// destination domain: it pulls ready operations out of the queues, feeds
// their payloads into the dispatcher and translates pipeline results back
// into confirm, retry or drop decisions.
package relayer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/portalgrid/relayer/dispatcher"
	"github.com/portalgrid/relayer/scheduler"
	"github.com/portalgrid/relayer/types"
)

// NonceAdmin is the per-destination administrative nonce override
type NonceAdmin interface {
	ResetUpperNonce(signer types.Address, upper uint64) error
}

// destination is one destination domain's pipeline and its backpressure probe
type destination struct {
	domain     uint64
	dispatcher *dispatcher.Dispatcher
	nonceAdmin NonceAdmin

	// nonceGap reports whether the destination signer has too many in-flight
	// nonces; pulling pauses while it holds
	nonceGap func() bool
}

type Config struct {
	// PullInterval is how often ready operations are pulled from the queues
	PullInterval time.Duration

	// BatchSize caps the operations pulled per interval per destination
	BatchSize int
}

func DefaultConfig() *Config {
	return &Config{
		PullInterval: time.Second,
		BatchSize:    32,
	}
}

type Relayer struct {
	logger hclog.Logger
	config *Config
	sched  *scheduler.Scheduler

	payloads dispatcher.PayloadStore

	destinations map[uint64]*destination

	// inflight maps payload uuid to the operation being dispatched for it
	mux      sync.Mutex
	inflight map[string]*scheduler.PendingOperation
}

func NewRelayer(
	logger hclog.Logger,
	config *Config,
	sched *scheduler.Scheduler,
	payloads dispatcher.PayloadStore,
) *Relayer {
	return &Relayer{
		logger:       logger.Named("relayer"),
		config:       config,
		sched:        sched,
		payloads:     payloads,
		destinations: make(map[uint64]*destination),
		inflight:     make(map[string]*scheduler.PendingOperation),
	}
}

// RegisterDestination attaches a dispatch pipeline for one destination domain.
// Must be called before Start.
func (r *Relayer) RegisterDestination(
	domain uint64,
	disp *dispatcher.Dispatcher,
	nonceAdmin NonceAdmin,
	nonceGap func() bool,
) {
	r.destinations[domain] = &destination{
		domain:     domain,
		dispatcher: disp,
		nonceAdmin: nonceAdmin,
		nonceGap:   nonceGap,
	}
}

// Start runs every registered pipeline plus the pull and result loops
func (r *Relayer) Start(ctx context.Context) error {
	for _, dest := range r.destinations {
		if err := dest.dispatcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start dispatcher for domain %d: %w", dest.domain, err)
		}

		go r.runPullLoop(ctx, dest)
		go r.runResultLoop(ctx, dest)
	}

	return nil
}

// SubmitMessage enters a new message-level operation into the scheduler
func (r *Relayer) SubmitMessage(op *scheduler.PendingOperation) error {
	if _, ok := r.destinations[op.Destination]; !ok {
		return fmt.Errorf("unknown destination domain: %d", op.Destination)
	}

	r.sched.Push(op)

	return nil
}

// Reprocess implements the api.Reprocessor interface
func (r *Relayer) Reprocess(messageID string) error {
	return r.sched.Reprocess(messageID)
}

// ResetUpperNonce implements the api.NonceAdmin interface
func (r *Relayer) ResetUpperNonce(domain uint64, signer types.Address, upper uint64) error {
	dest, ok := r.destinations[domain]
	if !ok {
		return fmt.Errorf("unknown destination domain: %d", domain)
	}

	return dest.nonceAdmin.ResetUpperNonce(signer, upper)
}

func (r *Relayer) runPullLoop(ctx context.Context, dest *destination) {
	ticker := time.NewTicker(r.config.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if dest.nonceGap != nil && dest.nonceGap() {
				r.logger.Debug("nonce gap backpressure, pausing pulls", "domain", dest.domain)

				continue
			}

			r.pullBatch(ctx, dest)
		}
	}
}

func (r *Relayer) pullBatch(ctx context.Context, dest *destination) {
	for _, op := range r.sched.PopBatch(dest.domain, r.config.BatchSize) {
		payload := op.Payload

		// persist before hand-off so a crash cannot lose an accepted message
		if err := r.payloads.StorePayload(payload); err != nil {
			r.logger.Error("failed to persist payload, requeueing",
				"message", op.MessageID, "err", err)
			r.sched.RequeueWithBackoff(op, "payload persistence failure")

			continue
		}

		r.track(payload.ID, op)

		if err := dest.dispatcher.Submit(ctx, payload); err != nil {
			r.untrack(payload.ID)

			return // context cancelled
		}
	}
}

func (r *Relayer) runResultLoop(ctx context.Context, dest *destination) {
	for {
		select {
		case <-ctx.Done():
			return
		case result := <-dest.dispatcher.Results():
			r.handleResult(result)
		}
	}
}

func (r *Relayer) handleResult(result *dispatcher.PayloadResult) {
	op := r.untrack(result.Payload.ID)
	if op == nil {
		// in-flight mapping does not survive restarts; results for recovered
		// payloads have no operation to settle
		r.logger.Debug("result for untracked payload", "payload", result.Payload.ID)

		return
	}

	op.Payload = result.Payload

	switch {
	case result.Finalized:
		r.logger.Info("message delivered",
			"message", op.MessageID, "payload", result.Payload.ID)
		r.sched.Confirm(op)

	case result.Retryable:
		r.sched.RequeueWithBackoff(op, string(result.Reason))

	default:
		r.logger.Warn("message dropped",
			"message", op.MessageID, "payload", result.Payload.ID, "reason", result.Reason)
		r.sched.Drop(op, string(result.Reason))
	}
}

func (r *Relayer) track(payloadID string, op *scheduler.PendingOperation) {
	r.mux.Lock()
	defer r.mux.Unlock()

	r.inflight[payloadID] = op
}

func (r *Relayer) untrack(payloadID string) *scheduler.PendingOperation {
	r.mux.Lock()
	defer r.mux.Unlock()

	op := r.inflight[payloadID]
	delete(r.inflight, payloadID)

	return op
}
