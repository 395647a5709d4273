package dispatcher

import (
	"context"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"

	"github.com/portalgrid/relayer/types"
)

// dispatcherMetrics is the prefix used for dispatcher-related metrics
const dispatcherMetrics = "dispatcher"

// PayloadStore persists payloads across restarts
type PayloadStore interface {
	StorePayload(payload *Payload) error
	LoadPayload(id string) (*Payload, error)
	PayloadsByState(state PayloadState) ([]*Payload, error)
}

// TransactionStore persists transactions across restarts
type TransactionStore interface {
	StoreTransaction(tx *Transaction) error
	LoadTransaction(id string) (*Transaction, error)
	TransactionsByStatus(statuses ...TransactionStatus) ([]*Transaction, error)
}

// NonceManager hands out, frees and commits per-signer nonces
type NonceManager interface {
	AssignNextNonce(ctx context.Context, tx *Transaction) (uint64, error)
	FreeNonce(signer types.Address, nonce uint64, txID string) error
	CommitNonce(signer types.Address, nonce uint64, txID string) error
	NonceGapExists(signer types.Address) bool
}

// PayloadResult is emitted once per payload when it leaves the pipeline,
// either terminally or because it needs to be rescheduled upstream
type PayloadResult struct {
	Payload   *Payload
	Finalized bool

	// Retryable marks payloads handed back for rescheduling with backoff
	Retryable bool
	Reason    DropReason
}

type Config struct {
	// Destination is the destination domain id, used in logs and metrics
	Destination uint64

	// QueueSize bounds the channels connecting the stages
	QueueSize int

	// TickInterval is how often the inclusion and confirmation loops wake up
	// when their input channels are idle
	TickInterval time.Duration

	// ResubmitInterval is the minimum time between two submissions of the
	// same logical transaction
	ResubmitInterval time.Duration

	// MaxSubmissionAttempts drops a transaction's payloads permanently once
	// exceeded by non-transient churn; 0 means unbounded
	MaxSubmissionAttempts uint64
}

func DefaultConfig() *Config {
	return &Config{
		QueueSize:        1024,
		TickInterval:     time.Second,
		ResubmitInterval: 30 * time.Second,
	}
}

// Dispatcher drives payloads through the three stage pipeline:
// Building -> Inclusion -> Confirmation. Each stage is an independent loop;
// ownership of a transaction transfers between stages via channels, never
// through shared mutable access.
type Dispatcher struct {
	logger  hclog.Logger
	config  *Config
	adapter ChainAdapter

	payloads PayloadStore
	txs      TransactionStore
	nonces   NonceManager

	buildCh     chan *Payload
	inclusionCh chan *Transaction
	confirmCh   chan *Transaction
	resultCh    chan *PayloadResult
}

func NewDispatcher(
	logger hclog.Logger,
	config *Config,
	adapter ChainAdapter,
	payloads PayloadStore,
	txs TransactionStore,
	nonces NonceManager,
) *Dispatcher {
	return &Dispatcher{
		logger:      logger.Named("dispatcher"),
		config:      config,
		adapter:     adapter,
		payloads:    payloads,
		txs:         txs,
		nonces:      nonces,
		buildCh:     make(chan *Payload, config.QueueSize),
		inclusionCh: make(chan *Transaction, config.QueueSize),
		confirmCh:   make(chan *Transaction, config.QueueSize),
		resultCh:    make(chan *PayloadResult, config.QueueSize),
	}
}

// Start recovers in-flight work from the stores and runs the stage loops
// until the context is cancelled
func (d *Dispatcher) Start(ctx context.Context) error {
	if err := d.recover(ctx); err != nil {
		return err
	}

	go d.runBuildingLoop(ctx)
	go d.runInclusionLoop(ctx)
	go d.runConfirmationLoop(ctx)
	go d.runMetricsLoop(ctx)

	return nil
}

// Submit enters a payload into the building stage. The payload must already
// be persisted by the caller.
func (d *Dispatcher) Submit(ctx context.Context, payload *Payload) error {
	select {
	case d.buildCh <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results delivers one event per payload leaving the pipeline
func (d *Dispatcher) Results() <-chan *PayloadResult {
	return d.resultCh
}

// recover reloads unfinished work after a restart: pending transactions
// re-enter inclusion, included ones re-enter confirmation and unbound ready
// payloads re-enter building
func (d *Dispatcher) recover(ctx context.Context) error {
	pending, err := d.txs.TransactionsByStatus(TxPendingInclusion)
	if err != nil {
		return err
	}

	included, err := d.txs.TransactionsByStatus(TxIncluded)
	if err != nil {
		return err
	}

	ready, err := d.payloads.PayloadsByState(PayloadReadyToSubmit)
	if err != nil {
		return err
	}

	d.logger.Info("recovered in-flight state",
		"pending", len(pending), "included", len(included), "ready", len(ready))

	go func() {
		for _, tx := range pending {
			select {
			case d.inclusionCh <- tx:
			case <-ctx.Done():
				return
			}
		}

		for _, tx := range included {
			select {
			case d.confirmCh <- tx:
			case <-ctx.Done():
				return
			}
		}

		for _, p := range ready {
			select {
			case d.buildCh <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

func (d *Dispatcher) runMetricsLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetGauge([]string{dispatcherMetrics, "building_queue_depth"}, float32(len(d.buildCh)))
			metrics.SetGauge([]string{dispatcherMetrics, "inclusion_queue_depth"}, float32(len(d.inclusionCh)))
			metrics.SetGauge([]string{dispatcherMetrics, "confirmation_queue_depth"}, float32(len(d.confirmCh)))
			metrics.SetGauge([]string{dispatcherMetrics, "liveness"}, float32(time.Now().Unix()))
		}
	}
}

// emitResult reports a payload leaving the pipeline. Results are best effort:
// if nobody consumes them the pipeline must not stall.
func (d *Dispatcher) emitResult(res *PayloadResult) {
	select {
	case d.resultCh <- res:
	default:
		d.logger.Warn("result channel full, dropping event", "payload", res.Payload.ID)
	}
}

// dropPayload moves a payload into its terminal dropped state and reports it
func (d *Dispatcher) dropPayload(payload *Payload, reason DropReason) {
	payload.Status = Dropped(reason)

	if err := d.payloads.StorePayload(payload); err != nil {
		d.logger.Error("failed to persist dropped payload", "payload", payload.ID, "err", err)
	}

	metrics.IncrCounterWithLabels(
		[]string{dispatcherMetrics, "dropped_payloads"},
		1,
		[]metrics.Label{{Name: "reason", Value: string(reason)}},
	)

	d.emitResult(&PayloadResult{Payload: payload, Reason: reason})
}

// finalizePayload moves a payload into its terminal success state and reports it
func (d *Dispatcher) finalizePayload(payload *Payload) {
	payload.Status = InTransaction(TxFinalized)

	if err := d.payloads.StorePayload(payload); err != nil {
		d.logger.Error("failed to persist finalized payload", "payload", payload.ID, "err", err)
	}

	metrics.IncrCounter([]string{dispatcherMetrics, "finalized_payloads"}, 1)

	d.emitResult(&PayloadResult{Payload: payload, Finalized: true})
}

// loadPayloads resolves the payloads bound to a transaction through the store
func (d *Dispatcher) loadPayloads(tx *Transaction) []*Payload {
	result := make([]*Payload, 0, len(tx.PayloadIDs))

	for _, id := range tx.PayloadIDs {
		payload, err := d.payloads.LoadPayload(id)
		if err != nil {
			d.logger.Error("failed to load payload bound to transaction",
				"payload", id, "tx", tx.ID, "err", err)

			continue
		}

		result = append(result, payload)
	}

	return result
}
