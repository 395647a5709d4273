// Package scheduler implements the message-level scheduler: one priority
// queue of pending operations per destination domain, feeding payloads into
// the dispatch pipeline and absorbing completion and retry signals back.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
)

// schedulerMetrics is the prefix used for scheduler metrics
const schedulerMetrics = "scheduler"

var (
	ErrUnknownMessage   = errors.New("unknown message id")
	ErrNotReprocessable = errors.New("operation is not in an archived state")
)

type Config struct {
	// BaseRetryDelay seeds the exponential backoff
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps a single backoff interval
	MaxRetryDelay time.Duration

	// RetryExponent is the backoff growth factor
	RetryExponent float64

	// MaxRetries drops an operation permanently once exceeded
	MaxRetries uint32

	// FairnessMixing switches queue order from strict priority to a salted
	// hash of the message id
	FairnessMixing bool

	// MixingSalt feeds the fairness hash
	MixingSalt uint64
}

func DefaultConfig() *Config {
	return &Config{
		BaseRetryDelay: time.Second,
		MaxRetryDelay:  time.Minute,
		RetryExponent:  2.0,
		MaxRetries:     20,
	}
}

// Scheduler owns one queue per destination domain. Lock sections never
// perform I/O; all chain interaction happens downstream in the dispatcher.
type Scheduler struct {
	logger hclog.Logger
	config *Config

	mux    sync.Mutex
	queues map[uint64]*opQueue

	// archive holds operations in a terminal state, keyed by message id, so
	// the admin surface can reprocess them
	archive map[string]*PendingOperation

	seq uint64
}

func NewScheduler(logger hclog.Logger, config *Config) *Scheduler {
	return &Scheduler{
		logger:  logger.Named("scheduler"),
		config:  config,
		queues:  make(map[uint64]*opQueue),
		archive: make(map[string]*PendingOperation),
	}
}

// Push enters an operation into its destination queue
func (s *Scheduler) Push(op *PendingOperation) {
	op.seq = atomic.AddUint64(&s.seq, 1)
	op.Status = StatusReadyToSubmit

	if s.config.FairnessMixing {
		op.mixKey = mixKey(op.MessageID, s.config.MixingSalt)
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	s.queueFor(op.Destination).push(op)

	metrics.IncrCounter([]string{schedulerMetrics, "pushed_operations"}, 1)
}

// PopBatch removes up to n operations that are ready for an attempt from the
// destination's queue. Operations still waiting out a backoff stay queued
// without losing their position.
func (s *Scheduler) PopBatch(destination uint64, n int) []*PendingOperation {
	now := time.Now()

	s.mux.Lock()
	defer s.mux.Unlock()

	queue := s.queueFor(destination)

	var (
		batch   []*PendingOperation
		skipped []*PendingOperation
	)

	for len(batch) < n && queue.Len() > 0 {
		op := queue.pop()

		if !op.Ready(now) {
			skipped = append(skipped, op)

			continue
		}

		op.Status = StatusSubmitted
		batch = append(batch, op)
	}

	for _, op := range skipped {
		queue.push(op)
	}

	metrics.SetGauge([]string{schedulerMetrics, "queue_depth"}, float32(queue.Len()))

	return batch
}

// RequeueWithBackoff returns a failed operation to its queue with the next
// attempt pushed out exponentially. Exceeding the retry budget drops it.
func (s *Scheduler) RequeueWithBackoff(op *PendingOperation, reason string) {
	op.Retries++
	op.RetryReason = reason

	if op.Retries > s.config.MaxRetries {
		s.logger.Warn("operation exceeded retry budget, dropping",
			"message", op.MessageID, "retries", op.Retries, "reason", reason)
		s.Drop(op, fmt.Sprintf("retry budget exceeded: %s", reason))

		return
	}

	delay := jitter(retryDelay(
		s.config.BaseRetryDelay,
		s.config.MaxRetryDelay,
		s.config.RetryExponent,
		op.Retries,
	))

	op.Status = StatusRetry
	op.NextAttempt = time.Now().Add(delay)

	s.logger.Debug("requeued operation with backoff",
		"message", op.MessageID, "retries", op.Retries, "delay", delay, "reason", reason)

	s.mux.Lock()
	defer s.mux.Unlock()

	s.queueFor(op.Destination).push(op)

	metrics.IncrCounter([]string{schedulerMetrics, "retried_operations"}, 1)
}

// Confirm archives an operation whose delivery finalized
func (s *Scheduler) Confirm(op *PendingOperation) {
	op.Status = StatusConfirmed
	s.archiveOp(op)

	metrics.IncrCounter([]string{schedulerMetrics, "confirmed_operations"}, 1)
}

// Drop archives an operation that is permanently abandoned
func (s *Scheduler) Drop(op *PendingOperation, reason string) {
	op.Status = StatusDropped
	op.RetryReason = reason
	s.archiveOp(op)

	metrics.IncrCounterWithLabels(
		[]string{schedulerMetrics, "dropped_operations"},
		1,
		[]metrics.Label{{Name: "reason", Value: reason}},
	)
}

// Reprocess re-injects an archived operation with a manual retry status,
// resetting its retry budget. This is the admin escape hatch for messages
// dropped by the automatic policy.
func (s *Scheduler) Reprocess(messageID string) error {
	s.mux.Lock()
	op, ok := s.archive[messageID]

	if !ok {
		s.mux.Unlock()

		return fmt.Errorf("%w: %s", ErrUnknownMessage, messageID)
	}

	if op.Status != StatusDropped && op.Status != StatusConfirmed {
		s.mux.Unlock()

		return fmt.Errorf("%w: %s is %s", ErrNotReprocessable, messageID, op.Status)
	}

	delete(s.archive, messageID)
	s.mux.Unlock()

	op.Retries = 0
	op.NextAttempt = time.Time{}
	op.RetryReason = "manual reprocess"

	// terminal payload states only regress through this explicit manual path
	op.Payload.Unbind()

	s.logger.Info("reprocessing message", "message", messageID)
	s.Push(op)

	return nil
}

// Len returns the queue depth for a destination
func (s *Scheduler) Len(destination uint64) int {
	s.mux.Lock()
	defer s.mux.Unlock()

	return s.queueFor(destination).Len()
}

func (s *Scheduler) archiveOp(op *PendingOperation) {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.archive[op.MessageID] = op
}

// queueFor must be called with the scheduler lock held
func (s *Scheduler) queueFor(destination uint64) *opQueue {
	queue, ok := s.queues[destination]
	if !ok {
		queue = newOpQueue(s.config.FairnessMixing)
		s.queues[destination] = queue
	}

	return queue
}
