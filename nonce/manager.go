// Package nonce implements per-signer exclusive nonce assignment with crash
// recovery. Boundaries are tracked exclusively, transaction-count style:
// finalized is the lowest nonce not yet irreversible on chain and upper is
// the lowest nonce never assigned, so a fresh assignment is always
// max(upper, finalized).
package nonce

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/go-metrics"
	"github.com/hashicorp/go-hclog"
	"github.com/sethvargo/go-retry"

	"github.com/portalgrid/relayer/dispatcher"
	"github.com/portalgrid/relayer/types"
)

// nonceMetrics is the prefix used for nonce manager metrics
const nonceMetrics = "nonce"

// Status is the derived state of one (signer, nonce) record
type Status string

const (
	// StatusTaken - exclusively held by one in-flight transaction
	StatusTaken Status = "taken"
	// StatusFreed - released after a drop, available for reassignment
	StatusFreed Status = "freed"
	// StatusCommitted - the holding transaction finalized, never reused
	StatusCommitted Status = "committed"
)

// Record binds one (signer, nonce) to a transaction
type Record struct {
	TxID   string `json:"txId"`
	Status Status `json:"status"`
}

// Store persists nonce bindings and per-signer boundaries
type Store interface {
	// Bounds returns the persisted (finalized, upper) pair for a signer;
	// found is false for a signer never seen before
	Bounds(signer types.Address) (finalized uint64, upper uint64, found bool, err error)

	// SetBounds persists the boundary pair
	SetBounds(signer types.Address, finalized, upper uint64) error

	// Record returns the binding for (signer, nonce), nil when untracked
	Record(signer types.Address, nonce uint64) (*Record, error)

	// Bind writes the binding for (signer, nonce)
	Bind(signer types.Address, nonce uint64, record *Record) error

	// Assign atomically writes the binding and the advanced upper bound
	Assign(signer types.Address, nonce uint64, txID string, upper uint64) error
}

// ChainReader is the adapter capability the manager needs to refresh
// boundaries from the chain
type ChainReader interface {
	SignerNonces(ctx context.Context, signer types.Address) (finalized uint64, pending uint64, err error)
	EstimatedBlockTime() time.Duration
}

type signerState struct {
	mux sync.Mutex

	loaded    bool
	finalized uint64
	upper     uint64

	// lastRefresh is unix nanos, accessed atomically outside the signer lock
	lastRefresh int64
}

// Manager hands out nonces with mutual exclusion per signer. Independent
// signers proceed concurrently; boundary refresh I/O runs outside any lock.
type Manager struct {
	logger hclog.Logger
	store  Store
	chain  ChainReader

	// inflightWindow is the expected number of in-flight transactions; a
	// larger spread between upper and finalized signals a nonce gap
	inflightWindow uint64

	mux     sync.Mutex
	signers map[types.Address]*signerState
}

var _ dispatcher.NonceManager = (*Manager)(nil)

func NewManager(logger hclog.Logger, store Store, chain ChainReader, inflightWindow uint64) *Manager {
	return &Manager{
		logger:         logger.Named("nonce"),
		store:          store,
		chain:          chain,
		inflightWindow: inflightWindow,
		signers:        make(map[types.Address]*signerState),
	}
}

// AssignNextNonce ensures the transaction carries a usable nonce and returns
// it. A nonce already held by the transaction and still valid is kept;
// everything else gets a fresh assignment.
func (m *Manager) AssignNextNonce(ctx context.Context, tx *dispatcher.Transaction) (uint64, error) {
	state := m.signerState(tx.Signer)

	// boundary refresh does chain I/O, keep it outside the signer lock
	m.refreshBounds(ctx, tx.Signer, state)

	state.mux.Lock()
	defer state.mux.Unlock()

	if !state.loaded {
		if err := m.loadBounds(tx.Signer, state); err != nil {
			return 0, err
		}
	}

	if nonce, keep := m.validateAssignedNonce(tx, state); keep {
		return nonce, nil
	}

	next := state.upper
	if state.finalized > next {
		next = state.finalized
	}

	if err := m.store.Assign(tx.Signer, next, tx.ID, next+1); err != nil {
		return 0, err
	}

	state.upper = next + 1
	tx.Nonce = &next

	metrics.SetGauge([]string{nonceMetrics, "upper"}, float32(state.upper))
	m.logger.Debug("assigned fresh nonce",
		"signer", tx.Signer, "nonce", next, "tx", tx.ID)

	return next, nil
}

// validateAssignedNonce classifies a nonce the transaction already carries.
// It returns keep=true only when the nonce is still exclusively held by this
// transaction and not stale. Must be called with the signer lock held.
func (m *Manager) validateAssignedNonce(tx *dispatcher.Transaction, state *signerState) (uint64, bool) {
	if tx.Nonce == nil {
		return 0, false
	}

	nonce := *tx.Nonce

	record, err := m.store.Record(tx.Signer, nonce)
	if err != nil {
		m.logger.Error("failed to load nonce record, assigning fresh",
			"signer", tx.Signer, "nonce", nonce, "err", err)

		return 0, false
	}

	switch {
	case record == nil:
		// untracked, e.g. assigned by a previous deployment
		return 0, false

	case record.TxID != tx.ID:
		// two transactions ended up on one nonce; self-heal by moving this
		// one off it
		m.logger.Warn("nonce bound to a different transaction",
			"signer", tx.Signer, "nonce", nonce, "holder", record.TxID, "tx", tx.ID)

		return 0, false

	case record.Status == StatusFreed:
		return 0, false

	case record.Status == StatusTaken && nonce < state.finalized:
		// stale: the chain finalized past it while we were not looking
		return 0, false

	case record.Status == StatusTaken:
		return nonce, true
	}

	// committed records never come back
	return 0, false
}

// FreeNonce releases a nonce after its transaction was dropped, making it
// available for reassignment
func (m *Manager) FreeNonce(signer types.Address, nonce uint64, txID string) error {
	state := m.signerState(signer)

	state.mux.Lock()
	defer state.mux.Unlock()

	record, err := m.store.Record(signer, nonce)
	if err != nil {
		return err
	}

	if record == nil || record.TxID != txID {
		m.logger.Warn("refusing to free nonce held by another transaction",
			"signer", signer, "nonce", nonce, "tx", txID)

		return nil
	}

	// the upper boundary stays put: a freed nonce is only usable again once
	// the chain finalizes past it, otherwise a replacement could race the
	// original submission still sitting in some mempool
	if err := m.store.Bind(signer, nonce, &Record{TxID: txID, Status: StatusFreed}); err != nil {
		return err
	}

	m.logger.Debug("freed nonce", "signer", signer, "nonce", nonce, "tx", txID)

	return nil
}

// CommitNonce marks a nonce irreversible after its transaction finalized
func (m *Manager) CommitNonce(signer types.Address, nonce uint64, txID string) error {
	state := m.signerState(signer)

	state.mux.Lock()
	defer state.mux.Unlock()

	if err := m.store.Bind(signer, nonce, &Record{TxID: txID, Status: StatusCommitted}); err != nil {
		return err
	}

	if nonce >= state.finalized {
		state.finalized = nonce + 1

		if state.upper < state.finalized {
			state.upper = state.finalized
		}

		if err := m.store.SetBounds(signer, state.finalized, state.upper); err != nil {
			return err
		}
	}

	metrics.SetGauge([]string{nonceMetrics, "finalized"}, float32(state.finalized))

	return nil
}

// NonceGapExists reports whether the spread of in-flight nonces exceeds the
// expected window, a backpressure signal for pausing new submissions
func (m *Manager) NonceGapExists(signer types.Address) bool {
	state := m.signerState(signer)

	state.mux.Lock()
	defer state.mux.Unlock()

	gap := state.upper - state.finalized
	metrics.SetGauge([]string{nonceMetrics, "inflight_gap"}, float32(gap))

	return gap > m.inflightWindow
}

// ResetUpperNonce is the administrative override for stuck signers: it forces
// the upper boundary, abandoning any in-flight assignments above it
func (m *Manager) ResetUpperNonce(signer types.Address, upper uint64) error {
	state := m.signerState(signer)

	state.mux.Lock()
	defer state.mux.Unlock()

	if !state.loaded {
		if err := m.loadBounds(signer, state); err != nil {
			return err
		}
	}

	m.logger.Info("resetting upper nonce",
		"signer", signer, "from", state.upper, "to", upper)

	state.upper = upper

	return m.store.SetBounds(signer, state.finalized, state.upper)
}

func (m *Manager) signerState(signer types.Address) *signerState {
	m.mux.Lock()
	defer m.mux.Unlock()

	state, ok := m.signers[signer]
	if !ok {
		state = &signerState{}
		m.signers[signer] = state
	}

	return state
}

// loadBounds hydrates in-memory boundaries from the store after a restart.
// Must be called with the signer lock held.
func (m *Manager) loadBounds(signer types.Address, state *signerState) error {
	finalized, upper, found, err := m.store.Bounds(signer)
	if err != nil {
		return err
	}

	if found {
		state.finalized = finalized
		state.upper = upper
	}

	state.loaded = true

	return nil
}

// refreshBounds reconciles boundaries with the chain, rate-limited to once
// per estimated block interval. The RPC runs outside the signer lock.
func (m *Manager) refreshBounds(ctx context.Context, signer types.Address, state *signerState) {
	interval := m.chain.EstimatedBlockTime()
	last := atomic.LoadInt64(&state.lastRefresh)
	now := time.Now().UnixNano()

	if now-last < interval.Nanoseconds() {
		return
	}

	if !atomic.CompareAndSwapInt64(&state.lastRefresh, last, now) {
		return // another goroutine took the refresh
	}

	var chainFinalized uint64

	err := retry.Do(ctx, retry.WithMaxRetries(3, retry.NewExponential(250*time.Millisecond)),
		func(ctx context.Context) error {
			var rpcErr error
			chainFinalized, _, rpcErr = m.chain.SignerNonces(ctx, signer)

			if rpcErr != nil {
				return retry.RetryableError(rpcErr)
			}

			return nil
		})
	if err != nil {
		m.logger.Warn("failed to refresh nonce bounds", "signer", signer, "err", err)

		return
	}

	state.mux.Lock()
	defer state.mux.Unlock()

	if !state.loaded {
		if err := m.loadBounds(signer, state); err != nil {
			m.logger.Error("failed to load nonce bounds", "signer", signer, "err", err)

			return
		}
	}

	if chainFinalized > state.finalized {
		state.finalized = chainFinalized

		if state.upper < state.finalized {
			state.upper = state.finalized
		}

		if err := m.store.SetBounds(signer, state.finalized, state.upper); err != nil {
			m.logger.Error("failed to persist refreshed bounds", "signer", signer, "err", err)
		}
	}
}
