package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/portalgrid/relayer/types"
)

// memPayloadStore is an in-memory PayloadStore. Values are copied through JSON
// to match the isolation of the real store.
type memPayloadStore struct {
	mux   sync.Mutex
	items map[string][]byte
}

func newMemPayloadStore() *memPayloadStore {
	return &memPayloadStore{items: make(map[string][]byte)}
}

func (s *memPayloadStore) StorePayload(payload *Payload) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	s.items[payload.ID] = value

	return nil
}

func (s *memPayloadStore) LoadPayload(id string) (*Payload, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	value, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("payload not found: %s", id)
	}

	payload := &Payload{}

	return payload, json.Unmarshal(value, payload)
}

func (s *memPayloadStore) PayloadsByState(state PayloadState) ([]*Payload, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	var result []*Payload

	for _, value := range s.items {
		payload := &Payload{}
		if err := json.Unmarshal(value, payload); err != nil {
			return nil, err
		}

		if payload.Status.State == state {
			result = append(result, payload)
		}
	}

	return result, nil
}

type memTxStore struct {
	mux   sync.Mutex
	items map[string][]byte
}

func newMemTxStore() *memTxStore {
	return &memTxStore{items: make(map[string][]byte)}
}

func (s *memTxStore) StoreTransaction(tx *Transaction) error {
	value, err := json.Marshal(tx)
	if err != nil {
		return err
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	s.items[tx.ID] = value

	return nil
}

func (s *memTxStore) LoadTransaction(id string) (*Transaction, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	value, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("transaction not found: %s", id)
	}

	tx := &Transaction{}

	return tx, json.Unmarshal(value, tx)
}

func (s *memTxStore) TransactionsByStatus(statuses ...TransactionStatus) ([]*Transaction, error) {
	wanted := make(map[TransactionStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}

	s.mux.Lock()
	defer s.mux.Unlock()

	var result []*Transaction

	for _, value := range s.items {
		tx := &Transaction{}
		if err := json.Unmarshal(value, tx); err != nil {
			return nil, err
		}

		if _, ok := wanted[tx.Status]; ok {
			result = append(result, tx)
		}
	}

	return result, nil
}

// mockNonceManager hands out sequential nonces and records frees and commits
type mockNonceManager struct {
	mux       sync.Mutex
	next      uint64
	freed     []uint64
	committed []uint64
}

func (m *mockNonceManager) AssignNextNonce(_ context.Context, tx *Transaction) (uint64, error) {
	m.mux.Lock()
	defer m.mux.Unlock()

	if tx.Nonce != nil {
		return *tx.Nonce, nil
	}

	nonce := m.next
	m.next++
	tx.Nonce = &nonce

	return nonce, nil
}

func (m *mockNonceManager) FreeNonce(_ types.Address, nonce uint64, _ string) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.freed = append(m.freed, nonce)

	return nil
}

func (m *mockNonceManager) CommitNonce(_ types.Address, nonce uint64, _ string) error {
	m.mux.Lock()
	defer m.mux.Unlock()

	m.committed = append(m.committed, nonce)

	return nil
}

func (m *mockNonceManager) NonceGapExists(types.Address) bool {
	return false
}

func (m *mockNonceManager) committedNonces() []uint64 {
	m.mux.Lock()
	defer m.mux.Unlock()

	return append([]uint64(nil), m.committed...)
}

func (m *mockNonceManager) freedNonces() []uint64 {
	m.mux.Lock()
	defer m.mux.Unlock()

	return append([]uint64(nil), m.freed...)
}

// mockAdapter is a scripted ChainAdapter. Statuses are consumed one per
// TxStatus poll; the last one repeats forever.
type mockAdapter struct {
	mux sync.Mutex

	signer types.Address

	buildErr  error
	submitErr error

	statuses  []TransactionStatus
	reverted  []string
	delivered []string

	submitted int
	replaced  int
	builds    int
}

func newMockAdapter() *mockAdapter {
	return &mockAdapter{
		signer:   types.Address{0xaa},
		statuses: []TransactionStatus{TxFinalized},
	}
}

func (a *mockAdapter) BuildTransactions(_ context.Context, payloads []*Payload) []TxBuildingResult {
	a.mux.Lock()
	defer a.mux.Unlock()

	a.builds++

	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		ids = append(ids, p.ID)
	}

	if a.buildErr != nil {
		return []TxBuildingResult{{PayloadIDs: ids, Err: a.buildErr}}
	}

	return []TxBuildingResult{{
		PayloadIDs: ids,
		Tx:         NewTransaction(a.signer, json.RawMessage(`{"gas":21000}`), ids),
	}}
}

func (a *mockAdapter) SimulateTx(context.Context, *Transaction) (bool, error) {
	return true, nil
}

func (a *mockAdapter) EstimateTx(context.Context, *Transaction) error {
	return nil
}

func (a *mockAdapter) SubmitTx(_ context.Context, tx *Transaction) error {
	a.mux.Lock()
	defer a.mux.Unlock()

	if a.submitErr != nil {
		return a.submitErr
	}

	a.submitted++
	tx.SubmissionAttempts++
	tx.AddHash(types.Hash{byte(a.submitted)})

	return nil
}

func (a *mockAdapter) ReplaceTx(_ context.Context, tx *Transaction) error {
	a.mux.Lock()
	defer a.mux.Unlock()

	if a.submitErr != nil {
		return a.submitErr
	}

	a.replaced++
	tx.SubmissionAttempts++
	tx.AddHash(types.Hash{0xf0, byte(a.replaced)})

	return nil
}

func (a *mockAdapter) TxStatus(context.Context, *Transaction) (TransactionStatus, error) {
	a.mux.Lock()
	defer a.mux.Unlock()

	status := a.statuses[0]
	if len(a.statuses) > 1 {
		a.statuses = a.statuses[1:]
	}

	return status, nil
}

func (a *mockAdapter) TxHashStatus(context.Context, types.Hash) (TransactionStatus, error) {
	return TxPendingInclusion, nil
}

func (a *mockAdapter) RevertedPayloads(context.Context, *Transaction) ([]string, error) {
	a.mux.Lock()
	defer a.mux.Unlock()

	return a.reverted, nil
}

func (a *mockAdapter) SucceededPayloads(context.Context, []*Payload) ([]string, error) {
	a.mux.Lock()
	defer a.mux.Unlock()

	return a.delivered, nil
}

func (a *mockAdapter) SignerNonces(context.Context, types.Address) (uint64, uint64, error) {
	return 0, 0, nil
}

func (a *mockAdapter) Signer() types.Address {
	return a.signer
}

func (a *mockAdapter) MaxBatchSize() int {
	return 16
}

func (a *mockAdapter) EstimatedBlockTime() time.Duration {
	return time.Millisecond
}

func (a *mockAdapter) setSubmitErr(err error) {
	a.mux.Lock()
	defer a.mux.Unlock()

	a.submitErr = err
}

func (a *mockAdapter) submissions() int {
	a.mux.Lock()
	defer a.mux.Unlock()

	return a.submitted
}

func (a *mockAdapter) replacements() int {
	a.mux.Lock()
	defer a.mux.Unlock()

	return a.replaced
}
