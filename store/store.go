// Package store persists payloads, transactions and nonce bindings in a
// single bbolt database, one bucket per concern. Values are JSON encoded and
// keyed by uuid (payloads, transactions) or by signer and nonce (bindings).
package store

import (
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"github.com/portalgrid/relayer/dispatcher"
	"github.com/portalgrid/relayer/helper/common"
	"github.com/portalgrid/relayer/nonce"
	"github.com/portalgrid/relayer/types"
)

var (
	payloadsBucket     = []byte("payloads")
	transactionsBucket = []byte("transactions")
	nonceBoundsBucket  = []byte("nonceBounds")
	nonceRecordsBucket = []byte("nonceRecords")

	allBuckets = [][]byte{payloadsBucket, transactionsBucket, nonceBoundsBucket, nonceRecordsBucket}
)

var (
	_ dispatcher.PayloadStore     = (*Store)(nil)
	_ dispatcher.TransactionStore = (*Store)(nil)
	_ nonce.Store                 = (*Store)(nil)
)

type Store struct {
	db *bolt.DB
}

func New(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}

	store := &Store{db: db}

	if err := store.setupDB(); err != nil {
		store.Close()

		return nil, err
	}

	return store, nil
}

func (s *Store) setupDB() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}

		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}

// StorePayload implements the dispatcher.PayloadStore interface
func (s *Store) StorePayload(payload *dispatcher.Payload) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(payloadsBucket).Put([]byte(payload.ID), value)
	})
}

// LoadPayload implements the dispatcher.PayloadStore interface
func (s *Store) LoadPayload(id string) (*dispatcher.Payload, error) {
	var payload *dispatcher.Payload

	if err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(payloadsBucket).Get([]byte(id))
		if value == nil {
			return fmt.Errorf("payload not found: %s", id)
		}

		return json.Unmarshal(value, &payload)
	}); err != nil {
		return nil, err
	}

	return payload, nil
}

// PayloadsByState implements the dispatcher.PayloadStore interface
func (s *Store) PayloadsByState(state dispatcher.PayloadState) ([]*dispatcher.Payload, error) {
	var result []*dispatcher.Payload

	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(payloadsBucket).ForEach(func(_, value []byte) error {
			payload := &dispatcher.Payload{}

			if err := json.Unmarshal(value, payload); err != nil {
				return err
			}

			if payload.Status.State == state {
				result = append(result, payload)
			}

			return nil
		})
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// StoreTransaction implements the dispatcher.TransactionStore interface
func (s *Store) StoreTransaction(transaction *dispatcher.Transaction) error {
	value, err := json.Marshal(transaction)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transactionsBucket).Put([]byte(transaction.ID), value)
	})
}

// LoadTransaction implements the dispatcher.TransactionStore interface
func (s *Store) LoadTransaction(id string) (*dispatcher.Transaction, error) {
	var transaction *dispatcher.Transaction

	if err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(transactionsBucket).Get([]byte(id))
		if value == nil {
			return fmt.Errorf("transaction not found: %s", id)
		}

		return json.Unmarshal(value, &transaction)
	}); err != nil {
		return nil, err
	}

	return transaction, nil
}

// TransactionsByStatus implements the dispatcher.TransactionStore interface
func (s *Store) TransactionsByStatus(
	statuses ...dispatcher.TransactionStatus,
) ([]*dispatcher.Transaction, error) {
	wanted := make(map[dispatcher.TransactionStatus]struct{}, len(statuses))
	for _, status := range statuses {
		wanted[status] = struct{}{}
	}

	var result []*dispatcher.Transaction

	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(transactionsBucket).ForEach(func(_, value []byte) error {
			transaction := &dispatcher.Transaction{}

			if err := json.Unmarshal(value, transaction); err != nil {
				return err
			}

			if _, ok := wanted[transaction.Status]; ok {
				result = append(result, transaction)
			}

			return nil
		})
	}); err != nil {
		return nil, err
	}

	return result, nil
}

// signerBounds is the persisted boundary pair for one signer
type signerBounds struct {
	Finalized uint64 `json:"finalized"`
	Upper     uint64 `json:"upper"`
}

// Bounds implements the nonce.Store interface
func (s *Store) Bounds(signer types.Address) (uint64, uint64, bool, error) {
	var (
		bounds signerBounds
		found  bool
	)

	if err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(nonceBoundsBucket).Get(signer.Bytes())
		if value == nil {
			return nil
		}

		found = true

		return json.Unmarshal(value, &bounds)
	}); err != nil {
		return 0, 0, false, err
	}

	return bounds.Finalized, bounds.Upper, found, nil
}

// SetBounds implements the nonce.Store interface
func (s *Store) SetBounds(signer types.Address, finalized, upper uint64) error {
	value, err := json.Marshal(signerBounds{Finalized: finalized, Upper: upper})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nonceBoundsBucket).Put(signer.Bytes(), value)
	})
}

// Record implements the nonce.Store interface
func (s *Store) Record(signer types.Address, nonceValue uint64) (*nonce.Record, error) {
	var record *nonce.Record

	if err := s.db.View(func(tx *bolt.Tx) error {
		value := tx.Bucket(nonceRecordsBucket).Get(nonceRecordKey(signer, nonceValue))
		if value == nil {
			return nil
		}

		return json.Unmarshal(value, &record)
	}); err != nil {
		return nil, err
	}

	return record, nil
}

// Bind implements the nonce.Store interface
func (s *Store) Bind(signer types.Address, nonceValue uint64, record *nonce.Record) error {
	value, err := json.Marshal(record)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(nonceRecordsBucket).Put(nonceRecordKey(signer, nonceValue), value)
	})
}

// Assign implements the nonce.Store interface. The binding and the advanced
// upper bound are written in one database transaction so a crash between the
// two cannot hand the nonce out twice.
func (s *Store) Assign(signer types.Address, nonceValue uint64, txID string, upper uint64) error {
	record, err := json.Marshal(&nonce.Record{TxID: txID, Status: nonce.StatusTaken})
	if err != nil {
		return err
	}

	finalized, _, _, err := s.Bounds(signer)
	if err != nil {
		return err
	}

	bounds, err := json.Marshal(signerBounds{Finalized: finalized, Upper: upper})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(nonceRecordsBucket).Put(nonceRecordKey(signer, nonceValue), record); err != nil {
			return err
		}

		return tx.Bucket(nonceBoundsBucket).Put(signer.Bytes(), bounds)
	})
}

func nonceRecordKey(signer types.Address, nonceValue uint64) []byte {
	return append(signer.Bytes(), common.EncodeUint64ToBytes(nonceValue)...)
}
