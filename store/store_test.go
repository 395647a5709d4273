package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalgrid/relayer/dispatcher"
	"github.com/portalgrid/relayer/nonce"
	"github.com/portalgrid/relayer/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := New(filepath.Join(t.TempDir(), "relayer.db"))
	require.NoError(t, err)

	t.Cleanup(func() { store.Close() })

	return store
}

func TestStore_PayloadRoundtrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	payload := dispatcher.NewPayload(types.Address{0x1}, []byte{0xde, 0xad}, "message-1")
	payload.SuccessCriteria = []byte(`{"to":"0x0","data":"0x"}`)

	require.NoError(t, store.StorePayload(payload))

	loaded, err := store.LoadPayload(payload.ID)
	require.NoError(t, err)

	assert.Equal(t, payload.ID, loaded.ID)
	assert.Equal(t, payload.To, loaded.To)
	assert.Equal(t, payload.Data, loaded.Data)
	assert.Equal(t, payload.Status, loaded.Status)
	assert.Equal(t, payload.SuccessCriteria, loaded.SuccessCriteria)

	_, err = store.LoadPayload("no-such-id")
	require.Error(t, err)
}

func TestStore_PayloadsByState(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	ready := dispatcher.NewPayload(types.Address{0x1}, []byte{0x1}, "ready")
	require.NoError(t, store.StorePayload(ready))

	dropped := dispatcher.NewPayload(types.Address{0x1}, []byte{0x2}, "dropped")
	dropped.Status = dispatcher.Dropped(dispatcher.DropReverted)
	require.NoError(t, store.StorePayload(dropped))

	bound := dispatcher.NewPayload(types.Address{0x1}, []byte{0x3}, "bound")
	tx := dispatcher.NewTransaction(types.Address{0xa}, nil, []string{bound.ID})
	bound.BindToTransaction(tx)
	require.NoError(t, store.StorePayload(bound))

	readySet, err := store.PayloadsByState(dispatcher.PayloadReadyToSubmit)
	require.NoError(t, err)
	require.Len(t, readySet, 1)
	assert.Equal(t, ready.ID, readySet[0].ID)

	boundSet, err := store.PayloadsByState(dispatcher.PayloadInTransaction)
	require.NoError(t, err)
	require.Len(t, boundSet, 1)
	assert.Equal(t, tx.ID, boundSet[0].TxID)
}

func TestStore_TransactionRoundtrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	tx := dispatcher.NewTransaction(types.Address{0xa}, []byte(`{"gas":21000}`), []string{"p-1", "p-2"})
	n := uint64(7)
	tx.Nonce = &n
	tx.AddHash(types.Hash{0x1})
	tx.AddHash(types.Hash{0x2})

	require.NoError(t, store.StoreTransaction(tx))

	loaded, err := store.LoadTransaction(tx.ID)
	require.NoError(t, err)

	assert.Equal(t, tx.Signer, loaded.Signer)
	require.NotNil(t, loaded.Nonce)
	assert.Equal(t, n, *loaded.Nonce)
	assert.Equal(t, tx.PayloadIDs, loaded.PayloadIDs)
	assert.Equal(t, tx.Hashes, loaded.Hashes)
	assert.Equal(t, dispatcher.TxPendingInclusion, loaded.Status)
}

func TestStore_TransactionsByStatus(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)

	pending := dispatcher.NewTransaction(types.Address{0xa}, nil, []string{"p-1"})
	require.NoError(t, store.StoreTransaction(pending))

	included := dispatcher.NewTransaction(types.Address{0xa}, nil, []string{"p-2"})
	included.Status = dispatcher.TxIncluded
	require.NoError(t, store.StoreTransaction(included))

	finalized := dispatcher.NewTransaction(types.Address{0xa}, nil, []string{"p-3"})
	finalized.Status = dispatcher.TxFinalized
	require.NoError(t, store.StoreTransaction(finalized))

	active, err := store.TransactionsByStatus(dispatcher.TxPendingInclusion, dispatcher.TxIncluded)
	require.NoError(t, err)
	require.Len(t, active, 2)

	ids := []string{active[0].ID, active[1].ID}
	assert.Contains(t, ids, pending.ID)
	assert.Contains(t, ids, included.ID)
}

func TestStore_NonceBounds(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	signer := types.Address{0xb}

	_, _, found, err := store.Bounds(signer)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetBounds(signer, 5, 9))

	finalized, upper, found, err := store.Bounds(signer)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(5), finalized)
	assert.Equal(t, uint64(9), upper)
}

func TestStore_NonceRecords(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	signer := types.Address{0xc}

	record, err := store.Record(signer, 3)
	require.NoError(t, err)
	assert.Nil(t, record)

	require.NoError(t, store.Bind(signer, 3, &nonce.Record{TxID: "tx-1", Status: nonce.StatusTaken}))

	record, err = store.Record(signer, 3)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "tx-1", record.TxID)
	assert.Equal(t, nonce.StatusTaken, record.Status)

	// records are keyed per signer
	record, err = store.Record(types.Address{0xd}, 3)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestStore_AssignWritesRecordAndBoundsTogether(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	signer := types.Address{0xe}

	require.NoError(t, store.SetBounds(signer, 2, 4))
	require.NoError(t, store.Assign(signer, 4, "tx-9", 5))

	record, err := store.Record(signer, 4)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "tx-9", record.TxID)
	assert.Equal(t, nonce.StatusTaken, record.Status)

	finalized, upper, found, err := store.Bounds(signer)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2), finalized)
	assert.Equal(t, uint64(5), upper)
}
