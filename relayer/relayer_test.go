package relayer

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalgrid/relayer/dispatcher"
	"github.com/portalgrid/relayer/scheduler"
	"github.com/portalgrid/relayer/types"
)

type mockNonceAdmin struct {
	signer types.Address
	upper  uint64
}

func (m *mockNonceAdmin) ResetUpperNonce(signer types.Address, upper uint64) error {
	m.signer = signer
	m.upper = upper

	return nil
}

func newTestRelayer() (*Relayer, *scheduler.Scheduler) {
	sched := scheduler.NewScheduler(hclog.NewNullLogger(), scheduler.DefaultConfig())

	return NewRelayer(hclog.NewNullLogger(), DefaultConfig(), sched, nil), sched
}

func newTestOp(messageID string, destination uint64) *scheduler.PendingOperation {
	return &scheduler.PendingOperation{
		MessageID:   messageID,
		Destination: destination,
		Payload:     dispatcher.NewPayload(types.Address{0x1}, []byte{0x1}, messageID),
	}
}

func TestRelayer_SubmitMessage(t *testing.T) {
	t.Parallel()

	r, sched := newTestRelayer()
	r.RegisterDestination(1, nil, &mockNonceAdmin{}, nil)

	require.NoError(t, r.SubmitMessage(newTestOp("msg-1", 1)))
	assert.Equal(t, 1, sched.Len(1))

	err := r.SubmitMessage(newTestOp("msg-2", 99))
	require.ErrorContains(t, err, "unknown destination domain")
	assert.Equal(t, 0, sched.Len(99))
}

func TestRelayer_ResetUpperNonceRouting(t *testing.T) {
	t.Parallel()

	r, _ := newTestRelayer()

	adminOne := &mockNonceAdmin{}
	adminTwo := &mockNonceAdmin{}
	r.RegisterDestination(1, nil, adminOne, nil)
	r.RegisterDestination(2, nil, adminTwo, nil)

	signer := types.Address{0xbb}
	require.NoError(t, r.ResetUpperNonce(2, signer, 7))

	assert.Equal(t, uint64(7), adminTwo.upper)
	assert.Equal(t, signer, adminTwo.signer)
	assert.Equal(t, uint64(0), adminOne.upper)

	require.ErrorContains(t, r.ResetUpperNonce(3, signer, 1), "unknown destination domain")
}

func TestRelayer_ReprocessDelegatesToScheduler(t *testing.T) {
	t.Parallel()

	r, sched := newTestRelayer()
	r.RegisterDestination(1, nil, &mockNonceAdmin{}, nil)

	require.ErrorIs(t, r.Reprocess("never-seen"), scheduler.ErrUnknownMessage)

	op := newTestOp("dropped-msg", 1)
	sched.Drop(op, "retry budget exceeded")

	require.NoError(t, r.Reprocess("dropped-msg"))
	assert.Equal(t, 1, sched.Len(1))
}
