package evm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umbracle/ethgo"

	"github.com/portalgrid/relayer/dispatcher"
	"github.com/portalgrid/relayer/types"
)

func TestPrecursorRoundtrip(t *testing.T) {
	t.Parallel()

	tx := dispatcher.NewTransaction(types.Address{0xaa}, nil, []string{"p-1"})

	require.NoError(t, encodePrecursor(tx, &precursor{
		To:       types.Address{0x1},
		Input:    []byte{0xca, 0xfe},
		Gas:      21000,
		GasPrice: 1_000_000_000,
	}))

	pre, err := decodePrecursor(tx)
	require.NoError(t, err)

	assert.Equal(t, types.Address{0x1}, pre.To)
	assert.Equal(t, []byte{0xca, 0xfe}, pre.Input)
	assert.Equal(t, uint64(21000), pre.Gas)
	assert.Equal(t, uint64(1_000_000_000), pre.GasPrice)
}

func TestDecodePrecursorMalformed(t *testing.T) {
	t.Parallel()

	tx := dispatcher.NewTransaction(types.Address{0xaa}, []byte("not json"), []string{"p-1"})

	_, err := decodePrecursor(tx)
	require.ErrorIs(t, err, dispatcher.ErrMalformedTx)
}

func TestIsNonZeroWord(t *testing.T) {
	t.Parallel()

	cases := []struct {
		result   string
		expected bool
	}{
		{"0x0000000000000000000000000000000000000000000000000000000000000001", true},
		{"0x0000000000000000000000000000000000000000000000000000000000000000", false},
		{"0x", false},
		{"", false},
		{"0x01", true},
		{"0x1000000000000000000000000000000000000000000000000000000000000000", true},
	}

	for _, c := range cases {
		assert.Equal(t, c.expected, isNonZeroWord(c.result), "result: %q", c.result)
	}
}

func TestAdapterMaxBatchSizeDefault(t *testing.T) {
	t.Parallel()

	a := &Adapter{config: &Config{}}
	assert.Equal(t, defaultMaxBatchSize, a.MaxBatchSize())

	a.config.MaxBatchSize = 4
	assert.Equal(t, 4, a.MaxBatchSize())
}

func TestStatusFromReceipt(t *testing.T) {
	t.Parallel()

	a := &Adapter{config: &Config{FinalityDepth: 12}}

	cases := []struct {
		name     string
		included uint64
		latest   uint64
		expected dispatcher.TransactionStatus
	}{
		{"just included", 100, 100, dispatcher.TxIncluded},
		{"one short of finality", 100, 111, dispatcher.TxIncluded},
		{"exactly at finality depth", 100, 112, dispatcher.TxFinalized},
		{"deep past finality", 100, 500, dispatcher.TxFinalized},
	}

	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			t.Parallel()

			receipt := &ethgo.Receipt{BlockNumber: c.included}
			assert.Equal(t, c.expected, a.statusFromReceipt(receipt, c.latest))
		})
	}
}
