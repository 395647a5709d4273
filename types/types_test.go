package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytesToAddressRightAligns(t *testing.T) {
	t.Parallel()

	// short input lands in the low-order bytes
	addr := BytesToAddress([]byte{0x1})
	assert.Equal(t, "0x0000000000000000000000000000000000000001", addr.String())

	// oversized input keeps the trailing bytes
	long := make([]byte, 32)
	long[31] = 0xff
	assert.Equal(t, byte(0xff), BytesToAddress(long)[AddressLength-1])
}

func TestStringToHash(t *testing.T) {
	t.Parallel()

	h := StringToHash("0x1")
	assert.Equal(t, byte(0x1), h[HashLength-1])
	assert.Equal(t, ZeroHash, StringToHash("0x0"))
	assert.Equal(t, h, StringToHash("1"))
}

func TestAddressTextRoundtrip(t *testing.T) {
	t.Parallel()

	original := Address{0xde, 0xad, 0xbe, 0xef}

	text, err := original.MarshalText()
	assert.NoError(t, err)

	var decoded Address
	assert.NoError(t, decoded.UnmarshalText(text))
	assert.Equal(t, original, decoded)
}
