package hpack

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIntegerRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 2, 126, 127, 128, 129, 255, 1000, 16383, 16384, math.MaxUint32 - 1}

	for prefix := uint8(1); prefix <= 7; prefix++ {
		for _, v := range values {
			encoded, err := EncodeInteger(v, prefix)
			require.NoError(t, err)

			decoded, n, err := DecodeInteger(encoded, prefix)
			require.NoError(t, err)
			require.Equal(t, len(encoded), n, "decoder should consume exactly the encoded bytes")
			require.Equal(t, v, decoded)
		}
	}
}

func TestDecodeIntegerRejectsOverflow(t *testing.T) {
	// Five continuation bytes with the high bit set push the shift exponent
	// past 28, which must be rejected rather than silently wrapping.
	input := []byte{0x7F, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x01}
	_, _, err := DecodeInteger(input, 7)
	require.Error(t, err)
}

func TestDecodeIntegerRejectsIncomplete(t *testing.T) {
	input := []byte{0x7F, 0x80} // continuation bit set, stream ends here
	_, _, err := DecodeInteger(input, 7)
	require.Error(t, err)
}

func TestEncodeIntegerRejectsInvalidPrefix(t *testing.T) {
	_, err := EncodeInteger(10, 0)
	require.Error(t, err)
	_, err = EncodeInteger(10, 8)
	require.Error(t, err)
}
