package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendPreservesOrderAndDuplicates(t *testing.T) {
	var md MD
	md.Append("K1", "a")
	md.Append("k2", "b")
	md.Append("k1", "c")

	require.Equal(t, 3, md.Len())
	require.Equal(t, []Pair{{"k1", "a"}, {"k2", "b"}, {"k1", "c"}}, md.Pairs())
	require.Equal(t, []string{"a", "c"}, md.Get("K1"))
}

func TestBinaryRoundTrip(t *testing.T) {
	var md MD
	raw := []byte{0x00, 0xff, 0x10, 0x7f}
	md.AppendBinary("trace", raw)

	require.Equal(t, []string(nil), md.Get("trace"))
	got, err := md.GetBinary("trace")
	require.NoError(t, err)
	require.Equal(t, [][]byte{raw}, got)

	got, err = md.GetBinary("trace-bin")
	require.NoError(t, err)
	require.Equal(t, [][]byte{raw}, got)
}

func TestCloneIsIndependent(t *testing.T) {
	md := New("a", "1")
	clone := md.Clone()
	clone.Append("b", "2")

	require.Equal(t, 1, md.Len())
	require.Equal(t, 2, clone.Len())
}

func TestJoinConcatenatesInOrder(t *testing.T) {
	joined := Join(New("a", "1"), New("b", "2"), New("a", "3"))
	require.Equal(t, []Pair{{"a", "1"}, {"b", "2"}, {"a", "3"}}, joined.Pairs())
}
