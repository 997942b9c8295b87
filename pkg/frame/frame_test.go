package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		length   uint32
		typ      http2.FrameType
		flags    http2.Flags
		streamID uint32
	}{
		{0, http2.FrameData, 0, 0},
		{16384, http2.FrameHeaders, http2.FlagHeadersEndHeaders, 1},
		{100, http2.FrameSettings, http2.FlagSettingsAck, 0},
		// High bit of stream-id set (reserved); must be cleared on parse.
		{0, http2.FramePing, 0, 0x80000001},
	}

	b := NewBuilder()
	for _, c := range cases {
		payload := make([]byte, c.length)
		raw := b.Build(c.typ, c.flags, c.streamID, payload)

		got, gotPayload, err := ParseHeader(raw)
		require.NoError(t, err)
		require.Equal(t, c.length, got.Length)
		require.Equal(t, c.typ, got.Type)
		require.Equal(t, c.flags, got.Flags)
		require.Equal(t, c.streamID&0x7fffffff, got.StreamID)
		require.Equal(t, int(c.length), len(gotPayload))
	}
}

func TestParseHeaderRejectsShort(t *testing.T) {
	_, _, err := ParseHeader([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestParseHeaderRejectsIncompletePayload(t *testing.T) {
	b := NewBuilder()
	raw := b.Build(http2.FrameData, 0, 1, []byte("hello"))
	_, _, err := ParseHeader(raw[:HeaderSize+2])
	require.Error(t, err)
}

func TestBuildersRoundTrip(t *testing.T) {
	b := NewBuilder()

	ping := b.Ping([8]byte{1, 2, 3, 4, 5, 6, 7, 8}, false)
	h, payload, err := ParseHeader(ping)
	require.NoError(t, err)
	require.Equal(t, http2.FramePing, h.Type)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, payload)

	wu := b.WindowUpdate(5, 1000)
	h, payload, err = ParseHeader(wu)
	require.NoError(t, err)
	require.Equal(t, http2.FrameWindowUpdate, h.Type)
	require.Equal(t, uint32(5), h.StreamID)
	require.Len(t, payload, 4)

	ga := b.GoAway(7, http2.ErrCodeFlowControl, []byte("bye"))
	h, _, err = ParseHeader(ga)
	require.NoError(t, err)
	require.Equal(t, http2.FrameGoAway, h.Type)
}
