package hpack

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	xhpack "golang.org/x/net/http2/hpack"
)

// The transport emits literal-without-indexing blocks; the receive-side
// full decoder must accept them byte-for-byte.
func TestFullDecoderAcceptsLiteralBlocks(t *testing.T) {
	fields := []HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":path", Value: "/echo.Echo/Say"},
		{Name: "content-type", Value: "application/grpc"},
		{Name: "grpc-timeout", Value: "5000000u"},
	}
	block, err := EncodeFields(fields)
	require.NoError(t, err)

	c := NewCodec(4096)
	decoded, err := c.Decode(block)
	require.NoError(t, err)
	require.Equal(t, fields, decoded)
}

// Peers are free to use indexing and Huffman coding; the Codec must decode
// those forms too, not just the literal representation this side emits.
func TestCodecDecodesIndexedAndHuffman(t *testing.T) {
	var buf bytes.Buffer
	enc := xhpack.NewEncoder(&buf)
	require.NoError(t, enc.WriteField(xhpack.HeaderField{Name: ":method", Value: "POST"}))
	require.NoError(t, enc.WriteField(xhpack.HeaderField{Name: "user-agent", Value: "grpc-go-client/1.0"}))

	c := NewCodec(4096)
	decoded, err := c.Decode(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, []HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: "user-agent", Value: "grpc-go-client/1.0"},
	}, decoded)
}

func TestCodecRejectsMalformedBlock(t *testing.T) {
	c := NewCodec(4096)
	_, err := c.Decode([]byte{0x00, 0x7F}) // literal header with truncated name length
	require.Error(t, err)
}
