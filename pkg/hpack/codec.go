package hpack

import (
	xhpack "golang.org/x/net/http2/hpack"

	"github.com/rpctransport/rpctransport/pkg/errors"
)

// Codec wraps golang.org/x/net/http2/hpack's Decoder for the receive side
// of a connection: peers may use indexed references, Huffman coding, and
// dynamic-table updates, all of which the full decoder handles. The send
// side does not need the mirror-image Encoder: this transport emits only
// the literal-without-indexing representation (EncodeFields), which every
// HPACK decoder accepts.
type Codec struct {
	decoder *xhpack.Decoder
}

// NewCodec builds a Codec with a dynamic table sized per tableSize (bytes).
func NewCodec(tableSize uint32) *Codec {
	return &Codec{decoder: xhpack.NewDecoder(tableSize, nil)}
}

// Decode parses a complete HPACK block (HEADERS + any CONTINUATION payloads
// already concatenated) into header fields.
func (c *Codec) Decode(block []byte) ([]HeaderField, error) {
	hf, err := c.decoder.DecodeFull(block)
	if err != nil {
		return nil, errors.NewHPACKError("decode", err)
	}
	fields := make([]HeaderField, 0, len(hf))
	for _, f := range hf {
		fields = append(fields, HeaderField{Name: f.Name, Value: f.Value})
	}
	return fields, nil
}

// SetMaxDynamicTableSizeLimit updates the decoder's acceptance limit for the
// dynamic table size the peer may request.
func (c *Codec) SetMaxDynamicTableSizeLimit(size uint32) {
	c.decoder.SetAllowedMaxDynamicTableSize(size)
}
