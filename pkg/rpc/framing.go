package rpc

import (
	"encoding/binary"

	"github.com/rpctransport/rpctransport/pkg/compress"
)

// frameMessage wraps payload in the RPC wire format: a 1-byte compression
// flag, a 4-byte big-endian length, then that many bytes of (possibly
// compressed) message. A message may span multiple DATA frames; the
// connection layer does not need to know the boundary, only this package's
// assembler on read and this function on write.
func frameMessage(payload []byte, algo compress.Algorithm) ([]byte, error) {
	flag := byte(0)
	body := payload
	if algo != "" && algo != compress.Identity {
		compressed, err := compress.Compress(payload, algo)
		if err != nil {
			return nil, err
		}
		body = compressed
		flag = 1
	}

	out := make([]byte, 5+len(body))
	out[0] = flag
	binary.BigEndian.PutUint32(out[1:5], uint32(len(body)))
	copy(out[5:], body)
	return out, nil
}

// messageAssembler reconstructs framed messages from a stream of possibly
// partial DATA payloads; a message may span multiple DATA frames.
type messageAssembler struct {
	buf  []byte
	algo compress.Algorithm
}

func (m *messageAssembler) push(data []byte) {
	m.buf = append(m.buf, data...)
}

// next extracts one complete message if enough bytes have accumulated,
// decompressing it according to the call's negotiated algorithm.
func (m *messageAssembler) next() (msg []byte, ok bool, err error) {
	if len(m.buf) < 5 {
		return nil, false, nil
	}
	length := binary.BigEndian.Uint32(m.buf[1:5])
	if uint32(len(m.buf)) < 5+length {
		return nil, false, nil
	}

	compressed := m.buf[0] == 1
	body := make([]byte, length)
	copy(body, m.buf[5:5+length])
	m.buf = append([]byte(nil), m.buf[5+length:]...)

	if compressed {
		algo := m.algo
		if algo == "" {
			algo = compress.Gzip
		}
		body, err = compress.Decompress(body, algo, 0)
		if err != nil {
			return nil, false, err
		}
	}
	return body, true, nil
}
