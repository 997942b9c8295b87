// Package frame implements the HTTP/2 framing codec: the fixed 9-byte
// frame header plus raw byte-level builders for the frame types this
// transport emits directly (SETTINGS, PING, WINDOW_UPDATE, GOAWAY,
// RST_STREAM). HEADERS/DATA and the frame read loop go through
// golang.org/x/net/http2 instead.
package frame

import (
	"bytes"
	"encoding/binary"

	"golang.org/x/net/http2"

	"github.com/rpctransport/rpctransport/pkg/errors"
)

// Preface is the fixed 24-byte connection preface a client sends to
// announce HTTP/2 on a new connection.
const Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

// HeaderSize is the fixed size of an HTTP/2 frame header.
const HeaderSize = 9

// Header is the parsed 9-byte frame header.
type Header struct {
	Length   uint32
	Type     http2.FrameType
	Flags    http2.Flags
	StreamID uint32
}

// Builder constructs raw frames at the byte level, reusing a scratch buffer
// across calls.
type Builder struct {
	buf bytes.Buffer
}

// NewBuilder returns a ready-to-use Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build encodes a single frame: the 9-byte header (length/type/flags/
// stream-id, reserved bit cleared) followed by payload.
func (b *Builder) Build(frameType http2.FrameType, flags http2.Flags, streamID uint32, payload []byte) []byte {
	b.buf.Reset()

	header := make([]byte, HeaderSize)
	length := uint32(len(payload))
	header[0] = byte(length >> 16)
	header[1] = byte(length >> 8)
	header[2] = byte(length)
	header[3] = byte(frameType)
	header[4] = byte(flags)
	binary.BigEndian.PutUint32(header[5:9], streamID&0x7fffffff)

	b.buf.Write(header)
	if len(payload) > 0 {
		b.buf.Write(payload)
	}

	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// Settings builds a SETTINGS frame (or its ACK, when ack is true and
// settings is empty).
func (b *Builder) Settings(settings map[http2.SettingID]uint32, ack bool) []byte {
	var payload bytes.Buffer
	for id, value := range settings {
		binary.Write(&payload, binary.BigEndian, uint16(id))
		binary.Write(&payload, binary.BigEndian, value)
	}

	var flags http2.Flags
	if ack {
		flags = http2.FlagSettingsAck
	}
	return b.Build(http2.FrameSettings, flags, 0, payload.Bytes())
}

// Ping builds a PING frame carrying an 8-byte opaque payload.
func (b *Builder) Ping(data [8]byte, ack bool) []byte {
	var flags http2.Flags
	if ack {
		flags = http2.FlagPingAck
	}
	return b.Build(http2.FramePing, flags, 0, data[:])
}

// WindowUpdate builds a WINDOW_UPDATE frame for streamID (0 = connection).
func (b *Builder) WindowUpdate(streamID uint32, increment uint32) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, increment&0x7fffffff)
	return b.Build(http2.FrameWindowUpdate, 0, streamID, payload)
}

// GoAway builds a GOAWAY frame.
func (b *Builder) GoAway(lastStreamID uint32, errorCode http2.ErrCode, debugData []byte) []byte {
	var payload bytes.Buffer
	binary.Write(&payload, binary.BigEndian, lastStreamID&0x7fffffff)
	binary.Write(&payload, binary.BigEndian, uint32(errorCode))
	payload.Write(debugData)
	return b.Build(http2.FrameGoAway, 0, 0, payload.Bytes())
}

// RSTStream builds an RST_STREAM frame.
func (b *Builder) RSTStream(streamID uint32, errorCode http2.ErrCode) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(errorCode))
	return b.Build(http2.FrameRSTStream, 0, streamID, payload)
}

// ParseHeader parses the fixed 9-byte frame header from the front of data
// and returns it along with the frame's payload, which must already be
// present in full: the recv path blocks until length bytes have arrived,
// or fails the connection.
func ParseHeader(data []byte) (Header, []byte, error) {
	if len(data) < HeaderSize {
		return Header{}, nil, errors.NewProtocolError("frame header too short", nil)
	}

	length := uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
	h := Header{
		Length:   length,
		Type:     http2.FrameType(data[3]),
		Flags:    http2.Flags(data[4]),
		StreamID: binary.BigEndian.Uint32(data[5:9]) & 0x7fffffff,
	}

	if len(data) < HeaderSize+int(length) {
		return Header{}, nil, errors.NewProtocolError("incomplete frame", nil)
	}

	return h, data[HeaderSize : HeaderSize+int(length)], nil
}
