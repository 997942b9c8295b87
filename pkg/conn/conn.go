// Package conn implements the HTTP/2 connection layer: the socket, the
// preface/SETTINGS handshake, the single-dispatcher frame read loop, the
// stream table, and the two mutual-exclusion regions (write, stream-table)
// that serialize outbound frames and protect shared stream state. The
// read loop and the HEADERS/DATA/CONTINUATION writes go through
// golang.org/x/net/http2's Framer; the control frames this transport
// emits itself (SETTINGS, PING, WINDOW_UPDATE, GOAWAY, RST_STREAM) are
// built byte-level by pkg/frame and written raw under the same write
// mutex.
package conn

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	xhttp2 "golang.org/x/net/http2"
	"go.uber.org/zap"

	"github.com/rpctransport/rpctransport/pkg/errors"
	"github.com/rpctransport/rpctransport/pkg/flowcontrol"
	"github.com/rpctransport/rpctransport/pkg/frame"
	"github.com/rpctransport/rpctransport/pkg/hpack"
	"github.com/rpctransport/rpctransport/pkg/stream"
)

// Role distinguishes which side of the handshake a Connection plays, which
// determines stream-id parity (client odd, server even).
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// Default connection-level settings advertised in the initial SETTINGS
// exchange.
const (
	DefaultMaxFrameSize         = 16384
	DefaultMaxConcurrentStreams = 100
)

// NewStreamFunc is invoked by a server-role Connection's dispatcher when a
// peer opens a new stream with a HEADERS frame, handing the server the
// connection, the stream, and its decoded initial metadata so it can bind
// a call handler. The connection is passed explicitly because the callback
// can fire before Accept returns to the caller. Implementations must not
// block past the callback's return.
type NewStreamFunc func(c *Connection, s *stream.Stream, fields []hpack.HeaderField, endStream bool)

// Connection is one HTTP/2 connection shared by every stream multiplexed
// on it. Streams are owned by the connection's stream table; callers hold
// non-owning references.
type Connection struct {
	nc     net.Conn
	role   Role
	framer *xhttp2.Framer
	logger *zap.Logger

	// writeMu serializes all outbound bytes so frames are atomic on the
	// wire. builder is only touched under it.
	writeMu sync.Mutex
	builder *frame.Builder

	// tableMu protects the stream table and any per-stream metadata
	// visible to both the dispatcher and caller goroutines.
	tableMu      sync.Mutex
	streams      map[uint32]*stream.Stream
	nextStreamID uint32
	hpackDec     *hpack.Codec

	SendWindow *flowcontrol.Window
	RecvWindow *flowcontrol.Window

	maxFrameSize         uint32
	maxConcurrentStreams uint32

	onNewStream NewStreamFunc

	goAwayMu   sync.Mutex
	goAwayRecv bool
	lastStream uint32

	pingMu  sync.Mutex
	pending map[[8]byte]chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	// headerFrag reassembles a HEADERS block split across CONTINUATION
	// frames; the block is delivered only once END_HEADERS closes it.
	headerFrag struct {
		streamID  uint32
		data      []byte
		endStream bool
		trailers  bool
		active    bool
	}
}

// Dial opens nc as a client-role connection: emits the 24-byte preface and
// a SETTINGS frame, then blocks until the peer's SETTINGS and SETTINGS-ACK
// arrive.
func Dial(nc net.Conn, logger *zap.Logger) (*Connection, error) {
	c := newConnection(nc, RoleClient, logger)
	if _, err := nc.Write([]byte(xhttp2.ClientPreface)); err != nil {
		return nil, errors.NewConnectionError("", 0, err)
	}
	if err := c.writeSettings(false); err != nil {
		return nil, err
	}
	if err := c.awaitPeerSettings(); err != nil {
		return nil, err
	}
	go c.dispatch()
	return c, nil
}

// Accept consumes the client preface on nc and completes the SETTINGS
// exchange as a server-role connection. onNewStream receives every stream
// the peer opens.
func Accept(nc net.Conn, onNewStream NewStreamFunc, logger *zap.Logger) (*Connection, error) {
	if err := expectPreface(nc); err != nil {
		return nil, err
	}
	c := newConnection(nc, RoleServer, logger)
	c.onNewStream = onNewStream
	if err := c.writeSettings(false); err != nil {
		return nil, err
	}
	if err := c.awaitPeerSettings(); err != nil {
		return nil, err
	}
	go c.dispatch()
	return c, nil
}

func newConnection(nc net.Conn, role Role, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	start := uint32(1)
	if role == RoleServer {
		start = 2
	}
	return &Connection{
		nc:                   nc,
		role:                 role,
		framer:               xhttp2.NewFramer(nc, nc),
		builder:              frame.NewBuilder(),
		logger:               logger,
		hpackDec:             hpack.NewCodec(4096),
		streams:              make(map[uint32]*stream.Stream),
		nextStreamID:         start,
		SendWindow:           flowcontrol.NewWindow(flowcontrol.DefaultWindowSize),
		RecvWindow:           flowcontrol.NewWindow(flowcontrol.DefaultWindowSize),
		maxFrameSize:         DefaultMaxFrameSize,
		maxConcurrentStreams: DefaultMaxConcurrentStreams,
		pending:              make(map[[8]byte]chan struct{}),
		closed:               make(chan struct{}),
	}
}

func expectPreface(nc net.Conn) error {
	buf := make([]byte, len(xhttp2.ClientPreface))
	if _, err := io.ReadFull(nc, buf); err != nil {
		return errors.NewProtocolError("reading client preface", err)
	}
	if string(buf) != xhttp2.ClientPreface {
		return errors.NewProtocolError("invalid client preface", nil)
	}
	return nil
}

func (c *Connection) writeSettings(ack bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if ack {
		return c.writeRaw(c.builder.Settings(nil, true))
	}
	return c.writeRaw(c.builder.Settings(map[xhttp2.SettingID]uint32{
		xhttp2.SettingMaxFrameSize:         c.maxFrameSize,
		xhttp2.SettingMaxConcurrentStreams: c.maxConcurrentStreams,
		xhttp2.SettingInitialWindowSize:    flowcontrol.DefaultWindowSize,
	}, false))
}

// writeRaw emits one builder-produced frame. Callers hold writeMu.
func (c *Connection) writeRaw(b []byte) error {
	if _, err := c.nc.Write(b); err != nil {
		return errors.NewIOError("write frame", err)
	}
	return nil
}

// awaitPeerSettings reads frames until the peer's initial SETTINGS and its
// ACK of ours have both been observed.
func (c *Connection) awaitPeerSettings() error {
	sawSettings, sawAck := false, false
	for !sawSettings || !sawAck {
		f, err := c.framer.ReadFrame()
		if err != nil {
			return errors.NewProtocolError("reading handshake frame", err)
		}
		switch fr := f.(type) {
		case *xhttp2.SettingsFrame:
			if fr.IsAck() {
				sawAck = true
				continue
			}
			c.applySettings(fr)
			if err := c.writeSettings(true); err != nil {
				return err
			}
			sawSettings = true
		default:
			// Any other frame prior to SETTINGS is a protocol violation;
			// tolerate WINDOW_UPDATE for peers that front-load one.
			if _, ok := f.(*xhttp2.WindowUpdateFrame); !ok {
				return errors.NewProtocolError("unexpected frame before SETTINGS", nil)
			}
		}
	}
	return nil
}

func (c *Connection) applySettings(fr *xhttp2.SettingsFrame) {
	fr.ForeachSetting(func(s xhttp2.Setting) error {
		switch s.ID {
		case xhttp2.SettingMaxFrameSize:
			c.maxFrameSize = s.Val
		case xhttp2.SettingMaxConcurrentStreams:
			c.maxConcurrentStreams = s.Val
		}
		return nil
	})
}

// CreateStream allocates the next side-specific stream id (monotonic,
// odd for clients, even for servers) and registers a new idle stream in
// the table.
func (c *Connection) CreateStream() *stream.Stream {
	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	id := c.nextStreamID
	c.nextStreamID += 2
	s := stream.New(id, c.SendWindow, c.RecvWindow)
	c.streams[id] = s
	return s
}

func (c *Connection) lookupStream(id uint32) (*stream.Stream, bool) {
	c.tableMu.Lock()
	defer c.tableMu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}

func (c *Connection) removeStream(id uint32) {
	c.tableMu.Lock()
	delete(c.streams, id)
	c.tableMu.Unlock()
}

// WriteHeaders encodes fields as HPACK literal-without-indexing
// representations (any HPACK decoder accepts them) and emits a HEADERS
// frame, splitting into CONTINUATION frames if the block exceeds
// maxFrameSize, under the connection write mutex so the block is
// contiguous on the wire. The receive side decodes with a full HPACK
// decoder, so peers that use indexing or Huffman coding still interop.
func (c *Connection) WriteHeaders(streamID uint32, fields []hpack.HeaderField, endStream bool) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	block, err := hpack.EncodeFields(fields)
	if err != nil {
		return err
	}

	max := int(c.maxFrameSize)
	first := block
	rest := []byte(nil)
	if len(block) > max {
		first, rest = block[:max], block[max:]
	}

	if err := c.framer.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    len(rest) == 0,
	}); err != nil {
		return errors.NewIOError("write headers", err)
	}

	for len(rest) > 0 {
		chunk := rest
		end := true
		if len(chunk) > max {
			chunk, rest = rest[:max], rest[max:]
			end = false
		} else {
			rest = nil
		}
		if err := c.framer.WriteContinuation(streamID, end, chunk); err != nil {
			return errors.NewIOError("write continuation", err)
		}
	}
	return nil
}

// WriteData emits data as DATA frames on s, honoring the combined
// stream/connection send-window check and splitting across frames no
// larger than maxFrameSize.
func (c *Connection) WriteData(s *stream.Stream, data []byte, endStream bool) error {
	for len(data) > 0 || (endStream && len(data) == 0) {
		chunk := data
		if len(chunk) > int(c.maxFrameSize) {
			chunk = chunk[:c.maxFrameSize]
		}

		for !s.Windows.CanSend(int64(len(chunk))) {
			// Suspend until a WINDOW_UPDATE widens the window.
			time.Sleep(5 * time.Millisecond)
			select {
			case <-c.closed:
				return errors.NewConnectionError("", 0, nil)
			default:
			}
		}

		last := len(chunk) == len(data)
		if err := s.SendData(len(chunk), endStream && last); err != nil {
			return err
		}

		c.writeMu.Lock()
		werr := c.framer.WriteData(s.ID, endStream && last, chunk)
		c.writeMu.Unlock()
		if werr != nil {
			return errors.NewIOError("write data", werr)
		}

		data = data[len(chunk):]
		if len(data) == 0 {
			break
		}
	}
	return nil
}

// Ping emits a PING frame with a fresh 8-byte opaque payload and blocks
// until the matching ACK arrives or timeout elapses. The connection pool's
// keep-alive worker is the primary caller.
func (c *Connection) Ping(timeout time.Duration) error {
	var payload [8]byte
	if _, err := rand.Read(payload[:]); err != nil {
		binary.BigEndian.PutUint64(payload[:], uint64(time.Now().UnixNano()))
	}

	done := make(chan struct{})
	c.pingMu.Lock()
	c.pending[payload] = done
	c.pingMu.Unlock()

	c.writeMu.Lock()
	err := c.writeRaw(c.builder.Ping(payload, false))
	c.writeMu.Unlock()
	if err != nil {
		c.pingMu.Lock()
		delete(c.pending, payload)
		c.pingMu.Unlock()
		return err
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		c.pingMu.Lock()
		delete(c.pending, payload)
		c.pingMu.Unlock()
		return errors.NewTimeoutError("ping", timeout)
	case <-c.closed:
		return errors.NewConnectionError("", 0, nil)
	}
}

// GoAway sends a GOAWAY advertising lastProcessedStream. It only writes the
// frame and does not close the connection; the dispatcher's call sites
// return an error right after it, which ends the read loop and closes the
// connection.
func (c *Connection) GoAway(lastProcessedStream uint32, code xhttp2.ErrCode) error {
	c.writeMu.Lock()
	err := c.writeRaw(c.builder.GoAway(lastProcessedStream, code, nil))
	c.writeMu.Unlock()
	return err
}

// Close tears down the socket and wakes anything blocked on the connection.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.nc.Close()
	})
	return err
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// GoAwayReceived reports whether the peer has sent GOAWAY, which prevents
// further stream creation on this connection.
func (c *Connection) GoAwayReceived() bool {
	c.goAwayMu.Lock()
	defer c.goAwayMu.Unlock()
	return c.goAwayRecv
}

// dispatch is the connection's single reader: it reads one frame at a time
// and dispatches by type. Publishing to streams takes the stream-table
// mutex; no other goroutine reads the socket.
func (c *Connection) dispatch() {
	defer c.Close()
	for {
		f, err := c.framer.ReadFrame()
		if err != nil {
			c.terminateAll(errors.NewConnectionError("", 0, err))
			return
		}
		if err := c.handleFrame(f); err != nil {
			c.logger.Warn("connection dispatch error", zap.Error(err))
			c.terminateAll(err)
			return
		}
	}
}

func (c *Connection) handleFrame(f xhttp2.Frame) error {
	switch fr := f.(type) {
	case *xhttp2.SettingsFrame:
		if fr.IsAck() {
			return nil
		}
		c.applySettings(fr)
		return c.writeSettings(true)

	case *xhttp2.PingFrame:
		if fr.IsAck() {
			c.pingMu.Lock()
			if done, ok := c.pending[fr.Data]; ok {
				close(done)
				delete(c.pending, fr.Data)
			}
			c.pingMu.Unlock()
			return nil
		}
		c.writeMu.Lock()
		err := c.writeRaw(c.builder.Ping(fr.Data, true))
		c.writeMu.Unlock()
		return err

	case *xhttp2.GoAwayFrame:
		c.goAwayMu.Lock()
		c.goAwayRecv = true
		c.lastStream = fr.LastStreamID
		c.goAwayMu.Unlock()
		return nil

	case *xhttp2.RSTStreamFrame:
		if s, ok := c.lookupStream(fr.StreamID); ok {
			s.Reset(uint32(fr.ErrCode))
			c.removeStream(fr.StreamID)
		}
		return nil

	case *xhttp2.WindowUpdateFrame:
		return c.handleWindowUpdate(fr)

	case *xhttp2.HeadersFrame:
		return c.handleHeaders(fr.StreamID, fr.HeaderBlockFragment(), fr.HeadersEnded(), fr.StreamEnded())

	case *xhttp2.ContinuationFrame:
		return c.handleContinuation(fr.StreamID, fr.HeaderBlockFragment(), fr.HeadersEnded())

	case *xhttp2.DataFrame:
		return c.handleData(fr)

	default:
		return nil // unknown/unsupported frame types are ignored, not fatal
	}
}

func (c *Connection) handleWindowUpdate(fr *xhttp2.WindowUpdateFrame) error {
	if fr.StreamID == 0 {
		if err := c.SendWindow.ApplyUpdate(fr.Increment); err != nil {
			c.GoAway(c.lastStream, xhttp2.ErrCodeFlowControl)
			return err
		}
		return nil
	}
	s, ok := c.lookupStream(fr.StreamID)
	if !ok {
		return nil // stream already closed; update is a no-op
	}
	if err := s.Windows.Send.ApplyUpdate(fr.Increment); err != nil {
		c.resetStream(s, xhttp2.ErrCodeFlowControl)
		return nil
	}
	return nil
}

func (c *Connection) handleHeaders(streamID uint32, frag []byte, headersEnded, streamEnded bool) error {
	c.headerFrag = struct {
		streamID  uint32
		data      []byte
		endStream bool
		trailers  bool
		active    bool
	}{streamID: streamID, data: append([]byte(nil), frag...), endStream: streamEnded, active: true}

	// A stream's own State() mixes local send progress with receive
	// progress, so it can't tell a peer's first HEADERS block (initial
	// metadata) from its second (trailers): the client side is typically
	// already half-closed-local by the time the server's very first
	// response arrives. HasReceivedHeaders tracks receive-direction HEADERS
	// delivery only.
	s, existing := c.lookupStream(streamID)
	c.headerFrag.trailers = existing && s.HasReceivedHeaders()

	if headersEnded {
		return c.deliverHeaderBlock()
	}
	return nil
}

func (c *Connection) handleContinuation(streamID uint32, frag []byte, headersEnded bool) error {
	if !c.headerFrag.active || c.headerFrag.streamID != streamID {
		return errors.NewProtocolError("continuation without headers", nil)
	}
	c.headerFrag.data = append(c.headerFrag.data, frag...)
	if headersEnded {
		return c.deliverHeaderBlock()
	}
	return nil
}

func (c *Connection) deliverHeaderBlock() error {
	frag := c.headerFrag
	c.headerFrag.active = false

	fields, err := c.hpackDec.Decode(frag.data)
	if err != nil {
		c.GoAway(c.lastStream, xhttp2.ErrCodeCompression)
		return err
	}

	s, ok := c.lookupStream(frag.streamID)
	if !ok {
		if c.role == RoleServer && c.onNewStream != nil {
			s = stream.New(frag.streamID, c.SendWindow, c.RecvWindow)
			c.tableMu.Lock()
			c.streams[frag.streamID] = s
			c.tableMu.Unlock()
			c.onNewStream(c, s, fields, frag.endStream)
			return nil
		}
		return nil // headers for an unknown stream on the client side: ignore
	}
	return s.RecvHeaders(fields, frag.endStream, frag.trailers)
}

func (c *Connection) handleData(fr *xhttp2.DataFrame) error {
	n := len(fr.Data())
	if err := c.RecvWindow.ConsumeReceive(int64(n)); err != nil {
		c.GoAway(c.lastStream, xhttp2.ErrCodeFlowControl)
		return err
	}
	if inc, ok := c.RecvWindow.MaybeReplenish(); ok {
		c.writeMu.Lock()
		c.writeRaw(c.builder.WindowUpdate(0, inc))
		c.writeMu.Unlock()
	}

	s, ok := c.lookupStream(fr.StreamID)
	if !ok {
		return nil
	}
	if err := s.RecvData(fr.Data(), fr.StreamEnded()); err != nil {
		c.resetStream(s, xhttp2.ErrCodeFlowControl)
		return nil
	}
	if inc, ok := s.Windows.Recv.MaybeReplenish(); ok {
		c.writeMu.Lock()
		c.writeRaw(c.builder.WindowUpdate(fr.StreamID, inc))
		c.writeMu.Unlock()
	}
	if fr.StreamEnded() {
		c.removeStream(fr.StreamID)
	}
	return nil
}

func (c *Connection) resetStream(s *stream.Stream, code xhttp2.ErrCode) {
	c.writeMu.Lock()
	c.writeRaw(c.builder.RSTStream(s.ID, code))
	c.writeMu.Unlock()
	s.Reset(uint32(code))
	c.removeStream(s.ID)
}

// ResetStream sends RST_STREAM for s with code and tears it down locally,
// the mechanism Call.Cancel uses to abort an in-flight call.
func (c *Connection) ResetStream(s *stream.Stream, code xhttp2.ErrCode) {
	c.resetStream(s, code)
}

// terminateAll resets every live stream after a connection-level I/O
// failure; each bound call surfaces the teardown as UNAVAILABLE.
func (c *Connection) terminateAll(cause error) {
	c.tableMu.Lock()
	live := make([]*stream.Stream, 0, len(c.streams))
	for id, s := range c.streams {
		live = append(live, s)
		delete(c.streams, id)
	}
	c.tableMu.Unlock()

	for _, s := range live {
		s.Reset(uint32(xhttp2.ErrCodeConnect))
	}
	if cause != nil {
		c.logger.Debug("connection terminated", zap.Error(cause))
	}
}

// String renders a diagnostic identifier for logging.
func (c *Connection) String() string {
	return fmt.Sprintf("conn[%s role=%d streams=%d]", c.nc.RemoteAddr(), c.role, len(c.streams))
}
