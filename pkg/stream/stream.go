// Package stream implements the HTTP/2 stream state machine: the five
// states (idle, open, half-closed-local, half-closed-remote, closed) and
// the transitions between them, plus the per-stream metadata and flow
// control a connection's stream table tracks.
package stream

import (
	"strconv"
	"sync"

	"github.com/rpctransport/rpctransport/pkg/errors"
	"github.com/rpctransport/rpctransport/pkg/flowcontrol"
	"github.com/rpctransport/rpctransport/pkg/hpack"
	"github.com/rpctransport/rpctransport/pkg/status"
)

// State is one of the five states a stream may be in.
type State int

const (
	Idle State = iota
	Open
	HalfClosedLocal
	HalfClosedRemote
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Open:
		return "open"
	case HalfClosedLocal:
		return "half-closed-local"
	case HalfClosedRemote:
		return "half-closed-remote"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CallHandle is the non-owning back-reference a Stream holds to whatever is
// driving it (a Call on the client, or a server-side request handler). The
// stream never owns the call, it only knows where to deliver events. A nil
// handle means no one is listening.
type CallHandle interface {
	// Deliver is invoked by the stream/connection dispatcher when a frame
	// affecting this stream's call-visible state arrives (headers, data,
	// trailers, reset). Implementations must not block.
	Deliver(event any)
}

// HeadersEvent, DataEvent, TrailersEvent, and ResetEvent are the event
// payloads a Stream hands to its CallHandle via Deliver.
type HeadersEvent struct{ Fields []hpack.HeaderField }
type DataEvent struct {
	Data      []byte
	EndStream bool
}
type TrailersEvent struct {
	Status *status.Status
	Fields []hpack.HeaderField
}
type ResetEvent struct{ Code uint32 }

// Stream is one multiplexed RPC within an HTTP/2 connection.
type Stream struct {
	ID uint32

	mu    sync.Mutex
	state State
	call  CallHandle

	headersSent       bool
	headersReceived   bool
	endStreamSent     bool
	endStreamReceived bool

	InitialMetadata []hpack.HeaderField
	TrailingMeta    []hpack.HeaderField
	StatusCode      status.Code
	StatusDetail    string

	Windows *flowcontrol.StreamWindows
}

// New creates a stream in the idle state, bound to the given connection
// send/receive windows.
func New(id uint32, connSend, connRecv *flowcontrol.Window) *Stream {
	return &Stream{
		ID:      id,
		state:   Idle,
		Windows: flowcontrol.NewStreamWindows(connSend, connRecv),
	}
}

// BindCall attaches the non-owning call handle that should receive events.
func (s *Stream) BindCall(c CallHandle) {
	s.mu.Lock()
	s.call = c
	s.mu.Unlock()
}

// State returns the stream's current state.
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HasReceivedHeaders reports whether a HEADERS block has already been
// delivered to this stream, independent of its local send-direction state.
// A connection's dispatcher uses this to tell a peer's first HEADERS block
// (initial metadata) apart from its second (trailers): checking the
// stream's overall State() is not enough, since the local side may already
// be half-closed by the time the peer's very first response arrives.
func (s *Stream) HasReceivedHeaders() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.headersReceived
}

// deliver forwards an event to the bound call handle, if any, without
// holding the stream mutex (Deliver must not block, but we still avoid
// calling out under lock to keep the locking discipline simple).
func (s *Stream) deliver(event any) {
	s.mu.Lock()
	call := s.call
	s.mu.Unlock()
	if call != nil {
		call.Deliver(event)
	}
}

// SendHeaders records a locally-sent HEADERS frame and applies the
// idle->open or idle->half-closed-local transition.
func (s *Stream) SendHeaders(fields []hpack.HeaderField, endStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Idle {
		return errors.NewProtocolError("send headers: stream not idle", nil)
	}

	s.headersSent = true
	if endStream {
		s.endStreamSent = true
		s.state = HalfClosedLocal
	} else {
		s.state = Open
	}
	return nil
}

// RecvHeaders records a remotely-received HEADERS frame (initial metadata
// or, if this is the terminal block, trailers) and applies the
// corresponding transition.
func (s *Stream) RecvHeaders(fields []hpack.HeaderField, endStream bool, trailers bool) error {
	s.mu.Lock()

	switch s.state {
	case Idle:
		if endStream {
			s.state = HalfClosedRemote
		} else {
			s.state = Open
		}
	case Open:
		if endStream {
			s.state = HalfClosedRemote
		}
	case HalfClosedLocal:
		if endStream {
			s.state = Closed
		}
	default:
		s.mu.Unlock()
		return errors.NewProtocolError("recv headers: invalid stream state "+s.state.String(), nil)
	}

	if endStream {
		s.endStreamReceived = true
	}
	s.headersReceived = true
	var st *status.Status
	if trailers {
		code, detail := parseGRPCStatus(fields)
		s.TrailingMeta = fields
		s.StatusCode = code
		s.StatusDetail = detail
		st = status.New(code, detail)
	} else {
		s.InitialMetadata = fields
	}
	closed := s.state == Closed
	s.mu.Unlock()

	if trailers {
		s.deliver(TrailersEvent{Status: st, Fields: fields})
	} else {
		s.deliver(HeadersEvent{Fields: fields})
	}
	if closed {
		s.Close()
	}
	return nil
}

// SendTrailers records a locally-sent trailing HEADERS frame (the server's
// send-status-from-server op): valid once the stream is open or already
// half-closed-remote, always ends the local side.
func (s *Stream) SendTrailers(fields []hpack.HeaderField) error {
	s.mu.Lock()
	if s.state != Open && s.state != HalfClosedRemote {
		s.mu.Unlock()
		return errors.NewProtocolError("send trailers: invalid stream state "+s.state.String(), nil)
	}
	s.endStreamSent = true
	s.TrailingMeta = fields
	if s.state == Open {
		s.state = HalfClosedLocal
	} else {
		s.state = Closed
	}
	closed := s.state == Closed
	s.mu.Unlock()
	if closed {
		s.Close()
	}
	return nil
}

// dataAllowed reports whether DATA frames may currently be sent (send=true)
// or received (send=false) in this state.
func (s *Stream) dataAllowed(send bool) bool {
	return DataAllowed(s.state, send)
}

// DataAllowed is the state-only form of the DATA-frame invariant: valid
// only in open/half-closed-remote for send, open/half-closed-local for
// receive. Exported so callers that must validate a batch of operations
// synchronously against a simulated state sequence (pkg/rpc's StartBatch)
// don't need a live *Stream to ask the question.
func DataAllowed(state State, send bool) bool {
	switch state {
	case Open:
		return true
	case HalfClosedRemote:
		return send
	case HalfClosedLocal:
		return !send
	default:
		return false
	}
}

// SendData validates and accounts for an outgoing DATA frame.
func (s *Stream) SendData(n int, endStream bool) error {
	s.mu.Lock()
	if !s.dataAllowed(true) {
		s.mu.Unlock()
		return errors.NewProtocolError("send data: invalid stream state "+s.state.String(), nil)
	}
	s.mu.Unlock()

	if err := s.Windows.ConsumeSend(int64(n)); err != nil {
		return err
	}

	s.mu.Lock()
	if endStream {
		s.endStreamSent = true
		if s.state == Open {
			s.state = HalfClosedLocal
		} else if s.state == HalfClosedRemote {
			s.state = Closed
		}
	}
	closed := s.state == Closed
	s.mu.Unlock()

	if closed {
		s.Close()
	}
	return nil
}

// RecvData validates and accounts for an incoming DATA frame, then delivers
// it to the bound call.
func (s *Stream) RecvData(data []byte, endStream bool) error {
	s.mu.Lock()
	if !s.dataAllowed(false) {
		s.mu.Unlock()
		return errors.NewProtocolError("recv data: invalid stream state "+s.state.String(), nil)
	}
	s.mu.Unlock()

	if err := s.Windows.ConsumeReceive(int64(len(data))); err != nil {
		return err
	}

	s.mu.Lock()
	if endStream {
		s.endStreamReceived = true
		if s.state == Open {
			s.state = HalfClosedRemote
		} else if s.state == HalfClosedLocal {
			s.state = Closed
		}
	}
	closed := s.state == Closed
	s.mu.Unlock()

	s.deliver(DataEvent{Data: data, EndStream: endStream})
	if closed {
		s.Close()
	}
	return nil
}

// Reset applies an RST_STREAM (sent or received) and moves the stream
// directly to closed, delivering a reset event to the call.
func (s *Stream) Reset(code uint32) {
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	s.deliver(ResetEvent{Code: code})
}

// Close marks the stream closed without delivering a reset (used when both
// half-closed sides complete normally).
func (s *Stream) Close() {
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
}

// parseGRPCStatus extracts the grpc-status/grpc-message pair from a trailer
// block. A missing or malformed grpc-status is treated as Unknown rather
// than silently reported as OK.
func parseGRPCStatus(fields []hpack.HeaderField) (status.Code, string) {
	code := status.Unknown
	detail := ""
	found := false
	for _, f := range fields {
		switch f.Name {
		case "grpc-status":
			if n, err := strconv.Atoi(f.Value); err == nil {
				code = status.Code(n)
				found = true
			}
		case "grpc-message":
			detail = f.Value
		}
	}
	if !found {
		return status.Unknown, detail
	}
	return code, detail
}
