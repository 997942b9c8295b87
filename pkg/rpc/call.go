package rpc

import (
	"context"
	"sync"
	"time"

	xhttp2 "golang.org/x/net/http2"
	"go.uber.org/zap"

	"github.com/rpctransport/rpctransport/pkg/compress"
	"github.com/rpctransport/rpctransport/pkg/conn"
	"github.com/rpctransport/rpctransport/pkg/cq"
	"github.com/rpctransport/rpctransport/pkg/hpack"
	"github.com/rpctransport/rpctransport/pkg/metadata"
	"github.com/rpctransport/rpctransport/pkg/status"
	"github.com/rpctransport/rpctransport/pkg/stream"
	"github.com/rpctransport/rpctransport/pkg/timing"
)

// Side distinguishes a client-initiated call from a server-side handler
// call: a call is owned by its channel or by its server, never both.
type Side int

const (
	ClientSide Side = iota
	ServerSide
)

// cancelErrCode is the RST_STREAM error code used when a call is cancelled,
// mirroring HTTP/2's CANCEL semantics for an RPC-level cancellation.
const cancelErrCode = xhttp2.ErrCodeCancel

// Call is one RPC: a stream plus its bookkeeping (method, deadline,
// metadata, pending buffers, status, cancellation). A Call borrows its
// Stream; the stream must outlive the call's terminal event but not the
// call object itself.
type Call struct {
	side   Side
	method string
	host   string

	conn   *conn.Connection
	stream *stream.Stream
	cq     *cq.Queue
	logger *zap.Logger

	deadline time.Time
	ctx      context.Context
	cancel   context.CancelFunc

	sendAlgo compress.Algorithm
	timer    *timing.CallTimer

	mu              sync.Mutex
	initialMeta     metadata.MD
	trailingMeta    metadata.MD
	finalStatus     *status.Status
	cancelled       bool
	invoked         bool // at least one batch has ever been accepted
	finished        bool
	pendingBatch    bool // a batch is currently running in runBatch
	assembler       messageAssembler
	gotInitialMeta  bool
	gotStatus       bool
	clientClosed    bool
	waitInitialMeta chan struct{}
	waitMessage     chan struct{}
	waitStatus      chan struct{}
	waitCloseServer chan struct{}
}

// newCall constructs a call bound to s/q with deadline enforcement started
// immediately; every call carries an absolute deadline.
func newCall(side Side, c *conn.Connection, s *stream.Stream, q *cq.Queue, method, host string, deadline time.Time, logger *zap.Logger) *Call {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	call := &Call{
		side:            side,
		method:          method,
		host:            host,
		conn:            c,
		stream:          s,
		cq:              q,
		logger:          logger,
		deadline:        deadline,
		ctx:             ctx,
		cancel:          cancel,
		timer:           timing.NewCallTimer(),
		waitInitialMeta: make(chan struct{}, 1),
		waitMessage:     make(chan struct{}, 1),
		waitStatus:      make(chan struct{}, 1),
		waitCloseServer: make(chan struct{}, 1),
	}
	s.BindCall(call)
	go call.watchDeadline()
	return call
}

// NewServerCall constructs a server-side call for a stream the connection's
// dispatcher just created for an inbound request.
// fields/endStream are the request's already-decoded initial
// HEADERS, which conn's dispatcher hands to onNewStream directly instead of
// routing through Stream.RecvHeaders (the stream has no bound call yet at
// that point); NewServerCall binds the call first and then replays the
// HEADERS through the stream so the ordinary state-machine transition and
// event-delivery path both run exactly as they would for any later frame.
func NewServerCall(c *conn.Connection, s *stream.Stream, q *cq.Queue, method, host string, deadline time.Time, fields []hpack.HeaderField, endStream bool, logger *zap.Logger) *Call {
	call := newCall(ServerSide, c, s, q, method, host, deadline, logger)
	s.RecvHeaders(fields, endStream, false)
	return call
}

// watchDeadline synthetically cancels the call with DEADLINE_EXCEEDED once
// the deadline passes. context.WithDeadline compares against the monotonic
// clock, so a wall-clock jump cannot fire it early or late.
func (c *Call) watchDeadline() {
	<-c.ctx.Done()
	if c.ctx.Err() == context.DeadlineExceeded {
		c.terminate(status.New(status.DeadlineExceeded, "deadline exceeded"))
	}
}

// Cancel sets the cancelled flag and synthesizes a terminal CANCELLED event
// for every outstanding batch.
func (c *Call) Cancel() {
	c.mu.Lock()
	c.cancelled = true
	c.mu.Unlock()
	c.cancel()
	c.terminate(status.New(status.Cancelled, "cancelled"))
	if c.stream != nil {
		c.conn.ResetStream(c.stream, cancelErrCode)
	}
}

func (c *Call) terminate(st *status.Status) {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return
	}
	c.finished = true
	c.finalStatus = st
	c.mu.Unlock()

	nonBlockingSend(c.waitStatus)
	nonBlockingSend(c.waitMessage)
	nonBlockingSend(c.waitInitialMeta)
	nonBlockingSend(c.waitCloseServer)
}

func nonBlockingSend(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Deliver implements stream.CallHandle: the stream's dispatcher-owned
// goroutine hands events here and must never block, so every signal send
// below is non-blocking.
func (c *Call) Deliver(event any) {
	switch e := event.(type) {
	case stream.HeadersEvent:
		c.timer.MarkFirstByte()
		c.mu.Lock()
		c.initialMeta = fieldsToMD(e.Fields)
		c.gotInitialMeta = true
		// The peer's grpc-encoding tells the assembler how to decode
		// messages that arrive with the compressed flag set.
		for _, f := range e.Fields {
			if f.Name == "grpc-encoding" {
				c.assembler.algo = compress.Algorithm(f.Value)
			}
		}
		c.mu.Unlock()
		nonBlockingSend(c.waitInitialMeta)

	case stream.DataEvent:
		c.timer.MarkFirstByte()
		c.mu.Lock()
		c.assembler.push(e.Data)
		if e.EndStream {
			c.clientClosed = true
		}
		c.mu.Unlock()
		nonBlockingSend(c.waitMessage)
		if e.EndStream {
			nonBlockingSend(c.waitCloseServer)
		}

	case stream.TrailersEvent:
		c.mu.Lock()
		c.trailingMeta = fieldsToMD(e.Fields)
		c.finalStatus = e.Status
		c.gotStatus = true
		c.finished = true
		c.mu.Unlock()
		nonBlockingSend(c.waitStatus)
		nonBlockingSend(c.waitMessage)
		nonBlockingSend(c.waitCloseServer)

	case stream.ResetEvent:
		// A connection teardown resets every live stream with CONNECT_ERROR;
		// that surfaces as UNAVAILABLE rather than CANCELLED.
		if xhttp2.ErrCode(e.Code) == xhttp2.ErrCodeConnect {
			c.terminate(status.New(status.Unavailable, "connection terminated"))
			return
		}
		c.terminate(status.New(status.Cancelled, "stream reset"))
	}
}

func fieldsToMD(fields []hpack.HeaderField) metadata.MD {
	var md metadata.MD
	for _, f := range fields {
		md.Append(f.Name, f.Value)
	}
	return md
}

// Method reports the call's method string.
func (c *Call) Method() string { return c.method }

// Queue returns the completion queue this call's batches post events to.
func (c *Call) Queue() *cq.Queue { return c.cq }

// Deadline reports the call's absolute deadline.
func (c *Call) Deadline() time.Time { return c.deadline }

// Metrics reports the call's latency breakdown so far.
func (c *Call) Metrics() timing.CallMetrics { return c.timer.Metrics() }
