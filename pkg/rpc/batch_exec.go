package rpc

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/rpctransport/rpctransport/pkg/cq"
	"github.com/rpctransport/rpctransport/pkg/errors"
	"github.com/rpctransport/rpctransport/pkg/hpack"
	"github.com/rpctransport/rpctransport/pkg/metadata"
	"github.com/rpctransport/rpctransport/pkg/status"
	"github.com/rpctransport/rpctransport/pkg/stream"
)

// StartBatch submits ops atomically: validation rejects duplicate kinds, a
// batch overlapping one already in flight, batches invalid for the stream's
// state machine, and calls in a terminal state. Rejections are synchronous
// CallErrors, never failed completion events. Once accepted, the batch
// runs to completion asynchronously and pushes exactly one completion event
// carrying tag to the call's bound completion queue.
func (c *Call) StartBatch(ops []Op, tag any) error {
	if len(ops) == 0 {
		return newCallError(ErrOther, "empty batch")
	}

	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return newCallError(ErrAlreadyFinished, "")
	}
	if c.pendingBatch {
		c.mu.Unlock()
		return newCallError(ErrAlreadyInvoked, "a batch is already in flight on this call")
	}
	if err := c.validateBatch(ops); err != nil {
		c.mu.Unlock()
		return err
	}
	c.invoked = true
	c.pendingBatch = true
	c.mu.Unlock()

	go c.runBatch(ops, tag)
	return nil
}

// validateBatch runs every synchronous check batch acceptance requires:
// duplicate op kinds, side validity, and a simulated walk of the
// stream's own state machine so a batch that would violate it (e.g. a
// second send-initial-metadata, or send-message after the local side
// already closed) is rejected here instead of only surfacing later as a
// failed completion event. c.mu is held by the caller.
func (c *Call) validateBatch(ops []Op) *CallError {
	seen := make(map[OpKind]bool, len(ops))
	state := c.stream.State()
	invoked := c.invoked

	for _, op := range ops {
		if seen[op.Kind] {
			return newCallError(ErrTooManyOperations, "duplicate op kind "+op.Kind.String())
		}
		seen[op.Kind] = true

		if err := c.validateOpForSide(op.Kind); err != nil {
			return err
		}

		switch op.Kind {
		case SendInitialMetadata:
			if c.side == ClientSide {
				if state != stream.Idle {
					return newCallError(ErrInvalidFlags, "send-initial-metadata: stream not idle ("+state.String()+")")
				}
				state = stream.Open
			} else if !stream.DataAllowed(state, true) {
				return newCallError(ErrInvalidFlags, "send-initial-metadata: invalid stream state "+state.String())
			}

		case SendMessage:
			if !stream.DataAllowed(state, true) {
				return newCallError(ErrInvalidFlags, "send-message: invalid stream state "+state.String())
			}

		case SendCloseFromClient:
			if !stream.DataAllowed(state, true) {
				return newCallError(ErrInvalidFlags, "send-close-from-client: invalid stream state "+state.String())
			}
			state = closeLocalSide(state)

		case SendStatusFromServer:
			if state != stream.Open && state != stream.HalfClosedRemote {
				return newCallError(ErrInvalidFlags, "send-status-from-server: invalid stream state "+state.String())
			}
			state = closeLocalSide(state)

		case RecvInitialMetadata, RecvMessage, RecvStatusOnClient, RecvCloseOnServer:
			if !invoked && state == stream.Idle {
				return newCallError(ErrNotInvoked, op.Kind.String()+": nothing sent on this call yet")
			}
		}
	}
	return nil
}

// closeLocalSide returns the state that follows this call locally ending
// its send direction, mirroring stream.SendTrailers/SendData's own
// open->half-closed-local / half-closed-remote->closed transitions.
func closeLocalSide(state stream.State) stream.State {
	if state == stream.Open {
		return stream.HalfClosedLocal
	}
	return stream.Closed
}

func (c *Call) validateOpForSide(k OpKind) *CallError {
	serverOnly := k == SendStatusFromServer || k == RecvCloseOnServer
	clientOnly := k == SendCloseFromClient || k == RecvStatusOnClient
	if c.side == ClientSide && serverOnly {
		return newCallError(ErrNotOnClient, k.String())
	}
	if c.side == ServerSide && clientOnly {
		return newCallError(ErrNotOnServer, k.String())
	}
	return nil
}

// runBatch drives every op to completion or failure and only then pushes
// the batch's single completion event.
func (c *Call) runBatch(ops []Op, tag any) {
	success := true
	for _, op := range ops {
		if err := c.runOp(op); err != nil {
			success = false
			c.logger.Debug("batch op failed", zap.Error(err))
			break
		}
	}

	c.mu.Lock()
	c.pendingBatch = false
	c.mu.Unlock()

	if c.q() != nil {
		c.q().Push(cq.Event{Kind: cq.OpComplete, Success: success, Tag: tag})
	}
}

func (c *Call) q() *cq.Queue { return c.cq }

func (c *Call) runOp(op Op) error {
	switch op.Kind {
	case SendInitialMetadata:
		return c.sendInitialMetadata(op.Metadata)
	case SendMessage:
		framed, err := frameMessage(op.Message, c.sendAlgo)
		if err != nil {
			return err
		}
		return c.conn.WriteData(c.stream, framed, false)
	case SendCloseFromClient:
		return c.conn.WriteData(c.stream, nil, true)
	case RecvInitialMetadata:
		return c.recvInitialMetadata(op.OutMetadata)
	case RecvMessage:
		return c.recvMessage(op.OutMessage)
	case RecvStatusOnClient:
		return c.recvStatus(op.OutStatus)
	case SendStatusFromServer:
		return c.sendStatusFromServer(op.StatusCode, op.StatusDetail, op.Metadata)
	case RecvCloseOnServer:
		return c.recvCloseOnServer()
	default:
		return newCallError(ErrOther, "unknown op")
	}
}

// sendInitialMetadata emits the call's first HEADERS frame. On the client
// side this is the stream's idle->open transition, driven through
// stream.SendHeaders so the stream's own state machine, not just the wire,
// records it. On the server side the stream is already open or
// half-closed-remote (NewServerCall replayed the request's HEADERS through
// the stream before the handler ever ran), so sending response
// metadata here only needs the ordinary send-direction check.
func (c *Call) sendInitialMetadata(md metadata.MD) error {
	var fields []hpack.HeaderField
	if c.side == ClientSide {
		fields = buildRequestHeaders(c.method, c.host, time.Until(c.deadline), md, c.sendAlgo)
		if err := c.stream.SendHeaders(fields, false); err != nil {
			return err
		}
	} else {
		fields = buildResponseHeaders(md, c.sendAlgo)
		if !stream.DataAllowed(c.stream.State(), true) {
			return errors.NewBatchError("send-initial-metadata: invalid stream state " + c.stream.State().String())
		}
	}
	return c.conn.WriteHeaders(c.stream.ID, fields, false)
}

// ctxStatus maps the call context's termination cause to a status:
// explicit cancellation to CANCELLED, deadline expiry to DEADLINE_EXCEEDED.
func (c *Call) ctxStatus() *status.Status {
	if c.ctx.Err() == context.Canceled {
		return status.New(status.Cancelled, "cancelled")
	}
	return status.New(status.DeadlineExceeded, "deadline exceeded")
}

func (c *Call) recvInitialMetadata(out *metadata.MD) error {
	for {
		c.mu.Lock()
		if c.gotInitialMeta {
			md := c.initialMeta
			c.mu.Unlock()
			if out != nil {
				*out = md
			}
			return nil
		}
		if c.finished {
			c.mu.Unlock()
			return status.New(status.Unavailable, "call finished before initial metadata").Err()
		}
		c.mu.Unlock()

		select {
		case <-c.waitInitialMeta:
		case <-c.ctx.Done():
			return c.ctxStatus().Err()
		}
	}
}

func (c *Call) recvMessage(out *[]byte) error {
	for {
		c.mu.Lock()
		msg, ok, err := c.assembler.next()
		if err != nil {
			c.mu.Unlock()
			return err
		}
		if ok {
			c.mu.Unlock()
			if out != nil {
				*out = msg
			}
			return nil
		}
		// A peer that half-closed or sent trailers ends the message stream
		// normally; a call terminated locally (cancel, deadline, reset)
		// fails the op so the batch's completion reports failure.
		if c.clientClosed || c.gotStatus {
			c.mu.Unlock()
			if out != nil {
				*out = nil
			}
			return nil // end of stream, no more messages
		}
		if c.finished {
			st := c.finalStatus
			c.mu.Unlock()
			if st == nil {
				st = status.New(status.Cancelled, "call terminated")
			}
			return st.Err()
		}
		c.mu.Unlock()

		select {
		case <-c.waitMessage:
		case <-c.ctx.Done():
			return c.ctxStatus().Err()
		}
	}
}

func (c *Call) recvStatus(out **status.Status) error {
	for {
		c.mu.Lock()
		if c.gotStatus {
			st := c.finalStatus
			c.mu.Unlock()
			if out != nil {
				*out = st
			}
			return nil
		}
		if c.finished {
			// Terminated locally (cancel, deadline, reset) rather than by
			// the peer's trailers: surface the status but fail the op so
			// the batch's single completion event reports failure.
			st := c.finalStatus
			c.mu.Unlock()
			if st == nil {
				st = status.New(status.Cancelled, "call terminated")
			}
			if out != nil {
				*out = st
			}
			return st.Err()
		}
		c.mu.Unlock()

		select {
		case <-c.waitStatus:
		case <-c.ctx.Done():
			st := c.ctxStatus()
			c.terminate(st)
			if out != nil {
				*out = st
			}
			return st.Err()
		}
	}
}

func (c *Call) sendStatusFromServer(code status.Code, detail string, md metadata.MD) error {
	fields := []hpack.HeaderField{
		{Name: "grpc-status", Value: strconv.Itoa(int(code))},
	}
	if detail != "" {
		fields = append(fields, hpack.HeaderField{Name: "grpc-message", Value: detail})
	}
	for _, p := range md.Pairs() {
		fields = append(fields, hpack.HeaderField{Name: p.Key, Value: p.Value})
	}

	if err := c.stream.SendTrailers(fields); err != nil {
		return err
	}
	c.mu.Lock()
	c.finished = true
	c.finalStatus = status.New(code, detail)
	c.mu.Unlock()
	return c.conn.WriteHeaders(c.stream.ID, fields, true)
}

func (c *Call) recvCloseOnServer() error {
	for {
		c.mu.Lock()
		if c.clientClosed {
			c.mu.Unlock()
			return nil
		}
		if c.finished {
			st := c.finalStatus
			c.mu.Unlock()
			if st == nil {
				st = status.New(status.Cancelled, "call terminated")
			}
			return st.Err()
		}
		c.mu.Unlock()
		select {
		case <-c.waitCloseServer:
		case <-c.ctx.Done():
			return c.ctxStatus().Err()
		}
	}
}
