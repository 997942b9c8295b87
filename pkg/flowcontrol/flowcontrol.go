// Package flowcontrol implements the per-connection and per-stream HTTP/2
// flow-control accounting: signed 32-bit send/receive windows, can-send
// gating, and receive-window replenishment.
package flowcontrol

import (
	"math"
	"sync"

	"github.com/rpctransport/rpctransport/pkg/errors"
)

// DefaultWindowSize is the initial value (and replenishment target) for
// every send/receive window, per RFC 7540.
const DefaultWindowSize = 65535

const maxWindowSize = math.MaxInt32 // 2^31 - 1

// Window tracks one directional flow-control window (either send or
// receive) for one entity (a connection, or a single stream). All
// mutation is serialized by mu so a connection's dispatcher goroutine and
// caller goroutines can share a Window safely.
type Window struct {
	mu      sync.Mutex
	current int64
}

// NewWindow creates a window initialized to size (normally DefaultWindowSize).
func NewWindow(size int64) *Window {
	return &Window{current: size}
}

// Size returns the current window value.
func (w *Window) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// CanSend reports whether n bytes may be sent without exceeding the window.
func (w *Window) CanSend(n int64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return n <= w.current
}

// ConsumeSend decrements the window by n after n bytes of DATA are sent. The
// window must never go negative; callers must have checked CanSend first
// for a single window, or the combined connection+stream check in
// StreamWindows.CanSend for a stream send.
func (w *Window) ConsumeSend(n int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if n > w.current {
		return errors.NewFlowControlError("consume_send", "", nil)
	}
	w.current -= n
	return nil
}

// ConsumeReceive decrements the window by n after n bytes of DATA are
// received. A resulting negative window is a flow-control violation (RST
// with FLOW_CONTROL_ERROR on the stream, or GOAWAY on the connection,
// decided by the caller).
func (w *Window) ConsumeReceive(n int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current-n < 0 {
		return errors.NewFlowControlError("consume_receive", "", nil)
	}
	w.current -= n
	return nil
}

// ApplyUpdate applies an incoming WINDOW_UPDATE increment to a send window.
// Overflow past 2^31-1 is a protocol error.
func (w *Window) ApplyUpdate(increment uint32) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	next := w.current + int64(increment)
	if next > maxWindowSize {
		return errors.NewFlowControlError("window_update_overflow", "", nil)
	}
	w.current = next
	return nil
}

// MaybeReplenish checks whether a receive window has fallen below half the
// default and, if so, returns the WINDOW_UPDATE increment needed to restore
// it to DefaultWindowSize along with true. The caller is responsible for
// actually emitting the frame; this only computes the accounting, so the
// emission can be serialized under the connection write mutex.
func (w *Window) MaybeReplenish() (increment uint32, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.current >= DefaultWindowSize/2 {
		return 0, false
	}
	delta := DefaultWindowSize - w.current
	if delta <= 0 {
		return 0, false
	}
	w.current = DefaultWindowSize
	return uint32(delta), true
}

// StreamWindows bundles a stream's send/receive windows together with the
// connection's, so CanSend/ConsumeSend can enforce the combined
// min(connection, stream) rule in one call.
type StreamWindows struct {
	ConnSend *Window
	ConnRecv *Window
	Send     *Window
	Recv     *Window
}

// NewStreamWindows creates a new stream-local pair of windows bound to the
// given connection-level windows.
func NewStreamWindows(connSend, connRecv *Window) *StreamWindows {
	return &StreamWindows{
		ConnSend: connSend,
		ConnRecv: connRecv,
		Send:     NewWindow(DefaultWindowSize),
		Recv:     NewWindow(DefaultWindowSize),
	}
}

// CanSend reports whether n bytes of DATA may be sent on this stream right
// now, honoring both the stream's and the connection's send windows.
func (s *StreamWindows) CanSend(n int64) bool {
	return s.Send.CanSend(n) && s.ConnSend.CanSend(n)
}

// ConsumeSend decrements both the stream and connection send windows after
// n bytes are written to the wire.
func (s *StreamWindows) ConsumeSend(n int64) error {
	if err := s.Send.ConsumeSend(n); err != nil {
		return err
	}
	return s.ConnSend.ConsumeSend(n)
}

// ConsumeReceive decrements the stream receive window after n bytes of
// DATA arrive. The connection receive window is deliberately untouched:
// the dispatcher is its single owner and decrements it exactly once per
// DATA frame, including frames for streams no longer in the table.
func (s *StreamWindows) ConsumeReceive(n int64) error {
	return s.Recv.ConsumeReceive(n)
}
