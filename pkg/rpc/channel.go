// Channel: the client entry point. A Channel owns one lazy HTTP/2
// connection to its target, shared by every call the channel creates; the
// socket is not opened until the first call needs it.
package rpc

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rpctransport/rpctransport/pkg/balancer"
	"github.com/rpctransport/rpctransport/pkg/compress"
	"github.com/rpctransport/rpctransport/pkg/conn"
	"github.com/rpctransport/rpctransport/pkg/credentials"
	"github.com/rpctransport/rpctransport/pkg/cq"
	"github.com/rpctransport/rpctransport/pkg/errors"
	"github.com/rpctransport/rpctransport/pkg/interceptor"
	"github.com/rpctransport/rpctransport/pkg/observability"
	"github.com/rpctransport/rpctransport/pkg/pool"
	"github.com/rpctransport/rpctransport/pkg/resolver"
	"github.com/rpctransport/rpctransport/pkg/status"
	"github.com/rpctransport/rpctransport/pkg/timing"
)

// ChannelArgs configures a Channel at construction.
type ChannelArgs struct {
	Creds          credentials.TransportCredentials // nil => plaintext
	DialTimeout    time.Duration
	SendCompressor compress.Algorithm
	Logger         *zap.Logger

	// Resolver and Balancer turn the channel's target into a live address
	// list and pick one address per dial. Both optional: a nil Resolver
	// makes the channel dial its target string directly, as a single
	// static address would.
	Resolver *resolver.Resolver
	Balancer balancer.Policy

	// Pool backs the channel with a shared pool of connections keyed by
	// resolved address instead of one connection per channel. Optional;
	// a nil Pool falls back to the channel's own single cached
	// connection.
	Pool *pool.Pool

	// Interceptors wrap every Invoke-driven unary call, outermost first.
	// Calls driven directly through StartBatch bypass them.
	Interceptors []interceptor.Interceptor

	// Tracer, Metrics, and CallLogger are the observability callback
	// surfaces. When set, Invoke exports one span per call, records
	// per-method call counts and latencies, and reports call outcomes
	// through the level-gated CallLogger (whose user callback fires
	// alongside the zap sink). All optional.
	Tracer     *observability.Tracer
	Metrics    *observability.Registry
	CallLogger *observability.Logger
}

// Metric names the channel registers when ChannelArgs.Metrics is set.
const (
	metricClientCalls        = "rpc_client_calls_total"
	metricClientCallDuration = "rpc_client_call_duration_seconds"
)

// Channel holds a target, a lazily-opened HTTP/2 connection, optional
// credentials, and the mutex protecting the lazy-dial path.
type Channel struct {
	target string
	args   ChannelArgs
	logger *zap.Logger

	mu   sync.Mutex
	conn *conn.Connection
}

// NewChannel builds an inactive Channel; no socket is opened until the
// first call requires one.
func NewChannel(target string, args ChannelArgs) *Channel {
	if args.Logger == nil {
		if args.CallLogger != nil {
			args.Logger = args.CallLogger.Zap()
		} else {
			args.Logger = zap.NewNop()
		}
	}
	if args.Metrics != nil {
		args.Metrics.RegisterCounter(metricClientCalls, "unary calls by method and status", "method", "status")
		args.Metrics.RegisterHistogram(metricClientCallDuration, "unary call latency in seconds", nil, "method")
	}
	return &Channel{target: target, args: args, logger: args.Logger}
}

// Target returns the channel's configured target string.
func (ch *Channel) Target() string { return ch.target }

// pickTarget resolves ch.target (when a Resolver is configured) and asks
// the Balancer for one live address, otherwise returning the static
// target verbatim as the degenerate single-address case.
func (ch *Channel) pickTarget(ctx context.Context) (string, error) {
	if ch.args.Resolver == nil || ch.args.Balancer == nil {
		return ch.target, nil
	}
	addrs, err := ch.args.Resolver.Resolve(ctx)
	if err != nil {
		return "", err
	}
	balAddrs := make([]balancer.Address, len(addrs))
	for i, a := range addrs {
		balAddrs[i] = balancer.Address{Target: a.String(), Weight: 1, Available: true}
	}
	ch.args.Balancer.UpdateAddresses(balAddrs)
	t, ok := ch.args.Balancer.Pick()
	if !ok {
		return "", errors.NewConnectionError(ch.target, 0, nil)
	}
	return t, nil
}

func (ch *Channel) getConn(ctx context.Context) (*conn.Connection, error) {
	target, err := ch.pickTarget(ctx)
	if err != nil {
		return nil, err
	}

	if ch.args.Pool != nil {
		return ch.args.Pool.Get(target)
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.conn != nil && !ch.conn.Closed() {
		return ch.conn, nil
	}

	timeout := ch.args.DialTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dt := timing.NewConnectionTimer()

	dt.StartTCP()
	var d net.Dialer
	nc, err := d.DialContext(dialCtx, "tcp", target)
	dt.EndTCP()
	if err != nil {
		return nil, errors.NewConnectionError(target, 0, err)
	}

	if ch.args.Creds != nil {
		host, _, _ := net.SplitHostPort(target)
		tlsCfg, cerr := ch.args.Creds.ClientConfig(host)
		if cerr != nil {
			nc.Close()
			return nil, cerr
		}
		dt.StartTLS()
		tlsConn := tls.Client(nc, tlsCfg)
		herr := tlsConn.HandshakeContext(dialCtx)
		dt.EndTLS()
		if herr != nil {
			nc.Close()
			return nil, errors.NewTLSError(target, 0, herr)
		}
		if verr := credentials.VerifyNegotiatedALPN(tlsConn.ConnectionState()); verr != nil {
			tlsConn.Close()
			return nil, verr
		}
		nc = tlsConn
	}

	c, err := conn.Dial(nc, ch.logger)
	if err != nil {
		nc.Close()
		return nil, err
	}
	ch.logger.Debug("dialed connection", zap.String("target", target), zap.Stringer("dial_metrics", dialMetrics{dt.Metrics()}))
	ch.conn = c
	return c, nil
}

// dialMetrics adapts timing.ConnectionMetrics to zap.Stringer for structured
// logging without pulling in a zap.Object encoder just for this.
type dialMetrics struct{ m timing.ConnectionMetrics }

func (d dialMetrics) String() string { return d.m.String() }

// NewCallOptions are the per-call parameters NewCall accepts.
type NewCallOptions struct {
	Method   string
	Host     string
	Deadline time.Time
	Queue    *cq.Queue
}

// NewCall allocates the next odd stream id on the channel's connection,
// constructs a Stream, and binds both to the caller's completion queue.
func (ch *Channel) NewCall(ctx context.Context, opts NewCallOptions) (*Call, error) {
	c, err := ch.getConn(ctx)
	if err != nil {
		return nil, err
	}
	if c.GoAwayReceived() {
		return nil, errors.NewConnectionError(ch.target, 0, nil)
	}

	deadline := opts.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(24 * time.Hour)
	}

	s := c.CreateStream()
	call := newCall(ClientSide, c, s, opts.Queue, opts.Method, opts.Host, deadline, ch.logger)
	call.sendAlgo = ch.args.SendCompressor
	return call, nil
}

// NewUnaryCall, NewServerStreamingCall, NewClientStreamingCall, and
// NewBidiStreamingCall are discoverability aliases over NewCall: streaming
// variants are usage patterns of the batch API, not distinct call kinds.
func (ch *Channel) NewUnaryCall(ctx context.Context, opts NewCallOptions) (*Call, error) {
	return ch.NewCall(ctx, opts)
}
func (ch *Channel) NewServerStreamingCall(ctx context.Context, opts NewCallOptions) (*Call, error) {
	return ch.NewCall(ctx, opts)
}
func (ch *Channel) NewClientStreamingCall(ctx context.Context, opts NewCallOptions) (*Call, error) {
	return ch.NewCall(ctx, opts)
}
func (ch *Channel) NewBidiStreamingCall(ctx context.Context, opts NewCallOptions) (*Call, error) {
	return ch.NewCall(ctx, opts)
}

// unaryResult carries one completed unary exchange through the interceptor
// chain's opaque return value.
type unaryResult struct {
	msg    []byte
	status *status.Status
}

// Invoke runs one unary RPC through the channel's interceptor chain:
// request message out, single response message and final status back. A
// zero deadline defaults to five seconds from now. When the channel
// carries observability surfaces, each Invoke exports one span, bumps the
// per-method call counter, and records latency.
func (ch *Channel) Invoke(ctx context.Context, method string, req []byte, deadline time.Time) ([]byte, *status.Status, error) {
	if deadline.IsZero() {
		deadline = time.Now().Add(5 * time.Second)
	}

	var span *observability.Span
	if ch.args.Tracer != nil {
		span = ch.args.Tracer.StartSpan("unary_call", nil)
		span.AddTag("method", method)
	}
	start := time.Now()

	info := &interceptor.CallInfo{Method: method, Host: ch.target}
	chain := interceptor.Chain(ch.args.Interceptors...)
	resp, err := chain(ctx, info, func(ctx context.Context) (any, error) {
		return ch.invokeUnary(ctx, method, req, deadline)
	})

	var st *status.Status
	var msg []byte
	if err != nil {
		st = status.FromError(err)
	} else {
		r := resp.(*unaryResult)
		msg, st = r.msg, r.status
	}
	ch.observeCall(method, st, time.Since(start), span)
	if err != nil {
		return nil, st, err
	}
	return msg, st, nil
}

// observeCall reports one finished Invoke to whichever observability
// surfaces the channel carries.
func (ch *Channel) observeCall(method string, st *status.Status, elapsed time.Duration, span *observability.Span) {
	code := status.OK
	if st != nil {
		code = st.Code
	}
	if ch.args.Metrics != nil {
		ch.args.Metrics.Inc(metricClientCalls, method, code.String())
		ch.args.Metrics.Observe(metricClientCallDuration, elapsed.Seconds(), method)
	}
	if span != nil {
		span.AddTag("status", code.String())
		ch.args.Tracer.Finish(span)
	}
	if ch.args.CallLogger != nil {
		if code == status.OK {
			ch.args.CallLogger.Debugf("unary %s completed in %v", method, elapsed)
		} else {
			ch.args.CallLogger.Warnf("unary %s failed with %s after %v", method, code, elapsed)
		}
	}
}

func (ch *Channel) invokeUnary(ctx context.Context, method string, req []byte, deadline time.Time) (*unaryResult, error) {
	q := cq.New()
	defer q.Destroy()

	call, err := ch.NewCall(ctx, NewCallOptions{
		Method:   method,
		Host:     ch.target,
		Deadline: deadline,
		Queue:    q,
	})
	if err != nil {
		return nil, err
	}

	var msg []byte
	var outStatus *status.Status
	if err := call.StartBatch([]Op{
		{Kind: SendInitialMetadata},
		{Kind: SendMessage, Message: req},
		{Kind: SendCloseFromClient},
		{Kind: RecvInitialMetadata},
		{Kind: RecvMessage, OutMessage: &msg},
		{Kind: RecvStatusOnClient, OutStatus: &outStatus},
	}, "unary"); err != nil {
		return nil, err
	}

	ev := q.Wait(deadline)
	if !ev.Success {
		if outStatus != nil && !outStatus.OK() {
			return nil, outStatus.Err()
		}
		return nil, status.New(status.Unavailable, "unary call did not complete").Err()
	}
	return &unaryResult{msg: msg, status: outStatus}, nil
}

// HealthCheck performs a minimal unary health-check call against the
// well-known method name, as a Channel convenience rather than a new call
// kind.
func (ch *Channel) HealthCheck(ctx context.Context, service string) (bool, error) {
	_, st, err := ch.Invoke(ctx, "/grpc.health.v1.Health/Check", []byte(service), time.Now().Add(5*time.Second))
	if err != nil {
		return false, err
	}
	return st.OK(), nil
}

// Close tears down the channel's connection, if one was opened. Only
// valid once no calls remain.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.conn == nil {
		return nil
	}
	return ch.conn.Close()
}
