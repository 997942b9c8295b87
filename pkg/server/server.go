// Package server implements the RPC server: listening ports, the accept
// loop, and the fixed-size worker pool that turns accepted sockets into
// HTTP/2 server connections and delivers incoming calls to registered
// completion queues.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rpctransport/rpctransport/pkg/conn"
	"github.com/rpctransport/rpctransport/pkg/cq"
	"github.com/rpctransport/rpctransport/pkg/credentials"
	"github.com/rpctransport/rpctransport/pkg/hpack"
	"github.com/rpctransport/rpctransport/pkg/interceptor"
	"github.com/rpctransport/rpctransport/pkg/observability"
	"github.com/rpctransport/rpctransport/pkg/rpc"
	"github.com/rpctransport/rpctransport/pkg/stream"
)

// metricServerCalls counts accepted calls by method; registered when
// Observe installs a metrics registry.
const metricServerCalls = "rpc_server_calls_total"

// DefaultWorkers is the fixed accept worker pool size per port.
const DefaultWorkers = 4

// Handler processes one incoming call. Implementations read/write via
// call.StartBatch the same way a client does, just from the server side.
type Handler func(call *rpc.Call, method string)

// port is one bound listener, immutable after Start.
type port struct {
	ln    net.Listener
	addr  string
	creds credentials.TransportCredentials
}

// Server is inactive until Start is called. Ports cannot be added once
// the server is started.
type Server struct {
	logger  *zap.Logger
	handler Handler

	mu           sync.Mutex
	ports        []*port
	queues       []*cq.Queue
	interceptors []interceptor.Interceptor
	tracer       *observability.Tracer
	metrics      *observability.Registry
	callLog      *observability.Logger
	rrCounter    int
	started      bool
	shutdown     bool
	wg           sync.WaitGroup
}

// New creates an inactive server with the given default handler, invoked
// for every accepted call regardless of method. Method routing (e.g. via a
// reflection.Registry) is the handler's concern, not the server's.
func New(handler Handler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{handler: handler, logger: logger}
}

// Use appends interceptors wrapped around every accepted call's handler
// dispatch, outermost first. Must be called before Start.
func (s *Server) Use(ints ...interceptor.Interceptor) {
	s.mu.Lock()
	s.interceptors = append(s.interceptors, ints...)
	s.mu.Unlock()
}

// Observe installs the observability surfaces: one span and one counter
// increment per accepted call, plus call-level reporting through the
// level-gated logger. Any of the three may be nil. Must be called before
// Start.
func (s *Server) Observe(tracer *observability.Tracer, metrics *observability.Registry, callLog *observability.Logger) {
	if metrics != nil {
		metrics.RegisterCounter(metricServerCalls, "accepted calls by method", "method")
	}
	s.mu.Lock()
	s.tracer = tracer
	s.metrics = metrics
	s.callLog = callLog
	s.mu.Unlock()
}

// AddPort binds a TCP listener (SO_REUSEADDR via net.ListenConfig's default
// behavior on most platforms) at address, optionally wrapped in creds for
// TLS, and returns the bound port number.
func (s *Server) AddPort(address string, creds credentials.TransportCredentials) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return 0, errors.New("add-port: server already started")
	}

	ln, err := net.Listen("tcp", address)
	if err != nil {
		return 0, err
	}
	s.ports = append(s.ports, &port{ln: ln, addr: address, creds: creds})
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// RegisterCompletionQueue associates q with this server; once started,
// events for accepted calls flow into every registered queue in round-robin
// fashion, one queue per incoming call.
func (s *Server) RegisterCompletionQueue(q *cq.Queue) {
	s.mu.Lock()
	s.queues = append(s.queues, q)
	s.mu.Unlock()
}

// Start spawns DefaultWorkers workers per port that accept connections
// with a 100ms poll deadline so they can observe shutdown promptly.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("start: already started")
	}
	s.started = true
	ports := append([]*port(nil), s.ports...)
	s.mu.Unlock()

	for _, p := range ports {
		for i := 0; i < DefaultWorkers; i++ {
			s.wg.Add(1)
			go s.acceptLoop(p)
		}
	}
	return nil
}

func (s *Server) acceptLoop(p *port) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		down := s.shutdown
		s.mu.Unlock()
		if down {
			return
		}

		if tl, ok := p.ln.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(100 * time.Millisecond))
		}
		nc, err := p.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if s.isShutdown() {
				return
			}
			s.logger.Warn("accept error", zap.Error(err))
			continue
		}

		go s.serveConn(nc, p)
	}
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) serveConn(nc net.Conn, p *port) {
	if p.creds != nil {
		tlsCfg, err := p.creds.ServerConfig()
		if err != nil {
			s.logger.Warn("tls config error", zap.Error(err))
			nc.Close()
			return
		}
		tlsConn := tls.Server(nc, tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			s.logger.Warn("tls handshake error", zap.Error(err))
			nc.Close()
			return
		}
		if err := credentials.VerifyNegotiatedALPN(tlsConn.ConnectionState()); err != nil {
			s.logger.Warn("alpn mismatch", zap.Error(err))
			tlsConn.Close()
			return
		}
		nc = tlsConn
	}

	if _, err := conn.Accept(nc, s.onNewStream, s.logger); err != nil {
		s.logger.Warn("http/2 accept error", zap.Error(err))
		nc.Close()
		return
	}
}

// onNewStream binds a fresh server-side Call to the next registered
// completion queue, round-robin, and invokes the server's Handler. The
// Handler is standing rather than one-shot: every incoming call is
// delivered, each to exactly one queue.
func (s *Server) onNewStream(c *conn.Connection, st *stream.Stream, fields []hpack.HeaderField, endStream bool) {
	method, host := methodAndHost(fields)

	s.mu.Lock()
	var q *cq.Queue
	if len(s.queues) > 0 {
		q = s.queues[s.rrCounter%len(s.queues)]
		s.rrCounter++
	}
	s.mu.Unlock()
	if q == nil {
		q = cq.New()
	}

	// The client's grpc-timeout header, when present, bounds the server
	// side of the call too; otherwise the call is effectively unbounded.
	deadline := time.Now().Add(24 * time.Hour)
	for _, f := range fields {
		if f.Name == "grpc-timeout" {
			if d, ok := rpc.ParseTimeout(f.Value); ok {
				deadline = time.Now().Add(d)
			}
		}
	}

	call := rpc.NewServerCall(c, st, q, method, host, deadline, fields, endStream, s.logger)
	if s.handler != nil {
		s.mu.Lock()
		ints := append([]interceptor.Interceptor(nil), s.interceptors...)
		tracer, metrics, callLog := s.tracer, s.metrics, s.callLog
		s.mu.Unlock()
		go func() {
			var span *observability.Span
			if tracer != nil {
				span = tracer.StartSpan("server_call", nil)
				span.AddTag("method", method)
			}
			chain := interceptor.Chain(ints...)
			chain(context.Background(), &interceptor.CallInfo{Method: method, Host: host}, func(context.Context) (any, error) {
				s.handler(call, method)
				return nil, nil
			})
			if metrics != nil {
				metrics.Inc(metricServerCalls, method)
			}
			if span != nil {
				tracer.Finish(span)
			}
			if callLog != nil {
				callLog.Debugf("handled %s from %s", method, host)
			}
		}()
	}
}

func methodAndHost(fields []hpack.HeaderField) (method, host string) {
	for _, f := range fields {
		switch f.Name {
		case ":path":
			method = f.Value
		case ":authority":
			host = f.Value
		}
	}
	return method, host
}

// Shutdown sets the shutdown flag, waits for accept workers to drain, and
// shuts down every registered queue so blocked waiters observe a final
// shutdown event.
func (s *Server) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	ports := append([]*port(nil), s.ports...)
	queues := append([]*cq.Queue(nil), s.queues...)
	s.mu.Unlock()

	for _, p := range ports {
		p.ln.Close()
	}
	s.wg.Wait()

	for _, q := range queues {
		q.Shutdown()
	}
}
