package pool

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpctransport/rpctransport/pkg/conn"
)

// loopbackDialer hands the pool a real client-role *conn.Connection backed
// by a TCP loopback socket, completing a full HTTP/2 handshake each time,
// the way the pool's real dialer (TLS + resolver + balancer above it) would
// eventually hand it one. The paired server-role connection is kept alive
// (its dispatcher auto-ACKs PING, exercising the pool's keepalive path for
// real) unless closeServerSide is set, which severs it immediately to
// simulate a dead peer.
type loopbackDialer struct {
	t               *testing.T
	closeServerSide bool

	mu      sync.Mutex
	servers []*conn.Connection
}

func (d *loopbackDialer) dial(target string) (*conn.Connection, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	var wg sync.WaitGroup
	var srv, cli *conn.Connection
	var srvErr, cliErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		nc, err := ln.Accept()
		if err != nil {
			srvErr = err
			return
		}
		srv, srvErr = conn.Accept(nc, nil, nil)
	}()
	go func() {
		defer wg.Done()
		nc, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			cliErr = err
			return
		}
		cli, cliErr = conn.Dial(nc, nil)
	}()
	wg.Wait()

	if cliErr != nil {
		return nil, cliErr
	}
	if srvErr != nil {
		return nil, srvErr
	}

	if d.closeServerSide {
		srv.Close()
	} else {
		d.mu.Lock()
		d.servers = append(d.servers, srv)
		d.mu.Unlock()
	}
	return cli, nil
}

func (d *loopbackDialer) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.servers {
		s.Close()
	}
}

// TestPoolExhaustionAndReuse matches spec scenario S6: at a per-target cap
// of two, two Gets without an intervening Return produce distinct
// connections; a third Get with no idle entries is exhausted; after one
// Return, the next Get reuses the returned connection's identity.
func TestPoolExhaustionAndReuse(t *testing.T) {
	d := &loopbackDialer{t: t}
	defer d.closeAll()

	p := New(Config{MaxConnectionsPerTarget: 2}, d.dial, nil)
	defer p.Stop()

	c1, err := p.Get("t1")
	require.NoError(t, err)
	require.NotNil(t, c1)

	c2, err := p.Get("t1")
	require.NoError(t, err)
	require.NotNil(t, c2)
	require.NotSame(t, c1, c2)

	_, err = p.Get("t1")
	require.Error(t, err)

	p.Return("t1", c1)

	c3, err := p.Get("t1")
	require.NoError(t, err)
	require.Same(t, c1, c3)

	p.Return("t1", c3)
	p.Return("t1", c2)
}

// TestPoolKeepaliveFailureMarksUnhealthy checks the keepalive rule: once
// a pooled connection's PING fails, it stops being handed out by Get and a
// subsequent Get for an at-cap target evicts it for a fresh dial instead of
// reusing it.
func TestPoolKeepaliveFailureMarksUnhealthy(t *testing.T) {
	d := &loopbackDialer{t: t, closeServerSide: true}
	defer d.closeAll()

	p := New(Config{
		MaxConnectionsPerTarget: 1,
		IdleTimeout:             time.Hour,
		KeepaliveInterval:       20 * time.Millisecond,
		KeepaliveTimeout:        50 * time.Millisecond,
		PermitWithoutCalls:      true,
	}, d.dial, nil)
	p.Start()
	defer p.Stop()

	c1, err := p.Get("t1")
	require.NoError(t, err)
	p.Return("t1", c1)

	require.Eventually(t, func() bool {
		c2, err := p.Get("t1")
		if err != nil {
			return false
		}
		defer p.Return("t1", c2)
		return c2 != c1
	}, 2*time.Second, 20*time.Millisecond, "pool never evicted the connection whose keepalive ping failed")
}

// TestPoolIdleTimeoutMarksUnhealthy checks the idle-timeout rule:
// a connection with no active calls for longer than IdleTimeout is marked
// unhealthy by the background sweep even if its keepalive pings succeed.
func TestPoolIdleTimeoutMarksUnhealthy(t *testing.T) {
	d := &loopbackDialer{t: t}
	defer d.closeAll()

	p := New(Config{
		MaxConnectionsPerTarget: 1,
		IdleTimeout:             30 * time.Millisecond,
		KeepaliveInterval:       time.Hour,
		KeepaliveTimeout:        time.Second,
		PermitWithoutCalls:      false,
	}, d.dial, nil)
	p.Start()
	defer p.Stop()

	c1, err := p.Get("t1")
	require.NoError(t, err)
	p.Return("t1", c1)

	// Every poll's Get/Return refreshes lastUsed, so polls are spaced wider
	// than IdleTimeout plus one 100ms sweep period.
	require.Eventually(t, func() bool {
		c2, err := p.Get("t1")
		if err != nil {
			return false
		}
		defer p.Return("t1", c2)
		return c2 != c1
	}, 2*time.Second, 200*time.Millisecond, "pool never evicted the connection that sat idle past IdleTimeout")
}

// TestPoolStatsReportsPerTargetCounts is a small sanity check on Stats,
// which the pool's metrics/diagnostics surface relies on.
func TestPoolStatsReportsPerTargetCounts(t *testing.T) {
	d := &loopbackDialer{t: t}
	defer d.closeAll()

	p := New(Config{MaxConnectionsPerTarget: 0}, d.dial, nil)
	defer p.Stop()

	c1, err := p.Get("a")
	require.NoError(t, err)
	_, err = p.Get("a")
	require.NoError(t, err)
	c3, err := p.Get("b")
	require.NoError(t, err)

	stats := p.Stats()
	require.Equal(t, 2, stats["a"])
	require.Equal(t, 1, stats["b"])

	p.Return("a", c1)
	p.Return("b", c3)
}
