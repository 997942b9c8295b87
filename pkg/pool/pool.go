// Package pool implements a connection pool keyed by dial target, with a
// 100ms background worker that sends keepalive PINGs and retires idle
// connections. The pooled object is a multiplexed *conn.Connection; Get
// hands an entry out again only once its active-call count is back to zero,
// so that count, not the entry's mere existence, decides whether it is idle.
package pool

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rpctransport/rpctransport/pkg/conn"
	"github.com/rpctransport/rpctransport/pkg/errors"
)

// errPoolExhausted is returned by Get when a target is at its connection
// cap and every pooled connection for it is still active.
var errPoolExhausted = errors.NewConnectionError("pool", 0, nil)

// Config carries the pool limits and the keepalive/idle policy.
type Config struct {
	MaxConnectionsPerTarget int // 0 = unlimited
	IdleTimeout             time.Duration
	KeepaliveInterval       time.Duration
	KeepaliveTimeout        time.Duration
	PermitWithoutCalls      bool
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerTarget: 1,
		IdleTimeout:             90 * time.Second,
		KeepaliveInterval:       30 * time.Second,
		KeepaliveTimeout:        5 * time.Second,
		PermitWithoutCalls:      false,
	}
}

// Dialer opens a fresh Connection to target, the pool's only dependency on
// how dialing actually happens (TLS, resolver, balancer all sit above this
// package and hand it a concrete target string).
type Dialer func(target string) (*conn.Connection, error)

// entry is one pooled connection and its bookkeeping.
type entry struct {
	conn          *conn.Connection
	target        string
	activeCalls   int
	healthy       bool
	lastUsed      time.Time
	lastKeepalive time.Time
	createdAt     time.Time
}

// Pool maintains pooled connections keyed by target string.
type Pool struct {
	cfg    Config
	dial   Dialer
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string][]*entry

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates an inactive pool; call Start to launch the keepalive worker.
func New(cfg Config, dial Dialer, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		dial:    dial,
		logger:  logger,
		entries: make(map[string][]*entry),
		stopCh:  make(chan struct{}),
	}
}

// Start launches the 100ms background keepalive/idle worker.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.keepaliveLoop()
}

// Stop halts the background worker and closes every pooled connection.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, list := range p.entries {
		for _, e := range list {
			e.conn.Close()
		}
	}
	p.entries = make(map[string][]*entry)
}

// Get returns a healthy pooled connection for target that has no active
// calls, dialing a fresh one if none is free and the pool is below its
// per-target cap, or evicting the idlest idle entry if at cap. Returns
// errPoolExhausted when every slot is active.
func (p *Pool) Get(target string) (*conn.Connection, error) {
	p.mu.Lock()
	list := p.entries[target]

	for _, e := range list {
		if e.healthy && e.activeCalls == 0 {
			e.activeCalls++
			e.lastUsed = time.Now()
			p.mu.Unlock()
			return e.conn, nil
		}
	}

	max := p.cfg.MaxConnectionsPerTarget
	if max <= 0 || len(list) < max {
		p.mu.Unlock()
		return p.dialNew(target)
	}

	// At cap: evict the idle connection with the greatest idle time.
	var victim *entry
	var victimIdx int
	for i, e := range list {
		if e.activeCalls == 0 {
			if victim == nil || e.lastUsed.Before(victim.lastUsed) {
				victim = e
				victimIdx = i
			}
		}
	}
	if victim == nil {
		p.mu.Unlock()
		return nil, errPoolExhausted
	}
	list[victimIdx] = list[len(list)-1]
	p.entries[target] = list[:len(list)-1]
	p.mu.Unlock()

	victim.conn.Close()
	return p.dialNew(target)
}

func (p *Pool) dialNew(target string) (*conn.Connection, error) {
	c, err := p.dial(target)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	e := &entry{
		conn:          c,
		target:        target,
		activeCalls:   1,
		healthy:       true,
		lastUsed:      now,
		lastKeepalive: now,
		createdAt:     now,
	}
	p.mu.Lock()
	p.entries[target] = append(p.entries[target], e)
	p.mu.Unlock()
	return c, nil
}

// Return decrements the connection's active-call count and updates its
// last-used time.
func (p *Pool) Return(target string, c *conn.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.entries[target] {
		if e.conn == c {
			if e.activeCalls > 0 {
				e.activeCalls--
			}
			e.lastUsed = time.Now()
			return
		}
	}
}

// CleanupIdle removes entries with zero active calls that have been marked
// unhealthy. Marking unhealthy never closes a connection directly; closure
// happens here or at pool Stop.
func (p *Pool) CleanupIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for target, list := range p.entries {
		kept := list[:0]
		for _, e := range list {
			if e.activeCalls == 0 && !e.healthy {
				e.conn.Close()
				continue
			}
			kept = append(kept, e)
		}
		p.entries[target] = kept
	}
}

func (p *Pool) keepaliveLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep applies both background-worker rules to every pooled connection:
// the keepalive PING and the idle-timeout check. Entry bookkeeping happens
// under the pool mutex; the PING itself (blocking I/O) does not.
func (p *Pool) sweep() {
	now := time.Now()

	p.mu.Lock()
	var toPing []*entry
	for _, list := range p.entries {
		for _, e := range list {
			if now.Sub(e.lastKeepalive) >= p.cfg.KeepaliveInterval && (p.cfg.PermitWithoutCalls || e.activeCalls > 0) {
				e.lastKeepalive = now
				toPing = append(toPing, e)
			}
			if e.activeCalls == 0 && now.Sub(e.lastUsed) >= p.cfg.IdleTimeout {
				e.healthy = false
			}
		}
	}
	p.mu.Unlock()

	for _, e := range toPing {
		if err := e.conn.Ping(p.cfg.KeepaliveTimeout); err != nil {
			p.logger.Warn("keepalive ping failed", zap.String("target", e.target), zap.Error(err))
			p.mu.Lock()
			e.healthy = false
			p.mu.Unlock()
		}
	}
}

// Stats reports a snapshot of the pool's size, grouped by target.
func (p *Pool) Stats() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.entries))
	for target, list := range p.entries {
		out[target] = len(list)
	}
	return out
}
