// Package balancer provides the load-balancing policies a Channel picks a
// target address with: pick-first, round-robin, and weighted random. All
// policies share the same address list shape of (target, weight, available)
// and sit one layer above the connection pool, choosing which host to pool
// before the pool is ever consulted.
package balancer

import (
	"math/rand"
	"sync"
	"time"
)

// Address is one balancer entry: a dial target, its relative weight (used
// only by Weighted), and whether it currently accepts new calls.
type Address struct {
	Target    string
	Weight    int
	Available bool
}

// Policy selects one address from an address list on each call. All
// implementations are safe for concurrent use.
type Policy interface {
	// Pick returns the chosen target and true, or "", false if no address
	// is currently available.
	Pick() (string, bool)
	// UpdateAddresses atomically replaces the policy's address list, the
	// same way a resolver's re-resolution replaces its result list.
	UpdateAddresses(addrs []Address)
	// MarkUnavailable and MarkAvailable flip an entry's availability flag
	// without otherwise disturbing the list or (for round-robin) the
	// cursor.
	MarkUnavailable(target string)
	MarkAvailable(target string)
}

// PickFirst always returns the first available address in list order.
type PickFirst struct {
	mu    sync.Mutex
	addrs []Address
}

func NewPickFirst() *PickFirst { return &PickFirst{} }

func (p *PickFirst) UpdateAddresses(addrs []Address) {
	p.mu.Lock()
	p.addrs = append([]Address(nil), addrs...)
	p.mu.Unlock()
}

func (p *PickFirst) Pick() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.addrs {
		if a.Available {
			return a.Target, true
		}
	}
	return "", false
}

func (p *PickFirst) setAvailable(target string, avail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.addrs {
		if p.addrs[i].Target == target {
			p.addrs[i].Available = avail
			return
		}
	}
}

func (p *PickFirst) MarkUnavailable(target string) { p.setAvailable(target, false) }
func (p *PickFirst) MarkAvailable(target string)   { p.setAvailable(target, true) }

// RoundRobin advances a cursor across available addresses on each Pick:
// starting at the cursor, it skips unavailable entries until one is found
// or the list is exhausted, then advances the cursor past the returned
// entry modulo the list length.
type RoundRobin struct {
	mu     sync.Mutex
	addrs  []Address
	cursor int
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (r *RoundRobin) UpdateAddresses(addrs []Address) {
	r.mu.Lock()
	r.addrs = append([]Address(nil), addrs...)
	if r.cursor >= len(r.addrs) {
		r.cursor = 0
	}
	r.mu.Unlock()
}

func (r *RoundRobin) Pick() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.addrs)
	if n == 0 {
		return "", false
	}
	for i := 0; i < n; i++ {
		idx := (r.cursor + i) % n
		if r.addrs[idx].Available {
			r.cursor = (idx + 1) % n
			return r.addrs[idx].Target, true
		}
	}
	r.cursor = (r.cursor + 1) % n
	return "", false
}

func (r *RoundRobin) setAvailable(target string, avail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.addrs {
		if r.addrs[i].Target == target {
			r.addrs[i].Available = avail
			return
		}
	}
}

func (r *RoundRobin) MarkUnavailable(target string) { r.setAvailable(target, false) }
func (r *RoundRobin) MarkAvailable(target string)   { r.setAvailable(target, true) }

// Weighted draws a pseudo-random integer in [0, total-weight) and walks the
// available entries accumulating weights, returning the entry that first
// pushes the accumulator past the draw. The PRNG is seeded once per policy
// instance.
type Weighted struct {
	mu    sync.Mutex
	addrs []Address
	rng   *rand.Rand
}

// NewWeighted creates a weighted policy, seeding its PRNG once from the
// clock; Pick never reseeds.
func NewWeighted() *Weighted {
	return &Weighted{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (w *Weighted) UpdateAddresses(addrs []Address) {
	w.mu.Lock()
	w.addrs = append([]Address(nil), addrs...)
	w.mu.Unlock()
}

func (w *Weighted) Pick() (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := 0
	for _, a := range w.addrs {
		if a.Available {
			if a.Weight < 1 {
				total++
			} else {
				total += a.Weight
			}
		}
	}
	if total == 0 {
		return "", false
	}

	draw := w.rng.Intn(total)
	acc := 0
	for _, a := range w.addrs {
		if !a.Available {
			continue
		}
		weight := a.Weight
		if weight < 1 {
			weight = 1
		}
		acc += weight
		if draw < acc {
			return a.Target, true
		}
	}
	return "", false
}

func (w *Weighted) setAvailable(target string, avail bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for i := range w.addrs {
		if w.addrs[i].Target == target {
			w.addrs[i].Available = avail
			return
		}
	}
}

func (w *Weighted) MarkUnavailable(target string) { w.setAvailable(target, false) }
func (w *Weighted) MarkAvailable(target string)   { w.setAvailable(target, true) }
