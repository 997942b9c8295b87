package balancer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func addrs(targets ...string) []Address {
	out := make([]Address, len(targets))
	for i, t := range targets {
		out[i] = Address{Target: t, Weight: 1, Available: true}
	}
	return out
}

func TestPickFirstReturnsFirstAvailable(t *testing.T) {
	p := NewPickFirst()
	p.UpdateAddresses(addrs("a", "b", "c"))

	got, ok := p.Pick()
	require.True(t, ok)
	require.Equal(t, "a", got)

	p.MarkUnavailable("a")
	got, ok = p.Pick()
	require.True(t, ok)
	require.Equal(t, "b", got)

	p.MarkUnavailable("b")
	p.MarkUnavailable("c")
	_, ok = p.Pick()
	require.False(t, ok)

	p.MarkAvailable("c")
	got, ok = p.Pick()
	require.True(t, ok)
	require.Equal(t, "c", got)
}

func TestRoundRobinSequence(t *testing.T) {
	r := NewRoundRobin()
	r.UpdateAddresses(addrs("A", "B", "C"))

	var got []string
	for i := 0; i < 6; i++ {
		target, ok := r.Pick()
		require.True(t, ok)
		got = append(got, target)
	}
	require.Equal(t, []string{"A", "B", "C", "A", "B", "C"}, got)

	r.MarkUnavailable("B")
	got = got[:0]
	for i := 0; i < 4; i++ {
		target, ok := r.Pick()
		require.True(t, ok)
		got = append(got, target)
	}
	require.Equal(t, []string{"A", "C", "A", "C"}, got)
}

// TestRoundRobinFairness: over k*N picks with N addresses all available,
// each address is returned exactly k times.
func TestRoundRobinFairness(t *testing.T) {
	r := NewRoundRobin()
	r.UpdateAddresses(addrs("a", "b", "c", "d", "e"))

	const k = 40
	counts := make(map[string]int)
	for i := 0; i < k*5; i++ {
		target, ok := r.Pick()
		require.True(t, ok)
		counts[target]++
	}
	for _, target := range []string{"a", "b", "c", "d", "e"} {
		require.Equal(t, k, counts[target], "address %s", target)
	}
}

func TestRoundRobinEmptyAndAllUnavailable(t *testing.T) {
	r := NewRoundRobin()
	_, ok := r.Pick()
	require.False(t, ok)

	r.UpdateAddresses(addrs("a", "b"))
	r.MarkUnavailable("a")
	r.MarkUnavailable("b")
	_, ok = r.Pick()
	require.False(t, ok)
}

// TestWeightedProportional: over M picks the observed frequency of each
// address tracks its share of the total weight.
func TestWeightedProportional(t *testing.T) {
	w := NewWeighted()
	w.UpdateAddresses([]Address{
		{Target: "light", Weight: 1, Available: true},
		{Target: "medium", Weight: 3, Available: true},
		{Target: "heavy", Weight: 6, Available: true},
	})

	const m = 30000
	counts := make(map[string]int)
	for i := 0; i < m; i++ {
		target, ok := w.Pick()
		require.True(t, ok)
		counts[target]++
	}

	total := 10.0
	for target, weight := range map[string]float64{"light": 1, "medium": 3, "heavy": 6} {
		observed := float64(counts[target]) / m
		expected := weight / total
		require.InDelta(t, expected, observed, 0.03, "address %s", target)
	}
}

func TestWeightedSkipsUnavailable(t *testing.T) {
	w := NewWeighted()
	w.UpdateAddresses([]Address{
		{Target: "up", Weight: 1, Available: true},
		{Target: "down", Weight: 100, Available: false},
	})

	for i := 0; i < 50; i++ {
		target, ok := w.Pick()
		require.True(t, ok)
		require.Equal(t, "up", target)
	}

	w.MarkUnavailable("up")
	_, ok := w.Pick()
	require.False(t, ok)
}
