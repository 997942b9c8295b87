package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticResolve(t *testing.T) {
	r := NewStatic("127.0.0.1:50051")
	addrs, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, "127.0.0.1", addrs[0].Host)
	require.Equal(t, 50051, addrs[0].Port)
}

func TestStaticResolveDefaultPort(t *testing.T) {
	r := NewStatic("example.com")
	addrs, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, addrs, 1)
	require.Equal(t, "example.com", addrs[0].Host)
	require.Equal(t, DefaultPort, addrs[0].Port)
}

func TestDNSResolveLocalhost(t *testing.T) {
	r := NewDNS("localhost:4242")
	addrs, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, addrs)
	for _, a := range addrs {
		require.Equal(t, 4242, a.Port)
	}
}

func TestCustomResolveTakenVerbatim(t *testing.T) {
	want := []Address{{Host: "10.0.0.1", Port: 1}, {Host: "10.0.0.2", Port: 2}}
	var gotTarget string
	var gotUserData any

	r := NewCustom("my-target", func(_ context.Context, target string, userData any) ([]Address, error) {
		gotTarget = target
		gotUserData = userData
		return want, nil
	}, "opaque")

	addrs, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, want, addrs)
	require.Equal(t, "my-target", gotTarget)
	require.Equal(t, "opaque", gotUserData)
}

// Re-resolution replaces the cached list; Last returns the most recent
// result without triggering a new lookup.
func TestReResolveReplacesLast(t *testing.T) {
	lists := [][]Address{
		{{Host: "10.0.0.1", Port: 1}},
		{{Host: "10.0.0.9", Port: 9}, {Host: "10.0.0.10", Port: 10}},
	}
	n := 0
	r := NewCustom("t", func(context.Context, string, any) ([]Address, error) {
		out := lists[n]
		n++
		return out, nil
	}, nil)

	_, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, lists[0], r.Last())

	_, err = r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, lists[1], r.Last())
}

func TestAddressString(t *testing.T) {
	require.Equal(t, "127.0.0.1:50051", Address{Host: "127.0.0.1", Port: 50051}.String())
	require.Equal(t, "[::1]:80", Address{Host: "::1", Port: 80}.String())
}
