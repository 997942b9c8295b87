package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpctransport/rpctransport/pkg/compress"
	"github.com/rpctransport/rpctransport/pkg/metadata"
)

func TestBuildRequestHeaders(t *testing.T) {
	md := metadata.New("x-user", "alice")
	fields := buildRequestHeaders("/pkg.Svc/Method", "example.com:443", 30*time.Second, md, compress.Gzip)

	want := map[string]string{
		":method":       "POST",
		":scheme":       "https",
		":path":         "/pkg.Svc/Method",
		":authority":    "example.com:443",
		"te":            "trailers",
		"content-type":  "application/grpc",
		"grpc-encoding": "gzip",
		"x-user":        "alice",
	}
	got := map[string]string{}
	for _, f := range fields {
		got[f.Name] = f.Value
	}
	for name, value := range want {
		require.Equal(t, value, got[name], "header %s", name)
	}

	// Pseudo-headers must precede all regular headers.
	sawRegular := false
	for _, f := range fields {
		if f.Name[0] == ':' {
			require.False(t, sawRegular, "pseudo-header %s after regular header", f.Name)
		} else {
			sawRegular = true
		}
	}
}

func TestBuildRequestHeadersIdentityOmitsEncoding(t *testing.T) {
	fields := buildRequestHeaders("/m", "h", 0, metadata.MD{}, compress.Identity)
	for _, f := range fields {
		require.NotEqual(t, "grpc-encoding", f.Name)
		require.NotEqual(t, "grpc-timeout", f.Name)
	}
}

func TestFormatTimeout(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{30 * time.Second, "30000000u"},
		{time.Nanosecond, "1n"},
		{200 * time.Millisecond, "200000u"},
		{0, "1000000n"},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, formatTimeout(tc.d))
	}
}

func TestParseTimeoutRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{time.Millisecond, 250 * time.Millisecond, 30 * time.Second, 2 * time.Hour} {
		got, ok := ParseTimeout(formatTimeout(d))
		require.True(t, ok)
		require.Equal(t, d, got)
	}

	_, ok := ParseTimeout("")
	require.False(t, ok)
	_, ok = ParseTimeout("12")
	require.False(t, ok)
	_, ok = ParseTimeout("5x")
	require.False(t, ok)
}
