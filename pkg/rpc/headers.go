package rpc

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rpctransport/rpctransport/pkg/compress"
	"github.com/rpctransport/rpctransport/pkg/hpack"
	"github.com/rpctransport/rpctransport/pkg/metadata"
)

// buildRequestHeaders builds the initial client header set: pseudo
// headers, te/content-type, optional grpc-encoding/grpc-timeout, then the
// caller's metadata in insertion order.
func buildRequestHeaders(method, authority string, remaining time.Duration, md metadata.MD, algo compress.Algorithm) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: method},
		{Name: ":authority", Value: authority},
		{Name: "te", Value: "trailers"},
		{Name: "content-type", Value: "application/grpc"},
	}
	if algo != "" && algo != compress.Identity {
		fields = append(fields, hpack.HeaderField{Name: "grpc-encoding", Value: string(algo)})
	}
	fields = append(fields, hpack.HeaderField{Name: "grpc-accept-encoding", Value: "identity,gzip,deflate"})
	if remaining > 0 {
		fields = append(fields, hpack.HeaderField{Name: "grpc-timeout", Value: formatTimeout(remaining)})
	}
	for _, p := range md.Pairs() {
		fields = append(fields, hpack.HeaderField{Name: p.Key, Value: p.Value})
	}
	return fields
}

// buildResponseHeaders builds the server's initial (non-trailing) header
// set: :status + content-type, optional grpc-encoding, then caller
// metadata.
func buildResponseHeaders(md metadata.MD, algo compress.Algorithm) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "application/grpc"},
	}
	if algo != "" && algo != compress.Identity {
		fields = append(fields, hpack.HeaderField{Name: "grpc-encoding", Value: string(algo)})
	}
	for _, p := range md.Pairs() {
		fields = append(fields, hpack.HeaderField{Name: p.Key, Value: p.Value})
	}
	return fields
}

// ParseTimeout decodes a grpc-timeout header value back into a duration.
func ParseTimeout(v string) (time.Duration, bool) {
	if len(v) < 2 {
		return 0, false
	}
	n, err := strconv.ParseInt(v[:len(v)-1], 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	var unit time.Duration
	switch v[len(v)-1] {
	case 'n':
		unit = time.Nanosecond
	case 'u':
		unit = time.Microsecond
	case 'm':
		unit = time.Millisecond
	case 'S':
		unit = time.Second
	case 'M':
		unit = time.Minute
	case 'H':
		unit = time.Hour
	default:
		return 0, false
	}
	return time.Duration(n) * unit, true
}

// formatTimeout renders d as a grpc-timeout value: the smallest unit
// (H=hour, M=minute, S=second, m=milli, u=micro, n=nano) that keeps the
// magnitude under 1e8.
func formatTimeout(d time.Duration) string {
	if d <= 0 {
		d = time.Millisecond
	}
	units := []struct {
		suffix string
		unit   time.Duration
	}{
		{"n", time.Nanosecond},
		{"u", time.Microsecond},
		{"m", time.Millisecond},
		{"S", time.Second},
		{"M", time.Minute},
		{"H", time.Hour},
	}
	for _, u := range units {
		v := d / u.unit
		if v < 1e8 {
			return fmt.Sprintf("%d%s", v, u.suffix)
		}
	}
	return fmt.Sprintf("%dH", d/time.Hour)
}
