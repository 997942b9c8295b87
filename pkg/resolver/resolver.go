// Package resolver implements name resolution: static, DNS, and custom
// resolvers that turn a target string into an address list. Re-resolution
// replaces the address list atomically under the resolver's mutex.
package resolver

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/rpctransport/rpctransport/pkg/errors"
)

// DefaultPort is used by the static resolver when the target carries no
// explicit port, matching the original's grpc_parse_target default.
const DefaultPort = 50051

// Kind identifies which resolution strategy a Resolver uses.
type Kind int

const (
	Static Kind = iota
	DNS
	Custom
)

// Address is one resolved endpoint.
type Address struct {
	Host string
	Port int
}

// CustomFunc is a caller-supplied resolution callback; its returned list is
// taken verbatim.
type CustomFunc func(ctx context.Context, target string, userData any) ([]Address, error)

// Resolver resolves a target string to an address list.
type Resolver struct {
	kind     Kind
	target   string
	custom   CustomFunc
	userData any

	mu   sync.Mutex
	last []Address
}

// NewStatic parses "host:port" (default port DefaultPort) into a resolver
// that always returns a single address.
func NewStatic(target string) *Resolver {
	return &Resolver{kind: Static, target: target}
}

// NewDNS builds a resolver that issues a lookup for both address families
// against the split host/port of target.
func NewDNS(target string) *Resolver {
	return &Resolver{kind: DNS, target: target}
}

// NewCustom builds a resolver that defers entirely to fn.
func NewCustom(target string, fn CustomFunc, userData any) *Resolver {
	return &Resolver{kind: Custom, target: target, custom: fn, userData: userData}
}

// Kind reports which resolution strategy this resolver uses.
func (r *Resolver) Kind() Kind { return r.kind }

// Resolve runs resolution for the resolver's kind and atomically replaces
// the cached address list.
func (r *Resolver) Resolve(ctx context.Context) ([]Address, error) {
	var addrs []Address
	var err error

	switch r.kind {
	case Static:
		addrs, err = resolveStatic(r.target)
	case DNS:
		addrs, err = resolveDNS(ctx, r.target)
	case Custom:
		addrs, err = r.custom(ctx, r.target, r.userData)
	default:
		err = errors.NewValidationError("resolve: unknown resolver kind")
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.last = addrs
	r.mu.Unlock()
	return addrs, nil
}

// Last returns the most recently resolved address list without triggering a
// new resolution.
func (r *Resolver) Last() []Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Address, len(r.last))
	copy(out, r.last)
	return out
}

func splitHostPort(target string) (host string, port int, err error) {
	h, p, splitErr := net.SplitHostPort(target)
	if splitErr != nil {
		return target, DefaultPort, nil
	}
	n, convErr := strconv.Atoi(p)
	if convErr != nil {
		return "", 0, errors.NewValidationError("resolve: invalid port in target " + target)
	}
	return h, n, nil
}

func resolveStatic(target string) ([]Address, error) {
	host, port, err := splitHostPort(target)
	if err != nil {
		return nil, err
	}
	return []Address{{Host: host, Port: port}}, nil
}

func resolveDNS(ctx context.Context, target string) ([]Address, error) {
	host, port, err := splitHostPort(target)
	if err != nil {
		return nil, err
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, errors.NewDNSError(host, err)
	}

	addrs := make([]Address, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, Address{Host: ip.IP.String(), Port: port})
	}
	return addrs, nil
}

// String renders a host:port pair the way load-balancer target strings are
// logged.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}
