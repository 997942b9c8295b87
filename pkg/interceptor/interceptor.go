// Package interceptor implements ordered client/server middleware chains
// invoked around a unary Channel.Invoke and a server's call dispatch. Calls
// driven directly through StartBatch do not pass through them.
package interceptor

import (
	"context"

	"go.uber.org/zap"
)

// CallInfo describes the call an interceptor is wrapping, enough context
// for logging or auth decisions without exposing the full Call type (which
// would create an import cycle with pkg/rpc).
type CallInfo struct {
	Method string
	Host   string
}

// Handler is the next link in a chain: the actual RPC invocation, or the
// next interceptor.
type Handler func(ctx context.Context) (any, error)

// Interceptor wraps a call's execution. Implementations call handler
// exactly once (or not at all, to short-circuit) and may inspect/modify
// ctx, the returned value, or the error.
type Interceptor func(ctx context.Context, info *CallInfo, handler Handler) (any, error)

// Chain composes interceptors in registration order: the first registered
// runs outermost, the last runs immediately around the handler.
func Chain(interceptors ...Interceptor) Interceptor {
	return func(ctx context.Context, info *CallInfo, handler Handler) (any, error) {
		return chainFrom(interceptors, 0, ctx, info, handler)
	}
}

func chainFrom(chain []Interceptor, i int, ctx context.Context, info *CallInfo, handler Handler) (any, error) {
	if i == len(chain) {
		return handler(ctx)
	}
	return chain[i](ctx, info, func(ctx context.Context) (any, error) {
		return chainFrom(chain, i+1, ctx, info, handler)
	})
}

// Logging returns an interceptor that logs every call's entry and exit at
// debug level.
func Logging(logger *zap.Logger) Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, info *CallInfo, handler Handler) (any, error) {
		logger.Debug("call started", zap.String("method", info.Method), zap.String("host", info.Host))
		resp, err := handler(ctx)
		if err != nil {
			logger.Debug("call failed", zap.String("method", info.Method), zap.Error(err))
		} else {
			logger.Debug("call finished", zap.String("method", info.Method))
		}
		return resp, err
	}
}

// AuthFunc validates an incoming or outgoing call's credentials, e.g. by
// inspecting metadata threaded through ctx. Returning a non-nil error
// aborts the chain before handler runs.
type AuthFunc func(ctx context.Context, info *CallInfo) error

// Auth returns an interceptor that rejects a call before its handler runs
// if check fails. The check itself is caller-supplied; no scheme is
// hardcoded.
func Auth(check AuthFunc) Interceptor {
	return func(ctx context.Context, info *CallInfo, handler Handler) (any, error) {
		if err := check(ctx, info); err != nil {
			return nil, err
		}
		return handler(ctx)
	}
}
