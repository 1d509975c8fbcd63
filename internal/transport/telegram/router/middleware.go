package router

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"ethgasmeter/internal/metrics"
	logx "ethgasmeter/pkg/logx"
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Middleware func(next HandlerFunc) HandlerFunc

// Chain wraps h so that m[0] runs first.
func Chain(h HandlerFunc, m ...Middleware) HandlerFunc {
	for i := len(m) - 1; i >= 0; i-- {
		h = m[i](h)
	}
	return h
}

// slowRequest promotes the request log line from debug to info.
const slowRequest = 750 * time.Millisecond

func requestLogger(fallback logx.Logger, req *Request) logx.Logger {
	if req == nil || req.Logger.IsZero() {
		return fallback
	}
	return req.Logger
}

func MWTimeout(d time.Duration) Middleware {
	if d <= 0 {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// MWPanicRecover turns a handler panic into an error so one bad message
// cannot kill a dispatcher worker.
func MWPanicRecover(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				requestLogger(log, req).Error("command handler panicked",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())),
				)
				err = fmt.Errorf("panic: %v", r)
			}()
			return next(ctx, req)
		}
	}
}

func MWRequestLog(log logx.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			start := time.Now()
			err := next(ctx, req)
			took := time.Since(start)

			l := requestLogger(log, req)
			switch {
			case err != nil:
				l.Warn("command failed", logx.Duration("took", took), logx.Err(err))
			case took >= slowRequest:
				l.Info("command handled", logx.Duration("took", took))
			default:
				l.Debug("command handled", logx.Duration("took", took))
			}
			return err
		}
	}
}

// MWMetrics counts handled requests by command. Unmatched text counts as
// "unknown".
func MWMetrics(m *metrics.Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) error {
			name := req.Command
			if name == "" {
				name = "unknown"
			}
			m.Command(name)
			return next(ctx, req)
		}
	}
}
