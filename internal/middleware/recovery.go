package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/wudi/svcgate/internal/errors"
	"github.com/wudi/svcgate/internal/logging"
	"go.uber.org/zap"
)

// RecoveryOption customises Recovery.
type RecoveryOption func(*recoverer)

// WithoutStack leaves the stack trace out of the panic log entry.
func WithoutStack() RecoveryOption {
	return func(rc *recoverer) { rc.stack = false }
}

// OnPanic registers fn to run after each recovered panic.
func OnPanic(fn func(r *http.Request, value any)) RecoveryOption {
	return func(rc *recoverer) { rc.hooks = append(rc.hooks, fn) }
}

type recoverer struct {
	logger *zap.Logger
	stack  bool
	hooks  []func(*http.Request, any)
}

// Recovery turns a handler panic into a 500 status page and an error log
// entry. http.ErrAbortHandler is re-raised so net/http drops the
// connection. A nil logger means the global one.
func Recovery(logger *zap.Logger, opts ...RecoveryOption) Middleware {
	if logger == nil {
		logger = logging.Global()
	}
	rc := &recoverer{logger: logger, stack: true}
	for _, o := range opts {
		o(rc)
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					rc.handle(w, r, v)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func (rc *recoverer) handle(w http.ResponseWriter, r *http.Request, v any) {
	if v == http.ErrAbortHandler {
		panic(v)
	}
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("panic", fmt.Sprint(v)),
	}
	if rc.stack {
		fields = append(fields, zap.ByteString("stack", debug.Stack()))
	}
	rc.logger.Error("Panic recovered", fields...)
	for _, fn := range rc.hooks {
		fn(r, v)
	}
	errors.ErrInternalServer.WriteJSON(w)
}
