package gateway

import (
	"context"
	"net/http"

	gwerrors "github.com/wudi/svcgate/internal/errors"
	"go.uber.org/zap"
)

// FailToProxy renders err to the client and returns the status sent. It
// returns 0 when nothing was sent because the downstream connection is gone
// or the response had already started. Write failures are logged only.
func (g *Gateway) FailToProxy(ctx context.Context, s Session, err error, st State) int {
	pe := gwerrors.AsProxyError(err)
	if pe == nil {
		pe = gwerrors.Explain(gwerrors.TypeUnknown, "failure without cause")
	}
	if g.metrics != nil {
		g.metrics.RecordFailure(pe.Source.String(), pe.Type.String())
	}

	r := s.Request()
	code := pe.StatusCode()
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("service", ServiceOf(st)),
		zap.String("source", pe.Source.String()),
		zap.Int("status", code),
		zap.Error(pe),
	}

	if code == 0 {
		g.logger.Debug("Downstream connection closed, not responding", fields...)
		return 0
	}
	if s.Started() {
		g.logger.Warn("Proxy failed after response started", fields...)
		return 0
	}
	if code >= 500 {
		g.logger.Error("Proxy request failed", fields...)
	} else {
		g.logger.Info("Proxy request rejected", fields...)
	}

	h, body := renderError(pe, code)
	if g.cors != nil {
		if err := g.cors.Apply(r.Header, h); err != nil {
			g.logger.Warn("Failed to apply CORS to error response", append(fields, zap.NamedError("cors_error", err))...)
		}
	}
	s.DisableKeepAlive()
	if err := s.Respond(code, h, body); err != nil {
		g.logger.Warn("Failed to write error response", append(fields, zap.NamedError("write_error", err))...)
	}
	return code
}

// renderError builds the error response. A structured API error is sent
// verbatim; everything else gets the generic body for its status.
func renderError(pe *gwerrors.ProxyError, code int) (http.Header, []byte) {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	if pe.API != nil {
		if body, err := pe.API.Body(); err == nil {
			h.Set("Cache-Control", "private, no-store")
			return h, body
		}
	}
	return h, gwerrors.ForStatus(code).Body()
}
