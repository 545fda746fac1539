// Package middleware holds the http.Handler wrappers shared by the
// gateway's listeners.
package middleware

import "net/http"

// Middleware wraps a handler.
type Middleware func(http.Handler) http.Handler

// Chain is an ordered list of middleware. The first entry is outermost.
type Chain []Middleware

// NewChain returns a chain of the given middleware.
func NewChain(m ...Middleware) Chain {
	return append(Chain(nil), m...)
}

// With returns a new chain with m appended; c is not modified.
func (c Chain) With(m ...Middleware) Chain {
	out := make(Chain, 0, len(c)+len(m))
	return append(append(out, c...), m...)
}

// Then wraps h with every middleware in the chain. A nil h answers 404.
func (c Chain) Then(h http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}
	for i := len(c) - 1; i >= 0; i-- {
		h = c[i](h)
	}
	return h
}
