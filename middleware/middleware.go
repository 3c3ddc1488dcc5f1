// Package middleware composes cross-cutting behavior around the HTTP
// requests the discovery-backed client issues: logging, retry, rate
// limiting and timeouts.
package middleware

import "net/http"

// RoundTripFunc executes one HTTP request and returns its response.
type RoundTripFunc func(req *http.Request) (*http.Response, error)

// Middleware wraps a RoundTripFunc with additional behavior.
type Middleware func(next RoundTripFunc) RoundTripFunc

// Chain combines middlewares into one; the first middleware is the
// outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next RoundTripFunc) RoundTripFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
