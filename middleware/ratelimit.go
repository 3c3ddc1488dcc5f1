package middleware

import (
	"errors"
	"net/http"

	"golang.org/x/time/rate"
)

// ErrRateLimited is returned when the local token bucket is exhausted.
var ErrRateLimited = errors.New("middleware: rate limit exceeded")

// RateLimit caps outgoing requests with a token bucket of r tokens per
// second and the given burst. Requests over the limit fail immediately with
// ErrRateLimited rather than queueing.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next RoundTripFunc) RoundTripFunc {
		return func(req *http.Request) (*http.Response, error) {
			if !limiter.Allow() {
				return nil, ErrRateLimited
			}
			return next(req)
		}
	}
}
