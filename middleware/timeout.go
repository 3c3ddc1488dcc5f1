package middleware

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Timeout bounds each request with its own deadline, layered onto whatever
// deadline the request context already carries.
func Timeout(timeout time.Duration) Middleware {
	return func(next RoundTripFunc) RoundTripFunc {
		return func(req *http.Request) (*http.Response, error) {
			ctx, cancel := context.WithTimeout(req.Context(), timeout)
			resp, err := next(req.WithContext(ctx))
			if err != nil {
				cancel()
				return nil, err
			}
			// The body outlives this call; tie the cancel to its closing.
			resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		}
	}
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	b.cancel()
	return b.ReadCloser.Close()
}
