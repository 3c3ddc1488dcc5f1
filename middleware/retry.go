package middleware

import (
	"net/http"
	"time"
)

// Retry re-issues a failed request up to maxRetries times with exponential
// backoff (baseDelay, 2*baseDelay, 4*baseDelay, ...). A request is retried
// on transport errors and 5xx responses, and only when its body can be
// replayed (no body, or GetBody is set). The request context bounds the
// whole sequence.
func Retry(maxRetries int, baseDelay time.Duration) Middleware {
	return func(next RoundTripFunc) RoundTripFunc {
		return func(req *http.Request) (*http.Response, error) {
			resp, err := next(req)
			for i := 0; i < maxRetries; i++ {
				if !retryable(resp, err) || !rewindable(req) {
					return resp, err
				}
				if resp != nil {
					resp.Body.Close()
				}
				select {
				case <-time.After(baseDelay * time.Duration(1<<i)):
				case <-req.Context().Done():
					return nil, req.Context().Err()
				}
				if req.Body != nil {
					body, berr := req.GetBody()
					if berr != nil {
						return resp, berr
					}
					req.Body = body
				}
				resp, err = next(req)
			}
			return resp, err
		}
	}
}

func retryable(resp *http.Response, err error) bool {
	if err != nil {
		return true
	}
	return resp.StatusCode >= http.StatusInternalServerError
}

func rewindable(req *http.Request) bool {
	return req.Body == nil || req.GetBody != nil
}
