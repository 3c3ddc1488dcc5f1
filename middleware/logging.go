package middleware

import (
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Logging logs every request with its target, duration and outcome.
func Logging(logger *zap.Logger) Middleware {
	return func(next RoundTripFunc) RoundTripFunc {
		return func(req *http.Request) (*http.Response, error) {
			start := time.Now()
			resp, err := next(req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.String("url", req.URL.String()),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("request failed", append(fields, zap.Error(err))...)
				return resp, err
			}
			logger.Info("request", append(fields, zap.Int("status", resp.StatusCode))...)
			return resp, nil
		}
	}
}
