package middleware

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func okResponse() *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader("ok")),
	}
}

func statusResponse(code int) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader("")),
	}
}

func testRequest(t *testing.T) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, "http://example.test/ping", nil)
	require.NoError(t, err)
	return req
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next RoundTripFunc) RoundTripFunc {
			return func(req *http.Request) (*http.Response, error) {
				order = append(order, name+" in")
				resp, err := next(req)
				order = append(order, name+" out")
				return resp, err
			}
		}
	}

	rt := Chain(tag("a"), tag("b"))(func(*http.Request) (*http.Response, error) {
		order = append(order, "handler")
		return okResponse(), nil
	})

	_, err := rt(testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, []string{"a in", "b in", "handler", "b out", "a out"}, order)
}

func TestChainEmpty(t *testing.T) {
	called := false
	rt := Chain()(func(*http.Request) (*http.Response, error) {
		called = true
		return okResponse(), nil
	})
	_, err := rt(testRequest(t))
	require.NoError(t, err)
	assert.True(t, called)
}

func TestRetryOnServerError(t *testing.T) {
	attempts := 0
	rt := Retry(3, time.Millisecond)(func(*http.Request) (*http.Response, error) {
		attempts++
		if attempts < 3 {
			return statusResponse(http.StatusInternalServerError), nil
		}
		return okResponse(), nil
	})

	resp, err := rt(testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, attempts)
}

func TestRetryOnTransportError(t *testing.T) {
	attempts := 0
	boom := errors.New("connection refused")
	rt := Retry(2, time.Millisecond)(func(*http.Request) (*http.Response, error) {
		attempts++
		return nil, boom
	})

	_, err := rt(testRequest(t))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts) // initial try + 2 retries
}

func TestRetryDoesNotRetryClientErrors(t *testing.T) {
	attempts := 0
	rt := Retry(3, time.Millisecond)(func(*http.Request) (*http.Response, error) {
		attempts++
		return statusResponse(http.StatusNotFound), nil
	})

	resp, err := rt(testRequest(t))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, 1, attempts)
}

func TestRetryReplaysBody(t *testing.T) {
	var bodies []string
	rt := Retry(2, time.Millisecond)(func(req *http.Request) (*http.Response, error) {
		b, _ := io.ReadAll(req.Body)
		bodies = append(bodies, string(b))
		if len(bodies) < 3 {
			return statusResponse(http.StatusBadGateway), nil
		}
		return okResponse(), nil
	})

	req, err := http.NewRequest(http.MethodPost, "http://example.test/submit",
		bytes.NewReader([]byte("payload")))
	require.NoError(t, err)
	require.NotNil(t, req.GetBody)

	resp, err := rt(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"payload", "payload", "payload"}, bodies)
}

func TestRetryUnrewindableBody(t *testing.T) {
	attempts := 0
	rt := Retry(3, time.Millisecond)(func(*http.Request) (*http.Response, error) {
		attempts++
		return statusResponse(http.StatusInternalServerError), nil
	})

	// A streaming body with no GetBody cannot be replayed: one attempt only.
	req, err := http.NewRequest(http.MethodPost, "http://example.test/submit", nil)
	require.NoError(t, err)
	req.Body = io.NopCloser(strings.NewReader("stream"))
	req.GetBody = nil

	resp, err := rt(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, 1, attempts)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rt := Retry(5, time.Minute)(func(*http.Request) (*http.Response, error) {
		cancel() // fail the wait before the first retry
		return nil, errors.New("transient")
	})

	req := testRequest(t).WithContext(ctx)
	_, err := rt(req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRateLimit(t *testing.T) {
	rt := RateLimit(1, 2)(func(*http.Request) (*http.Response, error) {
		return okResponse(), nil
	})

	req := testRequest(t)
	for i := 0; i < 2; i++ {
		_, err := rt(req)
		require.NoError(t, err)
	}
	_, err := rt(req)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	rt := Timeout(50 * time.Millisecond)(func(req *http.Request) (*http.Response, error) {
		return http.DefaultClient.Do(req)
	})

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = rt(req)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTimeoutBodyReadableAfterReturn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	rt := Timeout(time.Second)(func(req *http.Request) (*http.Response, error) {
		return http.DefaultClient.Do(req)
	})

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := rt(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	// The per-request context must stay alive until the body is consumed.
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b))
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	rt := Logging(logger)(func(*http.Request) (*http.Response, error) {
		return okResponse(), nil
	})
	_, err := rt(testRequest(t))
	require.NoError(t, err)

	entries := logs.FilterMessage("request").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "GET", fields["method"])
	assert.Equal(t, int64(http.StatusOK), fields["status"])
}

func TestLoggingFailure(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	boom := errors.New("dial failed")
	rt := Logging(logger)(func(*http.Request) (*http.Response, error) {
		return nil, boom
	})
	_, err := rt(testRequest(t))
	assert.ErrorIs(t, err, boom)

	require.Len(t, logs.FilterMessage("request failed").All(), 1)
}
