// Package client is the HTTP convenience wrapper over discovery: resolve an
// instance, point the request at it, return the response. It keeps no state
// of its own beyond configuration.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"scoutlight/discovery"
	"scoutlight/middleware"
)

// DefaultAddressProperty is the record property holding the instance's
// host:port.
const DefaultAddressProperty = "address"

// ErrNoAddress means the resolved instance does not publish the address
// property and cannot be called.
var ErrNoAddress = errors.New("client: resolved instance has no address property")

type clientOptions struct {
	http        *http.Client
	scheme      string
	addressProp string
	middlewares []middleware.Middleware
}

// Option configures a Client.
type Option func(*clientOptions)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(h *http.Client) Option {
	return func(o *clientOptions) {
		o.http = h
	}
}

// WithScheme sets the URL scheme used for resolved instances ("http" by
// default).
func WithScheme(scheme string) Option {
	return func(o *clientOptions) {
		o.scheme = scheme
	}
}

// WithAddressProperty sets the record property carrying the instance
// host:port.
func WithAddressProperty(name string) Option {
	return func(o *clientOptions) {
		o.addressProp = name
	}
}

// WithMiddleware wraps every request with the given middlewares, outermost
// first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *clientOptions) {
		o.middlewares = append(o.middlewares, mws...)
	}
}

// Client issues HTTP requests against discovered service instances.
type Client struct {
	engine *discovery.Engine
	opt    clientOptions
	rt     middleware.RoundTripFunc
}

// New creates a Client on top of the given engine.
func New(engine *discovery.Engine, opts ...Option) *Client {
	opt := clientOptions{
		http:        http.DefaultClient,
		scheme:      "http",
		addressProp: DefaultAddressProperty,
	}
	for _, o := range opts {
		o(&opt)
	}
	rt := middleware.Chain(opt.middlewares...)(func(req *http.Request) (*http.Response, error) {
		return opt.http.Do(req)
	})
	return &Client{engine: engine, opt: opt, rt: rt}
}

// Do resolves one instance of (clusterID, serviceName), rewrites the
// request's scheme and host to target it, and executes the request through
// the middleware chain. The request path, query, headers and body are left
// untouched.
func (c *Client) Do(ctx context.Context, clusterID, serviceName string, req *http.Request) (*http.Response, error) {
	rec, err := c.engine.Resolve(ctx, clusterID, serviceName)
	if err != nil {
		return nil, err
	}
	addr, ok := rec.Properties[c.opt.addressProp]
	if !ok || addr == "" {
		return nil, fmt.Errorf("%w: instance %s, property %q", ErrNoAddress, rec, c.opt.addressProp)
	}

	req = req.Clone(ctx)
	req.URL.Scheme = c.opt.scheme
	req.URL.Host = addr
	req.Host = ""
	return c.rt(req)
}

// Get issues a GET for path against a resolved instance of the service.
func (c *Client) Get(ctx context.Context, clusterID, serviceName, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, clusterID, serviceName, req)
}

// Post issues a POST for path with the given body and content type.
func (c *Client) Post(ctx context.Context, clusterID, serviceName, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return c.Do(ctx, clusterID, serviceName, req)
}
