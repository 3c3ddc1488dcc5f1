package discovery

import (
	"time"

	"go.uber.org/zap"

	"scoutlight/resolve"
	"scoutlight/schema"
)

// Backoff bounds the exponential retry applied when a service watch stream
// fails: attempt n waits Initial * Multiplier^n, capped at Max.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns the wait before retry attempt n (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= b.Multiplier
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

type options struct {
	schema     schema.Schema
	logger     *zap.Logger
	strategy   resolve.Factory
	strategies map[string]resolve.Factory
	backoff    Backoff
}

// Option configures an Engine.
type Option func(*options)

func defaultOptions() options {
	return options{
		schema:     schema.NewPropertySchema(),
		logger:     zap.NewNop(),
		strategy:   func() resolve.Strategy { return resolve.NewRoundRobin() },
		strategies: make(map[string]resolve.Factory),
		backoff: Backoff{
			Initial:    500 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2,
		},
	}
}

// WithSchema replaces the default per-property mapping convention.
func WithSchema(s schema.Schema) Option {
	return func(o *options) {
		o.schema = s
	}
}

// WithLogger sets the engine logger. Defaults to a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithStrategy sets the default resolution strategy factory, used for every
// (cluster, service) pair without a dedicated one. Defaults to round-robin.
func WithStrategy(f resolve.Factory) Option {
	return func(o *options) {
		o.strategy = f
	}
}

// WithServiceStrategy binds a resolution strategy factory to one
// (cluster, service) pair, overriding the default.
func WithServiceStrategy(clusterID, serviceName string, f resolve.Factory) Option {
	return func(o *options) {
		o.strategies[clusterID+"/"+serviceName] = f
	}
}

// WithBackoff sets the watch-retry backoff bounds.
func WithBackoff(b Backoff) Option {
	return func(o *options) {
		o.backoff = b
	}
}

func (o *options) strategyFor(clusterID, serviceName string) resolve.Strategy {
	if f, ok := o.strategies[clusterID+"/"+serviceName]; ok {
		return f()
	}
	return o.strategy()
}
