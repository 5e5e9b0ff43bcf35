package task

import (
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/phrazzld/taskengine/internal/events"
)

// options are shared by the engine, the worker registry and the metrics
// collector.
type options struct {
	now     func() time.Time
	rng     *rand.Rand
	emitter events.EventEmitter
	logger  *slog.Logger
}

// Option configures an Engine, WorkerRegistry or MetricsCollector.
type Option func(*options)

// WithClock replaces time.Now as the source of the current time.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRand sets the random source for weighted selection and retry jitter.
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rng = r }
}

// WithEmitter sets where lifecycle events are published.
func WithEmitter(e events.EventEmitter) Option {
	return func(o *options) {
		if e != nil {
			o.emitter = e
		}
	}
}

// WithLogger sets the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:     time.Now,
		emitter: events.NopEmitter{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
