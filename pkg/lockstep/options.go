package lockstep

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shoryunet/lockstep/pkg/lockstep/definition"
	"github.com/shoryunet/lockstep/pkg/lockstep/helper"
	"github.com/shoryunet/lockstep/pkg/lockstep/types"
)

// Config is the host-supplied wiring a Session needs before Bind
// (spec.md §4.6, SPEC_FULL.md §4 "Configuration"). NewSession starts from
// a 6-byte pad codec, a DefaultLogger, no-op metrics and 4 workers, then
// applies Options; a nil Codec is not replaced by a default.
type Config struct {
	Codec   types.PayloadCodec
	Logger  definition.Logger
	Metrics *definition.Metrics

	// WorkerCount is the number of UDP read goroutines (spec.md §4.2).
	// Below 1, the UDP transport starts a single read goroutine.
	WorkerCount int
}

// Option mutates a Config; NewSession applies them in order.
type Option func(*Config)

// WithCodec overrides the default 6-byte pad codec.
func WithCodec(codec types.PayloadCodec) Option {
	return func(c *Config) { c.Codec = codec }
}

// WithLogger overrides the default logrus-backed logger.
func WithLogger(logger definition.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithMetrics registers the session's Prometheus collectors against reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Config) { c.Metrics = definition.NewMetrics(reg) }
}

// WithWorkerCount overrides the UDP read-goroutine count.
func WithWorkerCount(n int) Option {
	return func(c *Config) { c.WorkerCount = n }
}

func defaultConfig() Config {
	return Config{
		Codec:       helper.NewPadCodec(),
		Logger:      definition.NewDefaultLogger(),
		Metrics:     definition.NewNoopMetrics(),
		WorkerCount: 4,
	}
}
