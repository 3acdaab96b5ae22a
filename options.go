package hpu

import (
	"github.com/iit-edl/hpu/dma"
	"github.com/rcrowley/go-metrics"
)

type optionValues struct {
	allocator dma.Allocator
	registry  metrics.Registry
	prefix    string
}

func (o *optionValues) apply(options []Option) {
	for _, option := range options {
		option(o)
	}
}

var optionDefaults = optionValues{
	registry: metrics.DefaultRegistry,
	prefix:   "hpu",
}

// Option can be passed to [Open] to influence stream creation.
type Option func(*optionValues)

// WithAllocator returns an [Option] that makes both rings take their buffers
// from the given allocator instead of mapping their own memory.
func WithAllocator(a dma.Allocator) Option {
	return func(o *optionValues) { o.allocator = a }
}

// WithMetricsRegistry returns an [Option] that registers the stream counters
// in r with the given name prefix. By default the counters go to
// [metrics.DefaultRegistry] with the prefix "hpu".
func WithMetricsRegistry(r metrics.Registry, prefix string) Option {
	return func(o *optionValues) {
		o.registry = r
		o.prefix = prefix
	}
}
