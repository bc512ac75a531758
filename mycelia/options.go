package mycelia

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/myceliarun/mycelia/mycelia/broker"
	"github.com/myceliarun/mycelia/mycelia/emit"
	"github.com/myceliarun/mycelia/mycelia/store"
)

// Options configures a Session, mirroring the teacher's functional-option
// pattern (graph/options.go). The zero value is usable: a Session.Open with
// an empty Options gets an in-process MemStore, an in-process
// ChannelBroker, a NullEmitter, JSONCodec, and the documented defaults
// below.
type Options struct {
	MaxConcurrentExecutors int
	ReadyQueueDepth        int
	BrokerVisibilityTimeout time.Duration
	DefaultNodeTimeout      time.Duration
	RetryPolicy             *RetryPolicy
	Metrics                 *Metrics
	Emitter                 emit.Emitter
	Codec                   Codec
	Broker                  broker.Broker
	Store                   store.StorageAdapter
}

// Option is a functional option applied on top of an Options value.
type Option func(*Options)

func WithMaxConcurrentExecutors(n int) Option {
	return func(o *Options) { o.MaxConcurrentExecutors = n }
}

func WithReadyQueueDepth(n int) Option {
	return func(o *Options) { o.ReadyQueueDepth = n }
}

func WithBrokerVisibilityTimeout(d time.Duration) Option {
	return func(o *Options) { o.BrokerVisibilityTimeout = d }
}

func WithDefaultNodeTimeout(d time.Duration) Option {
	return func(o *Options) { o.DefaultNodeTimeout = d }
}

func WithRetryPolicy(rp *RetryPolicy) Option {
	return func(o *Options) { o.RetryPolicy = rp }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Options) { o.Metrics = m }
}

func WithEmitter(e emit.Emitter) Option {
	return func(o *Options) { o.Emitter = e }
}

func WithCodec(c Codec) Option {
	return func(o *Options) { o.Codec = c }
}

func WithBroker(b broker.Broker) Option {
	return func(o *Options) { o.Broker = b }
}

func WithStore(s store.StorageAdapter) Option {
	return func(o *Options) { o.Store = s }
}

// withDefaults fills every unset field with the documented default,
// matching the teacher's MaxConcurrentNodes=8/QueueDepth=1024 defaults
// (graph/engine.go Options).
func (o Options) withDefaults() Options {
	if o.MaxConcurrentExecutors <= 0 {
		o.MaxConcurrentExecutors = 8
	}
	if o.ReadyQueueDepth <= 0 {
		o.ReadyQueueDepth = 1024
	}
	if o.BrokerVisibilityTimeout <= 0 {
		o.BrokerVisibilityTimeout = 30 * time.Second
	}
	if o.DefaultNodeTimeout <= 0 {
		o.DefaultNodeTimeout = 30 * time.Second
	}
	if o.RetryPolicy == nil {
		o.RetryPolicy = defaultRetryPolicy()
	} else if err := o.RetryPolicy.Validate(); err != nil {
		// Open has no error return to reject a broken user-supplied policy,
		// so fall back to the default rather than leaving every infra retry
		// path operating on an invalid RetryPolicy.
		o.RetryPolicy = defaultRetryPolicy()
	}
	if o.Metrics == nil {
		// A fresh, unshared registry: letting Open default straight onto
		// prometheus.DefaultRegisterer would panic the second time any
		// process (or test) opens a second Session without WithMetrics.
		o.Metrics = NewMetrics(prometheus.NewRegistry())
	}
	if o.Emitter == nil {
		o.Emitter = emit.NewNullEmitter()
	}
	if o.Codec == nil {
		o.Codec = defaultCodec
	}
	if o.Broker == nil {
		o.Broker = broker.NewChannelBroker(o.ReadyQueueDepth)
	}
	if o.Store == nil {
		o.Store = store.NewMemStore()
	}
	return o
}
