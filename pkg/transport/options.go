package transport

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/architeacher/txtransport/pkg/transport/native"
)

const (
	defaultReceiveTimeout = 500 * time.Millisecond
)

// NewQueueCallback runs once against every queue the transport creates, while
// the creating handle is still open.
type NewQueueCallback func(ctx context.Context, queue native.Queue) error

// transportOptions configure New and NewOneWayClient. transportOptions are set
// by the Option values passed to them.
type transportOptions struct {
	logger         Logger
	codec          HeaderCodec
	hostname       string
	principals     Principals
	receiveTimeout time.Duration
	callbacks      []NewQueueCallback
	labelFunc      LabelFunc
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

type Option func(options *transportOptions)

// WithLogger returns an Option which sets the logger.
func WithLogger(l Logger) Option {
	return func(o *transportOptions) {
		o.logger = l
	}
}

// WithHeaderCodec returns an Option which replaces the JSON header codec.
func WithHeaderCodec(c HeaderCodec) Option {
	return func(o *transportOptions) {
		o.codec = c
	}
}

// WithHostname returns an Option which sets the name used for the local machine.
func WithHostname(name string) Option {
	return func(o *transportOptions) {
		o.hostname = name
	}
}

// WithPrincipals returns an Option which sets how the principals that
// receive baseline permissions on new queues are resolved.
func WithPrincipals(p Principals) Option {
	return func(o *transportOptions) {
		o.principals = p
	}
}

// WithReceiveTimeout returns an Option which bounds how long a single
// receive waits for a message.
func WithReceiveTimeout(d time.Duration) Option {
	return func(o *transportOptions) {
		o.receiveTimeout = d
	}
}

// WithNewQueueCallback returns an Option which registers a callback
// for newly created queues.
func WithNewQueueCallback(cb NewQueueCallback) Option {
	return func(o *transportOptions) {
		o.callbacks = append(o.callbacks, cb)
	}
}

// WithLabelFunc returns an Option which sets how entry labels are derived.
func WithLabelFunc(fn LabelFunc) Option {
	return func(o *transportOptions) {
		o.labelFunc = fn
	}
}

// WithTracerProvider returns an Option which sets the tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *transportOptions) {
		o.tracerProvider = tp
	}
}

// WithMeterProvider returns an Option which sets the meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *transportOptions) {
		o.meterProvider = mp
	}
}

func defaultTransportOptions() transportOptions {
	return transportOptions{
		logger:         nopLogger{},
		codec:          JSONHeaderCodec{},
		receiveTimeout: defaultReceiveTimeout,
		labelFunc:      DefaultLabel,
	}
}
