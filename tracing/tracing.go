// Package tracing wraps opentracing span creation in the single call every
// public operation in this module makes on entry.
package tracing

import (
	"context"
	"io"
	"sync"

	"github.com/opentracing/opentracing-go"
	jaeger "github.com/uber/jaeger-client-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

var (
	initOnce sync.Once
	closer   io.Closer
)

// Init installs a jaeger tracer as the global opentracing.Tracer. Safe to
// call multiple times; only the first call takes effect. serviceName tags
// every span emitted by this process.
func Init(serviceName string) {
	initOnce.Do(func() {
		cfg := jaegercfg.Configuration{
			ServiceName: serviceName,
			Sampler: &jaegercfg.SamplerConfig{
				Type:  jaeger.SamplerTypeConst,
				Param: 1,
			},
			Reporter: &jaegercfg.ReporterConfig{
				LogSpans: false,
			},
		}

		tracer, c, err := cfg.NewTracer()
		if err != nil {
			return
		}

		opentracing.SetGlobalTracer(tracer)
		closer = c
	})
}

// Close flushes and releases the tracer installed by Init, if any.
func Close() {
	if closer != nil {
		_ = closer.Close()
	}
}

// StartTracing starts a span named name as a child of any span already in
// ctx, and returns the derived context, the span, and a deferrable function
// that finishes the span. Callers write:
//
//	ctx, span, done := tracing.StartTracing(ctx, "Ledger:AddBlock")
//	defer done()
func StartTracing(ctx context.Context, name string) (context.Context, opentracing.Span, func()) {
	span, ctx := opentracing.StartSpanFromContext(ctx, name)
	return ctx, span, func() { span.Finish() }
}
