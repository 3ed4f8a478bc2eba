// Package traces provides OpenTelemetry distributed tracing for finaiguard.
package traces

import (
	"context"
	"log/slog"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/finaiguard"

// Config selects the exporter endpoint and sampling.
type Config struct {
	// Endpoint is the OTLP gRPC collector address. Empty disables export.
	Endpoint       string
	ServiceVersion string
	// SampleRatio applies to root spans; child spans follow their parent.
	SampleRatio float64
}

// Init installs the global tracer provider and W3C trace-context
// propagation. The returned function flushes pending spans and must be
// called on shutdown.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("finaiguard"),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)
	return tp.Shutdown, nil
}

// StartSpan starts a new span with the given name and returns the updated context and span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Fail marks span as failed with err and returns err unchanged. A nil err
// is a no-op.
func Fail(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// Middleware starts a server span per request, continuing any trace the
// caller propagated in its headers. Spans are named by route template so
// chain IDs do not explode span cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := otel.GetTextMapPropagator().Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := otel.Tracer(tracerName).Start(ctx, c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRoute(route),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if status >= 500 {
			span.SetStatus(codes.Error, "server error")
		}
		if chain := c.Param("chain"); chain != "" {
			span.SetAttributes(ChainID(chain))
		}
	}
}

// Common attribute helpers for consistent span decoration.

func ChainID(id string) attribute.KeyValue {
	return attribute.String("chain.id", id)
}

func Sequence(seq uint64) attribute.KeyValue {
	return attribute.Int64("chain.sequence", int64(seq)) //nolint:gosec // chain lengths fit int64
}

func RecordID(id string) attribute.KeyValue {
	return attribute.String("record.id", id)
}

func Wallet(addr string) attribute.KeyValue {
	return attribute.String("wallet", addr)
}

func Tier(tier string) attribute.KeyValue {
	return attribute.String("risk.tier", tier)
}

func BatchSize(n int) attribute.KeyValue {
	return attribute.Int("batch.size", n)
}
