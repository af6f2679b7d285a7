// Package observability wires OpenTelemetry tracing for the bridge. Spans
// are produced by the mapping service, the pollers, the reply dispatcher,
// the SQLite backend (gorm plugin) and the ops HTTP API (otelgin).
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"google.golang.org/grpc/credentials"

	"github.com/tbourn/play-review-bridge/internal/config"
)

// Resource attribute keys describing the bridge deployment.
const (
	AttrStorageDriver = attribute.Key("bridge.storage.driver")
	AttrAppCount      = attribute.Key("bridge.apps")
)

// ---- test seams ----
var (
	newOTLPClient = otlptracegrpc.NewClient

	newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return otlptrace.New(ctx, client)
	}

	newServiceResourceFn = func(ctx context.Context, serviceName, version string, extra []attribute.KeyValue) (*resource.Resource, error) {
		attrs := append([]attribute.KeyValue{
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		}, extra...)
		return resource.New(ctx, resource.WithAttributes(attrs...))
	}
)

// SetupOTel configures OpenTelemetry tracing and returns a shutdown
// function. extra attributes are attached to the service resource. When
// tracing is disabled the globals are left untouched and shutdown is a
// no-op.
func SetupOTel(ctx context.Context, cfg config.OTELConfig, version string, extra ...attribute.KeyValue) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		creds := credentials.NewClientTLSFromCert(nil, "")
		opts = append(opts, otlptracegrpc.WithTLSCredentials(creds))
	}

	exp, err := newOTLPExporterFn(ctx, newOTLPClient(opts...))
	if err != nil {
		return nil, err
	}

	res, err := newServiceResourceFn(ctx, cfg.ServiceName, version, extra)
	if err != nil {
		_ = exp.Shutdown(context.WithoutCancel(ctx))
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return tp.Shutdown, nil
}
