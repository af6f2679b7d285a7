package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tbourn/play-review-bridge/internal/config"
)

func preserveOTelGlobals(t *testing.T) func() {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	return func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	}
}

func enabledCfg(name string, insecure bool) config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    insecure,
		Endpoint:    "localhost:4317",
		ServiceName: name,
		SampleRatio: 1.0,
	}
}

func TestSetupOTel_Disabled_NoOp(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	prevTP := otel.GetTracerProvider()
	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Enabled: false, Endpoint: "ignored:4317"}, "v0.0.0")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown returned error: %v", err)
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("disabled tracing must not replace the provider")
	}
}

func TestSetupOTel_SetsProviderAndPropagator(t *testing.T) {
	for _, insecure := range []bool{true, false} {
		restore := preserveOTelGlobals(t)

		shutdown, err := SetupOTel(context.Background(), enabledCfg("bridge", insecure), "v1.2.3",
			AttrStorageDriver.String("sqlite"), AttrAppCount.Int(2))
		if err != nil {
			t.Fatalf("insecure=%v: unexpected err: %v", insecure, err)
		}
		if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
			t.Fatalf("expected *sdktrace.TracerProvider")
		}

		carrier := propagation.MapCarrier{}
		ctx, span := otel.Tracer("test").Start(context.Background(), "span")
		span.End()
		otel.GetTextMapPropagator().Inject(ctx, carrier)
		if carrier.Get("traceparent") == "" {
			t.Fatalf("traceparent header not injected")
		}
		_ = shutdown(context.Background())
		restore()
	}
}

func TestSetupOTel_PassesExtraResourceAttributes(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	orig := newServiceResourceFn
	defer func() { newServiceResourceFn = orig }()

	var got []attribute.KeyValue
	newServiceResourceFn = func(ctx context.Context, serviceName, version string, extra []attribute.KeyValue) (*resource.Resource, error) {
		got = extra
		return orig(ctx, serviceName, version, extra)
	}

	shutdown, err := SetupOTel(context.Background(), enabledCfg("bridge", true), "v1", AttrStorageDriver.String("postgres"))
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()
	if len(got) != 1 || got[0].Value.AsString() != "postgres" {
		t.Fatalf("extra attributes = %v", got)
	}
}

func TestSetupOTel_ExporterError_Propagates_AndGlobalsIntact(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	orig := newOTLPExporterFn
	defer func() { newOTLPExporterFn = orig }()
	newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
		return nil, errors.New("boom-exporter")
	}

	prevTP := otel.GetTracerProvider()
	if _, err := SetupOTel(context.Background(), enabledCfg("svc", true), "v0"); err == nil {
		t.Fatalf("expected error, got nil")
	}
	if otel.GetTracerProvider() != prevTP {
		t.Fatalf("tracer provider changed on failure")
	}
}

func TestSetupOTel_ResourceError_Propagates_AndGlobalsIntact(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	orig := newServiceResourceFn
	defer func() { newServiceResourceFn = orig }()
	newServiceResourceFn = func(ctx context.Context, serviceName, version string, extra []attribute.KeyValue) (*resource.Resource, error) {
		return nil, errors.New("boom-resource")
	}

	prevProp := otel.GetTextMapPropagator()
	if _, err := SetupOTel(context.Background(), enabledCfg("svc", true), "v0"); err == nil {
		t.Fatalf("expected error, got nil")
	}
	if otel.GetTextMapPropagator() != prevProp {
		t.Fatalf("propagator changed on failure")
	}
}

func TestShutdown_IsCallable(t *testing.T) {
	restore := preserveOTelGlobals(t)
	defer restore()

	shutdown, err := SetupOTel(context.Background(), enabledCfg("svc-shutdown", true), "v1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	ct, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := shutdown(ct); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
}
