// Package otelcol installs the OpenTelemetry tracer provider when OTEL.ENDPOINT is set.
package otelcol

import (
	"context"

	"careledger/pkg/config"
	"careledger/pkg/otelcol/exporters"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("otelcol", fx.Provide(NewTracerProvider))

func defaultTraceProviderOption(cfg *config.Config) []trace.TracerProviderOption {
	return []trace.TracerProviderOption{
		trace.WithResource(Resource(cfg)),
	}
}

// Resource describes this process on every span.
func Resource(cfg *config.Config) *resource.Resource {
	r, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		attribute.String("service.name", cfg.AppName),
		attribute.String("service.version", cfg.AppVersion),
		attribute.String("deployment.environment", cfg.AppEnv),
	))
	if err != nil {
		return resource.Default()
	}
	return r
}

func ProvideTrace(exporter trace.SpanExporter, opts ...trace.TracerProviderOption) *trace.TracerProvider {
	opts = append(opts, trace.WithBatcher(exporter))
	return trace.NewTracerProvider(opts...)
}

// NewTracerProvider returns the global no-op provider unless an OTLP
// endpoint is configured, in which case the SDK provider becomes global and
// is flushed on stop.
func NewTracerProvider(lc fx.Lifecycle, cfg *config.Config) (oteltrace.TracerProvider, error) {
	if cfg.Otel.Endpoint == "" {
		zap.L().Info("[Otel] OTEL.ENDPOINT empty, tracing disabled")
		return otel.GetTracerProvider(), nil
	}

	var (
		exporter trace.SpanExporter
		err      error
	)
	switch cfg.Otel.Protocol {
	case "http":
		exporter, err = exporters.ProvideHttp(cfg)
	default:
		exporter, err = exporters.ProvideGrpc(cfg)
	}
	if err != nil {
		return nil, err
	}

	tp := ProvideTrace(exporter, defaultTraceProviderOption(cfg)...)
	otel.SetTracerProvider(tp)
	zap.L().Info("[Otel] exporting traces",
		zap.String("endpoint", cfg.Otel.Endpoint),
		zap.String("protocol", cfg.Otel.Protocol),
	)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	return tp, nil
}
