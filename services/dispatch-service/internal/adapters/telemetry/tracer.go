package telemetry

import (
	"context"
	"fmt"

	"github.com/athebyme/crosslist-platform/pkg/interfaces"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Config настройки трассировки
type Config struct {
	Enabled     bool
	ServiceName string
	Version     string
	Endpoint    string
	Insecure    bool
	Probability float64
}

// Provider владеет TracerProvider процесса
type Provider struct {
	provider *sdktrace.TracerProvider
	logger   interfaces.LoggerPort
}

// NewProvider настраивает глобальный TracerProvider с OTLP-экспортом.
// При выключенной трассировке остается no-op провайдер otel.
func NewProvider(ctx context.Context, cfg Config, logger interfaces.LoggerPort) (*Provider, error) {
	p := &Provider{logger: logger}

	if !cfg.Enabled {
		logger.Info("Трассировка выключена")
		return p, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.version", cfg.Version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p.provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler(cfg.Probability))),
	)

	otel.SetTracerProvider(p.provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Трассировка включена",
		interfaces.LogField{Key: "endpoint", Value: cfg.Endpoint},
		interfaces.LogField{Key: "probability", Value: cfg.Probability},
	)

	return p, nil
}

func sampler(probability float64) sdktrace.Sampler {
	switch {
	case probability >= 1:
		return sdktrace.AlwaysSample()
	case probability <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(probability)
	}
}

// Shutdown отправляет накопленные спаны
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider == nil {
		return nil
	}
	if err := p.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}
	return nil
}
