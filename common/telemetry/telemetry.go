package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tuition-service/common/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type Options struct {
	ServiceName    string
	ServiceVersion string
	Env            string
	// Endpoint of the OTLP gRPC collector. Export is disabled when empty.
	Endpoint string
}

type Telemetry struct {
	MeterProvider *metric.MeterProvider
	Meter         otelmetric.Meter
	Metrics       *metrics.Metrics
}

func InitMeterProvider(ctx context.Context, opts Options, logger *slog.Logger) (*metric.MeterProvider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
			semconv.DeploymentEnvironment(opts.Env),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	providerOpts := []metric.Option{metric.WithResource(res)}

	if opts.Endpoint != "" {
		logger.Info("initializing OTel metrics", "endpoint", opts.Endpoint)

		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(opts.Endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		providerOpts = append(providerOpts, metric.WithReader(
			metric.NewPeriodicReader(exporter, metric.WithInterval(10*time.Second)),
		))
	} else {
		logger.Info("OTel metrics export disabled")
	}

	meterProvider := metric.NewMeterProvider(providerOpts...)
	otel.SetMeterProvider(meterProvider)

	return meterProvider, nil
}

func Init(ctx context.Context, opts Options, logger *slog.Logger) (*Telemetry, error) {
	meterProvider, err := InitMeterProvider(ctx, opts, logger)
	if err != nil {
		return nil, err
	}

	meter := meterProvider.Meter(opts.ServiceName)

	m, err := metrics.New(meter, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := m.Health.Register(meter, opts.ServiceName, opts.ServiceVersion, opts.Env); err != nil {
		logger.Warn("failed to register service info", "error", err)
	}

	return &Telemetry{
		MeterProvider: meterProvider,
		Meter:         meter,
		Metrics:       m,
	}, nil
}

func (t *Telemetry) Shutdown(ctx context.Context, logger *slog.Logger) error {
	logger.Info("shutting down OTel meter provider")
	if err := t.MeterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown meter provider: %w", err)
	}
	return nil
}
