package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type HealthMetrics struct {
	dependencyUp           metric.Int64ObservableGauge
	dependencyResponseTime metric.Float64Histogram
	serviceInfo            metric.Int64ObservableGauge

	mu           sync.Mutex
	dependencies map[string]bool
}

func NewHealthMetrics(meter metric.Meter) (*HealthMetrics, error) {
	hm := &HealthMetrics{
		dependencies: make(map[string]bool),
	}

	var err error

	// 1 = up, 0 = down
	hm.dependencyUp, err = meter.Int64ObservableGauge(
		"dependency.up",
		metric.WithDescription("Dependency availability status (1=up, 0=down)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	hm.dependencyResponseTime, err = meter.Float64Histogram(
		"dependency.response_time",
		metric.WithDescription("Dependency health check response time"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil, err
	}

	hm.serviceInfo, err = meter.Int64ObservableGauge(
		"service.info",
		metric.WithDescription("Service metadata information"),
		metric.WithUnit("{info}"),
	)
	if err != nil {
		return nil, err
	}

	return hm, nil
}

func (hm *HealthMetrics) Register(meter metric.Meter, serviceName, version, env string) error {
	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			observer.ObserveInt64(hm.serviceInfo, 1, metric.WithAttributes(
				attribute.String("service_name", serviceName),
				attribute.String("version", version),
				attribute.String("environment", env),
			))

			hm.mu.Lock()
			defer hm.mu.Unlock()
			for name, up := range hm.dependencies {
				value := int64(0)
				if up {
					value = 1
				}
				observer.ObserveInt64(hm.dependencyUp, value, metric.WithAttributes(attribute.String("dependency", name)))
			}
			return nil
		},
		hm.serviceInfo,
		hm.dependencyUp,
	)
	return err
}

// RecordDependencyCheck stores the outcome of a readiness check against a dependency.
func (hm *HealthMetrics) RecordDependencyCheck(ctx context.Context, dependency string, duration time.Duration, err error) {
	if hm == nil {
		return
	}

	if hm.dependencyResponseTime != nil {
		hm.dependencyResponseTime.Record(ctx, duration.Seconds(),
			metric.WithAttributes(attribute.String("dependency", dependency)))
	}

	hm.mu.Lock()
	hm.dependencies[dependency] = err == nil
	hm.mu.Unlock()
}

// Available reports the last known status of a dependency.
func (hm *HealthMetrics) Available(dependency string) bool {
	if hm == nil {
		return false
	}
	hm.mu.Lock()
	defer hm.mu.Unlock()
	return hm.dependencies[dependency]
}
