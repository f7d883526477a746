package metrics

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
)

// Metrics groups the infrastructure collectors shared by every repository,
// publisher and health checks of the service.
type Metrics struct {
	Database  *DatabaseMetrics
	Messaging *MessagingMetrics
	Health    *HealthMetrics
	Grpc      *GrpcMetrics
}

func New(meter metric.Meter, logger *slog.Logger) (*Metrics, error) {
	database, err := NewDatabaseMetrics(meter)
	if err != nil {
		return nil, err
	}

	messaging, err := NewMessagingMetrics(meter)
	if err != nil {
		return nil, err
	}

	health, err := NewHealthMetrics(meter)
	if err != nil {
		return nil, err
	}

	grpcMetrics, err := NewGrpcMetrics(meter)
	if err != nil {
		return nil, err
	}

	logger.Info("infrastructure metrics initialized")

	return &Metrics{
		Database:  database,
		Messaging: messaging,
		Health:    health,
		Grpc:      grpcMetrics,
	}, nil
}

// NewMock creates a no-op Metrics instance for testing
// The returned Metrics will safely ignore all Record* calls
func NewMock() *Metrics {
	return &Metrics{
		Database:  &DatabaseMetrics{},
		Messaging: &MessagingMetrics{},
		Health:    &HealthMetrics{dependencies: make(map[string]bool)},
		Grpc:      &GrpcMetrics{},
	}
}

// Buckets: 1ms, 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
var latencyBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}
