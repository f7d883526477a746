package metrics

import (
	"context"
	"database/sql"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type DatabaseMetrics struct {
	connectionsOpen  metric.Int64ObservableGauge
	connectionsInUse metric.Int64ObservableGauge
	queryDuration    metric.Float64Histogram
	queryErrors      metric.Int64Counter
	txRollbacks      metric.Int64Counter
	db               *sql.DB
}

func NewDatabaseMetrics(meter metric.Meter) (*DatabaseMetrics, error) {
	dm := &DatabaseMetrics{}

	var err error

	dm.connectionsOpen, err = meter.Int64ObservableGauge(
		"db.connections.open",
		metric.WithDescription("Current number of open database connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	dm.connectionsInUse, err = meter.Int64ObservableGauge(
		"db.connections.in_use",
		metric.WithDescription("Current number of in-use database connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, err
	}

	dm.queryDuration, err = meter.Float64Histogram(
		"db.query.duration",
		metric.WithDescription("Database query duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	if err != nil {
		return nil, err
	}

	dm.queryErrors, err = meter.Int64Counter(
		"db.query.errors",
		metric.WithDescription("Database query errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	dm.txRollbacks, err = meter.Int64Counter(
		"db.tx.rollbacks",
		metric.WithDescription("Ledger transactions rolled back"),
		metric.WithUnit("{transaction}"),
	)
	if err != nil {
		return nil, err
	}

	return dm, nil
}

// RegisterDB starts observing the pool statistics of db.
func (dm *DatabaseMetrics) RegisterDB(db *sql.DB, meter metric.Meter) error {
	dm.db = db

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if dm.db == nil {
				return nil
			}

			stats := dm.db.Stats()
			observer.ObserveInt64(dm.connectionsOpen, int64(stats.OpenConnections))
			observer.ObserveInt64(dm.connectionsInUse, int64(stats.InUse))
			return nil
		},
		dm.connectionsOpen,
		dm.connectionsInUse,
	)

	return err
}

func (dm *DatabaseMetrics) RecordQuery(ctx context.Context, operation string, table string, duration time.Duration, err error) {
	if dm == nil || dm.queryDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("table", table),
	}

	dm.queryDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if err != nil && dm.queryErrors != nil {
		dm.queryErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (dm *DatabaseMetrics) RecordRollback(ctx context.Context, operation string) {
	if dm == nil || dm.txRollbacks == nil {
		return
	}
	dm.txRollbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}
