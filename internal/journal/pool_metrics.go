package journal

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/pocketoption/internal/telemetry"
)

// ObservePool reports journal pool occupancy as observable gauges.
func ObservePool(pool *pgxpool.Pool) (metric.Registration, error) {
	if pool == nil {
		return nil, nil
	}
	meter := otel.Meter("pocketoption.journal")
	total, err := meter.Int64ObservableGauge("pocketoption_journal_pool_connections_total",
		metric.WithDescription("Journal connections (idle + acquired + constructing)"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}
	idle, err := meter.Int64ObservableGauge("pocketoption_journal_pool_connections_idle",
		metric.WithDescription("Idle journal connections"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}
	acquired, err := meter.Int64ObservableGauge("pocketoption_journal_pool_connections_acquired",
		metric.WithDescription("Journal connections checked out by writers"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, err
	}

	attrs := metric.WithAttributes(attribute.String("environment", telemetry.Environment()))
	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		stat := pool.Stat()
		o.ObserveInt64(total, int64(stat.TotalConns()), attrs)
		o.ObserveInt64(idle, int64(stat.IdleConns()), attrs)
		o.ObserveInt64(acquired, int64(stat.AcquiredConns()), attrs)
		return nil
	}, total, idle, acquired)
}
