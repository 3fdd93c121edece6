package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	dbmigrations "github.com/coachpo/pocketoption/db/migrations"
	"github.com/coachpo/pocketoption/internal/telemetry"
)

var (
	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Migrate applies the embedded journal schema to the database at dsn.
func Migrate(ctx context.Context, dsn string, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	m, closeFn, err := open(ctx, dsn, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	logger.Info("running journal migrations")
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop")
			logger.Info("journal schema up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "failed")
		return fmt.Errorf("apply migrations: %w", err)
	}
	recordMigrationMetric(ctx, "applied")
	logger.Info("journal migrations applied")
	return nil
}

// Rollback reverts the last steps journal migrations.
func Rollback(ctx context.Context, dsn string, steps int, logger *zap.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be positive, got %d", steps)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m, closeFn, err := open(ctx, dsn, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	logger.Info("rolling back journal migrations", zap.Int("steps", steps))
	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "noop")
			return nil
		}
		recordMigrationMetric(ctx, "failed")
		return fmt.Errorf("rollback migrations: %w", err)
	}
	recordMigrationMetric(ctx, "rolled_back")
	return nil
}

func open(ctx context.Context, dsn string, logger *zap.Logger) (*migrate.Migrate, func(), error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open migrations connection: %w", err)
	}
	closeDB := func() {
		if cerr := db.Close(); cerr != nil {
			logger.Warn("journal migrations close", zap.Error(cerr))
		}
	}
	if err := db.PingContext(ctx); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("ping migrations database: %w", err)
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("initialise pgx v5 driver: %w", err)
	}
	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("initialise migrate instance: %w", err)
	}
	return m, func() {
		// closing the instance also closes db through the driver
		sourceErr, dbErr := m.Close()
		if sourceErr != nil {
			logger.Warn("journal migrations source close", zap.Error(sourceErr))
		}
		if dbErr != nil {
			logger.Warn("journal migrations db close", zap.Error(dbErr))
		}
	}, nil
}

func recordMigrationMetric(ctx context.Context, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("pocketoption.journal")
		counter, err := meter.Int64Counter("pocketoption_journal_migrations_total",
			metric.WithDescription("Journal schema migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", telemetry.Environment()),
		attribute.String("result", result),
	))
}
