package journal

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"github.com/coachpo/pocketoption/errs"
	"github.com/coachpo/pocketoption/internal/protocol"
	"github.com/coachpo/pocketoption/internal/session"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container tests skipped in -short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "journal"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://postgres:secret@%s:%s/journal?sslmode=disable", host, port.Port())
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := startPostgres(t)
	ctx := context.Background()

	var pool *pgxpool.Pool
	require.Eventually(t, func() bool {
		if err := Migrate(ctx, dsn, zaptest.NewLogger(t)); err != nil {
			return false
		}
		p, err := NewPool(ctx, PoolOptions{DSN: dsn, MaxConns: 4})
		if err != nil {
			return false
		}
		pool = p
		return true
	}, 30*time.Second, 250*time.Millisecond)
	t.Cleanup(pool.Close)

	// a second run finds nothing to apply
	require.NoError(t, Migrate(ctx, dsn, zaptest.NewLogger(t)))
	return NewStore(pool)
}

func TestStoreRoundTripsSettledOrders(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	opened := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	won := session.Order{
		ID:            "ord-1",
		RequestID:     "req-1",
		Asset:         "EURUSD_otc",
		Direction:     protocol.DirectionCall,
		Amount:        decimal.RequireFromString("10.50"),
		Expiration:    time.Minute,
		OpenPrice:     decimal.RequireFromString("1.08321"),
		ClosePrice:    decimal.RequireFromString("1.08400"),
		Profit:        decimal.RequireFromString("8.40"),
		HasProfit:     true,
		PercentProfit: 80,
		OpenTime:      opened,
		CloseTime:     opened.Add(time.Minute),
		Demo:          true,
		UpdatedAt:     opened.Add(time.Minute),
	}
	lost := won
	lost.ID = "ord-2"
	lost.RequestID = "req-2"
	lost.Asset = "AAPL_otc"
	lost.Profit = decimal.Zero
	lost.CloseTime = opened.Add(2 * time.Minute)

	require.NoError(t, store.SaveOrder(ctx, won))
	require.NoError(t, store.SaveOrder(ctx, lost))

	got, err := store.Order(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, "EURUSD_otc", got.Asset)
	require.Equal(t, protocol.DirectionCall, got.Direction)
	require.True(t, got.Amount.Equal(won.Amount))
	require.True(t, got.Profit.Equal(won.Profit))
	require.Equal(t, session.OutcomeWon, got.Outcome())
	require.Equal(t, time.Minute, got.Expiration)

	recent, err := store.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, "ord-2", recent[0].ID, "newest close first")
	require.Equal(t, session.OutcomeLost, recent[0].Outcome())

	filtered, err := store.Recent(ctx, "EURUSD_otc", 0)
	require.NoError(t, err)
	require.Len(t, filtered, 1)

	// re-saving updates in place and keeps the original request id
	won.RequestID = ""
	won.Profit = decimal.RequireFromString("9")
	require.NoError(t, store.SaveOrder(ctx, won))
	got, err = store.Order(ctx, "ord-1")
	require.NoError(t, err)
	require.Equal(t, "req-1", got.RequestID)
	require.True(t, got.Profit.Equal(decimal.NewFromInt(9)))

	_, err = store.Order(ctx, "missing")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestStoreWithoutPoolErrors(t *testing.T) {
	var store *Store
	require.Error(t, store.SaveOrder(context.Background(), session.Order{ID: "x"}))
	_, err := store.Recent(context.Background(), "", 1)
	require.Error(t, err)
}

func TestRollbackThenMigrateAgain(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	dsn := store.Pool().Config().ConnString()

	require.NoError(t, Rollback(ctx, dsn, 1, zaptest.NewLogger(t)))
	var exists bool
	require.NoError(t, store.Pool().QueryRow(ctx, `SELECT to_regclass('journal_orders') IS NOT NULL`).Scan(&exists))
	require.False(t, exists)

	require.NoError(t, Migrate(ctx, dsn, zaptest.NewLogger(t)))
	require.NoError(t, store.Pool().QueryRow(ctx, `SELECT to_regclass('journal_orders') IS NOT NULL`).Scan(&exists))
	require.True(t, exists)
	require.Error(t, Rollback(ctx, dsn, 0, nil))
}
