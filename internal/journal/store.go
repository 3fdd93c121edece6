// Package journal persists settled orders to PostgreSQL.
package journal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/pocketoption/errs"
	"github.com/coachpo/pocketoption/internal/protocol"
	"github.com/coachpo/pocketoption/internal/session"
)

// PoolOptions sizes the connection pool.
type PoolOptions struct {
	DSN               string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// NewPool opens a pgx pool and verifies the database is reachable.
func NewPool(ctx context.Context, opts PoolOptions) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(strings.TrimSpace(opts.DSN))
	if err != nil {
		return nil, fmt.Errorf("parse journal dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns >= 0 && opts.MinConns <= cfg.MaxConns {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}
	if opts.MaxConnIdleTime > 0 {
		cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	}
	if opts.HealthCheckPeriod > 0 {
		cfg.HealthCheckPeriod = opts.HealthCheckPeriod
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create journal pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping journal database: %w", err)
	}
	return pool, nil
}

const (
	orderUpsertSQL = `
INSERT INTO journal_orders (
    id,
    request_id,
    asset,
    direction,
    amount,
    expiration_seconds,
    open_price,
    close_price,
    profit,
    percent_profit,
    outcome,
    demo,
    opened_at,
    closed_at,
    metadata,
    created_at,
    updated_at
)
VALUES (
    @id,
    @request_id,
    @asset,
    @direction,
    @amount::numeric,
    @expiration_seconds,
    @open_price::numeric,
    @close_price::numeric,
    @profit::numeric,
    @percent_profit,
    @outcome,
    @demo,
    @opened_at,
    @closed_at,
    @metadata::jsonb,
    NOW(),
    NOW()
)
ON CONFLICT (id) DO UPDATE SET
    request_id = COALESCE(NULLIF(EXCLUDED.request_id, ''), journal_orders.request_id),
    direction = COALESCE(NULLIF(EXCLUDED.direction, ''), journal_orders.direction),
    close_price = EXCLUDED.close_price,
    profit = EXCLUDED.profit,
    percent_profit = EXCLUDED.percent_profit,
    outcome = EXCLUDED.outcome,
    closed_at = EXCLUDED.closed_at,
    metadata = EXCLUDED.metadata,
    updated_at = NOW();
`

	orderSelectBase = `
SELECT
    id,
    request_id,
    asset,
    direction,
    amount::text,
    expiration_seconds,
    COALESCE(open_price::text, ''),
    COALESCE(close_price::text, ''),
    COALESCE(profit::text, ''),
    percent_profit,
    demo,
    opened_at,
    closed_at,
    updated_at
FROM journal_orders
`

	defaultListLimit = 50
	maxListLimit     = 500
)

// Store reads and writes journal rows.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore constructs a Store backed by pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	if s == nil {
		return nil
	}
	return s.pool
}

func (s *Store) ensurePool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, fmt.Errorf("journal store: nil pool")
	}
	return s.pool, nil
}

// SaveOrder upserts a settled order.
func (s *Store) SaveOrder(ctx context.Context, order session.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if strings.TrimSpace(order.ID) == "" {
		return errs.New("journal", errs.CodeInvalid, errs.WithMessage("order id required"))
	}
	metadata, err := json.Marshal(map[string]any{
		"terminal":   order.Terminal(),
		"updated_at": order.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("journal store: encode metadata: %w", err)
	}
	args := pgx.NamedArgs{
		"id":                 order.ID,
		"request_id":         order.RequestID,
		"asset":              order.Asset,
		"direction":          string(order.Direction),
		"amount":             order.Amount.String(),
		"expiration_seconds": int64(order.Expiration / time.Second),
		"open_price":         nullableDecimal(order.OpenPrice, !order.OpenPrice.IsZero()),
		"close_price":        nullableDecimal(order.ClosePrice, !order.ClosePrice.IsZero()),
		"profit":             nullableDecimal(order.Profit, order.HasProfit),
		"percent_profit":     order.PercentProfit,
		"outcome":            string(order.Outcome()),
		"demo":               order.Demo,
		"opened_at":          nullableTime(order.OpenTime),
		"closed_at":          nullableTime(order.CloseTime),
		"metadata":           string(metadata),
	}
	if _, err := pool.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("journal store: upsert order: %w", err)
	}
	return nil
}

// Order returns the journaled order with id.
func (s *Store) Order(ctx context.Context, id string) (session.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return session.Order{}, err
	}
	row := pool.QueryRow(ctx, orderSelectBase+"WHERE id = @id", pgx.NamedArgs{"id": id})
	order, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return session.Order{}, errs.New("journal", errs.CodeNotFound,
			errs.WithCanonicalCode(errs.CanonicalOrderNotFound), errs.WithField("order_id", id))
	}
	if err != nil {
		return session.Order{}, fmt.Errorf("journal store: select order: %w", err)
	}
	return order, nil
}

// Recent returns the most recently closed orders, newest first. An empty
// asset lists every asset.
func (s *Store) Recent(ctx context.Context, asset string, limit int) ([]session.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	query := orderSelectBase + `
WHERE (@asset = '' OR asset = @asset)
ORDER BY closed_at DESC NULLS LAST, updated_at DESC
LIMIT @limit`
	rows, err := pool.Query(ctx, query, pgx.NamedArgs{"asset": strings.TrimSpace(asset), "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("journal store: list orders: %w", err)
	}
	defer rows.Close()

	var out []session.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("journal store: scan order: %w", err)
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal store: iterate orders: %w", err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (session.Order, error) {
	var (
		o                             session.Order
		direction                     string
		amount, open, closing, profit string
		expiration                    int64
		openedAt, closedAt            *time.Time
	)
	if err := row.Scan(
		&o.ID,
		&o.RequestID,
		&o.Asset,
		&direction,
		&amount,
		&expiration,
		&open,
		&closing,
		&profit,
		&o.PercentProfit,
		&o.Demo,
		&openedAt,
		&closedAt,
		&o.UpdatedAt,
	); err != nil {
		return session.Order{}, err
	}
	o.Direction = protocol.Direction(direction)
	o.Expiration = time.Duration(expiration) * time.Second
	o.Amount = parseDecimal(amount)
	o.OpenPrice = parseDecimal(open)
	o.ClosePrice = parseDecimal(closing)
	if profit != "" {
		o.Profit = parseDecimal(profit)
		o.HasProfit = true
	}
	if openedAt != nil {
		o.OpenTime = openedAt.UTC()
	}
	if closedAt != nil {
		o.CloseTime = closedAt.UTC()
	}
	return o, nil
}

func parseDecimal(text string) decimal.Decimal {
	if text == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func nullableDecimal(d decimal.Decimal, present bool) any {
	if !present {
		return nil
	}
	return d.String()
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
