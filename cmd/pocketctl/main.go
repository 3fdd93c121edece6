// Command pocketctl connects a PocketOption session and reports account state,
// optionally placing one trade and journaling its result.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/pocketoption/internal/config"
	"github.com/coachpo/pocketoption/internal/journal"
	"github.com/coachpo/pocketoption/internal/observability"
	"github.com/coachpo/pocketoption/internal/protocol"
	"github.com/coachpo/pocketoption/internal/telemetry"
	"github.com/coachpo/pocketoption/pkg/pocketoption"
)

const (
	defaultConfigPath        = "config/pocketoption.yaml"
	shutdownTimeout          = 15 * time.Second
	disconnectTimeout        = 5 * time.Second
	journalShutdownTimeout   = 5 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	quoteLogInterval         = 5 * time.Second
)

type options struct {
	configPath string
	asset      string
	period     time.Duration
	candles    int
	direction  string
	amount     string
	expiry     time.Duration
	watch      bool
}

type trade struct {
	direction protocol.Direction
	amount    decimal.Decimal
	expiry    time.Duration
}

func main() {
	opts := parseFlags(os.Args[1:])
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseFlags(args []string) options {
	var opts options
	fs := flag.NewFlagSet("pocketctl", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to configuration file (default: %s)", defaultConfigPath))
	fs.StringVar(&opts.asset, "asset", "EURUSD_otc", "Asset to report on and trade")
	fs.DurationVar(&opts.period, "period", time.Minute, "Candle period")
	fs.IntVar(&opts.candles, "candles", 0, "Number of candles to fetch (0 skips)")
	fs.StringVar(&opts.direction, "trade", "", "Place one order in this direction (call|put)")
	fs.StringVar(&opts.amount, "amount", "1", "Order amount")
	fs.DurationVar(&opts.expiry, "expiry", time.Minute, "Order expiry")
	fs.BoolVar(&opts.watch, "watch", false, "Stream quotes for the asset until interrupted")
	_ = fs.Parse(args)
	if opts.configPath == "" {
		opts.configPath = defaultConfigPath
	}
	return opts
}

func parseTrade(direction, amount string, expiry time.Duration) (*trade, error) {
	if strings.TrimSpace(direction) == "" {
		return nil, nil
	}
	dir, err := protocol.ParseDirection(direction)
	if err != nil {
		return nil, err
	}
	value, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	if !value.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", value)
	}
	if expiry < time.Second {
		return nil, fmt.Errorf("expiry must be at least 1s, got %s", expiry)
	}
	return &trade{direction: dir, amount: value, expiry: expiry}, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	order, err := parseTrade(opts.direction, opts.amount, opts.expiry)
	if err != nil {
		return err
	}

	cfg, err := config.LoadOrDefault(ctx, opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	observability.SetLogger(logger)
	logger.Info("configuration loaded",
		zap.String("environment", string(cfg.Environment)),
		zap.Bool("demo", cfg.Demo()),
		zap.String("region", cfg.Connection.Region))

	provider, err := telemetry.NewProvider(ctx, cfg.TelemetryProvider())
	if err != nil {
		return fmt.Errorf("initialise telemetry: %w", err)
	}
	if provider.Enabled() {
		logger.Info("telemetry enabled", zap.String("endpoint", cfg.Telemetry.OTLPEndpoint))
	}

	var lifecycle conc.WaitGroup
	recorder, closeJournal, err := openJournal(ctx, cfg.Journal, logger)
	if err != nil {
		return err
	}

	clientOpts := []pocketoption.Option{
		pocketoption.WithLogger(logger),
		pocketoption.WithMetrics(telemetry.NewClientMetrics()),
	}
	if recorder != nil {
		clientOpts = append(clientOpts, pocketoption.WithOrderSink(recorder))
	}
	client, err := pocketoption.NewFromConfig(cfg, clientOpts...)
	if err != nil {
		closeJournal()
		return err
	}

	runErr := session(ctx, client, opts, order, out, &lifecycle, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(shutdownCtx, logger, client, &lifecycle, closeJournal, provider); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func session(ctx context.Context, client *pocketoption.Client, opts options, order *trade, out io.Writer, lifecycle *conc.WaitGroup, logger *zap.Logger) error {
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	endpoint, relayed := client.Endpoint()
	logger.Info("session ready", zap.String("endpoint", endpoint), zap.Bool("relay", relayed))

	balance, err := client.Balance(ctx)
	if err != nil {
		return fmt.Errorf("balance: %w", err)
	}
	fmt.Fprintf(out, "balance: %s (demo=%t)\n", balance.Amount.StringFixed(2), balance.Demo)

	if payout, err := client.Payout(ctx, opts.asset); err != nil {
		logger.Warn("payout unavailable", zap.String("asset", opts.asset), zap.Error(err))
	} else {
		fmt.Fprintf(out, "payout %s: %d%%\n", opts.asset, payout)
	}

	if opts.candles > 0 {
		candles, err := client.Candles(ctx, opts.asset, opts.period, opts.candles)
		if err != nil && len(candles) == 0 {
			return fmt.Errorf("candles: %w", err)
		}
		if err != nil {
			logger.Warn("candle fetch incomplete", zap.Int("received", len(candles)), zap.Error(err))
		}
		for _, c := range candles {
			fmt.Fprintf(out, "%s O=%s H=%s L=%s C=%s\n", c.Time.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close)
		}
	}

	if order != nil {
		id, err := client.PlaceOrder(ctx, opts.asset, order.direction, order.amount, order.expiry)
		if err != nil {
			return fmt.Errorf("place order: %w", err)
		}
		fmt.Fprintf(out, "order %s placed, waiting %s for the result\n", id, order.expiry)
		res, err := client.AwaitResult(ctx, id, order.expiry+time.Minute)
		if err != nil && !res.Partial {
			return fmt.Errorf("await result: %w", err)
		}
		if res.Partial {
			fmt.Fprintf(out, "order %s still open after timeout\n", id)
		} else {
			fmt.Fprintf(out, "order %s %s, profit %s\n", id, res.Outcome, res.Profit)
		}
	}

	if !opts.watch {
		return nil
	}
	if err := client.ChangeSymbol(ctx, opts.asset, opts.period); err != nil {
		return fmt.Errorf("subscribe quotes: %w", err)
	}
	lifecycle.Go(func() { watchQuotes(ctx, client, opts.asset, out) })
	<-ctx.Done()
	return nil
}

func watchQuotes(ctx context.Context, client *pocketoption.Client, asset string, out io.Writer) {
	ticker := time.NewTicker(quoteLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if q, ok := client.Quote(asset); ok {
				fmt.Fprintf(out, "%s %s %s\n", q.Time.Format(time.RFC3339), asset, q.Price)
			}
		}
	}
}

func openJournal(ctx context.Context, cfg config.JournalConfig, logger *zap.Logger) (*journal.Recorder, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	if cfg.RunMigrations {
		if err := journal.Migrate(ctx, cfg.DSN, logger.Named("journal")); err != nil {
			return nil, nil, fmt.Errorf("journal migrations: %w", err)
		}
	}
	pool, err := journal.NewPool(ctx, journal.PoolOptions{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
	})
	if err != nil {
		return nil, nil, err
	}
	registration, err := journal.ObservePool(pool)
	if err != nil {
		logger.Warn("journal pool metrics unavailable", zap.Error(err))
	}
	recorder := journal.NewRecorder(journal.NewStore(pool), cfg.BufferSize, logger)
	recorder.Start(ctx)
	logger.Info("order journal enabled")

	return recorder, func() {
		recorder.Close()
		if registration != nil {
			_ = registration.Unregister()
		}
		pool.Close()
	}, nil
}

func shutdown(ctx context.Context, logger *zap.Logger, client *pocketoption.Client, lifecycle *conc.WaitGroup, closeJournal func(), provider *telemetry.Provider) error {
	var failures []error
	step := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			return
		}
		logger.Debug("shutdown step completed", zap.String("step", name))
	}

	step("disconnect", disconnectTimeout, client.Disconnect)
	step("lifecycle", disconnectTimeout, func(stepCtx context.Context) error {
		return waitFor(stepCtx, lifecycle.Wait)
	})
	step("journal", journalShutdownTimeout, func(stepCtx context.Context) error {
		return waitFor(stepCtx, closeJournal)
	})
	step("telemetry", telemetryShutdownTimeout, provider.Shutdown)
	return observability.AggregateErrors(logger, "shutdown", failures)
}

func waitFor(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out: %w", ctx.Err())
	}
}
