// Package config loads and validates the client configuration.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/pocketoption/internal/auth"
	"github.com/coachpo/pocketoption/internal/observability"
	"github.com/coachpo/pocketoption/internal/region"
	"github.com/coachpo/pocketoption/internal/supervisor"
	"github.com/coachpo/pocketoption/internal/telemetry"
)

const defaultPlatform = auth.DefaultPlatform

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Environment: EnvDev,
		Auth: AuthConfig{
			Platform:    defaultPlatform,
			FastHistory: auth.DefaultFastHistory,
		},
		Connection: ConnectionConfig{
			AttemptsPerEndpoint: 2,
			PassDelay:           2 * time.Second,
			InitialBackoff:      500 * time.Millisecond,
			MaxBackoff:          5 * time.Second,
			HandshakeTimeout:    15 * time.Second,
			HeartbeatInterval:   20 * time.Second,
			WriteTimeout:        5 * time.Second,
			SendRate:            20,
			SendBurst:           10,
		},
		Requests: RequestsConfig{
			OrderTimeout:   5 * time.Second,
			ResultTimeout:  120 * time.Second,
			HistoryTimeout: 10 * time.Second,
			StateTimeout:   10 * time.Second,
		},
		Logging: observability.LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:   "localhost:4318",
			ServiceName:    "pocketoption-client",
			MetricInterval: 30 * time.Second,
		},
		Journal: JournalConfig{
			MaxConns:          4,
			MinConns:          1,
			MaxConnLifetime:   30 * time.Minute,
			MaxConnIdleTime:   5 * time.Minute,
			HealthCheckPeriod: 30 * time.Second,
			RunMigrations:     true,
			BufferSize:        256,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and validates the result.
func Load(ctx context.Context, path string) (Config, error) {
	_ = ctx

	reader, closer, err := openConfigFile(path)
	if err != nil {
		return Config{}, err
	}
	defer closer()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to Default when path is
// empty or does not exist.
func LoadOrDefault(ctx context.Context, path string) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return finish(Default())
	}
	cfg, err := Load(ctx, path)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(Default())
	}
	return cfg, err
}

func finish(cfg Config) (Config, error) {
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvSSID); ok && strings.TrimSpace(v) != "" {
		c.Auth.SSID = v
	}
	if v, ok := lookup(EnvDemo); ok && strings.TrimSpace(v) != "" {
		demo, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvDemo, err)
		}
		c.Auth.Demo = &demo
	}
	if v, ok := lookup(EnvRegion); ok && strings.TrimSpace(v) != "" {
		c.Connection.Region = v
	}
	if v, ok := lookup(EnvRelayURL); ok && strings.TrimSpace(v) != "" {
		c.Connection.RelayURL = v
	}
	if v, ok := lookup(EnvJournalDSN); ok && strings.TrimSpace(v) != "" {
		c.Journal.DSN = v
		c.Journal.Enabled = true
	}
	if v, ok := lookup(EnvName); ok && strings.TrimSpace(v) != "" {
		c.Environment = Environment(v)
	}
	return nil
}

func (c *Config) normalise() {
	c.Environment = normalizeEnvironment(string(c.Environment))
	c.Auth.SSID = strings.TrimSpace(c.Auth.SSID)
	if c.Auth.Platform <= 0 {
		c.Auth.Platform = defaultPlatform
	}

	c.Connection.Region = strings.TrimSpace(c.Connection.Region)
	c.Connection.RelayURL = strings.TrimSpace(c.Connection.RelayURL)
	endpoints := make([]string, 0, len(c.Connection.Endpoints))
	for _, ep := range c.Connection.Endpoints {
		if trimmed := strings.TrimSpace(ep); trimmed != "" {
			endpoints = append(endpoints, trimmed)
		}
	}
	c.Connection.Endpoints = endpoints
	if c.Connection.SendBurst <= 0 {
		c.Connection.SendBurst = 1
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	c.Journal.DSN = strings.TrimSpace(c.Journal.DSN)
	if c.Journal.MinConns > c.Journal.MaxConns {
		c.Journal.MinConns = c.Journal.MaxConns
	}
}

// Validate performs semantic validation on the configuration.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Auth.SSID == "" {
		return fmt.Errorf("auth ssid required (set %s or auth.ssid)", EnvSSID)
	}
	if _, err := c.AuthPayload(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	if c.Connection.Region != "" {
		if _, ok := region.Resolve(c.Connection.Region); !ok {
			return fmt.Errorf("connection region %q is neither a known region nor a ws(s) URL (known: %s)",
				c.Connection.Region, strings.Join(region.Names(), ", "))
		}
	}
	for _, ep := range c.Connection.Endpoints {
		if _, ok := region.Resolve(ep); !ok {
			return fmt.Errorf("connection endpoint %q is neither a known region nor a ws(s) URL", ep)
		}
	}
	if _, err := c.Connection.relay(); err != nil {
		return err
	}
	if c.Connection.AttemptsPerEndpoint < 0 || c.Connection.MaxPasses < 0 {
		return fmt.Errorf("connection attempts and passes must be >= 0")
	}
	if c.Connection.HandshakeTimeout <= 0 {
		return fmt.Errorf("connection handshakeTimeout must be >0")
	}
	if c.Connection.HeartbeatInterval <= 0 {
		return fmt.Errorf("connection heartbeatInterval must be >0")
	}
	if c.Connection.SendRate <= 0 {
		return fmt.Errorf("connection sendRate must be >0")
	}

	if c.Requests.OrderTimeout <= 0 || c.Requests.ResultTimeout <= 0 ||
		c.Requests.HistoryTimeout <= 0 || c.Requests.StateTimeout <= 0 {
		return fmt.Errorf("requests timeouts must be >0")
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}

	if c.Journal.Enabled {
		if err := c.Journal.validate(); err != nil {
			return fmt.Errorf("journal: %w", err)
		}
	}
	return nil
}

func (c JournalConfig) validate() error {
	if c.DSN == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.BufferSize <= 0 {
		return fmt.Errorf("bufferSize must be >0")
	}
	return nil
}

// Demo reports the resolved account mode. An explicit auth.demo wins over the
// flag embedded in the auth frame; a bare session defaults to demo.
func (c Config) Demo() bool {
	if c.Auth.Demo != nil {
		return *c.Auth.Demo
	}
	p, err := c.AuthPayload()
	if err != nil {
		return true
	}
	return p.IsDemo
}

// AuthPayload builds the credential from auth.ssid.
func (c Config) AuthPayload() (auth.Payload, error) {
	var (
		p   auth.Payload
		err error
	)
	if strings.HasPrefix(c.Auth.SSID, `42["auth"`) {
		p, err = auth.ParseFrame(c.Auth.SSID)
		if err != nil {
			return auth.Payload{}, err
		}
	} else {
		p = auth.Payload{
			Session:     c.Auth.SSID,
			IsDemo:      true,
			UID:         c.Auth.UID,
			Platform:    c.Auth.Platform,
			FastHistory: c.Auth.FastHistory,
		}
		if err := p.Validate(); err != nil {
			return auth.Payload{}, err
		}
	}
	if c.Auth.Demo != nil {
		p = p.WithDemo(*c.Auth.Demo)
	}
	return p, nil
}

// Supervisor converts the connection section for the given account mode.
func (c Config) Supervisor() (supervisor.Config, error) {
	relay, err := c.Connection.relay()
	if err != nil {
		return supervisor.Config{}, err
	}
	return supervisor.Config{
		Demo:                c.Demo(),
		Preferred:           c.Connection.Region,
		Endpoints:           c.Connection.Endpoints,
		Relay:               relay,
		AttemptsPerEndpoint: c.Connection.AttemptsPerEndpoint,
		MaxPasses:           c.Connection.MaxPasses,
		PassDelay:           c.Connection.PassDelay,
		InitialBackoff:      c.Connection.InitialBackoff,
		MaxBackoff:          c.Connection.MaxBackoff,
		HandshakeTimeout:    c.Connection.HandshakeTimeout,
		HeartbeatInterval:   c.Connection.HeartbeatInterval,
		WriteTimeout:        c.Connection.WriteTimeout,
		SendRate:            rate.Limit(c.Connection.SendRate),
		SendBurst:           c.Connection.SendBurst,
		DisableReconnect:    c.Connection.DisableReconnect,
	}, nil
}

// TelemetryProvider merges the telemetry section over the environment defaults.
func (c Config) TelemetryProvider() telemetry.Config {
	out := telemetry.DefaultConfig()
	out.Enabled = out.Enabled || c.Telemetry.Enabled
	if c.Telemetry.OTLPEndpoint != "" {
		out.OTLPEndpoint = c.Telemetry.OTLPEndpoint
	}
	out.OTLPInsecure = out.OTLPInsecure || c.Telemetry.OTLPInsecure
	if c.Telemetry.ServiceName != "" {
		out.ServiceName = c.Telemetry.ServiceName
	}
	if c.Telemetry.MetricInterval > 0 {
		out.MetricInterval = c.Telemetry.MetricInterval
	}
	out.Environment = string(c.Environment)
	return out
}

func (c ConnectionConfig) relay() (*url.URL, error) {
	if c.RelayURL == "" {
		return nil, nil
	}
	u, err := url.Parse(c.RelayURL)
	if err != nil {
		return nil, fmt.Errorf("connection relayURL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("connection relayURL scheme %q must be http, https or socks5", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("connection relayURL host required")
	}
	return u, nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
