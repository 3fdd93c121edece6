package config

import (
	"strings"
	"time"

	"github.com/coachpo/pocketoption/internal/observability"
)

// Environment identifies the runtime environment the client runs in.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Environment variables that override file values.
const (
	EnvSSID       = "POCKETOPTION_SSID"
	EnvDemo       = "POCKETOPTION_DEMO"
	EnvRegion     = "POCKETOPTION_REGION"
	EnvRelayURL   = "POCKETOPTION_RELAY_URL"
	EnvJournalDSN = "POCKETOPTION_JOURNAL_DSN"
	EnvName       = "POCKETOPTION_ENV"
)

// Config is the client configuration sourced from YAML and the environment.
type Config struct {
	Environment Environment                 `yaml:"environment"`
	Auth        AuthConfig                  `yaml:"auth"`
	Connection  ConnectionConfig            `yaml:"connection"`
	Requests    RequestsConfig              `yaml:"requests"`
	Logging     observability.LoggingConfig `yaml:"logging"`
	Telemetry   TelemetryConfig             `yaml:"telemetry"`
	Journal     JournalConfig               `yaml:"journal"`
}

// AuthConfig carries the session credential. SSID is either the full
// 42["auth",{...}] frame copied from a browser or a bare session value.
type AuthConfig struct {
	SSID        string `yaml:"ssid"`
	Demo        *bool  `yaml:"demo"`
	UID         int64  `yaml:"uid"`
	Platform    int    `yaml:"platform"`
	FastHistory bool   `yaml:"fastHistory"`
}

// ConnectionConfig controls endpoint selection and link upkeep.
type ConnectionConfig struct {
	Region              string        `yaml:"region"`
	Endpoints           []string      `yaml:"endpoints"`
	RelayURL            string        `yaml:"relayURL"`
	AttemptsPerEndpoint int           `yaml:"attemptsPerEndpoint"`
	MaxPasses           int           `yaml:"maxPasses"`
	PassDelay           time.Duration `yaml:"passDelay"`
	InitialBackoff      time.Duration `yaml:"initialBackoff"`
	MaxBackoff          time.Duration `yaml:"maxBackoff"`
	HandshakeTimeout    time.Duration `yaml:"handshakeTimeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeatInterval"`
	WriteTimeout        time.Duration `yaml:"writeTimeout"`
	SendRate            float64       `yaml:"sendRate"`
	SendBurst           int           `yaml:"sendBurst"`
	DisableReconnect    bool          `yaml:"disableReconnect"`
}

// RequestsConfig bounds the correlated calls.
type RequestsConfig struct {
	OrderTimeout   time.Duration `yaml:"orderTimeout"`
	ResultTimeout  time.Duration `yaml:"resultTimeout"`
	HistoryTimeout time.Duration `yaml:"historyTimeout"`
	StateTimeout   time.Duration `yaml:"stateTimeout"`
}

// TelemetryConfig configures the OTLP metrics exporter.
type TelemetryConfig struct {
	Enabled        bool          `yaml:"enabled"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	ServiceName    string        `yaml:"serviceName"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// JournalConfig controls the optional Postgres order journal.
type JournalConfig struct {
	Enabled           bool          `yaml:"enabled"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
	BufferSize        int           `yaml:"bufferSize"`
}

func normalizeEnvironment(name string) Environment {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "development", "dev":
		return EnvDev
	case "production", "prod":
		return EnvProd
	case "staging", "stage":
		return EnvStaging
	default:
		return Environment(strings.ToLower(strings.TrimSpace(name)))
	}
}
