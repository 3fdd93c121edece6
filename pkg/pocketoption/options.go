package pocketoption

import (
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/pocketoption/internal/auth"
	"github.com/coachpo/pocketoption/internal/config"
	"github.com/coachpo/pocketoption/internal/dispatcher"
	"github.com/coachpo/pocketoption/internal/protocol"
	"github.com/coachpo/pocketoption/internal/session"
	"github.com/coachpo/pocketoption/internal/supervisor"
	"github.com/coachpo/pocketoption/internal/telemetry"
	"github.com/coachpo/pocketoption/internal/transport"
)

// Re-exported record types.
type (
	Credentials      = auth.Payload
	ConnectionConfig = supervisor.Config
	Balance          = session.Balance
	Order            = session.Order
	Outcome          = session.Outcome
	Candle           = session.Candle
	Quote            = session.Quote
	History          = session.History
	Status           = session.Status
	Direction        = protocol.Direction
	Dialer           = transport.Dialer
	OrderSink        = dispatcher.OrderSink
)

// Directions and outcomes.
const (
	Call = protocol.DirectionCall
	Put  = protocol.DirectionPut

	Won     = session.OutcomeWon
	Lost    = session.OutcomeLost
	Pending = session.OutcomePending
)

const (
	defaultOrderTimeout   = 5 * time.Second
	defaultResultTimeout  = 120 * time.Second
	defaultHistoryTimeout = 10 * time.Second
	defaultStateTimeout   = 10 * time.Second
)

// Timeouts bounds the blocking calls of a Client.
type Timeouts struct {
	Order   time.Duration
	Result  time.Duration
	History time.Duration
	State   time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Order <= 0 {
		t.Order = defaultOrderTimeout
	}
	if t.Result <= 0 {
		t.Result = defaultResultTimeout
	}
	if t.History <= 0 {
		t.History = defaultHistoryTimeout
	}
	if t.State <= 0 {
		t.State = defaultStateTimeout
	}
	return t
}

// Config is everything a Client needs besides its collaborators.
type Config struct {
	Credentials Credentials
	Connection  ConnectionConfig
	Timeouts    Timeouts
}

// FromConfig converts a loaded configuration file into a client Config.
func FromConfig(cfg config.Config) (Config, error) {
	creds, err := cfg.AuthPayload()
	if err != nil {
		return Config{}, err
	}
	conn, err := cfg.Supervisor()
	if err != nil {
		return Config{}, err
	}
	return Config{
		Credentials: creds,
		Connection:  conn,
		Timeouts: Timeouts{
			Order:   cfg.Requests.OrderTimeout,
			Result:  cfg.Requests.ResultTimeout,
			History: cfg.Requests.HistoryTimeout,
			State:   cfg.Requests.StateTimeout,
		},
	}, nil
}

// Option customises a Client.
type Option func(*Client)

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(c *Client) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithLogger sets the logger shared by every component of the client.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables the client instruments.
func WithMetrics(m *telemetry.ClientMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithOrderSink receives every order as it settles.
func WithOrderSink(sink OrderSink) Option {
	return func(c *Client) { c.sink = sink }
}

// WithClock overrides the wall clock used for session timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}
