// Package supervisor owns the socket connection of a session: it picks
// endpoints, runs the handshake, keeps the link alive and reconnects after an
// unexpected close.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/pocketoption/errs"
	"github.com/coachpo/pocketoption/internal/auth"
	"github.com/coachpo/pocketoption/internal/correlator"
	"github.com/coachpo/pocketoption/internal/dispatcher"
	"github.com/coachpo/pocketoption/internal/protocol"
	"github.com/coachpo/pocketoption/internal/session"
	"github.com/coachpo/pocketoption/internal/telemetry"
	"github.com/coachpo/pocketoption/internal/transport"
)

// Supervisor drives one session's connection lifecycle.
type Supervisor struct {
	cfg     Config
	dialer  transport.Dialer
	creds   auth.Payload
	store   *session.Store
	corr    *correlator.Correlator
	disp    *dispatcher.Dispatcher
	logger  *zap.Logger
	metrics *telemetry.ClientMetrics
	limiter *rate.Limiter

	// connectMu serialises Connect with the background reconnect.
	connectMu sync.Mutex

	mu     sync.Mutex
	live   *link
	runCtx context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the supervisor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the client instruments.
func WithMetrics(m *telemetry.ClientMetrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// New constructs a supervisor. Inbound frames are applied through disp.
func New(cfg Config, dialer transport.Dialer, creds auth.Payload, store *session.Store, corr *correlator.Correlator, disp *dispatcher.Dispatcher, opts ...Option) *Supervisor {
	cfg = cfg.withDefaults()
	s := &Supervisor{
		cfg:     cfg,
		dialer:  dialer,
		creds:   creds,
		store:   store,
		corr:    corr,
		disp:    disp,
		logger:  zap.NewNop(),
		limiter: rate.NewLimiter(cfg.SendRate, cfg.SendBurst),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// link is one authenticated connection and its outbound queue.
type link struct {
	conn     transport.Conn
	endpoint string
	relay    bool
	out      chan outbound
	done     chan struct{}
}

type outbound struct {
	name   string
	data   []byte
	binary bool
	result chan error
}

func (o outbound) reply(err error) {
	if o.result != nil {
		o.result <- err
	}
}

// Connect establishes an authenticated connection. It returns nil once the
// session is Ready; otherwise the error carries the reason.
func (s *Supervisor) Connect(ctx context.Context) error {
	if err := s.creds.Validate(); err != nil {
		return err
	}

	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.current() != nil && s.store.Status() == session.StatusReady {
		return nil
	}

	s.mu.Lock()
	if s.cancel == nil {
		s.runCtx, s.cancel = context.WithCancel(context.Background())
	}
	runCtx := s.runCtx
	s.mu.Unlock()

	if s.store.Status() != session.StatusDisconnected {
		s.transition(ctx, session.StatusDisconnected)
	}

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	l, err := s.establish(attemptCtx)
	if err == nil {
		err = s.start(runCtx, l)
	}
	if err != nil {
		if errs.IsCode(err, errs.CodeCanceled) {
			s.transition(ctx, session.StatusDisconnected)
		} else {
			s.store.Fail(err)
			s.metrics.StatusChanged(ctx, s.store.Status().String())
		}
		return err
	}
	return nil
}

// Close stops the activities, closes the transport and fails every pending call.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.runCtx = nil
	l := s.live
	s.live = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if l != nil {
		_ = l.conn.Close("client closing")
	}
	s.wg.Wait()

	reason := errs.New("disconnect", errs.CodeCanceled, errs.WithMessage("session closed"))
	if n := s.corr.FailAll(reason); n > 0 {
		s.logger.Debug("failed pending calls on close", zap.Int("pending", n))
	}
	s.disp.Reset()
	s.transition(context.Background(), session.StatusDisconnected)
	return nil
}

// Send queues f on the live connection and waits until it was written.
func (s *Supervisor) Send(ctx context.Context, f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	l := s.current()
	if l == nil {
		return notConnected("send")
	}
	msg := outbound{
		name:   f.Name,
		data:   data,
		binary: f.Kind == protocol.KindAttachment,
		result: make(chan error, 1),
	}
	select {
	case l.out <- msg:
	case <-l.done:
		return notConnected("send")
	case <-ctx.Done():
		return errs.New("send", errs.CodeCanceled, errs.WithCause(ctx.Err()))
	}
	select {
	case err := <-msg.result:
		return err
	case <-l.done:
		return notConnected("send")
	case <-ctx.Done():
		return errs.New("send", errs.CodeCanceled, errs.WithCause(ctx.Err()))
	}
}

// Endpoint returns the URL of the live connection and whether it is relayed.
func (s *Supervisor) Endpoint() (string, bool) {
	l := s.current()
	if l == nil {
		return "", false
	}
	return l.endpoint, l.relay
}

func (s *Supervisor) current() *link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

func notConnected(op string) error {
	return errs.New(op, errs.CodeUnavailable,
		errs.WithCanonicalCode(errs.CanonicalNotConnected),
		errs.WithMessage("session is not connected"),
		errs.WithRemediation("call Connect first"))
}

// establish walks the candidate endpoints pass by pass until one completes the
// handshake.
func (s *Supervisor) establish(ctx context.Context) (*link, error) {
	candidates := s.cfg.Candidates()
	if len(candidates) == 0 {
		return nil, errs.New("connect", errs.CodeInvalid, errs.WithMessage("no endpoints configured"))
	}

	var lastErr error
	for pass := 0; pass < s.cfg.MaxPasses; pass++ {
		var opts transport.DialOptions
		if pass > 0 {
			if err := sleep(ctx, s.cfg.PassDelay); err != nil {
				return nil, err
			}
			opts.Relay = s.cfg.Relay
		}
		for _, endpoint := range candidates {
			l, err := s.tryEndpoint(ctx, endpoint, opts)
			if err == nil {
				return l, nil
			}
			if !errs.Retryable(err) {
				return nil, err
			}
			lastErr = err
		}
		s.logger.Warn("connect pass exhausted",
			zap.Int("pass", pass+1),
			zap.Bool("relay", opts.Relay != nil),
			zap.Error(lastErr))
	}
	return nil, errs.New("connect", errs.CodeUnavailable,
		errs.WithCanonicalCode(errs.CanonicalEndpointsExhausted),
		errs.WithMessage(fmt.Sprintf("no endpoint reachable after %d passes", s.cfg.MaxPasses)),
		errs.WithRemediation("check network access or configure a relay"),
		errs.WithCause(lastErr))
}

func (s *Supervisor) tryEndpoint(ctx context.Context, endpoint string, opts transport.DialOptions) (*link, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.InitialBackoff
	policy.MaxInterval = s.cfg.MaxBackoff

	relay := opts.Relay != nil
	var err error
	for attempt := 1; attempt <= s.cfg.AttemptsPerEndpoint; attempt++ {
		var l *link
		l, err = s.attempt(ctx, endpoint, opts)
		if err == nil {
			s.metrics.ConnectAttempt(ctx, endpoint, relay, telemetry.ResultSuccess)
			s.logger.Info("connected", zap.String("endpoint", endpoint), zap.Bool("relay", relay), zap.Int("attempt", attempt))
			return l, nil
		}
		result := telemetry.ResultFailure
		if errs.IsCode(err, errs.CodeAuth) {
			result = telemetry.ResultRejected
		}
		s.metrics.ConnectAttempt(ctx, endpoint, relay, result)
		s.logger.Warn("connect attempt failed",
			zap.String("endpoint", endpoint),
			zap.Bool("relay", relay),
			zap.Int("attempt", attempt),
			zap.Error(err))
		if !errs.Retryable(err) || attempt == s.cfg.AttemptsPerEndpoint {
			break
		}
		wait := policy.NextBackOff()
		if wait == backoff.Stop {
			wait = s.cfg.MaxBackoff
		}
		if err := sleep(ctx, wait); err != nil {
			return nil, err
		}
	}
	return nil, err
}

func (s *Supervisor) attempt(ctx context.Context, endpoint string, opts transport.DialOptions) (*link, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("connect", errs.CodeCanceled, errs.WithCause(err))
	}
	s.transition(ctx, session.StatusConnecting)

	conn, err := s.dialer.Dial(ctx, endpoint, opts)
	if err != nil {
		return nil, err
	}
	s.disp.Reset()

	hsCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
	defer cancel()
	if err := s.handshake(hsCtx, conn); err != nil {
		_ = conn.Close("handshake failed")
		switch {
		case ctx.Err() != nil:
			return nil, errs.New("connect", errs.CodeCanceled, errs.WithCause(ctx.Err()))
		case errors.Is(hsCtx.Err(), context.DeadlineExceeded):
			return nil, errs.New("handshake", errs.CodeNetwork,
				errs.WithMessage(fmt.Sprintf("handshake did not complete within %s", s.cfg.HandshakeTimeout)),
				errs.WithField("endpoint", endpoint))
		}
		return nil, err
	}
	return &link{
		conn:     conn,
		endpoint: endpoint,
		relay:    opts.Relay != nil,
		out:      make(chan outbound, outboundQueueSize),
		done:     make(chan struct{}),
	}, nil
}

// handshake answers the open and connect packets, sends the credential and
// waits for the server's verdict.
func (s *Supervisor) handshake(ctx context.Context, conn transport.Conn) error {
	write := func(data []byte) error {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
		defer cancel()
		return conn.Write(wctx, transport.MessageText, data)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f, err := protocol.Decode(data, typ == transport.MessageBinary)
		if err != nil {
			s.metrics.DecodeError(ctx)
			s.logger.Debug("undecodable handshake frame", zap.Error(err))
			continue
		}
		s.metrics.FrameReceived(ctx, f.Kind.String())

		switch f.Kind {
		case protocol.KindOpen:
			if err := write(protocol.ConnectFrame); err != nil {
				return err
			}
		case protocol.KindConnect:
			frame, err := s.creds.Frame()
			if err != nil {
				return err
			}
			if err := write(frame); err != nil {
				return err
			}
			s.transition(ctx, session.StatusAuthenticating)
		case protocol.KindPing:
			if err := write(protocol.PongFrame); err != nil {
				return err
			}
		case protocol.KindClose, protocol.KindDisconnect, protocol.KindConnectError:
			return errs.New("handshake", errs.CodeNetwork,
				errs.WithMessage("server closed the socket during handshake"),
				errs.WithField("frame", f.Kind.String()))
		case protocol.KindEvent, protocol.KindBinaryEvent, protocol.KindAttachment:
			ev, err := s.disp.Dispatch(ctx, f)
			if err != nil {
				continue
			}
			switch e := ev.(type) {
			case protocol.AuthSucceeded:
				return nil
			case protocol.AuthRejected:
				s.metrics.AuthRejected(ctx)
				return errs.New("connect", errs.CodeAuth,
					errs.WithMessage(e.Reason),
					errs.WithRemediation("refresh the session id from the browser"))
			}
		}
	}
}

// start publishes l as the live link and runs its activities in the background.
func (s *Supervisor) start(runCtx context.Context, l *link) error {
	s.mu.Lock()
	if runCtx.Err() != nil {
		s.mu.Unlock()
		_ = l.conn.Close("client closing")
		return errs.New("connect", errs.CodeCanceled, errs.WithCause(runCtx.Err()))
	}
	s.live = l
	s.mu.Unlock()

	s.transition(runCtx, session.StatusReady)
	s.wg.Go(func() { s.run(runCtx, l) })
	return nil
}

func (s *Supervisor) run(runCtx context.Context, l *link) {
	err := s.serve(runCtx, l)

	s.mu.Lock()
	if s.live == l {
		s.live = nil
	}
	s.mu.Unlock()

	if runCtx.Err() != nil {
		return
	}
	if errs.IsCode(err, errs.CodeAuth) || s.cfg.DisableReconnect {
		s.logger.Error("connection ended", zap.String("endpoint", l.endpoint), zap.Error(err))
		s.fail(runCtx, err)
		return
	}

	s.logger.Warn("connection lost, reconnecting", zap.String("endpoint", l.endpoint), zap.Error(err))
	s.transition(runCtx, session.StatusDisconnected)
	s.metrics.Reconnect(runCtx)
	s.reconnect(runCtx)
}

func (s *Supervisor) reconnect(runCtx context.Context) {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	if runCtx.Err() != nil {
		return
	}
	l, err := s.establish(runCtx)
	if err == nil {
		err = s.start(runCtx, l)
	}
	if err != nil {
		if runCtx.Err() != nil {
			return
		}
		s.logger.Error("reconnect failed", zap.Error(err))
		s.fail(runCtx, err)
	}
}

func (s *Supervisor) fail(ctx context.Context, err error) {
	s.store.Fail(err)
	s.metrics.StatusChanged(ctx, s.store.Status().String())
	if n := s.corr.FailAll(err); n > 0 {
		s.logger.Warn("failed pending calls", zap.Int("pending", n), zap.Error(err))
	}
}

// serve runs the listener, heartbeat and sender of l until the first of them
// stops, then tears the other two down.
func (s *Supervisor) serve(runCtx context.Context, l *link) error {
	ctx, cancel := context.WithCancel(runCtx)
	defer cancel()

	errCh := make(chan error, 3)
	var wg conc.WaitGroup
	wg.Go(func() { errCh <- s.listen(ctx, l) })
	wg.Go(func() { errCh <- s.heartbeat(ctx, l) })
	wg.Go(func() { errCh <- s.sender(ctx, l) })

	first := <-errCh
	cancel()
	_ = l.conn.Close("connection closed")
	wg.Wait()
	close(l.done)
	return first
}

func (s *Supervisor) listen(ctx context.Context, l *link) error {
	for {
		typ, data, err := l.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		f, err := protocol.Decode(data, typ == transport.MessageBinary)
		if err != nil {
			s.metrics.DecodeError(ctx)
			s.logger.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}
		s.metrics.FrameReceived(ctx, f.Kind.String())

		switch f.Kind {
		case protocol.KindPing:
			if err := s.enqueue(ctx, l, outbound{name: "pong", data: protocol.PongFrame}); err != nil {
				return err
			}
		case protocol.KindClose, protocol.KindDisconnect:
			return errs.New("listen", errs.CodeNetwork, errs.WithMessage("server closed the session"))
		case protocol.KindEvent, protocol.KindBinaryEvent, protocol.KindAttachment:
			ev, err := s.disp.Dispatch(ctx, f)
			if err != nil {
				s.logger.Debug("dropping event", zap.String("event", f.Name), zap.Error(err))
				continue
			}
			if rejected, ok := ev.(protocol.AuthRejected); ok {
				s.metrics.AuthRejected(ctx)
				return errs.New("listen", errs.CodeAuth, errs.WithMessage(rejected.Reason))
			}
		}
	}
}

func (s *Supervisor) heartbeat(ctx context.Context, l *link) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.enqueue(ctx, l, outbound{name: protocol.EventHeartbeat, data: protocol.HeartbeatFrame}); err != nil {
				return err
			}
		}
	}
}

func (s *Supervisor) sender(ctx context.Context, l *link) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-l.out:
			if err := s.limiter.Wait(ctx); err != nil {
				msg.reply(errs.New("send", errs.CodeCanceled, errs.WithCause(err)))
				return ctx.Err()
			}
			typ := transport.MessageText
			if msg.binary {
				typ = transport.MessageBinary
			}
			wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := l.conn.Write(wctx, typ, msg.data)
			cancel()
			msg.reply(err)
			if err != nil {
				return err
			}
			s.metrics.FrameSent(ctx, msg.name)
		}
	}
}

func (s *Supervisor) enqueue(ctx context.Context, l *link, msg outbound) error {
	select {
	case l.out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) transition(ctx context.Context, next session.Status) {
	prev := s.store.Status()
	if prev == next {
		return
	}
	if err := s.store.SetStatus(next); err != nil {
		s.logger.Warn("status transition rejected", zap.Stringer("from", prev), zap.Stringer("to", next))
		return
	}
	s.metrics.StatusChanged(ctx, next.String())
	s.logger.Debug("status changed", zap.Stringer("from", prev), zap.Stringer("to", next))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return errs.New("connect", errs.CodeCanceled, errs.WithCause(ctx.Err()))
	case <-timer.C:
		return nil
	}
}
