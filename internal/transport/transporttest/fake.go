// Package transporttest provides an in-memory socket server for tests.
package transporttest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/pocketoption/errs"
	"github.com/coachpo/pocketoption/internal/protocol"
	"github.com/coachpo/pocketoption/internal/transport"
)

// Dial records one connection attempt.
type Dial struct {
	URL   string
	Relay bool
}

// Dialer is a scripted transport.Dialer.
type Dialer struct {
	// OnConnect runs for every established connection before Dial returns.
	OnConnect func(c *Conn)
	// OnWrite runs for every client write, after it is recorded.
	OnWrite func(c *Conn, typ transport.MessageType, data []byte)

	mu       sync.Mutex
	failures map[string]int
	relayed  map[string]bool
	dials    []Dial
	conns    []*Conn
	changed  chan struct{}
}

// NewDialer returns a dialer that accepts every URL.
func NewDialer() *Dialer {
	return &Dialer{
		failures: make(map[string]int),
		relayed:  make(map[string]bool),
		changed:  make(chan struct{}),
	}
}

// FailTimes makes the next n direct dials to url fail. A negative n fails forever.
func (d *Dialer) FailTimes(url string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[url] = n
}

// RequireRelay makes direct dials to url fail while relayed dials succeed.
func (d *Dialer) RequireRelay(url string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.relayed[url] = true
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, url string, opts transport.DialOptions) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New("dial", errs.CodeCanceled, errs.WithCause(err))
	}
	relay := opts.Relay != nil

	d.mu.Lock()
	d.dials = append(d.dials, Dial{URL: url, Relay: relay})
	fail := false
	switch n := d.failures[url]; {
	case n < 0:
		fail = true
	case n > 0:
		d.failures[url] = n - 1
		fail = true
	}
	if d.relayed[url] && !relay {
		fail = true
	}
	if fail {
		d.notifyLocked()
		d.mu.Unlock()
		return nil, errs.New("dial", errs.CodeNetwork, errs.WithMessage("scripted dial failure"), errs.WithField("endpoint", url))
	}
	conn := newConn(url, relay, d)
	d.conns = append(d.conns, conn)
	d.notifyLocked()
	onConnect := d.OnConnect
	d.mu.Unlock()

	if onConnect != nil {
		onConnect(conn)
	}
	return conn, nil
}

// Dials returns every recorded attempt in order.
func (d *Dialer) Dials() []Dial {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Dial(nil), d.dials...)
}

// Conns returns every established connection in order.
func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

// WaitConns blocks until at least n connections were established.
func (d *Dialer) WaitConns(ctx context.Context, n int) ([]*Conn, error) {
	for {
		d.mu.Lock()
		if len(d.conns) >= n {
			out := append([]*Conn(nil), d.conns...)
			d.mu.Unlock()
			return out, nil
		}
		changed := d.changed
		d.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (d *Dialer) notifyLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

type message struct {
	typ  transport.MessageType
	data []byte
}

// Conn is the client end of an in-memory socket; tests drive the server end
// through Push and Drop.
type Conn struct {
	URL   string
	Relay bool

	dialer *Dialer
	in     chan message

	mu      sync.Mutex
	writes  [][]byte
	written chan struct{}
	closed  chan struct{}
	once    sync.Once
	dropErr error
	reason  string
}

func newConn(url string, relay bool, d *Dialer) *Conn {
	return &Conn{
		URL:     url,
		Relay:   relay,
		dialer:  d,
		in:      make(chan message, 256),
		written: make(chan struct{}),
		closed:  make(chan struct{}),
	}
}

// Read implements transport.Conn.
func (c *Conn) Read(ctx context.Context) (transport.MessageType, []byte, error) {
	select {
	case m := <-c.in:
		return m.typ, m.data, nil
	case <-c.closed:
		c.mu.Lock()
		err := c.dropErr
		c.mu.Unlock()
		if err == nil {
			err = errs.New("read", errs.CodeNetwork, errs.WithMessage("connection closed"))
		}
		return 0, nil, err
	case <-ctx.Done():
		return 0, nil, errs.New("read", errs.CodeCanceled, errs.WithCause(ctx.Err()))
	}
}

// Write implements transport.Conn.
func (c *Conn) Write(ctx context.Context, typ transport.MessageType, data []byte) error {
	if err := ctx.Err(); err != nil {
		return errs.New("write", errs.CodeCanceled, errs.WithCause(err))
	}
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		return errs.New("write", errs.CodeNetwork, errs.WithMessage("connection closed"))
	default:
	}
	c.writes = append(c.writes, append([]byte(nil), data...))
	close(c.written)
	c.written = make(chan struct{})
	c.mu.Unlock()

	c.dialer.mu.Lock()
	onWrite := c.dialer.OnWrite
	c.dialer.mu.Unlock()
	if onWrite != nil {
		onWrite(c, typ, data)
	}
	return nil
}

// Close implements transport.Conn.
func (c *Conn) Close(reason string) error {
	c.once.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.closed)
	})
	return nil
}

// Push delivers a message from the server. Messages pushed after close are dropped.
func (c *Conn) Push(typ transport.MessageType, data []byte) {
	select {
	case <-c.closed:
	case c.in <- message{typ: typ, data: append([]byte(nil), data...)}:
	}
}

// PushText delivers a text message.
func (c *Conn) PushText(s string) { c.Push(transport.MessageText, []byte(s)) }

// PushEvent delivers 42["name",payload]; an empty payload sends 42["name"].
func (c *Conn) PushEvent(name, payload string) {
	if payload == "" {
		c.PushText(`42["` + name + `"]`)
		return
	}
	c.PushText(`42["` + name + `",` + payload + `]`)
}

// PushBinaryEvent delivers a 451- header followed by a binary attachment.
func (c *Conn) PushBinaryEvent(name, attachment string) {
	c.PushText(`451-["` + name + `",{"_placeholder":true,"num":0}]`)
	c.Push(transport.MessageBinary, append([]byte{0x04}, attachment...))
}

// Drop simulates the server closing the connection with err.
func (c *Conn) Drop(err error) {
	c.mu.Lock()
	c.dropErr = err
	c.mu.Unlock()
	_ = c.Close("dropped")
}

// Closed reports whether either side closed the connection.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Writes returns every message the client sent.
func (c *Conn) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

// WaitWrite blocks until the client sent a message matching match.
func (c *Conn) WaitWrite(ctx context.Context, match func(string) bool) (string, error) {
	for {
		c.mu.Lock()
		for _, w := range c.writes {
			if match(string(w)) {
				c.mu.Unlock()
				return string(w), nil
			}
		}
		written := c.written
		c.mu.Unlock()
		select {
		case <-written:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Prefix matches writes that start with p.
func Prefix(p string) func(string) bool {
	return func(s string) bool { return strings.HasPrefix(s, p) }
}

// Server answers the socket handshake on every connection of a Dialer.
type Server struct {
	SID string
	// RejectAuth answers the auth frame with NotAuthorized.
	RejectAuth bool
	// IgnoreAuth never answers the auth frame.
	IgnoreAuth bool
	// AfterAuth runs after successauth was pushed.
	AfterAuth func(c *Conn)
	// OnEvent runs for every other client event.
	OnEvent func(c *Conn, f protocol.Frame)
}

// Install wires the server into d.
func (s *Server) Install(d *Dialer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.OnConnect = s.connect
	d.OnWrite = s.write
}

func (s *Server) sid() string {
	if s.SID == "" {
		return "test-sid"
	}
	return s.SID
}

func (s *Server) connect(c *Conn) {
	c.PushText(`0{"sid":"` + s.sid() + `","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`)
}

func (s *Server) write(c *Conn, _ transport.MessageType, data []byte) {
	text := string(data)
	switch {
	case text == "40":
		c.PushText(`40{"sid":"ns-` + s.sid() + `"}`)
	case strings.HasPrefix(text, `42["auth"`):
		switch {
		case s.IgnoreAuth:
		case s.RejectAuth:
			c.PushEvent("NotAuthorized", "")
		default:
			c.PushEvent("successauth", `{"id":"`+s.sid()+`"}`)
			if s.AfterAuth != nil {
				s.AfterAuth(c)
			}
		}
	case text == "3":
	default:
		f, err := protocol.Decode(data, false)
		if err == nil && f.Kind == protocol.KindEvent && s.OnEvent != nil {
			s.OnEvent(c, f)
		}
	}
}

// Within returns a context that expires after d, for bounding test waits.
func Within(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
