// Package transport abstracts the WebSocket link under the socket protocol so
// the supervisor can be driven by a real dialer or a scripted fake.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/coachpo/pocketoption/errs"
)

// MessageType distinguishes text from binary messages.
type MessageType uint8

const (
	MessageText MessageType = iota + 1
	MessageBinary
)

// Conn is one established socket.
type Conn interface {
	Read(ctx context.Context) (MessageType, []byte, error)
	Write(ctx context.Context, typ MessageType, data []byte) error
	Close(reason string) error
}

// DialOptions tunes a single dial.
type DialOptions struct {
	// Relay, when set, routes the connection through an HTTP(S) or SOCKS5 proxy.
	Relay *url.URL
}

// Dialer opens connections to endpoint URLs.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, opts DialOptions) (Conn, error)
}

const (
	defaultOrigin    = "https://pocketoption.com"
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	defaultReadLimit = 8 * 1024 * 1024
)

// WebSocketDialer dials TLS WebSockets with browser-like headers.
type WebSocketDialer struct {
	Origin           string
	UserAgent        string
	ReadLimit        int64
	HandshakeTimeout time.Duration
	TLSConfig        *tls.Config
}

// NewWebSocketDialer returns a dialer with the default headers.
func NewWebSocketDialer() *WebSocketDialer {
	return &WebSocketDialer{
		Origin:           defaultOrigin,
		UserAgent:        defaultUserAgent,
		ReadLimit:        defaultReadLimit,
		HandshakeTimeout: 15 * time.Second,
	}
}

// Dial opens a WebSocket to endpoint.
func (d *WebSocketDialer) Dial(ctx context.Context, endpoint string, opts DialOptions) (Conn, error) {
	if !strings.HasPrefix(endpoint, "wss://") && !strings.HasPrefix(endpoint, "ws://") {
		return nil, errs.New("dial", errs.CodeInvalid, errs.WithMessage("endpoint must be a ws or wss URL"), errs.WithField("endpoint", endpoint))
	}
	header := http.Header{}
	header.Set("Origin", firstNonEmpty(d.Origin, defaultOrigin))
	header.Set("Cache-Control", "no-cache")
	header.Set("User-Agent", firstNonEmpty(d.UserAgent, defaultUserAgent))

	httpTransport := &http.Transport{
		TLSClientConfig:     d.TLSConfig,
		TLSHandshakeTimeout: d.HandshakeTimeout,
		Proxy:               http.ProxyFromEnvironment,
	}
	if opts.Relay != nil {
		httpTransport.Proxy = http.ProxyURL(opts.Relay)
	}

	dialCtx := ctx
	if d.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, d.HandshakeTimeout)
		defer cancel()
	}
	conn, resp, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: &http.Client{Transport: httpTransport},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		errOpts := []errs.Option{errs.WithCause(err), errs.WithField("endpoint", endpoint)}
		if resp != nil {
			errOpts = append(errOpts, errs.WithField("status", resp.Status))
		}
		return nil, errs.New("dial", errs.CodeNetwork, errOpts...)
	}
	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) (MessageType, []byte, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return 0, nil, wrapIOError("read", err)
	}
	if typ == websocket.MessageBinary {
		return MessageBinary, data, nil
	}
	return MessageText, data, nil
}

func (c *wsConn) Write(ctx context.Context, typ MessageType, data []byte) error {
	wsType := websocket.MessageText
	if typ == MessageBinary {
		wsType = websocket.MessageBinary
	}
	if err := c.conn.Write(ctx, wsType, data); err != nil {
		return wrapIOError("write", err)
	}
	return nil
}

func (c *wsConn) Close(reason string) error {
	err := c.conn.Close(websocket.StatusNormalClosure, reason)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close websocket: %w", err)
	}
	return nil
}

func wrapIOError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return errs.New(op, errs.CodeCanceled, errs.WithCause(err))
	}
	return errs.New(op, errs.CodeNetwork, errs.WithCause(err))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
