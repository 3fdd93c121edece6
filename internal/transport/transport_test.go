package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/pocketoption/errs"
)

func TestWebSocketDialerSendsBrowserHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer c.CloseNow()
		ctx := r.Context()
		if err := c.Write(ctx, websocket.MessageText, []byte(`0{"sid":"abc"}`)); err != nil {
			return
		}
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		_ = c.Write(ctx, websocket.MessageBinary, append([]byte{0x04}, data...))
		// hold the socket open until the client closes it
		_, _, _ = c.Read(ctx)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http") + "/socket.io/?EIO=4&transport=websocket"
	conn, err := NewWebSocketDialer().Dial(ctx, endpoint, DialOptions{})
	require.NoError(t, err)
	defer conn.Close("done")

	h := <-headers
	require.Equal(t, "https://pocketoption.com", h.Get("Origin"))
	require.Equal(t, "no-cache", h.Get("Cache-Control"))
	require.Contains(t, h.Get("User-Agent"), "Mozilla/5.0")

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, MessageText, typ)
	require.Equal(t, `0{"sid":"abc"}`, string(data))

	require.NoError(t, conn.Write(ctx, MessageText, []byte(`{"ok":true}`)))
	typ, data, err = conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, MessageBinary, typ)
	require.Equal(t, append([]byte{0x04}, `{"ok":true}`...), data)
}

func TestWebSocketDialerRejectsNonSocketURL(t *testing.T) {
	_, err := NewWebSocketDialer().Dial(context.Background(), "https://example.com", DialOptions{})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestWebSocketDialerReportsNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := NewWebSocketDialer().Dial(ctx, endpoint, DialOptions{})
	require.True(t, errs.IsCode(err, errs.CodeNetwork), "got %v", err)
}
