package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName             = "pocketoption.client"
	metricRequestDuration = "pocketoption_request_duration"
)

// ClientMetrics holds the instruments recorded by the socket client. A nil
// *ClientMetrics records nothing.
type ClientMetrics struct {
	framesIn        metric.Int64Counter
	framesOut       metric.Int64Counter
	decodeErrors    metric.Int64Counter
	events          metric.Int64Counter
	connectAttempts metric.Int64Counter
	reconnects      metric.Int64Counter
	authRejections  metric.Int64Counter
	statusChanges   metric.Int64Counter
	requestDuration metric.Float64Histogram
}

// NewClientMetrics creates the client instruments on the global meter provider.
func NewClientMetrics() *ClientMetrics {
	meter := otel.Meter(meterName)
	m := &ClientMetrics{}

	m.framesIn, _ = meter.Int64Counter("pocketoption_frames_received",
		metric.WithDescription("Socket frames received, by framing kind"),
		metric.WithUnit("{frame}"))
	m.framesOut, _ = meter.Int64Counter("pocketoption_frames_sent",
		metric.WithDescription("Socket frames sent, by event name"),
		metric.WithUnit("{frame}"))
	m.decodeErrors, _ = meter.Int64Counter("pocketoption_decode_errors",
		metric.WithDescription("Inbound frames dropped because they could not be decoded"),
		metric.WithUnit("{error}"))
	m.events, _ = meter.Int64Counter("pocketoption_events_dispatched",
		metric.WithDescription("Classified events applied to session state"),
		metric.WithUnit("{event}"))
	m.connectAttempts, _ = meter.Int64Counter("pocketoption_connect_attempts",
		metric.WithDescription("Connection attempts by endpoint and result"),
		metric.WithUnit("{attempt}"))
	m.reconnects, _ = meter.Int64Counter("pocketoption_reconnects",
		metric.WithDescription("Background reconnects after an unexpected close"),
		metric.WithUnit("{reconnect}"))
	m.authRejections, _ = meter.Int64Counter("pocketoption_auth_rejections",
		metric.WithDescription("NotAuthorized responses"),
		metric.WithUnit("{rejection}"))
	m.statusChanges, _ = meter.Int64Counter("pocketoption_status_changes",
		metric.WithDescription("Session status transitions"),
		metric.WithUnit("{change}"))
	m.requestDuration, _ = meter.Float64Histogram(metricRequestDuration,
		metric.WithDescription("Time from request send to correlated response"),
		metric.WithUnit("ms"))
	return m
}

func (m *ClientMetrics) FrameReceived(ctx context.Context, kind string) {
	if m == nil || m.framesIn == nil {
		return
	}
	m.framesIn.Add(ctx, 1, metric.WithAttributes(envAttr(), AttrFrameKind.String(kind)))
}

func (m *ClientMetrics) FrameSent(ctx context.Context, name string) {
	if m == nil || m.framesOut == nil {
		return
	}
	m.framesOut.Add(ctx, 1, metric.WithAttributes(envAttr(), AttrEventName.String(name)))
}

func (m *ClientMetrics) DecodeError(ctx context.Context) {
	if m == nil || m.decodeErrors == nil {
		return
	}
	m.decodeErrors.Add(ctx, 1, metric.WithAttributes(envAttr()))
}

func (m *ClientMetrics) EventDispatched(ctx context.Context, name string) {
	if m == nil || m.events == nil {
		return
	}
	m.events.Add(ctx, 1, metric.WithAttributes(envAttr(), AttrEventName.String(name)))
}

func (m *ClientMetrics) ConnectAttempt(ctx context.Context, endpoint string, relay bool, result string) {
	if m == nil || m.connectAttempts == nil {
		return
	}
	m.connectAttempts.Add(ctx, 1, metric.WithAttributes(ConnectAttributes(endpoint, relay, result)...))
}

func (m *ClientMetrics) Reconnect(ctx context.Context) {
	if m == nil || m.reconnects == nil {
		return
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(envAttr()))
}

func (m *ClientMetrics) AuthRejected(ctx context.Context) {
	if m == nil || m.authRejections == nil {
		return
	}
	m.authRejections.Add(ctx, 1, metric.WithAttributes(envAttr()))
}

func (m *ClientMetrics) StatusChanged(ctx context.Context, status string) {
	if m == nil || m.statusChanges == nil {
		return
	}
	m.statusChanges.Add(ctx, 1, metric.WithAttributes(envAttr(), AttrStatus.String(status)))
}

// RequestCompleted records the latency of one correlated call.
func (m *ClientMetrics) RequestCompleted(ctx context.Context, kind, result string, elapsed time.Duration) {
	if m == nil || m.requestDuration == nil {
		return
	}
	m.requestDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond),
		metric.WithAttributes(RequestAttributes(kind, result)...))
}
