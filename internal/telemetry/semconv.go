package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for client telemetry.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrFrameKind   = attribute.Key("frame.kind")
	AttrEventName   = attribute.Key("event.name")
	AttrEndpoint    = attribute.Key("endpoint")
	AttrRelay       = attribute.Key("relay")
	AttrResult      = attribute.Key("result")
	AttrRequestKind = attribute.Key("request.kind")
	AttrErrorCode   = attribute.Key("error.code")
	AttrStatus      = attribute.Key("status")
)

// Result values.
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultTimeout  = "timeout"
	ResultRejected = "rejected"
)

// ConnectAttributes returns attributes for connection attempt metrics.
func ConnectAttributes(endpoint string, relay bool, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		envAttr(),
		AttrEndpoint.String(endpoint),
		AttrRelay.Bool(relay),
		AttrResult.String(result),
	}
}

// RequestAttributes returns attributes for correlated request metrics.
func RequestAttributes(kind, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		envAttr(),
		AttrRequestKind.String(kind),
		AttrResult.String(result),
	}
}
