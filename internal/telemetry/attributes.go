package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

const (
	HTTPMethodKey     = "http.method"
	HTTPStatusCodeKey = "http.status_code"
	HTTPRouteKey      = "http.route"

	ChannelKey   = "live.channel"
	RenditionKey = "live.rendition"
	SequenceKey  = "live.segment.sequence"
	SessionKey   = "live.session"
	ProtocolKey  = "live.protocol"

	OriginKey    = "edge.origin"
	CoalescedKey = "edge.coalesced"
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// HTTPAttributes creates common HTTP span attributes.
func HTTPAttributes(method, route string, statusCode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HTTPMethodKey, method),
		attribute.String(HTTPRouteKey, route),
		attribute.Int(HTTPStatusCodeKey, statusCode),
	}
}

// SegmentAttributes describes one segment lookup. Empty rendition is left
// out for channel-level requests.
func SegmentAttributes(channel, rendition string, seq uint64) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String(ChannelKey, channel)}
	if rendition != "" {
		attrs = append(attrs, attribute.String(RenditionKey, rendition))
	}
	return append(attrs, attribute.Int64(SequenceKey, int64(seq)))
}

// SessionAttributes describes a publishing session.
func SessionAttributes(channel, sessionID, protocol string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	if channel != "" {
		attrs = append(attrs, attribute.String(ChannelKey, channel))
	}
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionKey, sessionID))
	}
	if protocol != "" {
		attrs = append(attrs, attribute.String(ProtocolKey, protocol))
	}
	return attrs
}

// OriginAttributes describes an edge fetch from one upstream origin.
func OriginAttributes(origin string, coalesced bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(OriginKey, origin),
		attribute.Bool(CoalescedKey, coalesced),
	}
}

// ErrorAttributes marks a span as failed with a short classification.
func ErrorAttributes(errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
