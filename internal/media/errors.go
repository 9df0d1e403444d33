package media

import "errors"

// Pipeline error taxonomy. Callers wrap with %w and test with errors.Is.
var (
	ErrAuthFailed        = errors.New("stream key rejected")
	ErrKeyInUse          = errors.New("stream key in use")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrEncodeFailure     = errors.New("encode failure")
	ErrStoreUnavailable  = errors.New("segment store unavailable")
	ErrHealthTimeout     = errors.New("no frames within health timeout")
	ErrNotFound          = errors.New("not found")
)

// ReasonCode is a stable termination or failure reason used in events,
// metrics labels and the admin API.
type ReasonCode string

const (
	ReasonNone              ReasonCode = ""
	ReasonEndOfStream       ReasonCode = "end_of_stream"
	ReasonDisconnect        ReasonCode = "disconnect"
	ReasonProtocolViolation ReasonCode = "protocol_violation"
	ReasonHealthTimeout     ReasonCode = "health_timeout"
	ReasonOperatorStop      ReasonCode = "operator_stop"
	ReasonFailover          ReasonCode = "failover"
	ReasonShutdown          ReasonCode = "shutdown"
	ReasonInternal          ReasonCode = "internal"
)

// ReasonFor maps an error to its reason code.
func ReasonFor(err error) ReasonCode {
	switch {
	case err == nil:
		return ReasonEndOfStream
	case errors.Is(err, ErrProtocolViolation):
		return ReasonProtocolViolation
	case errors.Is(err, ErrHealthTimeout):
		return ReasonHealthTimeout
	default:
		return ReasonDisconnect
	}
}
