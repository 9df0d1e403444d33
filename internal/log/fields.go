// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID = "session_id"
	FieldChannelID = "channel_id"
	FieldRequestID = "request_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldReason    = "reason"

	// Ingest fields
	FieldProtocol   = "protocol"
	FieldRemoteAddr = "remote_addr"
	FieldRole       = "role"

	// Media / stream fields
	FieldRendition = "rendition"
	FieldSequence  = "seq"
	FieldCodec     = "codec"
	FieldDuration  = "duration_ms"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Storage fields
	FieldAttempt = "attempt"
	FieldPath    = "path"
)
