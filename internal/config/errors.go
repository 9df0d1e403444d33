// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import "errors"

var (
	// ErrInvalidConfig wraps every load or validation failure. The CLI maps it
	// to exit code 2.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrUnknownConfigField marks YAML keys that map to no setting.
	ErrUnknownConfigField = errors.New("unknown config field")
)
