// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package auth guards the admin surface with a static operator token.
package auth

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
)

// HeaderToken is the alternative to a bearer Authorization header.
const HeaderToken = "X-API-Token"

// ExtractToken retrieves the operator token from the request.
//  1. Authorization: Bearer <token>
//  2. X-API-Token header
func ExtractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return strings.TrimSpace(r.Header.Get(HeaderToken))
}

// AuthorizeToken returns true if got matches expected using constant-time comparison.
// Empty tokens are always treated as unauthorized.
func AuthorizeToken(got, expected string) bool {
	if strings.TrimSpace(expected) == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

// AuthorizeRequest extracts a token from r and validates it against expectedToken.
// Without a configured token only loopback callers are admitted.
func AuthorizeRequest(r *http.Request, expectedToken string) bool {
	if r == nil {
		return false
	}
	if strings.TrimSpace(expectedToken) == "" {
		return IsLoopback(r.RemoteAddr)
	}
	return AuthorizeToken(ExtractToken(r), expectedToken)
}

// IsLoopback reports whether a host:port (or bare host) is a loopback address.
func IsLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
