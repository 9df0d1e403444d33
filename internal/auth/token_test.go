// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractToken_PriorityOrder(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/test", nil)
	r.Header.Set("Authorization", "Bearer bearer-token ")
	r.Header.Set(HeaderToken, "header-token")

	if got := ExtractToken(r); got != "bearer-token" {
		t.Fatalf("ExtractToken() = %q, want %q", got, "bearer-token")
	}

	r.Header.Del("Authorization")
	if got := ExtractToken(r); got != "header-token" {
		t.Fatalf("ExtractToken() = %q, want %q", got, "header-token")
	}
}

func TestExtractToken_IgnoresQuery(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/test?token=query-token", nil)
	if got := ExtractToken(r); got != "" {
		t.Fatalf("ExtractToken() = %q, want empty", got)
	}
}

func TestAuthorizeToken(t *testing.T) {
	if AuthorizeToken("secret", "secret") != true {
		t.Fatal("AuthorizeToken should accept exact match")
	}
	if AuthorizeToken("secret", "other") != false {
		t.Fatal("AuthorizeToken should reject mismatch")
	}
	if AuthorizeToken("", "secret") != false {
		t.Fatal("AuthorizeToken should reject empty got token")
	}
	if AuthorizeToken("secret", "") != false {
		t.Fatal("AuthorizeToken should reject empty expected token")
	}
}

func TestAuthorizeRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/test", nil)
	r.RemoteAddr = "203.0.113.7:4711"
	r.Header.Set("Authorization", "Bearer secret")
	if !AuthorizeRequest(r, "secret") {
		t.Fatal("AuthorizeRequest should accept a matching bearer token")
	}
	if AuthorizeRequest(r, "other") {
		t.Fatal("AuthorizeRequest should reject a mismatching token")
	}
	if AuthorizeRequest(r, "") {
		t.Fatal("AuthorizeRequest without a token should reject remote callers")
	}

	r.RemoteAddr = "127.0.0.1:4711"
	if !AuthorizeRequest(r, "") {
		t.Fatal("AuthorizeRequest without a token should admit loopback callers")
	}
	if AuthorizeRequest(nil, "secret") {
		t.Fatal("AuthorizeRequest should reject nil request")
	}
}

func TestIsLoopback(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:80": true,
		"[::1]:9000":   true,
		"localhost":    true,
		"10.0.0.1:80":  false,
		"not-an-ip:80": false,
		"":             false,
	}
	for addr, want := range cases {
		if got := IsLoopback(addr); got != want {
			t.Errorf("IsLoopback(%q) = %v, want %v", addr, got, want)
		}
	}
}
