// Package problem writes RFC 7807 problem details responses.
package problem

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ManuGH/xglive/internal/log"
)

const (
	HeaderRequestID  = "X-Request-ID"
	JSONKeyRequestID = "requestId"
	ContentType      = "application/problem+json"
)

// Write writes a problem response.
//
//   - problemType: machine identifier, e.g. "live/segment_not_found".
//   - title: short human-readable label.
//   - code: stable short code, e.g. "NOT_FOUND".
//   - detail: explanation of this occurrence.
//
// Reserved keys in extra are ignored.
func Write(w http.ResponseWriter, r *http.Request, status int, problemType, title, code, detail string, extra map[string]any) {
	instance, reqID := "", ""
	if r != nil {
		instance = r.URL.EscapedPath()
		reqID = log.RequestIDFromContext(r.Context())
	}
	if reqID == "" {
		reqID = w.Header().Get(HeaderRequestID)
	}

	res := map[string]any{
		"type":   problemType,
		"title":  title,
		"status": status,
		"code":   code,
	}
	if reqID != "" {
		res[JSONKeyRequestID] = reqID
	}
	if detail != "" {
		res["detail"] = detail
	}
	if instance != "" {
		res["instance"] = instance
	}
	for k, v := range extra {
		switch k {
		case "type", "title", "status", "detail", "instance", "code":
			log.L().Warn().Str("key", k).Str("problem_type", problemType).Msg("ignoring reserved key in problem extras")
			continue
		}
		res[k] = v
	}

	if reqID != "" {
		w.Header().Set(HeaderRequestID, reqID)
	}
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.L().Error().
			Err(err).
			Str("type", problemType).
			Int("status", status).
			Msg("failed to encode problem response")
	}
}

// NotFound writes a 404 problem.
func NotFound(w http.ResponseWriter, r *http.Request, problemType, detail string) {
	Write(w, r, http.StatusNotFound, problemType, "Not Found", "NOT_FOUND", detail, nil)
}

// Unavailable writes a 503 problem with a Retry-After hint in seconds.
func Unavailable(w http.ResponseWriter, r *http.Request, problemType, detail string, retryAfter int) {
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	Write(w, r, http.StatusServiceUnavailable, problemType, "Service Unavailable", "UNAVAILABLE", detail, nil)
}
