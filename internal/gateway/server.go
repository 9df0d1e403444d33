package gateway

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ManuGH/xglive/internal/api/middleware"
	"github.com/ManuGH/xglive/internal/api/problem"
	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/metrics"
	"github.com/ManuGH/xglive/internal/telemetry"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// SegmentCacheControl is sent with every sealed segment.
const SegmentCacheControl = "public, max-age=31536000, immutable"

// Roles.
const (
	RoleOrigin = "origin"
	RoleEdge   = "edge"
)

// ServerOptions configure the delivery HTTP surface.
type ServerOptions struct {
	Delivery Delivery
	Role     string
	Stack    middleware.StackConfig
}

// Server is the player-facing HTTP handler.
type Server struct {
	delivery Delivery
	role     string
	router   chi.Router
}

func NewServer(opts ServerOptions) *Server {
	if opts.Role == "" {
		opts.Role = RoleOrigin
	}
	if opts.Stack.Surface == "" {
		opts.Stack.Surface = "gateway"
	}
	s := &Server{delivery: opts.Delivery, role: opts.Role}

	r := middleware.NewRouter(opts.Stack)
	r.Route("/live/{channel}", func(r chi.Router) {
		r.Use(chimw.GetHead)
		r.Get("/master.m3u8", s.handleMaster)
		r.Get("/manifest.mpd", s.handleDASH)
		r.Get("/thumbnail", s.handleThumbnail)
		r.Get("/{rendition}/index.m3u8", s.handleMedia)
		r.Get("/{rendition}/{seq}.ts", s.handleSegment)
	})
	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleMaster(w http.ResponseWriter, r *http.Request) {
	s.serveManifest(w, r, ManifestRef{Channel: chi.URLParam(r, "channel"), Flavor: FlavorHLS})
}

func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	s.serveManifest(w, r, ManifestRef{
		Channel:   chi.URLParam(r, "channel"),
		Flavor:    FlavorHLS,
		Rendition: chi.URLParam(r, "rendition"),
	})
}

func (s *Server) handleDASH(w http.ResponseWriter, r *http.Request) {
	s.serveManifest(w, r, ManifestRef{Channel: chi.URLParam(r, "channel"), Flavor: FlavorDASH})
}

func (s *Server) serveManifest(w http.ResponseWriter, r *http.Request, ref ManifestRef) {
	doc, err := s.delivery.GetManifest(r.Context(), ref)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeDocument(w, doc)
}

func (s *Server) handleThumbnail(w http.ResponseWriter, r *http.Request) {
	doc, err := s.delivery.GetThumbnail(r.Context(), chi.URLParam(r, "channel"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeDocument(w, doc)
}

func writeDocument(w http.ResponseWriter, doc Document) {
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(doc.MaxAge/time.Second)))
	w.Header().Set("Content-Length", strconv.Itoa(len(doc.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc.Body)
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseUint(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		problem.NotFound(w, r, "live/not_found", "invalid segment sequence")
		return
	}
	rid := media.NewRenditionID(chi.URLParam(r, "channel"), chi.URLParam(r, "rendition"))
	middleware.AddSpanAttributes(r, telemetry.SegmentAttributes(rid.Channel(), rid.Name(), seq)...)

	seg, err := s.delivery.GetSegment(r.Context(), rid, seq)
	if err != nil {
		metrics.SegmentsServedTotal.WithLabelValues(s.role, s.writeError(w, r, err)).Inc()
		return
	}
	metrics.SegmentsServedTotal.WithLabelValues(s.role, "ok").Inc()

	h := w.Header()
	h.Set("Content-Type", media.SegmentContentType)
	h.Set("Cache-Control", SegmentCacheControl)
	h.Set("ETag", fmt.Sprintf(`"%s-%d"`, rid, seq))
	h.Set(HeaderSegmentDuration, formatSeconds(seg.Duration))
	h.Set(HeaderSegmentPTS, formatSeconds(seg.PTS))
	if seg.Discontinuity {
		h.Set(HeaderSegmentDiscontinuity, "1")
	}
	http.ServeContent(w, r, "", seg.SealedAt, bytes.NewReader(seg.Payload))
}

// writeError maps delivery errors to problem responses and reports the
// outcome label.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) string {
	switch {
	case errors.Is(err, media.ErrNotFound):
		problem.NotFound(w, r, "live/not_found", err.Error())
		return "not_found"
	case errors.Is(err, media.ErrStoreUnavailable), errors.Is(err, ErrUpstreamUnavailable):
		logger := log.WithComponentFromContext(r.Context(), "gateway")
		logger.Warn().
			Err(err).
			Str(log.FieldEvent, "gateway.unavailable").
			Str(log.FieldPath, r.URL.Path).
			Msg("delivery unavailable")
		problem.Unavailable(w, r, "live/unavailable", "temporarily unavailable", 1)
		return "unavailable"
	default:
		logger := log.WithComponentFromContext(r.Context(), "gateway")
		logger.Error().
			Err(err).
			Str(log.FieldEvent, "gateway.error").
			Str(log.FieldPath, r.URL.Path).
			Msg("delivery failed")
		problem.Write(w, r, http.StatusInternalServerError, "live/internal", "Internal Server Error", "INTERNAL", "", nil)
		return "error"
	}
}
