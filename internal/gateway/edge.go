package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/media"
	"github.com/ManuGH/xglive/internal/metrics"
	"github.com/ManuGH/xglive/internal/resilience"
	"github.com/ManuGH/xglive/internal/store"
	"github.com/ManuGH/xglive/internal/telemetry"
	"github.com/grafov/m3u8"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"
)

// Segment metadata carried from origin to edge.
const (
	HeaderSegmentDuration      = "X-Segment-Duration"
	HeaderSegmentPTS           = "X-Segment-Pts"
	HeaderSegmentDiscontinuity = "X-Segment-Discontinuity"
)

const maxUpstreamBody = 64 << 20

// EdgeOptions configure an Edge.
type EdgeOptions struct {
	// Origins are base URLs tried in order, e.g. "http://origin-a:8080".
	Origins []string
	Client  *http.Client
	Timeout time.Duration

	BreakerFailures int
	BreakerReset    time.Duration
	Clock           resilience.Clock

	// Cache keeps fetched segments. Segments that fall out of a fetched
	// media playlist are evicted from it. Nil disables caching.
	Cache store.Store
}

type upstream struct {
	base    string
	breaker *resilience.CircuitBreaker
}

// Edge is a Delivery that fills from upstream origins.
type Edge struct {
	origins []upstream
	client  *http.Client
	timeout time.Duration
	cache   store.Store
	clock   resilience.Clock
	group   singleflight.Group
}

var _ Delivery = (*Edge)(nil)

type fetched struct {
	body   []byte
	header http.Header
}

// NewEdge returns an edge over opts.Origins.
func NewEdge(opts EdgeOptions) (*Edge, error) {
	if len(opts.Origins) == 0 {
		return nil, errors.New("edge: at least one origin is required")
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = resilience.RealClock
	}
	e := &Edge{client: opts.Client, timeout: opts.Timeout, cache: opts.Cache, clock: opts.Clock}
	for _, base := range opts.Origins {
		base = strings.TrimRight(base, "/")
		e.origins = append(e.origins, upstream{
			base: base,
			breaker: resilience.NewCircuitBreaker("origin:"+base, opts.BreakerFailures, opts.BreakerReset,
				resilience.WithClock(opts.Clock),
				resilience.WithFailureFilter(func(err error) bool { return !errors.Is(err, media.ErrNotFound) }),
			),
		})
	}
	return e, nil
}

// BreakerStates reports each origin's breaker state.
func (e *Edge) BreakerStates() map[string]resilience.State {
	out := make(map[string]resilience.State, len(e.origins))
	for _, u := range e.origins {
		out[u.base] = u.breaker.State()
	}
	return out
}

// fetch coalesces identical concurrent requests. The shared fetch is not
// bound to any single caller's cancellation.
func (e *Edge) fetch(ctx context.Context, p string) (fetched, error) {
	ch := e.group.DoChan(p, func() (any, error) {
		return e.fetchOrigins(context.WithoutCancel(ctx), p)
	})
	select {
	case res := <-ch:
		if res.Shared {
			metrics.EdgeCoalescedTotal.Inc()
		}
		if res.Err != nil {
			return fetched{}, res.Err
		}
		return res.Val.(fetched), nil
	case <-ctx.Done():
		return fetched{}, ctx.Err()
	}
}

func (e *Edge) fetchOrigins(ctx context.Context, p string) (fetched, error) {
	logger := log.WithComponentFromContext(ctx, "gateway.edge")
	var errs []error
	missing := 0
	for _, u := range e.origins {
		var res fetched
		err := u.breaker.Execute(func() error {
			var err error
			res, err = e.get(ctx, u.base, p)
			return err
		})
		switch {
		case err == nil:
			metrics.UpstreamFetchTotal.WithLabelValues(u.base, "ok").Inc()
			return res, nil
		case errors.Is(err, resilience.ErrCircuitOpen):
			metrics.UpstreamFetchTotal.WithLabelValues(u.base, "breaker_open").Inc()
		case errors.Is(err, media.ErrNotFound):
			metrics.UpstreamFetchTotal.WithLabelValues(u.base, "not_found").Inc()
			missing++
		default:
			metrics.UpstreamFetchTotal.WithLabelValues(u.base, "error").Inc()
			logger.Warn().Err(err).Str("origin", u.base).Str(log.FieldPath, p).Msg("origin fetch failed")
		}
		errs = append(errs, err)
	}
	if missing == len(e.origins) {
		return fetched{}, notFound("%s on every origin", p)
	}
	return fetched{}, fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, p, errors.Join(errs...))
}

func (e *Edge) get(ctx context.Context, base, p string) (fetched, error) {
	ctx, span := telemetry.Tracer("xglive/gateway").Start(ctx, "edge.fetch")
	span.SetAttributes(telemetry.OriginAttributes(base, false)...)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+p, nil)
	if err != nil {
		return fetched{}, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fetched{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fetched{}, notFound("origin %s: %s", base, p)
	case resp.StatusCode != http.StatusOK:
		span.SetStatus(codes.Error, resp.Status)
		return fetched{}, fmt.Errorf("origin %s: %s: status %d", base, p, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpstreamBody))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fetched{}, fmt.Errorf("origin %s: read %s: %w", base, p, err)
	}
	return fetched{body: body, header: resp.Header}, nil
}

func (e *Edge) GetManifest(ctx context.Context, ref ManifestRef) (Document, error) {
	res, err := e.fetch(ctx, ref.Path())
	if err != nil {
		return Document{}, err
	}
	if ref.Flavor == FlavorHLS && ref.Rendition != "" {
		e.trimCache(ctx, media.NewRenditionID(ref.Channel, ref.Rendition), res.body)
	}
	return Document{
		Body:        res.body,
		ContentType: res.header.Get("Content-Type"),
		MaxAge:      maxAgeOf(res.header.Get("Cache-Control")),
	}, nil
}

// trimCache evicts cached segments older than the playlist's media sequence.
func (e *Edge) trimCache(ctx context.Context, rid media.RenditionID, body []byte) {
	if e.cache == nil {
		return
	}
	logger := log.WithComponentFromContext(ctx, "gateway.edge")
	decoded, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil || listType != m3u8.MEDIA {
		logger.Debug().Err(err).Str(log.FieldRendition, string(rid)).Msg("decode upstream playlist")
		return
	}
	pl, ok := decoded.(*m3u8.MediaPlaylist)
	if !ok || pl.SeqNo == 0 {
		return
	}
	if err := e.cache.Evict(ctx, rid, pl.SeqNo); err != nil {
		logger.Warn().Err(err).Str(log.FieldRendition, string(rid)).Msg("evict edge cache")
	}
}

func (e *Edge) GetSegment(ctx context.Context, rid media.RenditionID, seq uint64) (media.Segment, error) {
	if e.cache != nil {
		if seg, err := e.cache.Get(ctx, rid, seq); err == nil {
			metrics.EdgeCacheTotal.WithLabelValues("hit").Inc()
			return seg, nil
		}
		metrics.EdgeCacheTotal.WithLabelValues("miss").Inc()
	}
	res, err := e.fetch(ctx, SegmentPath(rid, seq))
	if err != nil {
		return media.Segment{}, err
	}
	seg := media.Segment{
		Rendition:     rid,
		Sequence:      seq,
		Duration:      secondsHeader(res.header.Get(HeaderSegmentDuration)),
		PTS:           secondsHeader(res.header.Get(HeaderSegmentPTS)),
		Discontinuity: res.header.Get(HeaderSegmentDiscontinuity) == "1",
		Payload:       res.body,
		SealedAt:      e.clock.Now(),
	}
	if lm, err := http.ParseTime(res.header.Get("Last-Modified")); err == nil {
		seg.SealedAt = lm
	}
	if e.cache != nil {
		if err := e.cache.Put(ctx, seg); err != nil {
			logger := log.WithComponentFromContext(ctx, "gateway.edge")
			logger.Warn().Err(err).
				Str(log.FieldRendition, string(rid)).
				Uint64(log.FieldSequence, seq).
				Msg("cache fetched segment")
		}
	}
	return seg, nil
}

func (e *Edge) GetThumbnail(ctx context.Context, channel string) (Document, error) {
	res, err := e.fetch(ctx, thumbnailPath(channel))
	if err != nil {
		return Document{}, err
	}
	return Document{
		Body:        res.body,
		ContentType: res.header.Get("Content-Type"),
		MaxAge:      maxAgeOf(res.header.Get("Cache-Control")),
	}, nil
}

func secondsHeader(v string) time.Duration {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0
	}
	return time.Duration(f * float64(time.Second))
}

func formatSeconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// maxAgeOf extracts max-age from a Cache-Control value, defaulting to one
// second.
func maxAgeOf(cc string) time.Duration {
	for _, part := range strings.Split(cc, ",") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "max-age="); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return time.Duration(n) * time.Second
			}
		}
	}
	return time.Second
}
