// SPDX-License-Identifier: MIT

// Package daemon assembles the live core from configuration and owns its
// lifecycle: background loops run under one errgroup, and shutdown releases
// components in reverse construction order within a bounded budget.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/xglive/internal/api"
	"github.com/ManuGH/xglive/internal/api/middleware"
	"github.com/ManuGH/xglive/internal/archive"
	"github.com/ManuGH/xglive/internal/catalog"
	"github.com/ManuGH/xglive/internal/config"
	"github.com/ManuGH/xglive/internal/drm"
	"github.com/ManuGH/xglive/internal/events"
	"github.com/ManuGH/xglive/internal/gateway"
	"github.com/ManuGH/xglive/internal/health"
	"github.com/ManuGH/xglive/internal/ingest"
	"github.com/ManuGH/xglive/internal/log"
	"github.com/ManuGH/xglive/internal/packager"
	"github.com/ManuGH/xglive/internal/pipeline"
	"github.com/ManuGH/xglive/internal/resilience"
	"github.com/ManuGH/xglive/internal/session"
	"github.com/ManuGH/xglive/internal/store"
	"github.com/ManuGH/xglive/internal/telemetry"
	"github.com/ManuGH/xglive/internal/transcode"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultShutdownTimeout bounds the whole shutdown sequence.
	DefaultShutdownTimeout = 30 * time.Second

	archiveTimeout = 2 * time.Minute
	eventTimeout   = 500 * time.Millisecond
)

// ShutdownHook releases one component. Hooks run in reverse registration
// order (LIFO).
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	hook ShutdownHook
}

// Daemon is one assembled xglive process.
type Daemon struct {
	cfg    config.AppConfig
	logger zerolog.Logger

	ShutdownTimeout time.Duration

	hooks []namedHook

	tracer   *telemetry.Provider
	backend  store.Backend
	segments *store.Tiered
	catalog  catalog.Source
	watcher  *catalog.FileSource
	bus      *events.MemoryBus
	sink     *events.RedisSink
	journal  *session.Journal
	registry *session.Registry
	core     *pipeline.Core
	ingest   *ingest.Manager
	health   *health.Manager
	exporter *archive.S3Exporter
	edge     *gateway.Edge

	gatewayHandler http.Handler
	adminHandler   http.Handler

	runCtx   atomic.Pointer[context.Context]
	archives sync.WaitGroup
	loops    sync.WaitGroup

	started atomic.Bool
	ready   chan struct{}
	addrMu  sync.Mutex
	addrs   map[string]net.Addr
}

// New builds every component without binding sockets. On error the
// components built so far are released.
func New(ctx context.Context, cfg config.AppConfig) (d *Daemon, err error) {
	d = &Daemon{
		cfg:             cfg,
		logger:          log.WithComponent("daemon"),
		ShutdownTimeout: DefaultShutdownTimeout,
		ready:           make(chan struct{}),
		addrs:           make(map[string]net.Addr),
	}
	defer func() {
		if err != nil {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			_ = d.runHooks(cctx)
		}
	}()

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		return nil, err
	}

	d.tracer, err = telemetry.NewProvider(ctx, telemetry.FromConfig(cfg.Telemetry, cfg.Version, cfg.Gateway.Role))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	d.onShutdown("telemetry", d.tracer.Shutdown)

	d.backend, err = store.OpenBackend(ctx, cfg.Store, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("segment store: %w", err)
	}
	d.onShutdown("store", func(context.Context) error { return d.backend.Close() })
	d.segments = store.NewTiered(d.backend, cfg.Store.CacheBytes)

	if err := d.buildCatalog(ctx); err != nil {
		return nil, err
	}
	keys, err := d.buildKeyProvider()
	if err != nil {
		return nil, err
	}

	d.bus = events.NewMemoryBus()
	emitter := &events.Emitter{Bus: d.bus, Timeout: eventTimeout}
	if cfg.Events.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Events.RedisAddr})
		d.onShutdown("events.redis", func(context.Context) error { return client.Close() })
		d.sink = events.NewRedisSink(client, cfg.Events.RedisStream, cfg.Events.MaxLen)
	}

	journalPath := cfg.Registry.JournalPath
	if journalPath == "" {
		journalPath = filepath.Join(cfg.DataDir, "sessions.db")
	}
	d.journal, err = session.OpenJournal(journalPath)
	if err != nil {
		return nil, fmt.Errorf("session journal: %w", err)
	}
	d.onShutdown("journal", func(context.Context) error { return d.journal.Close() })
	// Closing the bus ends the journal and sink loops after the last
	// session event was delivered.
	d.onShutdown("events", func(ctx context.Context) error {
		d.bus.Close()
		return waitGroup(ctx, &d.loops)
	})

	d.registry = session.NewRegistry(session.Options{
		HealthTimeout: cfg.Registry.HealthTimeout,
		SweepInterval: cfg.Registry.SweepInterval,
		Emitter:       emitter,
	})

	if cfg.Archive.Bucket != "" {
		d.exporter, err = archive.NewS3Exporter(cfg.Archive, d.segments)
		if err != nil {
			return nil, err
		}
	}

	topts, err := d.transcodeOptions()
	if err != nil {
		return nil, err
	}
	d.core, err = pipeline.NewCore(pipeline.Options{
		Catalog:   d.catalog,
		Registry:  d.registry,
		Store:     d.segments,
		Keys:      keys,
		Emitter:   emitter,
		Transcode: topts,
		Packager: packager.Options{
			SegmentTarget: cfg.Packager.SegmentTarget,
			DVRWindow:     cfg.Packager.DVRWindow,
			PutTimeout:    cfg.Packager.PutTimeout,
			Backoff: resilience.Backoff{
				Initial:  cfg.Packager.BackoffInitial,
				Max:      cfg.Packager.BackoffMax,
				Attempts: cfg.Packager.PutRetries + 1,
			},
		},
		QueueSize:               cfg.Ingest.QueueSize,
		DrainTimeout:            cfg.Registry.DrainTimeout,
		DiscontinuityOnFailover: cfg.Packager.DiscontinuityOnFailover,
		OnChannelEnded:          d.archiveWindow,
	})
	if err != nil {
		return nil, err
	}
	d.onShutdown("archive", func(ctx context.Context) error { return waitGroup(ctx, &d.archives) })
	d.onShutdown("pipeline", d.core.Close)

	d.ingest = ingest.NewManager(cfg.Ingest, ingest.NewAcceptor(d.core, cfg.Ingest.Monitor))
	d.onShutdown("ingest", func(context.Context) error { return d.ingest.Close() })

	if err := d.buildHTTP(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) onShutdown(name string, hook ShutdownHook) {
	d.hooks = append(d.hooks, namedHook{name: name, hook: hook})
}

func (d *Daemon) buildCatalog(ctx context.Context) error {
	defaults := catalog.Defaults{
		SegmentTarget: d.cfg.Packager.SegmentTarget,
		DVRWindow:     d.cfg.Packager.DVRWindow,
	}
	var src catalog.Source
	switch d.cfg.Catalog.Source {
	case "postgres":
		pg, err := catalog.NewPostgresSource(ctx, d.cfg.Catalog.DSN, defaults)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		d.onShutdown("catalog", func(context.Context) error { pg.Close(); return nil })
		src = pg
	default:
		fs, err := catalog.NewFileSource(d.cfg.Catalog.Path, defaults)
		if err != nil {
			return fmt.Errorf("catalog: %w", err)
		}
		d.watcher = fs
		src = fs
	}
	if d.cfg.Catalog.CacheTTL > 0 {
		src = catalog.NewCached(src, d.cfg.Catalog.CacheTTL, time.Now)
	}
	d.catalog = src
	return nil
}

func (d *Daemon) buildKeyProvider() (drm.KeyProvider, error) {
	switch d.cfg.DRM.Provider {
	case "http":
		client := &http.Client{
			Timeout:   5 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
		return drm.NewHTTPProvider(d.cfg.DRM.URL, client), nil
	case "derived", "":
		return drm.NewDerivedProvider(d.cfg.DRM.MasterSecret, d.cfg.DRM.KeyURIBase), nil
	default:
		return nil, fmt.Errorf("%w: drm provider %q", config.ErrInvalidConfig, d.cfg.DRM.Provider)
	}
}

func (d *Daemon) transcodeOptions() (transcode.Options, error) {
	factory, err := transcode.NewEncoderFactory(d.cfg.Transcode.Encoder, d.cfg.Transcode.FFmpegBin)
	if err != nil {
		return transcode.Options{}, err
	}
	var extractor transcode.Extractor = transcode.KeyframeExtractor{}
	if bin := d.cfg.Transcode.FFmpegBin; bin != "" {
		if _, err := exec.LookPath(bin); err == nil {
			extractor = transcode.FFmpegExtractor{Bin: bin, Timeout: 5 * time.Second}
		}
	}
	return transcode.Options{
		Factory:           factory,
		QueueSize:         d.cfg.Transcode.QueueSize,
		ThumbnailInterval: d.cfg.Transcode.ThumbnailInterval,
		Extractor:         extractor,
	}, nil
}

func (d *Daemon) buildHTTP() error {
	tracing := ""
	if d.cfg.Telemetry.Enabled {
		tracing = d.cfg.Telemetry.ServiceName
	}

	var delivery gateway.Delivery = gateway.NewOrigin(d.core, d.segments)
	if d.cfg.Gateway.Role == gateway.RoleEdge {
		edge, err := gateway.NewEdge(gateway.EdgeOptions{
			Origins:         d.cfg.Gateway.Origins,
			Timeout:         d.cfg.Gateway.UpstreamWait,
			BreakerFailures: d.cfg.Gateway.BreakerFails,
			BreakerReset:    d.cfg.Gateway.BreakerReset,
			Cache:           store.NewTiered(store.NewMemoryBackend(), d.cfg.Store.CacheBytes),
		})
		if err != nil {
			return err
		}
		d.edge = edge
		delivery = edge
	}
	d.gatewayHandler = gateway.NewServer(gateway.ServerOptions{
		Delivery: delivery,
		Role:     d.cfg.Gateway.Role,
		Stack: middleware.StackConfig{
			Surface:        "gateway",
			EnableCORS:     true,
			EnableMetrics:  true,
			TracingService: tracing,
			EnableLogging:  true,
			RateLimitRPS:   d.cfg.Gateway.RateLimitRPS,
		},
	})

	d.health = health.NewManager(d.cfg.Version)
	d.health.RegisterChecker(health.NewFuncChecker("store", true, d.backend.Ping))
	if pinger, ok := d.catalog.(interface{ Ping(context.Context) error }); ok {
		d.health.RegisterChecker(health.NewFuncChecker("catalog", true, pinger.Ping))
	}
	if d.edge != nil {
		d.health.RegisterChecker(health.NewBreakerChecker(d.edge.BreakerStates))
	}

	d.adminHandler = api.NewServer(api.Options{
		Sessions:    d.registry,
		History:     d.journal,
		Ingest:      d.ingest,
		Health:      d.health,
		BaseContext: d.baseContext,
		Token:       d.cfg.API.Token,
		Version:     d.cfg.Version,
		Stack: middleware.StackConfig{
			Surface:        "admin",
			EnableMetrics:  true,
			TracingService: tracing,
			EnableLogging:  true,
		},
	})
	return nil
}

func (d *Daemon) baseContext() context.Context {
	if p := d.runCtx.Load(); p != nil {
		return *p
	}
	return context.Background()
}

// archiveWindow exports an ended channel window in the background.
func (d *Daemon) archiveWindow(out *packager.Output) {
	if d.exporter == nil {
		return
	}
	d.archives.Add(1)
	go func() {
		defer d.archives.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(d.baseContext()), archiveTimeout)
		defer cancel()
		if _, err := d.exporter.ExportWindow(ctx, out); err != nil {
			d.logger.Warn().Err(err).Str(log.FieldChannelID, out.ChannelID()).Msg("archive export failed")
		}
	}()
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready is closed once every HTTP surface is bound.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// Addr returns the bound address of "gateway" or "admin" after Ready.
func (d *Daemon) Addr(name string) net.Addr {
	d.addrMu.Lock()
	defer d.addrMu.Unlock()
	return d.addrs[name]
}

// Run starts the background loops, the ingest listeners and both HTTP
// surfaces, then blocks until ctx is cancelled or a component fails. It
// always shuts the daemon down before returning.
func (d *Daemon) Run(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	d.runCtx.Store(&ctx)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)
	var servers []*http.Server

	shutdown := func(cause error) error {
		cancelRun()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.ShutdownTimeout)
		defer cancel()
		errs := []error{cause}
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		errs = append(errs, d.runHooks(shutdownCtx))
		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	g.Go(func() error { return d.registry.Run(gctx) })
	if err := d.startLoops(); err != nil {
		return shutdown(err)
	}
	if d.watcher != nil {
		g.Go(func() error {
			if err := d.watcher.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Warn().Err(err).Msg("catalog watcher stopped")
			}
			return nil
		})
	}

	for _, s := range []struct {
		name    string
		addr    string
		handler http.Handler
	}{
		{"gateway", d.cfg.Gateway.Addr, d.gatewayHandler},
		{"admin", d.cfg.API.Addr, d.adminHandler},
	} {
		ln, err := net.Listen("tcp", s.addr)
		if err != nil {
			return shutdown(fmt.Errorf("%w: %s on %s: %w", ErrServerStartFailed, s.name, s.addr, err))
		}
		srv := &http.Server{
			Handler:           s.handler,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		servers = append(servers, srv)
		d.addrMu.Lock()
		d.addrs[s.name] = ln.Addr()
		d.addrMu.Unlock()
		name := s.name
		g.Go(func() error {
			d.logger.Info().Str("surface", name).Str("addr", ln.Addr().String()).Msg("HTTP server listening")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s server: %w", name, err)
			}
			return nil
		})
	}

	if err := d.ingest.StartEnabled(runCtx); err != nil {
		return shutdown(err)
	}
	close(d.ready)
	d.logger.Info().
		Str(log.FieldEvent, "daemon.started").
		Str("version", d.cfg.Version).
		Str("role", d.cfg.Gateway.Role).
		Msg("xglive started")

	<-gctx.Done()
	if ctx.Err() != nil {
		d.logger.Info().Msg("shutdown signal received")
		return shutdown(nil)
	}
	d.logger.Error().Err(context.Cause(gctx)).Msg("component failed, initiating shutdown")
	return shutdown(nil)
}

// startLoops attaches the journal and the optional redis sink to the bus.
// They run until the bus is closed during shutdown.
func (d *Daemon) startLoops() error {
	loopCtx := context.WithoutCancel(d.baseContext())
	jsub, err := d.bus.Subscribe(loopCtx)
	if err != nil {
		return fmt.Errorf("subscribe journal: %w", err)
	}
	d.loops.Add(1)
	go func() {
		defer d.loops.Done()
		_ = d.journal.Run(loopCtx, jsub)
	}()
	if d.sink == nil {
		return nil
	}
	rsub, err := d.bus.Subscribe(loopCtx)
	if err != nil {
		return fmt.Errorf("subscribe redis sink: %w", err)
	}
	d.loops.Add(1)
	go func() {
		defer d.loops.Done()
		_ = d.sink.Run(loopCtx, rsub)
	}()
	return nil
}

// runHooks runs the registered hooks once, newest first.
func (d *Daemon) runHooks(ctx context.Context) error {
	hooks := d.hooks
	d.hooks = nil
	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(ctx); err != nil {
			d.logger.Warn().Err(err).Str("hook", h.name).Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
			continue
		}
		d.logger.Debug().Str("hook", h.name).Dur("took", time.Since(start)).Msg("shutdown hook done")
	}
	return errors.Join(errs...)
}
