// Rampart is a security alert orchestration daemon: it polls SIEM sources,
// dedups alerts, and runs ranked playbooks for enrichment, case escalation,
// and notification.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/prof"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/health"

	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/otelx"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/rampart/internal/adapter"
	"github.com/linnemanlabs/rampart/internal/authmw"
	"github.com/linnemanlabs/rampart/internal/cases/iris"
	rc "github.com/linnemanlabs/rampart/internal/cfg"
	"github.com/linnemanlabs/rampart/internal/dedup"
	"github.com/linnemanlabs/rampart/internal/dedup/pgstore"
	"github.com/linnemanlabs/rampart/internal/engine"
	"github.com/linnemanlabs/rampart/internal/enrich/virustotal"
	"github.com/linnemanlabs/rampart/internal/llm/claude"
	"github.com/linnemanlabs/rampart/internal/notify/matrix"
	"github.com/linnemanlabs/rampart/internal/pipeline"
	"github.com/linnemanlabs/rampart/internal/playbook"
	"github.com/linnemanlabs/rampart/internal/playbooks"
	"github.com/linnemanlabs/rampart/internal/postgres"
	"github.com/linnemanlabs/rampart/internal/runapi"
	"github.com/linnemanlabs/rampart/internal/source"
	"github.com/linnemanlabs/rampart/internal/source/elastic"
	"github.com/linnemanlabs/rampart/internal/source/qradar"
)

const appName = "rampart"
const component = "server"

const defaultCachePath = "rampart_cache.json"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Set app name and component
	v.AppName = appName
	v.Component = component

	// Get build/version info
	vi := v.Get()

	// each package registers its own flags and options struct
	var (
		appCfg    rc.Config
		httpCfg   httpserver.Config
		httpmwCfg httpmw.Config
		logCfg    log.Config
		opsCfg    opshttp.Config
		profCfg   prof.Config
		traceCfg  otelx.Config
	)

	// register flags for each package, which will be parsed into the shared config struct
	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// parse flags to get config values from cmdline, we check env vars next which do not override cmdline flags
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// Fill in config values from environment variables with prefix RAMPART_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "RAMPART_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := errors.Join(
		appCfg.Validate(),
		httpCfg.Validate(),
		httpmwCfg.Validate(),
		logCfg.Validate(),
		opsCfg.Validate(),
		profCfg.Validate(),
		traceCfg.Validate(),
	); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	// cross-cutting checks that only main can validate
	if appCfg.APIPort == opsCfg.Port {
		return fmt.Errorf("http and admin ports must differ (both %d)", appCfg.APIPort)
	}

	// initialize logger early
	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"pipeline_file", appCfg.PipelineFile,
		"once", appCfg.Once,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"trace_sample", traceCfg.TraceSample,
		"trace_insecure", traceCfg.Insecure,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"pyro_server", profCfg.PyroServer,
		"pyro_tenant", profCfg.PyroTenantID,
		"include_error_links", logCfg.IncludeErrorLinks,
		"max_error_links", logCfg.MaxErrorLinks,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// Setup pyroscope profiling early so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
		"source":    "lmlabs-go-agent",
	}
	// Start profiling, returns a stop function to call for clean shutdown (flush buffers, etc)
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	// Setup otel for tracing
	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version

	// Start otel, returns a shutdown function to call for clean shutdown (flush buffers, etc)
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx != nil {
		defer func() { _ = shutdownOtelx(context.Background()) }()
	}

	// Setup metrics, we use our own metrics package for internal instrumentation
	var m = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	// Load the pipeline topology. Invalid topology is fatal at startup;
	// at reload it keeps the previous one.
	pf, err := rc.LoadPipelineFile(appCfg.PipelineFile)
	if err != nil {
		return err
	}

	pipelineMetrics := pipeline.NewMetrics(m.Registry())

	// Initialize the dedup cache store
	var cacheStore dedup.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, L)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		cacheStore = pgStore
		L.Info(ctx, "using postgres cache store")
	} else {
		path := pf.Cache.Path
		if path == "" {
			path = defaultCachePath
		}
		cacheStore = dedup.NewFileStore(path)
		L.Info(ctx, "using file cache store (no database-url configured)", "path", path)
	}

	// Wire store query durations into Prometheus via the pgx tracer.
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, operation, outcome string, dur time.Duration) {
			pipelineMetrics.ObserveStoreQuery(operation, outcome, dur)
		},
	))

	cache := dedup.NewCache(cacheStore, dedup.Limits{
		MaxAge:        pf.Cache.MaxAge(),
		MaxBytes:      pf.Cache.MaxBytes(),
		SweepInterval: pf.Cache.SweepInterval(),
	}, L)
	cache.SetEvictionObserver(pipelineMetrics.ObserveEviction)
	cache.Load(ctx)

	// Integration adapters. Missing configuration leaves a nil adapter;
	// playbooks needing one fail their run rather than the whole daemon.
	adapters := &adapter.Set{
		Notifier: matrix.New(pf.Notify.Homeserver, appCfg.MatrixAccessToken),
	}
	if appCfg.VirusTotalAPIKey != "" {
		adapters.Reputation = virustotal.New(pf.VirusTotal.Endpoint, appCfg.VirusTotalAPIKey)
		L.Info(ctx, "reputation adapter enabled", "type", "virustotal")
	}
	if pf.Cases.Endpoint != "" {
		adapters.Cases = iris.New(pf.Cases.Endpoint, appCfg.IrisAPIKey)
		L.Info(ctx, "case manager enabled", "endpoint", pf.Cases.Endpoint)
	}

	// Claude summarizer is optional; without a key ai_summary stays inert.
	var summarizer playbooks.Summarizer
	if appCfg.ClaudeAPIKey != "" {
		summarizer = claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel)
		L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", appCfg.ClaudeModel)
	}

	deps := playbooks.Deps{
		Logger:               L,
		Summarizer:           summarizer,
		NotifyChannel:        pf.Notify.Channel,
		CorrelationWindow:    pf.Correlation.Window(),
		CorrelationThreshold: pf.Correlation.Threshold,
	}

	buildRegistry := func(pf *rc.PipelineFile) (*playbook.Registry, error) {
		reg := playbook.NewRegistry()
		for _, desc := range pf.Playbooks {
			impl, err := playbooks.Build(desc.Name, deps)
			if err != nil {
				return nil, err
			}
			if err := reg.Register(desc, impl); err != nil {
				return nil, err
			}
		}
		if err := reg.Validate(); err != nil {
			return nil, err
		}
		return reg, nil
	}

	registry, err := buildRegistry(pf)
	if err != nil {
		return fmt.Errorf("playbook registry: %w", err)
	}
	L.Info(ctx, "playbooks registered", "order", registry.Names())

	// Collectors for the enabled sources
	var collectors []source.Collector
	for _, src := range pf.Sources {
		if !src.Enabled {
			continue
		}
		switch src.Type {
		case rc.SourceTypeElastic:
			collectors = append(collectors, elastic.New(src.Name, src.Endpoint, src.Index, appCfg.ElasticAPIKey))
		case rc.SourceTypeQRadar:
			collectors = append(collectors, qradar.New(src.Name, src.Endpoint, appCfg.QRadarToken))
		}
		L.Info(ctx, "collector enabled", "source", src.Name, "type", src.Type)
	}
	if len(collectors) == 0 {
		L.Warn(ctx, "no collectors enabled, iterations will only serve manual submissions")
	}

	pipe := pipeline.New(cache, adapters, pipeline.Config{
		PlaybookTimeout: pf.Scheduler.PlaybookTimeout(),
		AbortOnFailure:  pf.Scheduler.AbortOnFailure,
	}, L, pipelineMetrics)

	eng := engine.New(collectors, pipe, cache, pf.Scheduler.Workers, L, pipelineMetrics)

	// Reload re-reads the pipeline file between iterations and rebuilds the
	// registry; a broken file keeps the previous registry.
	reload := func() (*playbook.Registry, error) {
		npf, err := rc.LoadPipelineFile(appCfg.PipelineFile)
		if err != nil {
			return nil, err
		}
		return buildRegistry(npf)
	}

	sched := engine.NewScheduler(eng, registry, pf.Scheduler.Interval(), nil, reload, L)

	// Single-shot mode for cron-style deployments and smoke tests.
	if appCfg.Once {
		result := sched.RunOnce(ctx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("encode iteration result: %w", err)
		}
		return nil
	}

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	// setup readiness checks, currently just the shutdown gate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	// liveness is always true if the app is able to respond
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

	// start admin/ops listener. sg restricts inbound to internal monitoring infrastructure.
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic here
	opsHTTPStop, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}
	defer func() {
		err := opsHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	// Start the scheduler loop
	schedCtx, schedCancel := context.WithCancel(ctx)
	defer schedCancel()
	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		_ = sched.Run(schedCtx)
	}()
	L.Info(ctx, "scheduler started", "interval", pf.Scheduler.Interval())

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 64))

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes, bearer-token protected when a token is configured
	runapiHTTP := runapi.New(L, sched, cache)
	if appCfg.APIToken != "" {
		r.Group(func(gr chi.Router) {
			gr.Use(authmw.BearerToken(appCfg.APIToken))
			runapiHTTP.RegisterRoutes(gr)
		})
	} else {
		L.Warn(ctx, "run api is unauthenticated (no api-token configured)")
		runapiHTTP.RegisterRoutes(r)
	}

	// middleware stack for main listener, order matters these are wrappers, outermost sees raw request
	// first and is last to see response, innermost is last to see request and first to see response but
	// has access to the full rich context from outer middleware and handlers
	var h http.Handler = r

	// Request-scoped logging (inner so it sees trace_id, chi route, etc)
	h = httpmw.WithLogger(L)(h)

	// add trace-id and span-id headers to any requests with a recording trace
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)

	// otel instrumentation for automatic spans and trace context propagation
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			// dont trace health/readiness checks
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute will rename the span later to the final route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		// WithPublicEndpointFn is the replacement for WithPublicEndpoint()
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)

	// Metrics middleware for prometheus instrumentation
	h = m.Middleware(h)

	// Client IP resolution and spoofing protection middleware, outer so downstream middleware
	// and handlers can use the resolved client ip from context for consistency and security
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)

	// Request ID (outer so everything downstream sees it)
	h = httpmw.RequestID("X-Request-Id")(h) // request ID

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	runapiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	// Start run API HTTP server with middleware and handlers
	runapiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, runapiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start run api http listener")
		return err
	}
	defer func() {
		err := runapiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop run api http listener")
		}
	}()

	// Notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm
	<-ctx.Done()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// Wait for in-flight requests to finish and for load balancer
	// to detect unhealthy and stop sending new requests.
	drainDuration := time.Duration(appCfg.DrainSeconds) * time.Second
	L.Info(context.Background(), "sleeping for drain period", "drain_seconds", appCfg.DrainSeconds)
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(drainDuration):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	// Stop the scheduler before tearing down its dependencies, then persist
	// the dedup cache so a restart does not re-dispatch recent alerts.
	schedCancel()
	<-schedDone
	if err := cache.Flush(context.Background()); err != nil {
		L.Error(context.Background(), err, "final cache flush failed")
	}

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"run api http server", runapiHTTPStop},
		{"ops http server", opsHTTPStop},
		{"otel", shutdownOtelx},
	}

	budget := time.Duration(appCfg.ShutdownBudgetSeconds) * time.Second
	perComponent := budget / time.Duration(len(stopFns))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stopFns {
		cctx, ccancel := context.WithTimeout(shutdownCtx, perComponent)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	return nil
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // G704: addr is from NOTIFY_SOCKET set by systemd not user input, no context support in net package for unixgram sockets
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
