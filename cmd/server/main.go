package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/keithlinneman/miniblog-server/internal/artifact"
	"github.com/keithlinneman/miniblog-server/internal/bloghttp"
	"github.com/keithlinneman/miniblog-server/internal/cfg"
	"github.com/keithlinneman/miniblog-server/internal/health"
	"github.com/keithlinneman/miniblog-server/internal/identity"
	"github.com/keithlinneman/miniblog-server/internal/opshttp"
	"github.com/keithlinneman/miniblog-server/internal/pipeline"
	"github.com/keithlinneman/miniblog-server/internal/ratelimit"
	"github.com/keithlinneman/miniblog-server/internal/regencache"
	"github.com/keithlinneman/miniblog-server/internal/render"
	"github.com/keithlinneman/miniblog-server/internal/store"
	"github.com/keithlinneman/miniblog-server/internal/store/postgres"

	"github.com/keithlinneman/miniblog-server/internal/httpserver"
	"github.com/keithlinneman/miniblog-server/internal/log"
	"github.com/keithlinneman/miniblog-server/internal/metrics"
	"github.com/keithlinneman/miniblog-server/internal/otelx"
	"github.com/keithlinneman/miniblog-server/internal/prof"
	v "github.com/keithlinneman/miniblog-server/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Get build/version info
	vi := v.Get()

	// Load .env if present (local dev convenience, env vars still win)
	_ = godotenv.Load()

	var conf cfg.App
	var showVersion bool

	// Parse config from flags and env
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf(
			"%s %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			v.AppName, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		os.Exit(0)
	}

	// Fill in config from environment variables with prefix MINIBLOG_ and validate
	cfg.FillFromEnv(flag.CommandLine, "MINIBLOG_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	// validate config
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	// Setup logging
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level %s: %v\n", conf.LogLevel, err)
		os.Exit(1)
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           v.Version,
		Commit:            v.Commit,
		BuildId:           v.BuildId,
		Level:             lvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	// no-op for slog/stderr, but here if we swap backends in the future to ensure any buffered logs are flushed on shutdown
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"commit_date", vi.CommitDate,
		"build_id", vi.BuildId,
		"build_date", vi.BuildDate,
		"go_version", vi.GoVersion,
		"vcs_dirty", vi.VCSDirty,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"pyro_server", conf.PyroServer,
		"pyro_tenant", conf.PyroTenantID,
		"trace_sample", conf.TraceSample,
		"include_error_links", conf.IncludeErrorLinks,
		"max_error_links", conf.MaxErrorLinks,
		"store", storeKind(conf),
		"identity", identityKind(conf),
		"cache_swr", conf.CacheSWR,
		"cache_hard_ttl", conf.CacheHardTTL,
		"cache_idle_ttl", conf.CacheIdleTTL,
		"render_timeout", conf.RenderTimeout,
		"write_rps", conf.WriteRPS,
		"write_burst", conf.WriteBurst,
		"enable_artifact_export", conf.EnableArtifactExport,
		"artifact_s3_bucket", conf.ArtifactS3Bucket,
		"artifact_s3_prefix", conf.ArtifactS3Prefix,
	)

	// Setup pyroscope profiling
	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		AuthToken:     "",
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
			"source":    "go-agent",
		},
	})
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer func() { stopProf() }()

	// Setup otel for tracing
	// Insecure is true because we are only writing to a collector on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	// Setup metrics / admin listener
	var m *metrics.ServerMetrics = metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", &vi)

	// setup post storage: postgres when a DSN is configured, in-memory otherwise
	var st store.Store
	if conf.DatabaseDSN != "" {
		pg, err := postgres.New(ctx, conf.DatabaseDSN, L)
		if err != nil {
			L.Error(ctx, err, "failed to connect to postgres")
			os.Exit(1)
		}
		st = pg
	} else {
		L.Warn(ctx, "no database DSN configured, using in-memory store (data is lost on restart)")
		st = store.NewMemory()
	}
	defer st.Close()

	// setup credential verification, Clerk or self-issued HMAC JWTs
	var verifier identity.Verifier
	if conf.ClerkSecretKey != "" {
		verifier = identity.NewClerkVerifier(conf.ClerkSecretKey)
	} else {
		verifier = identity.NewHMACVerifier(conf.JWTSecret)
	}
	provisioner := identity.NewProvisioner(verifier, st, L)

	// setup artifact export before the cache so the commit hook can be wired in
	var exporter *artifact.Exporter
	cacheOpts := []regencache.Option{
		regencache.WithLogger(L),
		regencache.WithIdleTTL(conf.CacheIdleTTL),
		regencache.WithRenderTimeout(conf.RenderTimeout),
		regencache.WithOnHit(func(state regencache.State) { m.IncCacheGet(string(state)) }),
		regencache.WithOnRender(func(outcome string, d time.Duration) { m.ObserveRender(outcome, d.Seconds()) }),
		regencache.WithOnShared(m.IncCacheShared),
		regencache.WithOnDiscard(m.IncCacheDiscard),
		regencache.WithOnEvict(m.AddCacheEvictions),
	}
	if conf.EnableArtifactExport {
		exporter, err = artifact.NewExporter(ctx, artifact.ExporterOptions{
			Logger:   L,
			S3Bucket: conf.ArtifactS3Bucket,
			S3Prefix: conf.ArtifactS3Prefix,
		})
		if err != nil {
			L.Error(ctx, err, "failed to create artifact exporter")
			os.Exit(1)
		}
		defer exporter.Close()
		cacheOpts = append(cacheOpts, regencache.WithOnCommit(exporter.CommitHook()))
	}

	cache := regencache.New(ctx, cacheOpts...)
	renderer := render.New(st)

	// setup mutation pipeline with prometheus hooks for outcomes and cache faults
	pipe := pipeline.New(st, provisioner, cache, L,
		pipeline.WithOnOutcome(func(op pipeline.Op, stage, kind string) {
			m.IncMutation(string(op), stage, kind)
		}),
		pipeline.WithOnCacheFault(m.IncCacheFault),
	)

	// Setup rate limiter middleware for the write endpoint
	limiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.WriteRPS, conf.WriteBurst),
		// increment prometheus counter on each denied request
		ratelimit.WithOnDenied(func(ip string) {
			m.IncRateLimitDenied()
		}),
		// only log the first time an ip is denied each time it is cleaned from the bucket
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "rate limit triggered", "ip", ip)
		}),
		ratelimit.WithOnCapacity(func() {
			m.IncRateLimitCapacity()
			L.Warn(ctx, "rate limit capacity reached, rejecting new visitors until some are evicted")
		}),
	)

	// setup the blog API, reads throttled only by the cache, writes by the limiter
	blogAPI := bloghttp.NewAPI(cache, renderer.RenderFunc(), pipe, regencache.Options{
		StaleWhileRevalidate: conf.CacheSWR,
		HardTTL:              conf.CacheHardTTL,
	}, L)
	blogAPI.SetWriteMiddleware(limiter.Middleware)

	// setup toggle for server shutdown
	var gate health.ShutdownGate

	// setup readiness checks, both shutdown gate and store connectivity must pass
	readiness := health.All(
		gate.Probe(),
		health.CheckFunc(st.Ping),
	)

	// start blog http server
	blogHTTPStop, err := httpserver.Start(
		ctx,
		httpserver.Options{
			Port:         conf.HTTPPort,
			Health:       health.Fixed(true, ""),
			Readiness:    readiness,
			APIRoutes:    blogAPI.RegisterRoutes,
			UseRecoverMW: true,
			OnPanic:      m.IncHttpPanic,
			MetricsMW:    m.Middleware,
			Logger:       L,
			BuildInfo:    vi,
		},
	)

	if err != nil {
		L.Error(ctx, err, "failed to start blog http listener port")
		os.Exit(1)
	}
	defer func() { _ = blogHTTPStop(context.Background()) }()

	// start admin/ops listener to serve metrics, health checks, pprof and any future admin APIs
	// sg restricts inbound to internal monitoring infrastructure
	// we reject connections from public ips and requests with x-forwarded set in middleware
	// to prevent accidental exposure if sg is misconfigured or load balancer ever sends traffic there
	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		os.Exit(1)
	}
	defer func() { _ = opsHTTPStop(context.Background()) }()

	// notify systemd that we started successfully if started under systemd
	if err := notifySystemd(); err != nil {
		// log and dont exit, worst case systemd will kill the process after timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// block until signal so we dont exit
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	// wait for ctrl+c / sigterm
	<-sigCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	L.Info(context.Background(), "shutdown signal received")

	// fail health checks to drain connections
	gate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

	// will make sleep time tunable in the future
	L.Info(context.Background(), "sleeping 30s for in-flight and load balancer health checks to drain")
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-time.After(30 * time.Second):
		L.Info(context.Background(), "drain period complete")
	case <-forceCh:
		L.Warn(context.Background(), "second signal received, skipping drain")
	}
	signal.Stop(forceCh)

	if err := blogHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "app http server shutdown")
	}

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}

	// flush any queued artifact exports before dropping the store connection
	if exporter != nil {
		exporter.Close()
		if n := exporter.Dropped(); n > 0 {
			L.Warn(context.Background(), "artifact exports dropped during run", "dropped", n)
		}
	}

	if err := shutdownOTEL(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "otel shutdown")
	}

	stopProf()

	L.Info(context.Background(), "shutdown complete")
	os.Exit(0)
}

func storeKind(c cfg.App) string {
	if c.DatabaseDSN != "" {
		return "postgres"
	}
	return "memory"
}

func identityKind(c cfg.App) string {
	if c.ClerkSecretKey != "" {
		return "clerk"
	}
	return "jwt-hmac"
}

func notifySystemd() error {
	// systemd will set NOTIFY_SOCKET to a unix socket path if we were started under systemd with type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	conn.Write([]byte("READY=1"))
	if err := conn.Close(); err != nil {
		return fmt.Errorf("systemd notify failed: close failed: %w", err)
	}
	return nil
}
