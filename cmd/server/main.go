// Jinkies ingests application error alerts, notifies operators, and
// orchestrates deployments.
package main

import (
	"context"
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

	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/jinkies/internal/alert"
	alertmem "github.com/linnemanlabs/jinkies/internal/alert/memstore"
	alertpg "github.com/linnemanlabs/jinkies/internal/alert/pgstore"
	"github.com/linnemanlabs/jinkies/internal/authmw"
	jc "github.com/linnemanlabs/jinkies/internal/cfg"
	"github.com/linnemanlabs/jinkies/internal/deploy"
	deploymem "github.com/linnemanlabs/jinkies/internal/deploy/memstore"
	deploypg "github.com/linnemanlabs/jinkies/internal/deploy/pgstore"
	"github.com/linnemanlabs/jinkies/internal/dispatch"
	"github.com/linnemanlabs/jinkies/internal/github"
	"github.com/linnemanlabs/jinkies/internal/ingest"
	"github.com/linnemanlabs/jinkies/internal/llm/claude"
	"github.com/linnemanlabs/jinkies/internal/logsource"
	"github.com/linnemanlabs/jinkies/internal/notify/discord"
	"github.com/linnemanlabs/jinkies/internal/postgres"
	"github.com/linnemanlabs/jinkies/internal/tail"
)

const appName = "jinkies"
const component = "server"

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
		appCfg    jc.Config
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

	// Fill in config values from environment variables with prefix JINKIES_,
	// these do not override cmdline flags
	cfg.FillFromEnv(flag.CommandLine, "JINKIES_", func(format string, args ...any) {
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
	defer func() { _ = lg.Sync() }()

	// create a logger with component field pre-filled for structured logging in this package
	L := lg.With("component", vi.Component)

	// add logger to context
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"enable_pprof", opsCfg.EnablePprof,
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"environment", appCfg.EnvironmentName,
		"github_repo", appCfg.GitHubOwner+"/"+appCfg.GitHubRepo,
		"deployments_enabled", appCfg.DeployRepoPath != "",
		"tailing_enabled", appCfg.LokiEndpoint != "",
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

	// Initialize the stores, postgres when configured, in-memory otherwise
	var (
		alertStore  alert.Store
		deployStore deploy.Store
	)
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		aps, err := alertpg.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("alert pgstore init: %w", err)
		}
		dps, err := deploypg.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("deploy pgstore init: %w", err)
		}
		alertStore, deployStore = aps, dps
		L.Info(ctx, "using postgres stores")
	} else {
		alertStore = alertmem.New()
		deployStore = deploymem.New()
		L.Info(ctx, "using in-memory stores (no database-url configured)")
	}

	// Register per-query DB duration histogram and wire the observer.
	dbQueryDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "jinkies_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "outcome"})
	m.Registry().MustRegister(dbQueryDuration)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, method, route, outcome string, dur time.Duration) {
			dbQueryDuration.WithLabelValues(method, route, outcome).Observe(dur.Seconds())
		},
	))

	// Discord client, the single messaging surface for every subsystem
	discordClient := discord.New(appCfg.DiscordBotToken)

	// GitHub client: static token or App installation auth
	var ghOpts []github.Option
	if appCfg.GitHubToken != "" {
		ghOpts = append(ghOpts, github.WithToken(appCfg.GitHubToken))
	} else {
		pem, err := os.ReadFile(appCfg.GitHubPrivateKeyPath)
		if err != nil {
			return fmt.Errorf("reading github private key: %w", err)
		}
		ghOpts = append(ghOpts, github.WithAppAuth(appCfg.GitHubAppID, appCfg.GitHubInstallationID, pem))
	}
	ghClient := github.NewClient(appCfg.GitHubOwner, appCfg.GitHubRepo, ghOpts...)
	ghSvc := github.NewService(ghClient, github.ServiceConfig{
		BaseBranch:   appCfg.DefaultBaseBranch,
		WorkflowFile: appCfg.DeployWorkflowFile,
	}, L)

	// Claude assist is optional; without a key PRs just skip the
	// proposed-fix section
	var assist dispatch.FixAssistant
	if appCfg.ClaudeAPIKey != "" {
		assist = claude.New(appCfg.ClaudeAPIKey, appCfg.ClaudeModel)
		L.Info(ctx, "fix assist enabled", "model", appCfg.ClaudeModel)
	}

	// Notification and action dispatcher
	dispatchMetrics := dispatch.NewMetrics(m.Registry())
	dispatcher := dispatch.New(alertStore, discordClient, ghSvc, assist, dispatchMetrics, L, dispatch.Config{
		AlertChannelID: appCfg.DiscordAlertChannelID,
	})
	go dispatcher.Run(ctx)

	// Deployment orchestrator, enabled when a repo path is configured
	var deploySvc *deploy.Service
	if appCfg.DeployRepoPath != "" {
		executor := deploy.NewExecutor(deploy.ExecutorConfig{
			RepoPath:      appCfg.DeployRepoPath,
			Script:        appCfg.DeployScript,
			Timeout:       time.Duration(appCfg.DeployTimeoutSeconds) * time.Second,
			SSHKeyPath:    appCfg.SSHKeyPath,
			SSHHost:       appCfg.SSHHost,
			SSHUser:       appCfg.SSHUser,
			RemoteAppPath: appCfg.RemoteAppPath,
			RemoteProcess: appCfg.RemoteProcess,
		}, deploy.ExecRunner{}, L)
		deployMetrics := deploy.NewMetrics(m.Registry())
		deploySvc = deploy.NewService(deployStore, executor, discordClient, ghSvc, deployMetrics, L, deploy.ServiceConfig{
			DeployChannelID: appCfg.DiscordDeployChannel,
			SessionGrace:    time.Duration(appCfg.SessionGraceSeconds) * time.Second,
		})
	}

	// Log tail manager, enabled when a Loki endpoint is configured
	var tails *tail.Manager
	if appCfg.LokiEndpoint != "" {
		loki := logsource.NewLoki(appCfg.LokiEndpoint, appCfg.LokiTenantID)
		tails = tail.New(loki, nil, discordClient, L, tail.Config{
			Interval: time.Duration(appCfg.TailIntervalSeconds) * time.Second,
		})
		defer tails.Shutdown()
	}

	// Retention purge loop for old alert records
	go func() {
		maxAge := time.Duration(appCfg.AlertRetentionDays) * 24 * time.Hour
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := alertStore.Cleanup(ctx, maxAge)
				if err != nil {
					L.Error(ctx, err, "alert retention purge failed")
					continue
				}
				if n > 0 {
					L.Info(ctx, "alert retention purge", "removed", n)
				}
			}
		}
	}()

	// setup toggle for server shutdown. this is used to fail readiness checks
	// during shutdown to drain connections from load balancer before killing the process.
	var shutdownGate health.ShutdownGate

	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

	// Configure ops http server for metrics, health checks, pprof, etc
	opsOpts := opsCfg.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic

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

	// setup main api chi router and middleware stack
	r := chi.NewRouter()

	// Compress text responses (we are JSON only for now)
	r.Use(middleware.Compress(5, "application/json"))

	// Annotate logger (and tracer if trace is recording) with http.route from chi route pattern
	r.Use(httpmw.AnnotateHTTPRoute)

	// Stash HTTP method in context for DB query metrics labelling.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(postgres.WithHTTPMethod(req.Context(), req.Method)))
		})
	})

	// Access log middleware
	r.Use(httpmw.AccessLog())

	// Limit request body size, this is a wrapper around http.MaxBytesHandler which returns 413 if limit is exceeded
	r.Use(httpmw.MaxBody(1024 * 1024)) // stack traces and related logs can run large

	// add health check endpoints to main listener
	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Get("/-/ready", health.ReadyzHandler(readiness))

	// register api routes
	var ingestAuth, interactionAuth func(http.Handler) http.Handler
	if appCfg.IngestToken != "" {
		ingestAuth = authmw.BearerToken(appCfg.IngestToken)
	}
	if appCfg.DiscordPublicKey != "" {
		interactionAuth = authmw.InteractionSignature(appCfg.DiscordPublicKey)
	}

	var deployer ingest.Deployer
	if deploySvc != nil {
		deployer = deploySvc
	}
	var tailMgr ingest.TailManager
	if tails != nil {
		tailMgr = tails
	}
	api := ingest.New(L, alertStore, dispatcher, deployer, tailMgr, dispatchMetrics)
	api.RegisterRoutes(r, ingestAuth, interactionAuth)

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
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready" && r.URL.Path != "/health"
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
	h = httpmw.RequestID("X-Request-Id")(h)

	// Recovery middleware to recover and log panics and serve 500 response.
	// Outer to catch panics from any downstream middleware or handlers
	h = httpmw.Recover(L, nil)(h)

	// Security headers outermost to ensure they are served on every response
	h = httpmw.SecurityHeaders(h)

	// Configure http server options from config
	apiOpts, err := httpCfg.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		return err
	}

	apiHTTPStop, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		return err
	}
	defer func() {
		err := apiHTTPStop(context.Background())
		if err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
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

	// Shutdown components with per-component budget sliced from total.
	// stopProf is synchronous and needs no context, so it's excluded.
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
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
