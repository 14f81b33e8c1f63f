// Relay is a durable task fabric for incident response: alerts fan out to
// specialist agents over JetStream and come back as a root cause, a
// notification and a postmortem.
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
	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/joho/godotenv"
	"github.com/linnemanlabs/go-core/cfg"
	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/relay/internal/aggregate"
	"github.com/linnemanlabs/relay/internal/agents"
	"github.com/linnemanlabs/relay/internal/alertapi"
	"github.com/linnemanlabs/relay/internal/alertcache"
	"github.com/linnemanlabs/relay/internal/analysis"
	"github.com/linnemanlabs/relay/internal/authmw"
	"github.com/linnemanlabs/relay/internal/bus"
	"github.com/linnemanlabs/relay/internal/bus/jsbus"
	"github.com/linnemanlabs/relay/internal/bus/membus"
	rc "github.com/linnemanlabs/relay/internal/cfg"
	"github.com/linnemanlabs/relay/internal/incident"
	"github.com/linnemanlabs/relay/internal/incident/memstore"
	"github.com/linnemanlabs/relay/internal/incident/pgstore"
	"github.com/linnemanlabs/relay/internal/llm/claude"
	"github.com/linnemanlabs/relay/internal/notify/slack"
	"github.com/linnemanlabs/relay/internal/postgres"
	"github.com/linnemanlabs/relay/internal/router"
	"github.com/linnemanlabs/relay/internal/status"
	"github.com/linnemanlabs/relay/internal/streams"
	"github.com/linnemanlabs/relay/internal/tools"
)

const appName = "relay"
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

	v.AppName = appName
	v.Component = component
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

	appCfg.RegisterFlags(flag.CommandLine)
	httpCfg.RegisterFlags(flag.CommandLine)
	httpmwCfg.RegisterFlags(flag.CommandLine)
	logCfg.RegisterFlags(flag.CommandLine)
	opsCfg.RegisterFlags(flag.CommandLine)
	profCfg.RegisterFlags(flag.CommandLine)
	traceCfg.RegisterFlags(flag.CommandLine)
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")

	// cmdline flags win over env vars, which are filled next
	flag.Parse()
	if showVersion {
		fmt.Printf(
			"%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}

	// optional .env file for local runs; real env vars keep precedence
	if err := loadEnvFile(os.Getenv("RELAY_ENV_FILE")); err != nil {
		return err
	}

	cfg.FillFromEnv(flag.CommandLine, "RELAY_", func(format string, args ...any) {
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

	lg, err := log.New(logCfg.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()

	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", opsCfg.Port,
		"agents", appCfg.AgentList(),
		"bus", busKind(appCfg.NATSURL),
		"enable_pyroscope", profCfg.EnablePyroscope,
		"enable_tracing", traceCfg.EnableTracing,
		"otlp_endpoint", traceCfg.OTLPEndpoint,
		"trusted_proxy_hops", httpmwCfg.TrustedProxyHops,
	)

	// profiling first so we get profiles from the entire app lifetime
	profOpts := profCfg.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", profCfg.PyroServer)
	}
	if stopProf == nil {
		stopProf = func() {}
	}
	defer stopProf()

	traceOpts := traceCfg.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtelx, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	if shutdownOtelx == nil {
		shutdownOtelx = func(context.Context) error { return nil }
	}
	defer func() { _ = shutdownOtelx(context.Background()) }()

	// link spans to profiles so a slow handler span opens its flame graph
	if profErr == nil && profCfg.EnablePyroscope {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && profCfg.EnablePyroscope)

	reg := streams.Default()
	if appCfg.StreamsFile != "" {
		reg, err = streams.LoadFile(appCfg.StreamsFile, reg)
		if err != nil {
			return fmt.Errorf("streams file: %w", err)
		}
		L.Info(ctx, "loaded stream overrides", "path", appCfg.StreamsFile)
	}
	// fail fast on orphan or doubly owned subjects
	if err := reg.Check(); err != nil {
		return fmt.Errorf("stream table: %w", err)
	}

	var dialer bus.Dialer
	if appCfg.NATSURL != "" {
		dialer = jsbus.Dialer{URL: appCfg.NATSURL, Opts: jsbus.Options{
			Name:   fmt.Sprintf("%s-%s", appName, vi.Version),
			Logger: L,
		}}
	} else {
		dialer = membus.NewServer()
		L.Warn(ctx, "using in-process bus (no nats-url configured); messages do not survive restarts")
	}

	var incidents incident.Store
	if appCfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, appCfg.DatabaseURL, postgres.Options{
			SlowQuery: 250 * time.Millisecond,
			Observer:  postgres.NewMetrics(m.Registry()),
			Logger:    L,
		})
		if err != nil {
			return fmt.Errorf("postgres pool: %w", err)
		}
		defer pool.Close()
		pg, err := pgstore.New(ctx, pool)
		if err != nil {
			return fmt.Errorf("pgstore init: %w", err)
		}
		incidents = pg
		L.Info(ctx, "using postgres incident store")
	} else {
		incidents = memstore.New()
		L.Info(ctx, "using in-memory incident store (no database-url configured)")
	}

	var cache alertcache.Cache
	if appCfg.RedisURL != "" {
		rd, err := alertcache.NewRedis(ctx, appCfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis alert cache: %w", err)
		}
		defer func() { _ = rd.Close() }()
		cache = rd
		L.Info(ctx, "using redis alert cache")
	} else {
		cache = alertcache.NewMemory()
	}

	analyzer := newAnalyzer(ctx, L, &appCfg, cache, m.Registry())

	runner, err := agents.NewRunner(agents.RunnerConfig{
		Dialer: dialer,
		Deps: agents.Deps{
			Registry:          reg,
			Analyzer:          analyzer,
			Cache:             cache,
			Incidents:         incidents,
			Notifier:          slack.New(appCfg.SlackWebhookURL, L),
			Logger:            L,
			Metrics:           agents.NewMetrics(m.Registry()),
			AggregatorMetrics: aggregate.NewMetrics(m.Registry()),
			AggregateTimeout:  time.Duration(appCfg.AggregateTimeoutSeconds) * time.Second,
		},
		Agents:         appCfg.AgentList(),
		Version:        vi.Version,
		StatusInterval: time.Duration(appCfg.StatusIntervalSeconds) * time.Second,
		Sampler:        status.NewProcSampler(),
		RouterMetrics:  router.NewMetrics(m.Registry()),
		StatusMetrics:  status.NewMetrics(m.Registry()),
	})
	if err != nil {
		return fmt.Errorf("agents: %w", err)
	}

	// the board's session also carries alerts published by the API
	edge := bus.NewSession(dialer)
	board := alertapi.NewBoard(edge, reg, 0, L)

	// agents outlive the root context so the API drain can still publish
	agentsCtx, stopAgents := context.WithCancel(context.WithoutCancel(ctx))
	defer stopAgents()
	g, gctx := errgroup.WithContext(agentsCtx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return board.Run(gctx) })
	var agentsErr error
	agentsDone := make(chan struct{})
	go func() {
		agentsErr = g.Wait()
		close(agentsDone)
	}()
	stopAgentsFn := func(ctx context.Context) error {
		stopAgents()
		select {
		case <-agentsDone:
			return agentsErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var shutdownGate health.ShutdownGate
	readiness := health.All(
		shutdownGate.Probe(),
	)
	liveness := health.Fixed(true, "")

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
		if err := opsHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop ops http listener")
		}
	}()

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	// webhook batches from alertmanager can be large
	r.Use(httpmw.MaxBody(1 << 20))

	r.Get("/-/healthy", health.HealthzHandler(liveness))
	r.Method(http.MethodGet, "/-/ready", busReady(http.HandlerFunc(health.ReadyzHandler(readiness)), runner, board))

	api := alertapi.New(L, edge, reg, incidents, board)
	if appCfg.APIToken != "" {
		r.Group(func(r chi.Router) {
			r.Use(authmw.BearerToken(appCfg.APIToken))
			api.RegisterRoutes(r)
		})
	} else {
		L.Warn(ctx, "api token not configured, api is unauthenticated")
		api.RegisterRoutes(r)
	}

	// outermost wrapper sees the raw request first and the response last
	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/-/healthy" && r.URL.Path != "/-/ready"
		}),
		// AnnotateHTTPRoute renames the span to the route pattern
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	h = m.Middleware(h)
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{
		TrustedHops: httpmwCfg.TrustedProxyHops,
	})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	h = httpmw.SecurityHeaders(h)

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
		if err := apiHTTPStop(context.Background()); err != nil {
			L.Error(ctx, err, "failed to stop api http listener")
		}
	}()

	if err := notifySystemd(); err != nil {
		// worst case systemd kills the process after its timeout
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	// Wait for ctrl+c / sigterm, or an agent failure
	var runErr error
	select {
	case <-ctx.Done():
		L.Info(context.Background(), "shutdown signal received")
	case <-agentsDone:
		runErr = agentsErr
		L.Error(context.Background(), runErr, "agents stopped, shutting down")
	}

	shutdownGate.Set("draining")
	L.Info(context.Background(), "shutdown gate closed")

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

	// per-component budget sliced from the total; stopProf needs no context
	type stopFn struct {
		name string
		fn   func(context.Context) error
	}
	stopFns := []stopFn{
		{"api http server", apiHTTPStop},
		{"agents", stopAgentsFn},
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
	return runErr
}

// newAnalyzer returns the LLM engine when a Claude key is configured and the
// rule analyzer otherwise.
func newAnalyzer(ctx context.Context, L log.Logger, c *rc.Config, cache alertcache.Cache, reg prometheus.Registerer) analysis.Analyzer {
	if c.ClaudeAPIKey == "" {
		L.Warn(ctx, "claude api key not configured, using rule based analysis")
		return analysis.Rules{}
	}

	registry := tools.NewRegistry(tools.NewAlertData(cache))
	if c.PrometheusEndpoint != "" {
		ep := tools.Endpoint{URL: c.PrometheusEndpoint, Tenant: c.PrometheusTenantID}
		registry.Register(tools.NewMetricsQuery(ep))
		registry.Register(tools.NewMetricsRangeQuery(ep))
	}
	if c.LokiEndpoint != "" {
		registry.Register(tools.NewLogsQuery(tools.Endpoint{URL: c.LokiEndpoint, Tenant: c.LokiTenantID}))
	}
	L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", c.ClaudeModel, "tools", registry.Names())

	hooks := analysis.NewMetrics(reg).Hooks()
	return analysis.NewEngine(claude.New(c.ClaudeAPIKey, c.ClaudeModel), registry, L, hooks)
}

// connectivity is what readiness needs from a bus user.
type connectivity interface {
	Connected() bool
}

// busReady fails readiness while any bus user is disconnected, then defers
// to the health handler.
func busReady(next http.Handler, users ...connectivity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, u := range users {
			if !u.Connected() {
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("bus disconnected\n"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	// Load never overrides variables already set in the environment
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func busKind(natsURL string) string {
	if natsURL == "" {
		return "memory"
	}
	return "jetstream"
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd, unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify failed: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify failed: write failed: %w", err)
	}
	return nil
}
