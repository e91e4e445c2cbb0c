package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/giamma80/gymbro-platform-sub003/internal/httpclient"
	rmiddleware "github.com/giamma80/gymbro-platform-sub003/internal/middleware"
	"github.com/giamma80/gymbro-platform-sub003/internal/recoveryhandler"
	"github.com/giamma80/gymbro-platform-sub003/internal/requestlogger"
	"github.com/giamma80/gymbro-platform-sub003/pkg/config"
	"github.com/giamma80/gymbro-platform-sub003/pkg/controlplane/schemapoller"
	"github.com/giamma80/gymbro-platform-sub003/pkg/cors"
	"github.com/giamma80/gymbro-platform-sub003/pkg/health"
	"github.com/giamma80/gymbro-platform-sub003/pkg/introspection"
	"github.com/giamma80/gymbro-platform-sub003/pkg/metric"
	"github.com/giamma80/gymbro-platform-sub003/pkg/planner"
	"github.com/giamma80/gymbro-platform-sub003/pkg/registry"
	"github.com/giamma80/gymbro-platform-sub003/pkg/resolve"
)

type (
	// Router is the main application instance.
	Router struct {
		Config

		registry         *registry.Registry
		poller           *schemapoller.Poller
		healthChecks     *health.Checks
		server           *httpServer
		prometheusServer *http.Server
		metricStore      metric.Store

		mu       sync.Mutex
		addr     net.Addr
		shutdown atomic.Bool
	}

	// Config defines the configuration options for the Router.
	Config struct {
		logger             *zap.Logger
		accessLogger       *zap.Logger
		listenAddr         string
		graphqlPath        string
		healthCheckPath    string
		readinessCheckPath string
		livenessCheckPath  string
		gracePeriod        time.Duration
		pollInterval       time.Duration
		pollJitter         time.Duration
		subgraphs          []config.Subgraph
		trafficShaping     config.TrafficShapingRules
		composition        config.CompositionConfig
		health             config.HealthConfig
		corsOptions        *cors.Config
		prometheusConfig   *config.Prometheus
		prometheusRegistry *prometheus.Registry
		transport          http.RoundTripper
	}

	// Option defines the method to customize Router.
	Option func(r *Router)
)

// NewRouter creates a new Router instance. Router.Start() must be called to
// start serving.
func NewRouter(opts ...Option) (*Router, error) {
	r := &Router{}
	r.graphqlPath = "/graphql"
	r.pollInterval = 10 * time.Second
	r.pollJitter = time.Second
	r.trafficShaping = config.TrafficShapingRules{
		RequestTimeout:     10 * time.Second,
		SchemaFetchTimeout: 5 * time.Second,
		SchemaFetchRetries: 2,
		MaxRequestBodySize: 5_000_000,
	}
	r.composition = config.CompositionConfig{
		FailureThreshold:     3,
		ExitOnInitialFailure: true,
	}

	for _, opt := range opts {
		opt(r)
	}

	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.accessLogger == nil {
		r.accessLogger = r.logger
	}
	if r.corsOptions == nil {
		defaults := cors.DefaultConfig()
		r.corsOptions = &defaults
	}
	if r.healthCheckPath == "" {
		r.healthCheckPath = "/health"
	}
	if r.readinessCheckPath == "" {
		r.readinessCheckPath = "/health/ready"
	}
	if r.livenessCheckPath == "" {
		r.livenessCheckPath = "/health/live"
	}
	if r.transport == nil {
		r.transport = httpclient.NewTransport()
	}

	subgraphs := make([]registry.Subgraph, 0, len(r.subgraphs))
	for _, sg := range r.subgraphs {
		subgraphs = append(subgraphs, registry.Subgraph{
			Name:       sg.Name,
			RoutingURL: sg.RoutingURL,
			HealthURL:  sg.HealthURL,
			Timeout:    sg.Timeout,
		})
	}
	reg, err := registry.New(subgraphs)
	if err != nil {
		return nil, fmt.Errorf("invalid subgraph registry: %w", err)
	}
	r.registry = reg

	if err := r.buildMetrics(); err != nil {
		return nil, err
	}

	fetcher := introspection.NewFetcher(
		introspection.WithLogger(r.logger),
		introspection.WithTimeout(r.trafficShaping.SchemaFetchTimeout),
		introspection.WithMetrics(r.metricStore),
		introspection.WithHTTPClient(httpclient.NewRetryableHTTPClient(r.logger, r.trafficShaping.SchemaFetchRetries, r.transport)),
	)

	r.poller = schemapoller.New(reg, fetcher,
		schemapoller.WithLogger(r.logger),
		schemapoller.WithPollInterval(r.pollInterval, r.pollJitter),
		schemapoller.WithFailureThreshold(r.composition.FailureThreshold),
		schemapoller.WithMetrics(r.metricStore),
	)

	r.healthChecks = health.New(&health.Options{
		Logger:        r.logger,
		Registry:      reg,
		Supergraphs:   r.poller,
		HTTPClient:    &http.Client{Transport: r.transport},
		Metrics:       r.metricStore,
		ProbeTimeout:  r.health.ProbeTimeout,
		ProbeInterval: r.health.ProbeInterval,
	})

	timeouts := map[string]time.Duration{}
	for _, d := range reg.Subgraphs() {
		if d.Timeout > 0 {
			timeouts[d.Name] = d.Timeout
		}
	}
	executor := resolve.New(
		resolve.WithLogger(r.logger),
		resolve.WithMetrics(r.metricStore),
		resolve.WithHTTPClient(&http.Client{
			Transport: httpclient.NewTimeoutTransport(r.transport, r.trafficShaping.RequestTimeout, timeouts),
		}),
	)

	graphqlHandler := NewGraphQLHandler(HandlerOptions{
		Log:         r.logger,
		Planner:     planner.New(),
		Executor:    executor,
		Supergraphs: r.poller,
		Metrics:     r.metricStore,
	})

	mux, err := r.buildMux(graphqlHandler)
	if err != nil {
		return nil, err
	}

	r.server = newHttpServer(&httpServerOptions{
		addr:    r.listenAddr,
		logger:  r.logger,
		handler: mux,
	})

	return r, nil
}

func (r *Router) buildMetrics() error {
	r.metricStore = metric.NoopMetrics{}

	if r.prometheusConfig == nil || !r.prometheusConfig.Enabled {
		return nil
	}

	if r.prometheusRegistry == nil {
		r.prometheusRegistry = prometheus.NewRegistry()
	}
	store, err := metric.NewPromMetricStore(r.prometheusRegistry)
	if err != nil {
		return fmt.Errorf("failed to create prometheus metric store: %w", err)
	}
	r.metricStore = store

	if r.prometheusConfig.ListenAddr != "" {
		r.prometheusServer = metric.NewPrometheusServer(r.logger, r.prometheusConfig.ListenAddr, r.prometheusConfig.Path, r.prometheusRegistry)
	}

	return nil
}

func (r *Router) buildMux(graphqlHandler http.Handler) (*chi.Mux, error) {
	httpRouter := chi.NewRouter()
	httpRouter.Use(recoveryhandler.New(recoveryhandler.WithLogger(r.logger)))
	httpRouter.Use(middleware.RequestID)
	httpRouter.Use(middleware.RealIP)
	httpRouter.Use(requestlogger.New(
		r.accessLogger,
		requestlogger.WithDefaultOptions(),
		requestlogger.WithNoTimeField(),
		requestlogger.WithSkipPaths(r.healthCheckPath, r.livenessCheckPath, r.readinessCheckPath),
	))

	if r.corsOptions.Enabled {
		corsMiddleware, err := cors.New(*r.corsOptions)
		if err != nil {
			return nil, err
		}
		httpRouter.Use(corsMiddleware)
	}

	httpRouter.Get(r.healthCheckPath, r.healthChecks.Connectivity())
	httpRouter.Get(r.livenessCheckPath, r.healthChecks.Liveness())
	httpRouter.Get(r.readinessCheckPath, r.healthChecks.Readiness())

	httpRouter.Group(func(cr chi.Router) {
		cr.Use(rmiddleware.HandleCompression(r.logger))
		cr.Use(rmiddleware.RequestSize(r.trafficShaping.MaxRequestBodySize.Int64()))
		cr.Get(r.graphqlPath, graphqlHandler.ServeHTTP)
		cr.Post(r.graphqlPath, graphqlHandler.ServeHTTP)
	})

	return httpRouter, nil
}

// Start starts the listener, performs the initial composition and starts the
// background loops. It returns once the gateway serves traffic. Liveness and
// connectivity are answered while the initial composition is still running.
func (r *Router) Start(ctx context.Context) error {
	if r.shutdown.Load() {
		return errors.New("router is closed. Create a new instance with core.NewRouter()")
	}

	addr, err := r.server.listen()
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", r.listenAddr, err)
	}
	r.mu.Lock()
	r.addr = addr
	r.mu.Unlock()

	go func() {
		if err := r.server.serve(); err != nil {
			r.logger.Error("Server stopped unexpectedly", zap.Error(err))
		}
	}()

	r.logger.Info("Server listening",
		zap.String("listen_addr", addr.String()),
		zap.String("graphql_path", r.graphqlPath),
		zap.Int("subgraphs", r.registry.Len()),
	)

	if r.prometheusServer != nil {
		go func() {
			if err := r.prometheusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				r.logger.Error("Failed to start Prometheus server", zap.Error(err))
			}
		}()
	}

	r.healthChecks.Start(ctx)

	sg, err := r.poller.Bootstrap(ctx)
	if err != nil {
		if r.composition.ExitOnInitialFailure {
			return fmt.Errorf("initial composition failed: %w", err)
		}
		r.logger.Error("Initial composition failed, retrying in the background", zap.Error(err))
	} else {
		r.logger.Info("Supergraph composed",
			zap.Time("composed_at", sg.ComposedAt),
			zap.Any("source_versions", sg.SourceVersions),
		)
	}

	r.poller.Subscribe(ctx)
	r.healthChecks.SetReady(true)

	return nil
}

// Addr returns the address the router listens on or nil before Start.
func (r *Router) Addr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addr
}

// Shutdown gracefully shuts down the router. Readiness fails first, then the
// listener stops accepting connections and in-flight requests get until the
// grace period to finish. The background loops and the metrics server stop last.
func (r *Router) Shutdown(ctx context.Context) error {
	if r.shutdown.Swap(true) {
		return nil
	}

	r.logger.Info("Gracefully shutting down the router ...",
		zap.String("grace_period", r.gracePeriod.String()),
	)

	r.healthChecks.SetReady(false)

	if r.gracePeriod > 0 {
		ctxWithTimer, cancel := context.WithTimeout(ctx, r.gracePeriod)
		ctx = ctxWithTimer
		defer cancel()
	}

	var result *multierror.Error

	if err := r.server.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to shutdown server: %w", err))
	}
	if err := r.poller.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to stop schema poller: %w", err))
	}
	if err := r.healthChecks.Stop(); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to stop health probes: %w", err))
	}
	if r.prometheusServer != nil {
		if err := r.prometheusServer.Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("failed to shutdown prometheus server: %w", err))
		}
	}

	return result.ErrorOrNil()
}

func WithListenerAddr(addr string) Option {
	return func(r *Router) {
		r.listenAddr = addr
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

func WithAccessLogger(logger *zap.Logger) Option {
	return func(r *Router) {
		r.accessLogger = logger
	}
}

func WithGraphQLPath(path string) Option {
	return func(r *Router) {
		r.graphqlPath = path
	}
}

func WithHealthCheckPath(path string) Option {
	return func(r *Router) {
		r.healthCheckPath = path
	}
}

func WithReadinessCheckPath(path string) Option {
	return func(r *Router) {
		r.readinessCheckPath = path
	}
}

func WithLivenessCheckPath(path string) Option {
	return func(r *Router) {
		r.livenessCheckPath = path
	}
}

func WithGracePeriod(timeout time.Duration) Option {
	return func(r *Router) {
		r.gracePeriod = timeout
	}
}

func WithPollInterval(interval, maxJitter time.Duration) Option {
	return func(r *Router) {
		r.pollInterval = interval
		r.pollJitter = maxJitter
	}
}

func WithSubgraphs(subgraphs []config.Subgraph) Option {
	return func(r *Router) {
		r.subgraphs = subgraphs
	}
}

func WithTrafficShaping(rules config.TrafficShapingRules) Option {
	return func(r *Router) {
		r.trafficShaping = rules
	}
}

func WithComposition(cfg config.CompositionConfig) Option {
	return func(r *Router) {
		r.composition = cfg
	}
}

func WithHealth(cfg config.HealthConfig) Option {
	return func(r *Router) {
		r.health = cfg
	}
}

func WithCors(corsOpts *cors.Config) Option {
	return func(r *Router) {
		r.corsOptions = corsOpts
	}
}

func WithPrometheus(cfg *config.Prometheus) Option {
	return func(r *Router) {
		r.prometheusConfig = cfg
	}
}

// WithPrometheusRegistry registers the gateway metrics on the given registry
// instead of a new one.
func WithPrometheusRegistry(registry *prometheus.Registry) Option {
	return func(r *Router) {
		r.prometheusRegistry = registry
	}
}

// WithSubgraphTransport sets the transport used for every subgraph call.
func WithSubgraphTransport(transport http.RoundTripper) Option {
	return func(r *Router) {
		r.transport = transport
	}
}

// CorsConfigFromConfig maps the cors section of the config file.
func CorsConfigFromConfig(c config.CORS) *cors.Config {
	return &cors.Config{
		Enabled:          c.Enabled,
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		AllowCredentials: c.AllowCredentials,
		MaxAge:           c.MaxAge,
	}
}
