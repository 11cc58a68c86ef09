package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/INLOpen/relayhub/auth"
	"github.com/INLOpen/relayhub/config"
	"github.com/INLOpen/relayhub/core"
	"github.com/INLOpen/relayhub/hooks"
	"github.com/INLOpen/relayhub/hooks/listeners"
	"github.com/INLOpen/relayhub/pubsub"
	"github.com/INLOpen/relayhub/sink"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

// Dependencies are the collaborators the application server does not build itself.
type Dependencies struct {
	// Sink receives every accepted reading. Nil discards readings.
	Sink core.Sink
	// Verifier backs /verify-access and, when required, /ws.
	Verifier AccessVerifier
	// Metrics is both registerer and gatherer for /metrics. Nil disables metrics.
	Metrics *prometheus.Registry
	Logger  *slog.Logger
}

// AppServer manages all network-facing servers (ingest, subscription, health, debug).
type AppServer struct {
	ingestLis       net.Listener
	subscriptionLis net.Listener
	healthLis       net.Listener
	debugLis        net.Listener

	ingestServer       *IngestServer
	subscriptionServer *SubscriptionServer
	healthServer       *HealthServer
	metricsServer      *MetricsServer
	systemCollector    *SystemCollector

	pool     *WorkerPool
	registry *pubsub.Registry
	hooks    hooks.HookManager
	stats    *listeners.SensorStatsListener
	sink     core.Sink
	cfg      *config.Config
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// NewAppServer binds every configured listener and wires the relay together.
// Listeners are bound here so that callers can learn the real addresses before Start.
func NewAppServer(cfg *config.Config, deps Dependencies) (*AppServer, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	out := deps.Sink
	if out == nil {
		out = sink.Nop{}
	}
	if deps.Verifier == nil {
		return nil, fmt.Errorf("access verifier is required")
	}

	var reg prometheus.Registerer
	if deps.Metrics != nil {
		reg = deps.Metrics
	}
	metrics := newServerMetrics(reg)

	hm := hooks.NewHookManager(logger)
	stats := listeners.NewSensorStatsListener(logger)
	hm.Register(hooks.EventPostIngestReading, stats)
	hm.Register(hooks.EventPostIngestReading, listeners.NewSensorCardinalityListener(logger))
	if cfg.Alerts.Enabled {
		hm.Register(hooks.EventPreIngestReading, listeners.NewOutlierDetectionListener(logger, []listeners.OutlierRule{
			{FieldName: core.FieldTemperature, Thresholds: listeners.Thresholds{Min: cfg.Alerts.Temperature.Min, Max: cfg.Alerts.Temperature.Max}},
			{FieldName: core.FieldHumidity, Thresholds: listeners.Thresholds{Min: cfg.Alerts.Humidity.Min, Max: cfg.Alerts.Humidity.Max}},
		}))
	}

	registry := pubsub.NewRegistry(logger, reg)
	pool := NewWorkerPool(cfg.Sink.Workers, cfg.Sink.QueueSize, out,
		config.ParseDuration(cfg.Sink.WriteTimeout, 5*time.Second, logger), metrics, logger)

	appSrv := &AppServer{
		pool:     pool,
		registry: registry,
		hooks:    hm,
		stats:    stats,
		sink:     out,
		cfg:      cfg,
		logger:   logger.With("component", "AppServer"),
	}

	// 1. Ingest listener.
	ingestLis, err := net.Listen("tcp", cfg.Ingest.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on ingest address %s: %w", cfg.Ingest.ListenAddress, err)
	}
	appSrv.ingestLis = ingestLis
	appSrv.ingestServer = NewIngestServer(pool, registry, hm, IngestOptions{
		MaxLineBytes: cfg.Ingest.MaxLineBytes,
		ReadTimeout:  config.ParseDuration(cfg.Ingest.ReadTimeout, 0, nil),
	}, metrics, logger)

	// 2. Subscription listener.
	subscriptionLis, err := net.Listen("tcp", cfg.Subscription.ListenAddress)
	if err != nil {
		appSrv.closeListeners()
		return nil, fmt.Errorf("failed to listen on subscription address %s: %w", cfg.Subscription.ListenAddress, err)
	}
	appSrv.subscriptionLis = subscriptionLis
	appSrv.subscriptionServer = NewSubscriptionServer(deps.Verifier, registry, hm, SubscriptionOptions{
		OutboundQueueSize: cfg.Subscription.OutboundQueueSize,
		WriteTimeout:      config.ParseDuration(cfg.Subscription.WriteTimeout, 10*time.Second, logger),
		PingInterval:      config.ParseDuration(cfg.Subscription.PingInterval, 30*time.Second, logger),
		PongWait:          config.ParseDuration(cfg.Subscription.PongWait, 60*time.Second, logger),
		RequireToken:      cfg.Subscription.RequireToken,
		AllowedOrigins:    cfg.Subscription.AllowedOrigins,
		VerifyRateLimit:   cfg.Subscription.VerifyRateLimit,
		VerifyBurst:       cfg.Subscription.VerifyBurst,
		Stats:             stats,
	}, metrics, logger)

	// 3. gRPC health service if the port is configured.
	if cfg.Health.GRPCPort > 0 {
		healthAddr := fmt.Sprintf(":%d", cfg.Health.GRPCPort)
		healthLis, err := net.Listen("tcp", healthAddr)
		if err != nil {
			appSrv.closeListeners()
			return nil, fmt.Errorf("failed to listen on health port %s: %w", healthAddr, err)
		}
		logger.Info("gRPC health server will listen on", "address", healthLis.Addr().String())
		appSrv.healthLis = healthLis
		appSrv.healthServer = NewHealthServer(logger)
	} else {
		logger.Info("gRPC health server is disabled (port is 0 or not configured).")
	}

	// 4. Debug listener.
	if cfg.Debug.Enabled {
		var authMiddleware func(http.Handler) http.Handler
		if cfg.Debug.BasicAuthFile != "" {
			authenticator, err := auth.NewAuthenticator(cfg.Debug.BasicAuthFile, logger)
			if err != nil {
				appSrv.closeListeners()
				return nil, fmt.Errorf("failed to initialize authenticator: %w", err)
			}
			authMiddleware = authenticator.Middleware
		}
		debugLis, err := net.Listen("tcp", cfg.Debug.ListenAddress)
		if err != nil {
			appSrv.closeListeners()
			return nil, fmt.Errorf("failed to listen on debug address %s: %w", cfg.Debug.ListenAddress, err)
		}
		appSrv.debugLis = debugLis
		var gatherer prometheus.Gatherer
		if deps.Metrics != nil {
			gatherer = deps.Metrics
		}
		appSrv.metricsServer = NewMetricsServer(&cfg.Debug, gatherer, authMiddleware, logger)
	}

	if cfg.SelfMonitoring.Enabled && reg != nil {
		appSrv.systemCollector = NewSystemCollector("/",
			config.ParseDuration(cfg.SelfMonitoring.Interval, 15*time.Second, logger), reg, logger)
	}

	return appSrv, nil
}

func (s *AppServer) closeListeners() {
	for _, lis := range []net.Listener{s.ingestLis, s.subscriptionLis, s.healthLis, s.debugLis} {
		if lis != nil {
			lis.Close()
		}
	}
}

// serve runs start in the group and calls stop once appCtx is cancelled.
func serve(g *errgroup.Group, appCtx context.Context, logger *slog.Logger, name string, start func() error, stop func()) {
	g.Go(func() error {
		go func() {
			<-appCtx.Done()
			logger.Info("Context cancelled, stopping " + name + "...")
			stop()
		}()
		logger.Info("Starting " + name + "...")
		return start()
	})
}

// Start runs all configured servers in parallel. It blocks until all servers stop,
// then drains the sink pool and releases every resource.
func (s *AppServer) Start() error {
	// Create a new context for the errgroup that can be cancelled by Stop().
	g, ctx := errgroup.WithContext(context.Background())
	var appCtx context.Context
	appCtx, s.cancel = context.WithCancel(ctx)

	s.pool.Start()
	if s.systemCollector != nil {
		s.systemCollector.Start()
	}

	serve(g, appCtx, s.logger, "ingest server",
		func() error { return s.ingestServer.Start(s.ingestLis) }, s.ingestServer.Stop)
	serve(g, appCtx, s.logger, "subscription server",
		func() error { return s.subscriptionServer.Start(s.subscriptionLis) }, s.subscriptionServer.Stop)
	if s.healthServer != nil {
		serve(g, appCtx, s.logger, "gRPC health server",
			func() error { return s.healthServer.Start(s.healthLis) }, s.healthServer.Stop)
	}
	if s.metricsServer != nil {
		serve(g, appCtx, s.logger, "metrics server",
			func() error { return s.metricsServer.Start(s.debugLis) }, s.metricsServer.Stop)
	}

	s.logger.Info("Application server started. Waiting for servers to exit.")
	// Wait for all servers to stop. g.Wait() returns the first non-nil error.
	err := g.Wait()
	s.shutdown()

	// Differentiate between a graceful shutdown and an actual error.
	if err != nil && !errors.Is(err, grpc.ErrServerStopped) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("A server has failed, initiating shutdown.", "error", err)
		return fmt.Errorf("server group failed: %w", err)
	}
	s.logger.Info("All servers have stopped gracefully.")
	return nil
}

// shutdown releases everything behind the listeners once they have all returned.
func (s *AppServer) shutdown() {
	// The pool is stopped after the listeners so in-flight readings still reach the sink.
	s.logger.Info("Stopping worker pool...")
	s.pool.Stop()
	s.hooks.Stop()
	if err := s.sink.Close(); err != nil {
		s.logger.Error("Failed to close sink", "error", err)
	}
	s.registry.Close()
	if s.systemCollector != nil {
		s.systemCollector.Stop()
	}
}

// Stop gracefully shuts down all servers.
func (s *AppServer) Stop() {
	// Trigger the cancellation of the context created in Start().
	// This will cause the goroutines in the errgroup to stop.
	if s.cancel != nil {
		s.cancel()
	}
}

// IngestAddr returns the bound ingest address.
func (s *AppServer) IngestAddr() net.Addr { return s.ingestLis.Addr() }

// SubscriptionAddr returns the bound HTTP/WebSocket address.
func (s *AppServer) SubscriptionAddr() net.Addr { return s.subscriptionLis.Addr() }

// HealthAddr returns the bound gRPC health address, or nil when disabled.
func (s *AppServer) HealthAddr() net.Addr {
	if s.healthLis == nil {
		return nil
	}
	return s.healthLis.Addr()
}

// DebugAddr returns the bound debug address, or nil when disabled.
func (s *AppServer) DebugAddr() net.Addr {
	if s.debugLis == nil {
		return nil
	}
	return s.debugLis.Addr()
}

// Registry returns the subscriber registry. This is useful for tests.
func (s *AppServer) Registry() *pubsub.Registry {
	return s.registry
}
