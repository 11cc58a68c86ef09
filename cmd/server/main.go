package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/relayhub/config"
	"github.com/INLOpen/relayhub/core"
	"github.com/INLOpen/relayhub/gate"
	"github.com/INLOpen/relayhub/ledger"
	"github.com/INLOpen/relayhub/server"
	"github.com/INLOpen/relayhub/sink"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates and configures an OpenTelemetry TracerProvider.
// It sets up an exporter based on the configuration to send traces to a collector.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error

	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("relayhub")))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return cleanup, nil
}

// buildSinks connects every enabled sink backend. On failure the sinks opened
// so far are closed.
func buildSinks(ctx context.Context, cfg config.SinkConfig, logger *slog.Logger) (core.Sink, error) {
	var sinks []core.Sink
	fail := func(err error) (core.Sink, error) {
		for _, s := range sinks {
			s.Close()
		}
		return nil, err
	}

	if cfg.Influx.Enabled {
		s, err := sink.NewInfluxSink(sink.InfluxConfig{
			URL:         cfg.Influx.URL,
			Org:         cfg.Influx.Org,
			Token:       cfg.Influx.Token,
			Bucket:      cfg.Influx.Bucket,
			Measurement: cfg.Influx.Measurement,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("influx sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if cfg.Postgres.Enabled {
		s, err := sink.NewPostgresSink(ctx, sink.PostgresConfig{
			DSN:         cfg.Postgres.DSN,
			Table:       cfg.Postgres.Table,
			CreateTable: cfg.Postgres.CreateTable,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("postgres sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if cfg.AMQP.Enabled {
		s, err := sink.NewAMQPSink(sink.AMQPConfig{
			URL:              cfg.AMQP.URL,
			Exchange:         cfg.AMQP.Exchange,
			RoutingKeyPrefix: cfg.AMQP.RoutingKeyPrefix,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("amqp sink: %w", err))
		}
		sinks = append(sinks, s)
	}
	if cfg.NATS.Enabled {
		s, err := sink.NewNATSSink(sink.NATSConfig{
			URL:           cfg.NATS.URL,
			SubjectPrefix: cfg.NATS.SubjectPrefix,
		}, logger)
		if err != nil {
			return fail(fmt.Errorf("nats sink: %w", err))
		}
		sinks = append(sinks, s)
	}

	if len(sinks) == 0 {
		logger.Warn("No sink is enabled; readings are relayed but not persisted.")
	}
	return sink.Combine(sinks...), nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	defer tracerCleanup()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	contract, err := gate.ResolveContractAddress(cfg.Ledger.ContractAddress, cfg.Ledger.ContractFile)
	if err != nil {
		return fmt.Errorf("failed to resolve contract address: %w", err)
	}
	requestTimeout := config.ParseDuration(cfg.Ledger.RequestTimeout, 5*time.Second, logger)
	oracle, err := ledger.Dial(ctx, cfg.Ledger.RPCURL, ledger.Options{
		Confirmations: cfg.Ledger.Confirmations,
		RetryAttempts: cfg.Ledger.RetryAttempts,
		RetryInterval: config.ParseDuration(cfg.Ledger.RetryInterval, 200*time.Millisecond, logger),
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to ledger: %w", err)
	}
	defer oracle.Close()
	logger.Info("Access gate configured", "rpc_url", cfg.Ledger.RPCURL, "contract", contract.Hex())

	accessGate := gate.New(oracle, contract, gate.Options{
		Timeout:    requestTimeout,
		Logger:     logger,
		Registerer: reg,
	})

	out, err := buildSinks(ctx, cfg.Sink, logger)
	if err != nil {
		return err
	}

	appServer, err := server.NewAppServer(cfg, server.Dependencies{
		Sink:     out,
		Verifier: accessGate,
		Metrics:  reg,
		Logger:   logger,
	})
	if err != nil {
		out.Close()
		return fmt.Errorf("failed to create application server: %w", err)
	}
	logger.Info("Relay hub running. Press Ctrl+C to exit.",
		"ingest", appServer.IngestAddr().String(),
		"subscription", appServer.SubscriptionAddr().String())

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- appServer.Start()
	}()

	select {
	case err := <-serverErrChan:
		if err != nil {
			return fmt.Errorf("server exited with an error: %w", err)
		}
	case <-quit:
		logger.Info("Shutdown signal received. Stopping server...")
		appServer.Stop()
		if err := <-serverErrChan; err != nil {
			return err
		}
	}
	logger.Info("Application exited gracefully.")
	return nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	envPath := flag.String("env", ".env", "Optional dotenv file whose variables override the configuration")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Error("Failed to load env file", "path", *envPath, "error", err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		// Use a temporary logger for pre-config errors
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	config.ApplyEnv(cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("Relay hub stopped", "error", err)
		if logCloser != nil {
			logCloser.Close()
		}
		os.Exit(1)
	}
}
