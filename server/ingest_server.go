package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/INLOpen/relayhub/core"
	"github.com/INLOpen/relayhub/hooks"
	"github.com/INLOpen/relayhub/pubsub"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxLineBytes bounds a single sensor record when no limit is configured.
const DefaultMaxLineBytes = 64 * 1024

// IngestOptions tunes per-connection reading.
type IngestOptions struct {
	MaxLineBytes int
	// ReadTimeout closes connections that stay silent for longer. Zero disables it.
	ReadTimeout time.Duration
}

// IngestServer accepts sensor connections and reads newline-delimited JSON
// readings from each one. Every accepted reading is broadcast to subscribers
// in the order it arrived on its connection, then handed to the sink pool
// without blocking.
type IngestServer struct {
	listener  net.Listener
	pool      *WorkerPool
	registry  *pubsub.Registry
	hooks     hooks.HookManager
	opts      IngestOptions
	logger    *slog.Logger
	tracer    trace.Tracer
	metrics   *serverMetrics
	connWg    sync.WaitGroup
	conns     map[net.Conn]struct{}
	isStarted bool
	stopped   bool
	quit      chan struct{}
	mu        sync.Mutex
}

// NewIngestServer creates a new ingestion server.
func NewIngestServer(pool *WorkerPool, registry *pubsub.Registry, hm hooks.HookManager, opts IngestOptions, metrics *serverMetrics, logger *slog.Logger) *IngestServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if hm == nil {
		hm = hooks.NewHookManager(logger)
	}
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	return &IngestServer{
		pool:     pool,
		registry: registry,
		hooks:    hm,
		opts:     opts,
		logger:   logger.With("component", "IngestServer"),
		tracer:   otel.Tracer("github.com/INLOpen/relayhub/server"),
		metrics:  metrics,
		conns:    make(map[net.Conn]struct{}),
		quit:     make(chan struct{}),
	}
}

// Start begins listening for and handling sensor connections.
// This is a blocking call that runs the server's accept loop.
func (s *IngestServer) Start(lis net.Listener) error {
	s.mu.Lock()
	if s.isStarted {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	if s.stopped {
		s.mu.Unlock()
		lis.Close()
		return nil
	}
	s.listener = lis
	s.isStarted = true
	s.mu.Unlock()
	s.logger.Info("Ingest server listening", "address", lis.Addr().String())

	for {
		conn, err := lis.Accept()
		if err != nil {
			// Stop() closes the listener, so Accept fails during a graceful shutdown too.
			select {
			case <-s.quit:
				s.logger.Info("Server shutting down, stopping accept loop.")
				return nil
			default:
				s.logger.Error("Failed to accept connection", "error", err)
				return fmt.Errorf("failed to accept connection: %w", err)
			}
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		go s.handleConnection(conn)
	}
}

// track registers a live connection. It reports false once shutdown has begun.
func (s *IngestServer) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[conn] = struct{}{}
	s.connWg.Add(1)
	return true
}

func (s *IngestServer) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.connWg.Done()
}

// handleConnection reads records from conn until EOF, a read error or shutdown.
func (s *IngestServer) handleConnection(conn net.Conn) {
	defer s.untrack(conn)
	defer conn.Close()

	remote := conn.RemoteAddr().String()
	s.metrics.connOpened()
	defer s.metrics.connClosed()
	s.logger.Info("Accepted new connection", "remote_addr", remote)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	scanner := bufio.NewScanner(conn)
	// Scanner's limit is the larger of max and the initial capacity.
	scanner.Buffer(make([]byte, 0, min(4096, s.opts.MaxLineBytes)), s.opts.MaxLineBytes)
	for {
		if s.opts.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}
		if !scanner.Scan() {
			break
		}
		s.handleLine(ctx, remote, scanner.Bytes())
	}

	if err := scanner.Err(); err != nil && !core.IsTransportClosed(err) {
		var netErr net.Error
		switch {
		case errors.Is(err, bufio.ErrTooLong):
			s.logger.Warn("Record exceeds maximum line length, closing connection", "remote_addr", remote, "max_line_bytes", s.opts.MaxLineBytes)
		case errors.As(err, &netErr) && netErr.Timeout():
			s.logger.Info("Connection idle past read timeout, closing", "remote_addr", remote)
		default:
			s.logger.Warn("Failed to read from connection", "remote_addr", remote, "error", err)
		}
	}
	s.logger.Info("Connection closed", "remote_addr", remote)
}

// handleLine parses one record and fans it out to subscribers and the sink pool.
func (s *IngestServer) handleLine(ctx context.Context, remote string, line []byte) {
	ctx, span := s.tracer.Start(ctx, "IngestServer.handleLine", trace.WithAttributes(attribute.String("remote_addr", remote)))
	defer span.End()

	reading, err := core.ParseReading(line)
	if errors.Is(err, core.ErrBlankLine) {
		return
	}
	if err != nil {
		s.metrics.line("malformed")
		span.SetStatus(codes.Error, err.Error())
		s.logger.Warn("Skipping malformed reading", "remote_addr", remote, "error", err)
		_ = s.hooks.Trigger(ctx, hooks.NewMalformedReadingEvent(hooks.MalformedReadingPayload{
			Line:       append([]byte(nil), line...),
			RemoteAddr: remote,
			Error:      err,
		}))
		return
	}
	span.SetAttributes(attribute.String("sensor_id", reading.SensorID))

	if err := s.hooks.Trigger(ctx, hooks.NewPreIngestReadingEvent(hooks.ReadingPayload{Reading: reading, RemoteAddr: remote})); err != nil {
		s.metrics.line("rejected")
		s.logger.Warn("Reading rejected by hook", "remote_addr", remote, "sensor_id", reading.SensorID, "error", err)
		return
	}

	// Broadcast first so a stalled sink never delays subscribers.
	result := s.registry.Broadcast(reading)
	if err := s.pool.TrySubmit(ctx, reading); err != nil && !errors.Is(err, ErrPoolFull) {
		s.logger.Warn("Failed to queue reading for sink", "remote_addr", remote, "sensor_id", reading.SensorID, "error", err)
	}
	s.metrics.line("accepted")
	s.logger.Debug("Reading relayed", "sensor_id", reading.SensorID, "delivered", result.Delivered, "dropped", result.Dropped)

	_ = s.hooks.Trigger(ctx, hooks.NewPostIngestReadingEvent(hooks.PostIngestReadingPayload{
		Reading:    reading,
		RemoteAddr: remote,
		Delivered:  result.Delivered,
		Dropped:    result.Dropped,
	}))
}

// Stop closes the listener and every live connection, then waits for the
// connection goroutines to finish.
func (s *IngestServer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.logger.Info("Waiting for sensor connections to drain...")
	s.connWg.Wait()
	s.logger.Info("All sensor connections closed. Ingest server stopped.")
}

// Addr returns the listening address once Start has been called.
func (s *IngestServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
