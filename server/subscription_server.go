package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/INLOpen/relayhub/core"
	"github.com/INLOpen/relayhub/hooks"
	"github.com/INLOpen/relayhub/hooks/listeners"
	"github.com/INLOpen/relayhub/pubsub"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// AccessVerifier decides whether an access token proves payment.
// *gate.Gate implements it.
type AccessVerifier interface {
	Verify(ctx context.Context, token string) error
}

// StatsProvider supplies the per-sensor summaries served on /stats.
type StatsProvider interface {
	Snapshot() []listeners.SensorStats
}

// SubscriptionOptions configures the HTTP/WebSocket listener.
type SubscriptionOptions struct {
	OutboundQueueSize int
	WriteTimeout      time.Duration
	PingInterval      time.Duration
	PongWait          time.Duration
	// RequireToken makes /ws demand a tx_hash that passes the gate.
	RequireToken   bool
	AllowedOrigins []string
	// VerifyRateLimit is requests per second for /verify-access. Zero disables limiting.
	VerifyRateLimit float64
	VerifyBurst     int
	Stats           StatsProvider
}

func (o *SubscriptionOptions) setDefaults() {
	if o.OutboundQueueSize <= 0 {
		o.OutboundQueueSize = pubsub.DefaultQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	if o.VerifyBurst <= 0 {
		o.VerifyBurst = 1
	}
}

// apiResponse is the JSON body of every /verify-access reply.
type apiResponse struct {
	Message string `json:"message"`
}

// Response messages for /verify-access.
const (
	msgVerified      = "Verification succeeded. Connect to the WebSocket."
	msgInvalidToken  = "Invalid tx_hash format."
	msgDenied        = "Payment proof is invalid or was not found."
	msgMissingToken  = "Missing tx_hash query parameter."
	msgRateLimited   = "Too many verification requests. Try again later."
	msgMethodAllowed = "Only GET is allowed."
)

// SubscriptionServer serves access verification and the live WebSocket feed.
type SubscriptionServer struct {
	server   *http.Server
	verifier AccessVerifier
	registry *pubsub.Registry
	hooks    hooks.HookManager
	opts     SubscriptionOptions
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *serverMetrics

	mu       sync.Mutex
	started  bool
	stopped  bool
	sessions map[*websocket.Conn]struct{}
	wsWg     sync.WaitGroup
}

// NewSubscriptionServer creates the subscription listener.
func NewSubscriptionServer(verifier AccessVerifier, registry *pubsub.Registry, hm hooks.HookManager, opts SubscriptionOptions, metrics *serverMetrics, logger *slog.Logger) *SubscriptionServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if hm == nil {
		hm = hooks.NewHookManager(logger)
	}
	opts.setDefaults()

	s := &SubscriptionServer{
		verifier: verifier,
		registry: registry,
		hooks:    hm,
		opts:     opts,
		logger:   logger.With("component", "SubscriptionServer"),
		metrics:  metrics,
		sessions: make(map[*websocket.Conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return s.originAllowed(r.Header.Get("Origin")) },
	}
	if opts.VerifyRateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.VerifyRateLimit), opts.VerifyBurst)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/verify-access", s.handleVerifyAccess())
	mux.HandleFunc("/ws", s.handleWebSocket())
	mux.HandleFunc("/healthz", s.handleHealth())
	mux.HandleFunc("/stats", s.handleStats())

	s.server = &http.Server{
		Handler:           s.corsMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for httptest.
func (s *SubscriptionServer) Handler() http.Handler {
	return s.server.Handler
}

// Start serves on lis. It's a blocking call.
func (s *SubscriptionServer) Start(lis net.Listener) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	if s.stopped {
		s.mu.Unlock()
		lis.Close()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.logger.Info("Subscription server listening", "address", lis.Addr().String())
	if err := s.server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("Subscription server failed", "error", err)
		return fmt.Errorf("subscription server failed: %w", err)
	}
	return nil
}

// Stop shuts down the HTTP server, closes every WebSocket session and waits
// for their goroutines.
func (s *SubscriptionServer) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	sessions := make([]*websocket.Conn, 0, len(s.sessions))
	for conn := range s.sessions {
		sessions = append(sessions, conn)
	}
	s.mu.Unlock()

	s.logger.Info("Stopping subscription server...", "sessions", len(sessions))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("Subscription server shutdown failed", "error", err)
	}

	// Hijacked connections are not tracked by Shutdown.
	deadline := time.Now().Add(time.Second)
	for _, conn := range sessions {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		conn.Close()
	}
	s.wsWg.Wait()
	s.logger.Info("Subscription server stopped gracefully.")
}

func (s *SubscriptionServer) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// corsMiddleware adds CORS headers for allowed origins and answers preflight requests.
func (s *SubscriptionServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.originAllowed(origin) {
			if origin != "" {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// verify runs the gate and maps its outcome to an HTTP status and message.
func (s *SubscriptionServer) verify(r *http.Request) (int, string) {
	token := r.URL.Query().Get("tx_hash")
	if token == "" {
		return http.StatusBadRequest, msgMissingToken
	}
	err := s.verifier.Verify(r.Context(), token)
	_ = s.hooks.Trigger(r.Context(), hooks.NewPostVerifyAccessEvent(hooks.VerifyAccessPayload{
		Token:      token,
		RemoteAddr: r.RemoteAddr,
		Error:      err,
	}))
	switch {
	case err == nil:
		return http.StatusOK, msgVerified
	case core.IsMalformedToken(err):
		return http.StatusBadRequest, msgInvalidToken
	default:
		return http.StatusUnauthorized, msgDenied
	}
}

func (s *SubscriptionServer) handleVerifyAccess() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, http.StatusMethodNotAllowed, apiResponse{Message: msgMethodAllowed})
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.metrics.verifyResponse(strconv.Itoa(http.StatusTooManyRequests))
			writeJSON(w, http.StatusTooManyRequests, apiResponse{Message: msgRateLimited})
			return
		}
		status, msg := s.verify(r)
		s.metrics.verifyResponse(strconv.Itoa(status))
		writeJSON(w, status, apiResponse{Message: msg})
	}
}

// filterFromQuery reads the optional sensor_id, location and stage filters.
func filterFromQuery(r *http.Request) pubsub.Filter {
	q := r.URL.Query()
	return pubsub.Filter{
		SensorID: q.Get("sensor_id"),
		Location: q.Get("location"),
		Stage:    q.Get("stage"),
	}
}

func (s *SubscriptionServer) handleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.RequireToken {
			if status, msg := s.verify(r); status != http.StatusOK {
				writeJSON(w, status, apiResponse{Message: msg})
				return
			}
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		s.wsWg.Add(1)
		s.mu.Unlock()
		defer s.wsWg.Done()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error.
			s.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.sessions[conn] = struct{}{}
		s.mu.Unlock()

		s.serveSession(conn, r.RemoteAddr, filterFromQuery(r))

		s.mu.Lock()
		delete(s.sessions, conn)
		s.mu.Unlock()
	}
}

// serveSession registers the connection, relays readings to it and blocks
// until either side ends the session.
func (s *SubscriptionServer) serveSession(conn *websocket.Conn, remote string, filter pubsub.Filter) {
	queue := make(chan []byte, s.opts.OutboundQueueSize)
	id := s.registry.RegisterFiltered(queue, filter)
	logger := s.logger.With("subscriber_id", id, "remote_addr", remote)
	logger.Info("Subscriber connected", "filter", fmt.Sprintf("%+v", filter))
	s.metrics.sessionOpened()
	defer s.metrics.sessionClosed()

	payload := hooks.SubscriberPayload{SubscriberID: id, RemoteAddr: remote, Filter: fmt.Sprintf("%+v", filter)}
	_ = s.hooks.Trigger(context.Background(), hooks.NewPostSubscribeEvent(payload))

	var closeOnce sync.Once
	closeSession := func() {
		closeOnce.Do(func() {
			s.registry.Remove(id)
			conn.Close()
		})
	}

	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		defer closeSession()
		s.relay(conn, queue, logger)
	}()

	s.readLoop(conn, logger)
	closeSession()
	<-relayDone

	_ = s.hooks.Trigger(context.Background(), hooks.NewPostUnsubscribeEvent(payload))
	logger.Info("Subscriber disconnected")
}

// relay drains queue onto conn and keeps the connection alive with pings.
// It returns on a write failure or once the registry closes the queue.
func (s *SubscriptionServer) relay(conn *websocket.Conn, queue <-chan []byte, logger *slog.Logger) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-queue:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.logWriteError(logger, err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logWriteError(logger, err)
				return
			}
		}
	}
}

func (s *SubscriptionServer) logWriteError(logger *slog.Logger, err error) {
	if core.IsTransportClosed(err) {
		logger.Debug("Subscriber connection closed during write", "error", err)
		return
	}
	logger.Warn("Failed to write to subscriber", "error", err)
}

// readLoop discards inbound frames and returns when the peer goes away.
func (s *SubscriptionServer) readLoop(conn *websocket.Conn, logger *slog.Logger) {
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if core.IsTransportClosed(err) {
				logger.Debug("Subscriber closed connection")
			} else {
				logger.Info("Subscriber read ended", "error", err)
			}
			return
		}
	}
}

func (s *SubscriptionServer) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"status":      "ok",
			"subscribers": s.registry.Len(),
		})
	}
}

func (s *SubscriptionServer) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Stats == nil {
			writeJSON(w, http.StatusOK, []listeners.SensorStats{})
			return
		}
		writeJSON(w, http.StatusOK, s.opts.Stats.Snapshot())
	}
}
