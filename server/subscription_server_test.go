package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/relayhub/core"
	"github.com/INLOpen/relayhub/hooks"
	"github.com/INLOpen/relayhub/hooks/listeners"
	"github.com/INLOpen/relayhub/pubsub"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	paidToken   = "0x8f3b8c9a0d5e4f7a6b1c2d3e4f5a6b7c8d9e0f1a2b3c4d5e6f7a8b9c0d1e2f3a"
	unpaidToken = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

// fakeVerifier grants paidToken, rejects anything not hex-shaped as malformed
// and denies the rest.
type fakeVerifier struct {
	calls atomic.Int32
}

func (f *fakeVerifier) Verify(_ context.Context, token string) error {
	f.calls.Add(1)
	switch {
	case token == paidToken:
		return nil
	case !strings.HasPrefix(token, "0x") || len(token) != 66:
		return &core.AccessDeniedError{Reason: core.ReasonMalformedToken, Token: token}
	default:
		return &core.AccessDeniedError{Reason: core.ReasonFailedStatus, Token: token}
	}
}

type fakeStats []listeners.SensorStats

func (f fakeStats) Snapshot() []listeners.SensorStats { return f }

type subscriptionHarness struct {
	server   *SubscriptionServer
	http     *httptest.Server
	registry *pubsub.Registry
	verifier *fakeVerifier
	events   *captureListener
}

func startSubscription(t *testing.T, opts SubscriptionOptions) *subscriptionHarness {
	t.Helper()
	h := &subscriptionHarness{
		registry: pubsub.NewRegistry(discardLogger(), nil),
		verifier: &fakeVerifier{},
		events:   newCaptureListener(),
	}
	hm := hooks.NewHookManager(discardLogger())
	hm.Register(hooks.EventPostVerifyAccess, h.events)
	hm.Register(hooks.EventPostSubscribe, h.events)
	hm.Register(hooks.EventPostUnsubscribe, h.events)

	h.server = NewSubscriptionServer(h.verifier, h.registry, hm, opts, nil, discardLogger())
	h.http = httptest.NewServer(h.server.Handler())
	t.Cleanup(func() {
		h.server.Stop()
		h.http.Close()
	})
	return h
}

func (h *subscriptionHarness) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (h *subscriptionHarness) dialWS(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(h.wsURL(query), nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.registry.Len() > 0 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readWS(t *testing.T, conn *websocket.Conn) core.Reading {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	msgType, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	var r core.Reading
	require.NoError(t, json.Unmarshal(msg, &r))
	return r
}

func getJSON(t *testing.T, url string, v interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	return resp
}

func TestSubscriptionServer_VerifyAccess(t *testing.T) {
	h := startSubscription(t, SubscriptionOptions{})

	testCases := []struct {
		name       string
		query      string
		wantStatus int
		wantMsg    string
	}{
		{"Granted", "?tx_hash=" + paidToken, http.StatusOK, msgVerified},
		{"Denied", "?tx_hash=" + unpaidToken, http.StatusUnauthorized, msgDenied},
		{"Malformed", "?tx_hash=not-a-hash", http.StatusBadRequest, msgInvalidToken},
		{"Missing", "", http.StatusBadRequest, msgMissingToken},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var body apiResponse
			resp := getJSON(t, h.http.URL+"/verify-access"+tc.query, &body)
			assert.Equal(t, tc.wantStatus, resp.StatusCode)
			assert.Equal(t, tc.wantMsg, body.Message)
		})
	}

	// Missing tokens never reach the verifier.
	assert.Equal(t, int32(3), h.verifier.calls.Load())

	event := h.events.next(t)
	require.Equal(t, hooks.EventPostVerifyAccess, event.Type())
	payload := event.Payload().(hooks.VerifyAccessPayload)
	assert.Equal(t, paidToken, payload.Token)
	assert.NoError(t, payload.Error)
}

func TestSubscriptionServer_VerifyAccessRejectsPost(t *testing.T) {
	h := startSubscription(t, SubscriptionOptions{})
	resp, err := http.Post(h.http.URL+"/verify-access?tx_hash="+paidToken, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Zero(t, h.verifier.calls.Load())
}

func TestSubscriptionServer_VerifyAccessRateLimit(t *testing.T) {
	h := startSubscription(t, SubscriptionOptions{VerifyRateLimit: 0.001, VerifyBurst: 1})

	var body apiResponse
	resp := getJSON(t, h.http.URL+"/verify-access?tx_hash="+paidToken, &body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = getJSON(t, h.http.URL+"/verify-access?tx_hash="+paidToken, &body)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, msgRateLimited, body.Message)
	assert.Equal(t, int32(1), h.verifier.calls.Load())
}

func TestSubscriptionServer_CORS(t *testing.T) {
	h := startSubscription(t, SubscriptionOptions{AllowedOrigins: []string{"https://dashboard.example"}})

	t.Run("PreflightFromAllowedOrigin", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodOptions, h.http.URL+"/verify-access", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "https://dashboard.example")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
		assert.Equal(t, "https://dashboard.example", resp.Header.Get("Access-Control-Allow-Origin"))
		assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "GET")
	})

	t.Run("OtherOriginGetsNoHeaders", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, h.http.URL+"/healthz", nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "https://evil.example")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()

		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
	})

	t.Run("WebSocketFromOtherOriginIsRefused", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(""), http.Header{"Origin": {"https://evil.example"}})
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		assert.Zero(t, h.registry.Len())
	})
}

func TestSubscriptionServer_RelaysBroadcasts(t *testing.T) {
	h := startSubscription(t, SubscriptionOptions{})
	conn := h.dialWS(t, "")

	subscribed := h.events.next(t)
	assert.Equal(t, hooks.EventPostSubscribe, subscribed.Type())

	for i := 0; i < 3; i++ {
		res := h.registry.Broadcast(testReading("S1", i))
		assert.Equal(t, 1, res.Delivered)
	}
	for i := 0; i < 3; i++ {
		got := readWS(t, conn)
		assert.True(t, testReading("S1", i).Timestamp.Equal(got.Timestamp))
	}
}

func TestSubscriptionServer_FilteredSubscription(t *testing.T) {
	h := startSubscription(t, SubscriptionOptions{})
	conn := h.dialWS(t, "sensor_id=S2")

	h.registry.Broadcast(testReading("S1", 0))
	h.registry.Broadcast(testReading("S2", 1))

	assert.Equal(t, "S2", readWS(t, conn).SensorID)
}

func TestSubscriptionServer_DisconnectRemovesSubscriber(t *testing.T) {
	h := startSubscription(t, SubscriptionOptions{})
	conn := h.dialWS(t, "")
	h.events.next(t)

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	conn.Close()

	assert.Eventually(t, func() bool { return h.registry.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	event := h.events.next(t)
	assert.Equal(t, hooks.EventPostUnsubscribe, event.Type())

	// Broadcasting after the disconnect must not panic or deliver anywhere.
	assert.Equal(t, pubsub.BroadcastResult{}, h.registry.Broadcast(testReading("S1", 0)))
}

func TestSubscriptionServer_RequireToken(t *testing.T) {
	h := startSubscription(t, SubscriptionOptions{RequireToken: true})

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(""), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(h.wsURL("tx_hash="+unpaidToken), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, h.registry.Len(), "a denied token must not create a subscriber")

	conn := h.dialWS(t, "tx_hash="+paidToken)
	h.registry.Broadcast(testReading("S1", 0))
	assert.Equal(t, "S1", readWS(t, conn).SensorID)
}

func TestSubscriptionServer_RegistryCloseEndsSession(t *testing.T) {
	h := startSubscription(t, SubscriptionOptions{})
	conn := h.dialWS(t, "")

	h.registry.Close()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected error: %v", err)
}

func TestSubscriptionServer_StopClosesSessions(t *testing.T) {
	h := startSubscription(t, SubscriptionOptions{})
	conn := h.dialWS(t, "")

	h.server.Stop()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
	assert.Zero(t, h.registry.Len())

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(""), nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSubscriptionServer_PingKeepsSessionAlive(t *testing.T) {
	h := startSubscription(t, SubscriptionOptions{PingInterval: 20 * time.Millisecond, PongWait: 100 * time.Millisecond})
	conn := h.dialWS(t, "")

	// Reading lets the client answer pings; the session must outlive several pong waits.
	readErr := make(chan error, 1)
	go func() {
		_, _, err := conn.ReadMessage()
		readErr <- err
	}()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, h.registry.Len())

	h.registry.Broadcast(testReading("S1", 0))
	select {
	case err := <-readErr:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("no message after keepalive period")
	}
}

func TestSubscriptionServer_HealthAndStats(t *testing.T) {
	stats := fakeStats{{SensorID: "S1", Count: 4}}
	h := startSubscription(t, SubscriptionOptions{Stats: stats})
	h.dialWS(t, "")

	var health map[string]interface{}
	resp := getJSON(t, h.http.URL+"/healthz", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(1), health["subscribers"])

	var got []listeners.SensorStats
	getJSON(t, h.http.URL+"/stats", &got)
	require.Len(t, got, 1)
	assert.Equal(t, "S1", got[0].SensorID)
	assert.Equal(t, uint64(4), got[0].Count)
}
