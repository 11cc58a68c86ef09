package server

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/INLOpen/relayhub/auth"
	"github.com/INLOpen/relayhub/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, url string, setup func(*http.Request)) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if setup != nil {
		setup(req)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestMetricsServer_Routes(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := newServerMetrics(reg)
	metrics.connOpened()

	cfg := config.Default().Debug
	srv := NewMetricsServer(&cfg, reg, nil, discardLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	status, body := get(t, ts.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "relayhub_ingest_connections 1")

	status, body = get(t, ts.URL+"/debug/vars", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "memstats")

	status, _ = get(t, ts.URL+"/debug/pprof/", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = get(t, ts.URL+"/debug/statsviz/", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestMetricsServer_DisabledRoutes(t *testing.T) {
	cfg := config.DebugConfig{MetricsEnabled: true}
	srv := NewMetricsServer(&cfg, prometheus.NewRegistry(), nil, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	status, _ := get(t, ts.URL+"/debug/pprof/", nil)
	assert.Equal(t, http.StatusNotFound, status)
	status, _ = get(t, ts.URL+"/debug/statsviz/", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestMetricsServer_BasicAuth(t *testing.T) {
	hash, err := auth.HashPassword("s3cret")
	require.NoError(t, err)
	userFile := filepath.Join(t.TempDir(), "debug.users")
	require.NoError(t, auth.WriteUserFile(userFile, map[string]auth.UserRecord{
		"ops": {Username: "ops", PasswordHash: hash},
	}))
	authenticator, err := auth.NewAuthenticator(userFile, discardLogger())
	require.NoError(t, err)

	cfg := config.Default().Debug
	srv := NewMetricsServer(&cfg, prometheus.NewRegistry(), authenticator.Middleware, discardLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	status, _ := get(t, ts.URL+"/metrics", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = get(t, ts.URL+"/metrics", func(r *http.Request) { r.SetBasicAuth("ops", "wrong") })
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = get(t, ts.URL+"/metrics", func(r *http.Request) { r.SetBasicAuth("ops", "s3cret") })
	assert.Equal(t, http.StatusOK, status)
}

func TestMetricsServer_StartStop(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	cfg := config.Default().Debug
	srv := NewMetricsServer(&cfg, prometheus.NewRegistry(), nil, discardLogger())
	done := make(chan error, 1)
	go func() { done <- srv.Start(lis) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String() + "/metrics")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	srv.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
