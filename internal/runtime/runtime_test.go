package runtime

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrate/internal/config"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthAndReadiness(t *testing.T) {
	rt := New(config.Default(), newLogger())
	require.NoError(t, rt.Setup(context.Background()))
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	srv := httptest.NewServer(rt.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	rt.SetReady(true)
	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpointExportsInstruments(t *testing.T) {
	rt := New(config.Default(), newLogger())
	require.NoError(t, rt.Setup(context.Background()))
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	counter, err := otel.Meter("test").Int64Counter("narrate.test.total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	srv := httptest.NewServer(rt.Handler())
	t.Cleanup(srv.Close)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "narrate_test_total")
}

func TestServeStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.HTTP.Port = 0
	rt := New(cfg, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Serve(ctx) }()

	require.Eventually(t, func() bool { return rt.Addr() != "" }, 2*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + rt.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
