package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkivela/collabsync-go/internal/conf"
)

func TestNewMetrics(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)
	require.NotNil(t, m.Engine)
	require.NotNil(t, m.Registry())
}

func TestMetricsHandlerServesEngineMetrics(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	m.Engine.IncrementItemsProcessed("success")
	m.Engine.IncrementItemFailures("network")

	mux := http.NewServeMux()
	m.RegisterHandlers(mux)

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `engine_items_processed_total{outcome="success"} 1`)
	assert.Contains(t, string(body), `engine_item_failures_total{category="network"} 1`)
}

func TestEndpointStartStopsOnQuit(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	settings := &conf.Settings{}
	settings.Telemetry.Enabled = true
	settings.Telemetry.Listen = "127.0.0.1:0"
	endpoint, err := NewEndpoint(settings, m)
	require.NoError(t, err)

	// Start logs through the package logger, which is captured in init
	// before any logging configuration runs. It must come up and shut
	// down cleanly regardless.
	var wg sync.WaitGroup
	quit := make(chan struct{})
	require.NotPanics(t, func() {
		endpoint.Start(&wg, quit)
		close(quit)
		wg.Wait()
	})
}

func TestNewEndpointRequiresTelemetryEnabled(t *testing.T) {
	t.Parallel()

	m, err := NewMetrics()
	require.NoError(t, err)

	settings := &conf.Settings{}
	_, err = NewEndpoint(settings, m)
	require.Error(t, err)

	settings.Telemetry.Enabled = true
	settings.Telemetry.Listen = "localhost:0"
	endpoint, err := NewEndpoint(settings, m)
	require.NoError(t, err)
	assert.Same(t, m, endpoint.GetMetrics())
}
