package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestProviderExportsToPrometheus(t *testing.T) {
	ctx := context.Background()
	p, err := NewProvider(ctx, Config{
		ServiceName:    "perfsampler-test",
		ServiceVersion: "test",
		RunID:          "run-1",
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	defer p.Shutdown(ctx)

	counter, err := p.Meter("test").Int64Counter("perfsampler_test_events_total")
	require.NoError(t, err)
	counter.Add(ctx, 3)

	srv := httptest.NewServer(NewRouter(p.Registry(), nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "perfsampler_test_events_total")
}

func TestHealthEndpoint(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{ServiceName: "t"})
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	tests := []struct {
		name     string
		report   HealthReport
		wantCode int
	}{
		{name: "healthy", report: HealthReport{Healthy: true, Detail: "ok"}, wantCode: http.StatusOK},
		{name: "unhealthy", report: HealthReport{Healthy: false}, wantCode: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(p.Registry(), func() HealthReport { return tt.report })
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			var got HealthReport
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			assert.Equal(t, tt.report.Healthy, got.Healthy)
		})
	}
}

func TestServerLifecycle(t *testing.T) {
	s, err := Listen("127.0.0.1:0", NewRouter(promclient.NewRegistry(), nil), zaptest.NewLogger(t))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve() }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + s.Addr() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.NoError(t, <-errCh)
	assert.True(t, strings.HasPrefix(s.Addr(), "127.0.0.1:"))
}
