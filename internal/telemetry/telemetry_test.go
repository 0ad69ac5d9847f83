package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.ServiceName = ""
	assert.Error(t, cfg.Validate())
}

func TestNew_Disabled(t *testing.T) {
	p, err := New(&Config{Enabled: false, ServiceName: "test"}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))

	// The handler still serves the process collectors.
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
}

func TestNew_ExposesRecordedMetrics(t *testing.T) {
	p, err := New(DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	defer p.Shutdown(context.Background())

	counter, err := otel.Meter("telemetry-test").Int64Counter(
		"chittydna_test_events_total",
		metric.WithDescription("test counter"),
	)
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "chittydna_test_events_total")
}
