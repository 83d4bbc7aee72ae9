package telemetry

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmost/mostd/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "invalid log level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "invalid log format"},
		{name: "bad exporter", mutate: func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, wantErr: "invalid trace exporter"},
		{name: "sampling rate", mutate: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: "sampling rate"},
		{name: "metrics without address", mutate: func(c *Config) { c.Metrics.ListenAddress = "" }, wantErr: "listen address"},
		{name: "zero buffer", mutate: func(c *Config) { c.Events.BufferSize = 0 }, wantErr: "buffer size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerFrom(zerolog.New(&buf)).
		NewComponentLogger("jobs").
		WithNode(0x200).
		WithRoute(7, "audio")

	logger.Info("built")

	out := buf.String()
	assert.Contains(t, out, `"component":"jobs"`)
	assert.Contains(t, out, `"node":"0x0200"`)
	assert.Contains(t, out, `"route_id":7`)
	assert.Contains(t, out, `"route_name":"audio"`)
}

func TestLoggerContext(t *testing.T) {
	logger := NewNopLogger()
	ctx := logger.WithContext(context.Background())
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestMetricsDisabledIsSafe(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)

	m.RecordJob("construct", "built", time.Millisecond)
	m.RecordRouteReport("built")
	m.SetPoolUsage("jobs", 3)
	m.RecordError("critical", "SYNC_FAILED")

	var nilMetrics *Metrics
	nilMetrics.RecordDeviceRequest("create", "success")
	assert.Nil(t, nilMetrics.Registry())
	assert.NoError(t, nilMetrics.StartMetricsServer(nil))
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "mostd", Path: "/metrics"})
	require.NoError(t, err)

	m.RecordRouteReport("built")
	m.RecordJob("construct", "built", 5*time.Millisecond)
	m.SetPoolUsage("handles", 4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `mostd_route_reports_total{info="built"} 1`)
	assert.Contains(t, body, `mostd_pool_slots_used{table="handles"} 4`)
	assert.Contains(t, body, "mostd_job_duration_seconds")
}

func TestEventPublisherSynchronous(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 8})
	require.NoError(t, err)

	var got []Event
	ep.Subscribe(func(ev Event) { got = append(got, ev) }, FilterByType(EventTypeRouteBuilt, EventTypeRouteDestroyed))

	require.NoError(t, ep.PublishRouteReport(1, "audio", engine.RouteInfoBuilt))
	require.NoError(t, ep.PublishNodeAvailable(0x200, true))
	require.NoError(t, ep.PublishRouteReport(1, "audio", engine.RouteInfoDestroyed))

	require.Len(t, got, 2)
	assert.Equal(t, EventTypeRouteBuilt, got[0].Type)
	assert.Equal(t, EventTypeRouteDestroyed, got[1].Type)
	assert.Equal(t, uint16(1), got[0].RouteID)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

func TestEventPublisherAsyncDeliversInOrder(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 64, MaxBatchSize: 4, EnableAsync: true})
	require.NoError(t, err)

	var got []uint16
	ep.Subscribe(func(ev Event) { got = append(got, ev.RouteID) }, nil)

	for i := uint16(1); i <= 10; i++ {
		require.NoError(t, ep.PublishRouteReport(i, "r", engine.RouteInfoBuilt))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ep.Shutdown(ctx))

	assert.Equal(t, []uint16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, got)
}

func TestResourceEventLevels(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, BufferSize: 4})
	require.NoError(t, err)

	var got []Event
	ep.Subscribe(func(ev Event) { got = append(got, ev) }, FilterByNode(0x210))

	require.NoError(t, ep.PublishResourceEvent(engine.ResourceEvent{
		Node: 0x210, Type: engine.ResourceMostSocket, Handle: 0x0D01, Info: engine.ResourceInfoErrBuild,
		Err: errors.New("rejected"),
	}))
	require.NoError(t, ep.PublishResourceEvent(engine.ResourceEvent{
		Node: 0x200, Type: engine.ResourceMostSocket, Handle: 0x0D02, Info: engine.ResourceInfoBuilt,
	}))

	require.Len(t, got, 1)
	assert.Equal(t, EventTypeResourceError, got[0].Type)
	assert.Equal(t, EventLevelError, got[0].Level)
	assert.Equal(t, "rejected", got[0].Data["error"])
	assert.True(t, strings.HasPrefix(got[0].Message, "most_socket 0x0D01"))
}

func TestDisabledPublisher(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, ep.PublishNodeAvailable(1, false))
	assert.NoError(t, ep.Shutdown(context.Background()))
}

func TestStartOperationWithoutTelemetry(t *testing.T) {
	ic := StartOperation(context.Background(), "routing.pass")
	assert.Nil(t, ic.Span)
	ic.End(errors.New("ignored"))
}

func TestTestTelemetry(t *testing.T) {
	tel := NewTestTelemetry()
	ctx := tel.WithContext(context.Background())
	assert.Same(t, tel, FromTelemetryContext(ctx))

	ic := StartOperation(ctx, "routing.pass")
	require.NotNil(t, ic.Span)
	ic.End(nil)

	assert.NotNil(t, tel.Tracer.Named("jobs"))
	assert.NoError(t, tel.Shutdown(context.Background()))
}
