package dispatch

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

type recordingSubmitter struct {
	mu      sync.Mutex
	records []sample.Record
	err     error
}

func (s *recordingSubmitter) Submit(rec sample.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *recordingSubmitter) Records() []sample.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sample.Record(nil), s.records...)
}

func newTestMeter(t *testing.T) (*sdkmetric.ManualReader, *sdkmetric.MeterProvider) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return reader, provider
}

// counterValue sums the data points of an int64 counter whose attribute
// key equals value. An empty key matches every point.
func counterValue(t *testing.T, reader *sdkmetric.ManualReader, name, key, value string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				if key != "" {
					v, found := dp.Attributes.Value(attribute.Key(key))
					if !found || v.AsString() != value {
						continue
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}
