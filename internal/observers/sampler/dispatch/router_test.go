package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

func TestDecide(t *testing.T) {
	assert.Equal(t, RouteMain, Decide(sample.PriorityMain))
	assert.Equal(t, RouteSecondary, Decide(sample.PrioritySecondary))
	assert.Equal(t, RouteDiscarded, Decide(sample.Priority(2)))
	assert.Equal(t, RouteDiscarded, Decide(sample.Priority(7)))
}

func TestRouterDispatch(t *testing.T) {
	tests := []struct {
		name          string
		rec           sample.Record
		want          Route
		wantMain      int
		wantSecondary int
	}{
		{
			name:     "idle sample goes to main pool",
			rec:      sample.Record{Priority: 0, PID: 0, CPU: 3},
			want:     RouteMain,
			wantMain: 1,
		},
		{
			name:          "process sample goes to secondary pool",
			rec:           sample.Record{Priority: 1, PID: 4821, CPU: 1},
			want:          RouteSecondary,
			wantSecondary: 1,
		},
		{
			name: "unknown priority is dropped",
			rec:  sample.Record{Priority: 7, PID: 1, CPU: 0},
			want: RouteDiscarded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			main, secondary := &recordingSubmitter{}, &recordingSubmitter{}
			r, err := NewRouter(main, secondary, zaptest.NewLogger(t), nil)
			require.NoError(t, err)

			assert.Equal(t, tt.want, r.Dispatch(context.Background(), tt.rec))
			assert.Len(t, main.Records(), tt.wantMain)
			assert.Len(t, secondary.Records(), tt.wantSecondary)

			for _, got := range append(main.Records(), secondary.Records()...) {
				assert.Equal(t, tt.rec, got)
			}
		})
	}
}

func TestRouterMetrics(t *testing.T) {
	reader, provider := newTestMeter(t)
	main, secondary := &recordingSubmitter{}, &recordingSubmitter{err: ErrQueueFull}

	r, err := NewRouter(main, secondary, zaptest.NewLogger(t), provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	r.Dispatch(ctx, sample.Record{Priority: sample.PriorityMain})
	r.Dispatch(ctx, sample.Record{Priority: sample.PriorityMain})
	r.Dispatch(ctx, sample.Record{Priority: sample.PrioritySecondary, PID: 5})
	r.Dispatch(ctx, sample.Record{Priority: 9})

	assert.Equal(t, int64(2), counterValue(t, reader, "perfsampler_records_dispatched_total", "pool", "main"))
	assert.Equal(t, int64(0), counterValue(t, reader, "perfsampler_records_dispatched_total", "pool", "secondary"))
	assert.Equal(t, int64(1), counterValue(t, reader, "perfsampler_records_discarded_total", "reason", ReasonQueueFull))
	assert.Equal(t, int64(1), counterValue(t, reader, "perfsampler_records_discarded_total", "reason", ReasonUnknownPriority))

	stats := r.Stats()
	assert.Equal(t, uint64(2), stats.Main)
	assert.Equal(t, uint64(1), stats.Secondary)
	assert.Equal(t, uint64(1), stats.UnknownPriority)
	assert.Equal(t, uint64(1), stats.Rejected)
}

func TestRouterStoppedPool(t *testing.T) {
	reader, provider := newTestMeter(t)
	main := &recordingSubmitter{err: ErrPoolStopped}

	r, err := NewRouter(main, &recordingSubmitter{}, nil, provider.Meter("test"))
	require.NoError(t, err)

	assert.Equal(t, RouteMain, r.Dispatch(context.Background(), sample.Record{}))
	assert.Equal(t, int64(1), counterValue(t, reader, "perfsampler_records_discarded_total", "reason", ReasonPoolStopped))
}

func TestNewRouterRequiresPools(t *testing.T) {
	_, err := NewRouter(nil, &recordingSubmitter{}, nil, nil)
	assert.Error(t, err)
}
