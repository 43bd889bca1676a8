package sink

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/dispatch"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

type mockConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	closed   bool
}

func (m *mockConn) Publish(subject string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nats.ErrConnectionClosed
	}
	m.subjects = append(m.subjects, subject)
	m.payloads = append(m.payloads, data)
	return nil
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	s := NewLog(zap.New(core))

	ctx := context.Background()
	require.NoError(t, s.Process(ctx, dispatch.PoolMain, sample.Record{Priority: sample.PriorityMain, CPU: 3}))
	require.NoError(t, s.Process(ctx, dispatch.PoolSecondary, sample.Record{Priority: sample.PrioritySecondary, PID: 4821, CPU: 1}))

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "Main perf map", entries[0].Message)
	assert.Equal(t, "Secondary perf map", entries[1].Message)

	fields := entries[1].ContextMap()
	assert.Equal(t, uint32(4821), fields["pid"])
	assert.Equal(t, uint32(1), fields["cpu"])
	assert.Equal(t, "secondary", fields["priority"])
}

func TestNATSSinkPublishes(t *testing.T) {
	conn := &mockConn{}
	s := NewNATS(conn, "perfsampler.samples", nil)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	rec := sample.Record{Priority: sample.PrioritySecondary, PID: 42, CPU: 0}
	require.NoError(t, s.Process(context.Background(), dispatch.PoolSecondary, rec))
	require.NoError(t, s.Process(context.Background(), dispatch.PoolMain, sample.Record{}))

	assert.Equal(t, []string{"perfsampler.samples.secondary", "perfsampler.samples.main"}, conn.subjects)

	var msg Message
	require.NoError(t, json.Unmarshal(conn.payloads[0], &msg))
	assert.Equal(t, "secondary", msg.Pool)
	assert.Equal(t, rec, msg.Record)
	assert.True(t, fixed.Equal(msg.Timestamp))
}

func TestNATSSinkPublishError(t *testing.T) {
	conn := &mockConn{closed: true}
	s := NewNATS(conn, "x", nil)

	err := s.Process(context.Background(), dispatch.PoolMain, sample.Record{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, nats.ErrConnectionClosed))
}
