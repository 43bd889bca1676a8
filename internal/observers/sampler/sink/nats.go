package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/dispatch"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

// Publisher is the subset of *nats.Conn used by the NATS sink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Message is the JSON payload published for each record.
type Message struct {
	Pool      string        `json:"pool"`
	Record    sample.Record `json:"record"`
	Timestamp time.Time     `json:"timestamp"`
}

// NATS publishes every record to <prefix>.main or <prefix>.secondary.
type NATS struct {
	conn   Publisher
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewNATS creates a NATS sink over an established connection.
func NewNATS(conn Publisher, subjectPrefix string, logger *zap.Logger) *NATS {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATS{conn: conn, prefix: subjectPrefix, logger: logger, now: time.Now}
}

// Subject returns the subject records of kind are published on.
func (n *NATS) Subject(kind dispatch.PoolKind) string {
	return n.prefix + "." + kind.String()
}

func (n *NATS) Process(_ context.Context, kind dispatch.PoolKind, rec sample.Record) error {
	data, err := json.Marshal(Message{Pool: kind.String(), Record: rec, Timestamp: n.now()})
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := n.conn.Publish(n.Subject(kind), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.Subject(kind), err)
	}
	return nil
}

// Connect dials NATS with unlimited reconnects.
func Connect(url string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("perfsampler"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS error", zap.Error(err))
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
