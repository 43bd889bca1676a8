// Package sink provides the processing tasks run by the worker pools.
package sink

import (
	"context"

	"go.uber.org/zap"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/dispatch"
	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

// Log writes every record to a zap logger.
type Log struct {
	logger *zap.Logger
}

// NewLog creates a log sink.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

func (l *Log) Process(_ context.Context, kind dispatch.PoolKind, rec sample.Record) error {
	msg := "Main perf map"
	if kind == dispatch.PoolSecondary {
		msg = "Secondary perf map"
	}
	l.logger.Info(msg,
		zap.Stringer("priority", rec.Priority),
		zap.Uint32("pid", rec.PID),
		zap.Uint32("cpu", rec.CPU))
	return nil
}
