package sample

import (
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Alignment is the memory alignment required for the first field of a Record.
const Alignment = 4

// AlignmentPrefix returns how many leading bytes of b must be skipped so
// that the remainder starts on an Alignment boundary in memory. Empty
// slices need no prefix.
func AlignmentPrefix(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	addr := uintptr(unsafe.Pointer(unsafe.SliceData(b)))
	return int((Alignment - addr%Alignment) % Alignment)
}

// DecoderStats holds decoder counters.
type DecoderStats struct {
	Decoded        uint64
	AlignmentSkips uint64
	ShortReads     uint64
}

// Decoder recovers Records from raw bytes read out of a channel buffer.
// It is safe for use by a single poller goroutine; stats may be read concurrently.
type Decoder struct {
	logger  *zap.Logger
	limiter *rate.Limiter

	decoded        atomic.Uint64
	alignmentSkips atomic.Uint64
	shortReads     atomic.Uint64
}

// NewDecoder creates a decoder. Alignment notices are logged at most
// a few times per second so a persistently misaligned buffer cannot
// flood the log.
func NewDecoder(logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{
		logger:  logger,
		limiter: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// Decode extracts the first complete, aligned record in b. The second
// return value is the number of leading bytes skipped for alignment and
// the third reports whether a record was produced. Empty or undersized
// input yields no record.
func (d *Decoder) Decode(b []byte) (Record, int, bool) {
	if len(b) == 0 {
		d.shortReads.Add(1)
		return Record{}, 0, false
	}

	skip := AlignmentPrefix(b)
	if skip > 0 {
		d.alignmentSkips.Add(1)
		if d.limiter.Allow() {
			d.logger.Warn("Data not aligned, skipping leading bytes",
				zap.Int("skipped", skip),
				zap.Int("length", len(b)))
		}
	}

	if len(b)-skip < Size {
		d.shortReads.Add(1)
		return Record{}, skip, false
	}

	rec, err := Unmarshal(b[skip:])
	if err != nil {
		d.shortReads.Add(1)
		return Record{}, skip, false
	}

	d.decoded.Add(1)
	return rec, skip, true
}

// Stats returns a snapshot of the decoder counters.
func (d *Decoder) Stats() DecoderStats {
	return DecoderStats{
		Decoded:        d.decoded.Load(),
		AlignmentSkips: d.alignmentSkips.Load(),
		ShortReads:     d.shortReads.Load(),
	}
}
