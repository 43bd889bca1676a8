// Package sample defines the fixed-layout record produced by the kernel
// sampler and the decoder that recovers it from raw buffer bytes.
package sample

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the encoded size of a Record: three native-endian u32 fields, no padding.
const Size = 12

// ErrShortRecord is returned when fewer than Size bytes are available.
var ErrShortRecord = errors.New("sample: short record")

// Priority tags a record with the processing pool it belongs to.
type Priority uint32

const (
	// PriorityMain marks samples taken while the CPU was idle (pid 0).
	PriorityMain Priority = 0
	// PrioritySecondary marks samples attributed to a process.
	PrioritySecondary Priority = 1
)

// Known reports whether p is one of the defined priority values.
func (p Priority) Known() bool {
	return p == PriorityMain || p == PrioritySecondary
}

func (p Priority) String() string {
	switch p {
	case PriorityMain:
		return "main"
	case PrioritySecondary:
		return "secondary"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(p))
	}
}

// ChannelID names one of the two per-CPU channel sets.
type ChannelID int

const (
	MainMap ChannelID = iota
	SecondaryMap
)

// MapName returns the name under which the channel is registered with the kernel.
func (c ChannelID) MapName() string {
	switch c {
	case MainMap:
		return "MAIN_MAP"
	case SecondaryMap:
		return "SECONDARY_MAP"
	default:
		return fmt.Sprintf("MAP_%d", int(c))
	}
}

func (c ChannelID) String() string {
	switch c {
	case MainMap:
		return "main"
	case SecondaryMap:
		return "secondary"
	default:
		return fmt.Sprintf("channel(%d)", int(c))
	}
}

// Channels lists the channel sets in sweep order.
var Channels = []ChannelID{MainMap, SecondaryMap}

// Record is one sample emitted by the kernel sampler.
// Field order and widths are shared with the kernel program.
type Record struct {
	Priority Priority `json:"priority"`
	PID      uint32   `json:"pid"`
	CPU      uint32   `json:"cpu"`
}

// MarshalTo writes the record layout into b, which must hold at least Size bytes.
func (r Record) MarshalTo(b []byte) error {
	if len(b) < Size {
		return ErrShortRecord
	}
	binary.NativeEndian.PutUint32(b[0:4], uint32(r.Priority))
	binary.NativeEndian.PutUint32(b[4:8], r.PID)
	binary.NativeEndian.PutUint32(b[8:12], r.CPU)
	return nil
}

// Bytes returns the encoded form of the record.
func (r Record) Bytes() []byte {
	b := make([]byte, Size)
	_ = r.MarshalTo(b)
	return b
}

// Unmarshal reads a record from the first Size bytes of b.
func Unmarshal(b []byte) (Record, error) {
	if len(b) < Size {
		return Record{}, ErrShortRecord
	}
	return Record{
		Priority: Priority(binary.NativeEndian.Uint32(b[0:4])),
		PID:      binary.NativeEndian.Uint32(b[4:8]),
		CPU:      binary.NativeEndian.Uint32(b[8:12]),
	}, nil
}
