package sample

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordLayout(t *testing.T) {
	typ := reflect.TypeOf(Record{})

	assert.Equal(t, uintptr(Size), typ.Size(), "record must have no padding")
	assert.Equal(t, 3, typ.NumField())

	offsets := []uintptr{0, 4, 8}
	for i, want := range offsets {
		f := typ.Field(i)
		assert.Equal(t, want, f.Offset, "field %s offset", f.Name)
		assert.Equal(t, uintptr(4), f.Type.Size(), "field %s width", f.Name)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	records := []Record{
		{Priority: PriorityMain, PID: 0, CPU: 3},
		{Priority: PrioritySecondary, PID: 4821, CPU: 1},
		{Priority: Priority(7), PID: 1, CPU: 0},
		{Priority: PrioritySecondary, PID: ^uint32(0), CPU: ^uint32(0)},
	}

	for _, rec := range records {
		got, err := Unmarshal(rec.Bytes())
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	}
}

func TestUnmarshalShort(t *testing.T) {
	_, err := Unmarshal(make([]byte, Size-1))
	assert.ErrorIs(t, err, ErrShortRecord)

	err = Record{}.MarshalTo(make([]byte, 4))
	assert.ErrorIs(t, err, ErrShortRecord)
}

func TestPriorityKnown(t *testing.T) {
	assert.True(t, PriorityMain.Known())
	assert.True(t, PrioritySecondary.Known())
	assert.False(t, Priority(2).Known())
	assert.Equal(t, "unknown(7)", Priority(7).String())
}

func TestChannelMapNames(t *testing.T) {
	assert.Equal(t, "MAIN_MAP", MainMap.MapName())
	assert.Equal(t, "SECONDARY_MAP", SecondaryMap.MapName())
	assert.Equal(t, []ChannelID{MainMap, SecondaryMap}, Channels)
}
