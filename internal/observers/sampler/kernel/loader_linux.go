//go:build linux

package kernel

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

// Objects are the loaded kernel objects.
type Objects struct {
	Program *ebpf.Program
	Maps    map[sample.ChannelID]*ebpf.Map

	coll *ebpf.Collection
}

// Load removes the memlock limit and loads the tick handler with both channel maps.
func Load(secondaryRouting bool) (*Objects, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("failed to remove memlock limit: %w", err)
	}

	coll, err := ebpf.NewCollection(NewCollectionSpec(secondaryRouting))
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			return nil, fmt.Errorf("verifier rejected %s: %+v", ProgramName, verr)
		}
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}

	prog, ok := coll.Programs[ProgramName]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("program %s not found in collection", ProgramName)
	}

	objs := &Objects{
		Program: prog,
		Maps:    make(map[sample.ChannelID]*ebpf.Map, len(sample.Channels)),
		coll:    coll,
	}
	for _, ch := range sample.Channels {
		m, ok := coll.Maps[ch.MapName()]
		if !ok {
			coll.Close()
			return nil, fmt.Errorf("map %s not found in collection", ch.MapName())
		}
		objs.Maps[ch] = m
	}
	return objs, nil
}

// Close releases the program and maps.
func (o *Objects) Close() error {
	if o.coll != nil {
		o.coll.Close()
	}
	return nil
}
