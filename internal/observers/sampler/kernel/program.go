package kernel

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"

	"github.com/yairfalse/perfsampler/internal/observers/sampler/sample"
)

// ProgramName is the name of the tick handler in the collection.
const ProgramName = "sample_tick"

// Stack slots of the record built by the program, relative to the frame pointer.
const (
	recordOffset   = -int16(sample.Size)
	priorityOffset = recordOffset
	pidOffset      = recordOffset + 4
	cpuOffset      = recordOffset + 8
)

// bpfFCurrentCPU selects the perf buffer of the CPU the program runs on.
const bpfFCurrentCPU = 0xffffffff

// Instructions returns the tick handler. It reads the current CPU and the
// lower 32 bits of pid_tgid, builds a record on the stack and writes it
// with bpf_perf_event_output. The helper result is ignored.
func Instructions(secondaryRouting bool) asm.Instructions {
	insns := asm.Instructions{
		// r6 = ctx
		asm.Mov.Reg(asm.R6, asm.R1),

		asm.FnGetSmpProcessorId.Call(),
		asm.StoreMem(asm.RFP, cpuOffset, asm.R0, asm.Word),

		asm.FnGetCurrentPidTgid.Call(),
		asm.Mov.Reg32(asm.R7, asm.R0),
		asm.StoreMem(asm.RFP, pidOffset, asm.R7, asm.Word),

		asm.StoreImm(asm.RFP, priorityOffset, int64(sample.PriorityMain), asm.Word),
		asm.LoadMapPtr(asm.R2, 0).WithReference(sample.MainMap.MapName()),
		asm.JEq.Imm(asm.R7, 0, "emit"),

		asm.StoreImm(asm.RFP, priorityOffset, int64(sample.PrioritySecondary), asm.Word),
	}
	if secondaryRouting {
		insns = append(insns,
			asm.LoadMapPtr(asm.R2, 0).WithReference(sample.SecondaryMap.MapName()),
		)
	}

	insns = append(insns,
		asm.Mov.Reg(asm.R1, asm.R6).WithSymbol("emit"),
		asm.LoadImm(asm.R3, bpfFCurrentCPU, asm.DWord),
		asm.Mov.Reg(asm.R4, asm.RFP),
		asm.Add.Imm(asm.R4, int32(recordOffset)),
		asm.Mov.Imm(asm.R5, sample.Size),
		asm.FnPerfEventOutput.Call(),

		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	)
	return insns
}

// NewCollectionSpec describes the two channel maps and the tick handler.
// MaxEntries is left zero so the maps are sized to the possible CPUs.
func NewCollectionSpec(secondaryRouting bool) *ebpf.CollectionSpec {
	maps := make(map[string]*ebpf.MapSpec, len(sample.Channels))
	for _, ch := range sample.Channels {
		maps[ch.MapName()] = &ebpf.MapSpec{
			Name:      ch.MapName(),
			Type:      ebpf.PerfEventArray,
			KeySize:   4,
			ValueSize: 4,
		}
	}

	return &ebpf.CollectionSpec{
		Maps: maps,
		Programs: map[string]*ebpf.ProgramSpec{
			ProgramName: {
				Name:         ProgramName,
				Type:         ebpf.PerfEvent,
				License:      "GPL",
				Instructions: Instructions(secondaryRouting),
			},
		},
	}
}
