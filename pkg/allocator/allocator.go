// Package allocator assigns physical CPUs and memory blocks to enclaves.
// It carries no state of its own: every decision reads the current
// Registry rows, picks a candidate set, and asks the Registry to commit
// that set atomically. This mirrors the teacher's scheduler, which reads
// manager state fresh on every cycle rather than caching a local view
// that could drift from the store.
package allocator

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/hobbes-project/hobbes/pkg/hlog"
	"github.com/hobbes-project/hobbes/pkg/hobbeserr"
	"github.com/hobbes-project/hobbes/pkg/metrics"
	"github.com/hobbes-project/hobbes/pkg/registry"
	"github.com/hobbes-project/hobbes/pkg/types"
)

// Allocator selects CPUs and memory blocks for enclaves and hands the
// selection to the Registry to commit.
type Allocator struct {
	reg    *registry.Registry
	logger zerolog.Logger
}

// New creates an Allocator over reg.
func New(reg *registry.Registry) *Allocator {
	return &Allocator{reg: reg, logger: hlog.WithComponent("allocator")}
}

// AllocateCPUs picks count free CPUs for enclaveID, preferring numaNode
// (types.AnyNuma for no preference) and filling up from other nodes when
// it has too few, and assigns them. Returns the assigned CPU ids in
// ascending order, or KindResourceExhausted if fewer than count free CPUs
// exist across all nodes.
func (a *Allocator) AllocateCPUs(enclaveID types.EnclaveID, count int, numaNode int) ([]int, error) {
	if count <= 0 {
		return nil, hobbeserr.New(hobbeserr.KindInvalidArgument, "cpu count must be positive")
	}

	cpus, err := a.reg.ListCPUs()
	if err != nil {
		return nil, err
	}

	var local, other []int
	for _, cpu := range cpus {
		if cpu.Reserved || cpu.EnclaveID != types.CPUFree {
			continue
		}
		if numaNode != types.AnyNuma && cpu.NumaNode == numaNode {
			local = append(local, cpu.ID)
		} else {
			other = append(other, cpu.ID)
		}
	}
	sort.Ints(local)
	sort.Ints(other)

	candidates := append(local, other...)
	if len(candidates) < count {
		metrics.AllocationsTotal.WithLabelValues("cpu", "exhausted").Inc()
		return nil, hobbeserr.New(hobbeserr.KindResourceExhausted,
			fmt.Sprintf("requested %d cpus, %d free", count, len(candidates)))
	}
	chosen := candidates[:count]
	sort.Ints(chosen)

	for _, id := range chosen {
		if err := a.reg.AssignCPU(id, enclaveID); err != nil {
			a.rollbackCPUs(chosen, id)
			metrics.AllocationsTotal.WithLabelValues("cpu", "error").Inc()
			return nil, err
		}
	}

	metrics.AllocationsTotal.WithLabelValues("cpu", "success").Inc()
	return chosen, nil
}

// rollbackCPUs frees every id in chosen up to (not including) failedAt,
// used when AssignCPU fails partway through a multi-CPU allocation.
func (a *Allocator) rollbackCPUs(chosen []int, failedAt int) {
	for _, id := range chosen {
		if id == failedAt {
			return
		}
		if err := a.reg.FreeCPU(id); err != nil {
			a.logger.Error().Err(err).Int("cpu", id).Msg("failed to roll back partial cpu allocation")
		}
	}
}

// FreeCPUs releases a set of CPUs. Each is freed independently; a failure
// on one does not block freeing the rest.
func (a *Allocator) FreeCPUs(ids []int) error {
	var firstErr error
	for _, id := range ids {
		if err := a.reg.FreeCPU(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// AllocateMemory picks a contiguous span of blocks totalling at least
// size bytes on numaNode (types.AnyNuma for no preference) and assigns
// them to enclaveID. Contiguity is required so the caller can hand the
// guest or LWK partition one physical address range, matching the
// physical-contiguity constraint on memory block allocation.
func (a *Allocator) AllocateMemory(enclaveID types.EnclaveID, size uint64, numaNode int) ([]int, error) {
	if size == 0 {
		return nil, hobbeserr.New(hobbeserr.KindInvalidArgument, "memory size must be positive")
	}

	blocks, err := a.reg.ListMemoryBlocks()
	if err != nil {
		return nil, err
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].ID < blocks[j].ID })

	span, err := findContiguousSpan(blocks, size, numaNode)
	if err != nil {
		metrics.AllocationsTotal.WithLabelValues("memory", "exhausted").Inc()
		return nil, err
	}

	if err := a.reg.AssignMemoryBlocks(span, enclaveID); err != nil {
		metrics.AllocationsTotal.WithLabelValues("memory", "error").Inc()
		return nil, err
	}

	metrics.AllocationsTotal.WithLabelValues("memory", "success").Inc()
	return span, nil
}

// AllocateMemoryAt assigns the contiguous run of blocks starting exactly
// at baseAddr and totalling at least size bytes to enclaveID, for
// regions that pin to a specific, pre-known host physical address rather
// than accepting whatever span AllocateMemory finds. Returns
// KindResourceExhausted if no free block starts at baseAddr, or if the
// blocks from there on are not contiguous/free/large enough.
func (a *Allocator) AllocateMemoryAt(enclaveID types.EnclaveID, baseAddr uint64, size uint64) ([]int, error) {
	if size == 0 {
		return nil, hobbeserr.New(hobbeserr.KindInvalidArgument, "memory size must be positive")
	}

	blocks, err := a.reg.ListMemoryBlocks()
	if err != nil {
		return nil, err
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].ID < blocks[j].ID })

	span, err := findSpanAt(blocks, baseAddr, size)
	if err != nil {
		metrics.AllocationsTotal.WithLabelValues("memory", "exhausted").Inc()
		return nil, err
	}

	if err := a.reg.AssignMemoryBlocks(span, enclaveID); err != nil {
		metrics.AllocationsTotal.WithLabelValues("memory", "error").Inc()
		return nil, err
	}

	metrics.AllocationsTotal.WithLabelValues("memory", "success").Inc()
	return span, nil
}

// findSpanAt walks blocks in id order looking for the free, unreserved,
// contiguous run that starts at the block whose Addr equals baseAddr and
// covers at least size bytes.
func findSpanAt(blocks []types.MemoryBlock, baseAddr uint64, size uint64) ([]int, error) {
	var run []int
	var runSize uint64
	started := false
	var lastID = -2

	for _, block := range blocks {
		free := !block.Reserved && block.EnclaveID == types.CPUFree

		if !started {
			if block.Addr != baseAddr {
				continue
			}
			if !free {
				break
			}
			started = true
			run = append(run, block.ID)
			runSize = block.Size
			lastID = block.ID
			if runSize >= size {
				return run, nil
			}
			continue
		}

		if !free || block.ID != lastID+1 {
			break
		}
		run = append(run, block.ID)
		runSize += block.Size
		lastID = block.ID
		if runSize >= size {
			return run, nil
		}
	}

	return nil, hobbeserr.New(hobbeserr.KindResourceExhausted,
		fmt.Sprintf("no free contiguous span of %d bytes available starting at address 0x%x", size, baseAddr))
}

// findContiguousSpan walks blocks in id order looking for a run of free,
// unreserved, same-NUMA blocks whose combined size meets size. Blocks in
// the pack are assumed same-size and contiguous when their ids are
// consecutive, mirroring the C allocator's block array.
func findContiguousSpan(blocks []types.MemoryBlock, size uint64, numaNode int) ([]int, error) {
	var run []int
	var runSize uint64
	var runNuma int
	var lastID = -2

	flush := func() {
		run = nil
		runSize = 0
	}

	for _, block := range blocks {
		free := !block.Reserved && block.EnclaveID == types.CPUFree
		numaOK := numaNode == types.AnyNuma || block.NumaNode == numaNode
		contiguous := block.ID == lastID+1 && (len(run) == 0 || block.NumaNode == runNuma)

		if !free || !numaOK || !contiguous {
			flush()
			if free && numaOK {
				run = append(run, block.ID)
				runSize = block.Size
				runNuma = block.NumaNode
			}
			lastID = block.ID
			if runSize >= size {
				return run, nil
			}
			continue
		}

		if len(run) == 0 {
			runNuma = block.NumaNode
		}
		run = append(run, block.ID)
		runSize += block.Size
		lastID = block.ID

		if runSize >= size {
			return run, nil
		}
	}

	return nil, hobbeserr.New(hobbeserr.KindResourceExhausted,
		fmt.Sprintf("no contiguous span of %d bytes available on numa node %d", size, numaNode))
}

// FreeMemory releases a set of memory blocks back to the free pool.
func (a *Allocator) FreeMemory(ids []int) error {
	return a.reg.FreeMemoryBlocks(ids)
}
