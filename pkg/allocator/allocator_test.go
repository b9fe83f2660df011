package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hobbes-project/hobbes/pkg/hobbeserr"
	"github.com/hobbes-project/hobbes/pkg/registry"
	"github.com/hobbes-project/hobbes/pkg/types"
)

func newTestAllocator(t *testing.T, numCPUs, numBlocks int, blockSize uint64, numaNodes int) (*Allocator, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(registry.Config{
		DataDir:   t.TempDir(),
		NumCPUs:   numCPUs,
		NumBlocks: numBlocks,
		BlockSize: blockSize,
		NumaNodes: numaNodes,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return New(reg), reg
}

func TestAllocateCPUsPicksFreeAscending(t *testing.T) {
	alloc, reg := newTestAllocator(t, 4, 0, 0, 1)

	ids, err := alloc.AllocateCPUs(types.EnclaveID(1), 2, types.AnyNuma)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, ids)

	cpu, err := reg.CPU(0)
	require.NoError(t, err)
	assert.Equal(t, types.EnclaveID(1), cpu.EnclaveID)
}

func TestAllocateCPUsExhausted(t *testing.T) {
	alloc, _ := newTestAllocator(t, 2, 0, 0, 1)

	_, err := alloc.AllocateCPUs(types.EnclaveID(1), 3, types.AnyNuma)
	require.Error(t, err)
	assert.Equal(t, hobbeserr.KindResourceExhausted, hobbeserr.KindOf(err))
}

func TestAllocateCPUsPrefersRequestedNuma(t *testing.T) {
	alloc, reg := newTestAllocator(t, 4, 0, 0, 2)
	// CPUs 0,2 land on numa 0; 1,3 on numa 1 (i % numaNodes in bootstrap).

	ids, err := alloc.AllocateCPUs(types.EnclaveID(1), 1, 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	cpu, err := reg.CPU(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1, cpu.NumaNode)
}

func TestAllocateCPUsRejectsNonPositiveCount(t *testing.T) {
	alloc, _ := newTestAllocator(t, 2, 0, 0, 1)
	_, err := alloc.AllocateCPUs(types.EnclaveID(1), 0, types.AnyNuma)
	require.Error(t, err)
	assert.Equal(t, hobbeserr.KindInvalidArgument, hobbeserr.KindOf(err))
}

func TestFreeCPUsReleasesAll(t *testing.T) {
	alloc, reg := newTestAllocator(t, 3, 0, 0, 1)
	ids, err := alloc.AllocateCPUs(types.EnclaveID(1), 3, types.AnyNuma)
	require.NoError(t, err)

	require.NoError(t, alloc.FreeCPUs(ids))
	for _, id := range ids {
		cpu, err := reg.CPU(id)
		require.NoError(t, err)
		assert.Equal(t, types.CPUFree, cpu.EnclaveID)
	}
}

func TestAllocateMemoryFindsContiguousSpan(t *testing.T) {
	alloc, _ := newTestAllocator(t, 0, 8, 1024, 1)

	ids, err := alloc.AllocateMemory(types.EnclaveID(1), 2500, types.AnyNuma)
	require.NoError(t, err)
	// 1024*3 = 3072 >= 2500, so three contiguous blocks are needed.
	assert.Len(t, ids, 3)
	assert.Equal(t, []int{0, 1, 2}, ids)
}

func TestAllocateMemoryZeroSizeRejected(t *testing.T) {
	alloc, _ := newTestAllocator(t, 0, 4, 1024, 1)
	_, err := alloc.AllocateMemory(types.EnclaveID(1), 0, types.AnyNuma)
	require.Error(t, err)
	assert.Equal(t, hobbeserr.KindInvalidArgument, hobbeserr.KindOf(err))
}

func TestAllocateMemoryExhaustedWhenFragmented(t *testing.T) {
	alloc, reg := newTestAllocator(t, 0, 4, 1024, 1)
	// Own block 1 so blocks 0 and 2-3 are never contiguous with each other.
	require.NoError(t, reg.AssignMemoryBlocks([]int{1}, types.EnclaveID(99)))

	_, err := alloc.AllocateMemory(types.EnclaveID(1), 3000, types.AnyNuma)
	require.Error(t, err)
	assert.Equal(t, hobbeserr.KindResourceExhausted, hobbeserr.KindOf(err))
}

func TestAllocateMemoryRespectsNumaNode(t *testing.T) {
	alloc, reg := newTestAllocator(t, 0, 4, 1024, 2)
	// Blocks alternate numa 0,1,0,1.
	ids, err := alloc.AllocateMemory(types.EnclaveID(1), 1024, 1)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	block, err := reg.MemoryBlock(ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1, block.NumaNode)
}

func TestFreeMemoryReleasesBlocks(t *testing.T) {
	alloc, reg := newTestAllocator(t, 0, 4, 1024, 1)
	ids, err := alloc.AllocateMemory(types.EnclaveID(1), 2048, types.AnyNuma)
	require.NoError(t, err)

	require.NoError(t, alloc.FreeMemory(ids))
	for _, id := range ids {
		block, err := reg.MemoryBlock(id)
		require.NoError(t, err)
		assert.Equal(t, types.CPUFree, block.EnclaveID)
	}
}
