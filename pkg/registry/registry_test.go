package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hobbes-project/hobbes/pkg/hobbeserr"
	"github.com/hobbes-project/hobbes/pkg/types"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(Config{
		DataDir:   t.TempDir(),
		NumCPUs:   4,
		NumBlocks: 8,
		BlockSize: 1024,
		NumaNodes: 2,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestOpenBootstrapsSystemAndMaster(t *testing.T) {
	reg := newTestRegistry(t)

	sys, err := reg.System()
	require.NoError(t, err)
	assert.Equal(t, 4, sys.NumCPUs)
	assert.Equal(t, 8, sys.NumBlocks)
	assert.Equal(t, uint64(types.MasterID)+1, sys.NextEnclaveID)
	assert.Equal(t, uint64(1), sys.NextAppID)

	master, err := reg.Enclave(types.MasterID)
	require.NoError(t, err)
	assert.Equal(t, types.EnclaveStateRunning, master.State)
	assert.Equal(t, types.EnclaveLinux, master.Type)

	cpus, err := reg.ListCPUs()
	require.NoError(t, err)
	assert.Len(t, cpus, 4)

	blocks, err := reg.ListMemoryBlocks()
	require.NoError(t, err)
	assert.Len(t, blocks, 8)
}

func TestOpenTwiceDoesNotRebootstrap(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(Config{DataDir: dir, NumCPUs: 2, NumBlocks: 2, BlockSize: 4096})
	require.NoError(t, err)

	id, err := reg.AllocateEnclaveID()
	require.NoError(t, err)
	require.NoError(t, reg.Close())

	reg2, err := Open(Config{DataDir: dir, NumCPUs: 99, NumBlocks: 99, BlockSize: 1})
	require.NoError(t, err)
	defer reg2.Close()

	sys, err := reg2.System()
	require.NoError(t, err)
	assert.Equal(t, 2, sys.NumCPUs, "second Open must not overwrite the persisted header")

	nextID, err := reg2.AllocateEnclaveID()
	require.NoError(t, err)
	assert.Equal(t, id+1, nextID, "id counter must survive a close/reopen cycle")
}

func TestAllocateEnclaveIDMonotonic(t *testing.T) {
	reg := newTestRegistry(t)

	var ids []types.EnclaveID
	for i := 0; i < 5; i++ {
		id, err := reg.AllocateEnclaveID()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		assert.Equal(t, ids[i-1]+1, ids[i])
	}
	assert.Equal(t, types.EnclaveID(1), ids[0], "first allocated id must be MasterID+1")
}

func TestAllocateEnclaveIDNeverReissuedAfterDelete(t *testing.T) {
	reg := newTestRegistry(t)

	id, err := reg.AllocateEnclaveID()
	require.NoError(t, err)
	require.NoError(t, reg.CreateEnclave(types.Enclave{ID: id, Name: "e", Type: types.EnclaveLWK}))
	require.NoError(t, reg.DeleteEnclave(id))

	next, err := reg.AllocateEnclaveID()
	require.NoError(t, err)
	assert.NotEqual(t, id, next)
	assert.Greater(t, uint64(next), uint64(id))
}

func TestCreateEnclaveRejectsDuplicateID(t *testing.T) {
	reg := newTestRegistry(t)
	enc := types.Enclave{ID: 50, Name: "dup", Type: types.EnclaveLWK}
	require.NoError(t, reg.CreateEnclave(enc))

	err := reg.CreateEnclave(enc)
	require.Error(t, err)
	assert.Equal(t, hobbeserr.KindAlreadyExists, hobbeserr.KindOf(err))
}

func TestEnclaveNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Enclave(types.EnclaveID(999))
	require.Error(t, err)
	assert.Equal(t, hobbeserr.KindNotFound, hobbeserr.KindOf(err))
}

func TestUpdateEnclaveStateMutatesAndStamps(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateEnclave(types.Enclave{ID: 7, Name: "e7", Type: types.EnclaveLWK, State: types.EnclaveStateInitialized}))

	err := reg.UpdateEnclaveState(7, func(e *types.Enclave) error {
		e.State = types.EnclaveStateRunning
		return nil
	})
	require.NoError(t, err)

	enc, err := reg.Enclave(7)
	require.NoError(t, err)
	assert.Equal(t, types.EnclaveStateRunning, enc.State)
	assert.False(t, enc.UpdatedAt.IsZero())
}

func TestUpdateEnclaveStatePropagatesMutateError(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.CreateEnclave(types.Enclave{ID: 8, Name: "e8", Type: types.EnclaveLWK}))

	sentinel := hobbeserr.New(hobbeserr.KindConflict, "refused")
	err := reg.UpdateEnclaveState(8, func(e *types.Enclave) error {
		return sentinel
	})
	assert.Equal(t, sentinel, err)
}

func TestAssignAndFreeCPU(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.AssignCPU(0, types.EnclaveID(5)))

	cpu, err := reg.CPU(0)
	require.NoError(t, err)
	assert.Equal(t, types.EnclaveID(5), cpu.EnclaveID)

	err = reg.AssignCPU(0, types.EnclaveID(6))
	require.Error(t, err)
	assert.Equal(t, hobbeserr.KindConflict, hobbeserr.KindOf(err))

	require.NoError(t, reg.FreeCPU(0))
	cpu, err = reg.CPU(0)
	require.NoError(t, err)
	assert.Equal(t, types.CPUFree, cpu.EnclaveID)

	err = reg.FreeCPU(0)
	require.Error(t, err)
	assert.Equal(t, hobbeserr.KindConflict, hobbeserr.KindOf(err))
}

func TestAssignMemoryBlocksAllOrNothing(t *testing.T) {
	reg := newTestRegistry(t)
	require.NoError(t, reg.AssignMemoryBlocks([]int{0, 1}, types.EnclaveID(9)))

	// One of the ids is already owned, so the whole batch must fail and
	// leave block 2 untouched.
	err := reg.AssignMemoryBlocks([]int{1, 2}, types.EnclaveID(10))
	require.Error(t, err)

	block2, err := reg.MemoryBlock(2)
	require.NoError(t, err)
	assert.Equal(t, types.CPUFree, block2.EnclaveID, "partial failure must not assign block 2")
}

func TestApplicationLifecycleRows(t *testing.T) {
	reg := newTestRegistry(t)
	app := types.Application{ID: 1, Name: "proc", EnclaveID: types.MasterID}
	require.NoError(t, reg.CreateApplication(app))

	err := reg.CreateApplication(app)
	require.Error(t, err)
	assert.Equal(t, hobbeserr.KindAlreadyExists, hobbeserr.KindOf(err))

	got, err := reg.Application(1)
	require.NoError(t, err)
	assert.Equal(t, "proc", got.Name)

	require.NoError(t, reg.DeleteApplication(1))
	_, err = reg.Application(1)
	require.Error(t, err)
	assert.Equal(t, hobbeserr.KindNotFound, hobbeserr.KindOf(err))
}

func TestSegmentLifecycleRows(t *testing.T) {
	reg := newTestRegistry(t)
	seg := types.Segment{ID: 1, Name: "seg-1", Size: 4096, OwnerID: types.MasterID}
	require.NoError(t, reg.CreateSegment(seg))

	got, err := reg.Segment(1)
	require.NoError(t, err)
	assert.Equal(t, "seg-1", got.Name)

	require.NoError(t, reg.DeleteSegment(1))
	_, err = reg.Segment(1)
	require.Error(t, err)
}
