package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hobbes-project/hobbes/pkg/hlog"
	"github.com/hobbes-project/hobbes/pkg/hobbeserr"
	"github.com/hobbes-project/hobbes/pkg/types"
)

// Config controls how a fresh Registry is bootstrapped on first open. On
// every open after the first, these fields are ignored and the System row
// already on disk wins.
type Config struct {
	DataDir   string
	NumCPUs   int
	NumBlocks int
	BlockSize uint64
	NumaNodes int // number of NUMA nodes CPUs/blocks are striped across
}

// Registry is the shared-memory row store. Every exported method is one
// lock acquisition, the Store reads and writes it needs, and one lock
// release: no method
// holds a lock across an I/O wait or another lock acquisition, so there is
// no lock-ordering deadlock to reason about between row kinds.
type Registry struct {
	store Store

	sysMu     sync.RWMutex
	cpuMu     sync.RWMutex
	memMu     sync.RWMutex
	enclaveMu sync.RWMutex
	appMu     sync.RWMutex
	segMu     sync.RWMutex

	logger zerolog.Logger
}

// Open opens (or creates) the registry database at cfg.DataDir. On first
// open it writes the System header row and a Master enclave row; on
// subsequent opens it verifies the System row already exists and leaves
// it untouched.
func Open(cfg Config) (*Registry, error) {
	store, err := OpenBoltStore(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	r := &Registry{store: store, logger: hlog.WithComponent("registry")}

	if _, err := store.GetSystem(); err != nil {
		if err := r.bootstrap(cfg); err != nil {
			store.Close()
			return nil, err
		}
	}

	return r, nil
}

func (r *Registry) bootstrap(cfg Config) error {
	sys := &types.System{
		NumCPUs:       cfg.NumCPUs,
		NumBlocks:     cfg.NumBlocks,
		BlockSize:     cfg.BlockSize,
		InitTime:      time.Now(),
		Version:       "1",
		NextEnclaveID: uint64(types.MasterID) + 1,
		NextAppID:     1,
		NextSegmentID: 1,
	}
	if err := r.store.PutSystem(sys); err != nil {
		return fmt.Errorf("registry: writing system header: %w", err)
	}

	numaNodes := cfg.NumaNodes
	if numaNodes < 1 {
		numaNodes = 1
	}

	for i := 0; i < cfg.NumCPUs; i++ {
		cpu := &types.CPU{ID: i, NumaNode: i % numaNodes, EnclaveID: types.CPUFree}
		if err := r.store.PutCPU(cpu); err != nil {
			return fmt.Errorf("registry: writing cpu %d: %w", i, err)
		}
	}

	for i := 0; i < cfg.NumBlocks; i++ {
		block := &types.MemoryBlock{
			ID:        i,
			NumaNode:  i % numaNodes,
			Addr:      uint64(i) * cfg.BlockSize,
			Size:      cfg.BlockSize,
			EnclaveID: types.CPUFree,
		}
		if err := r.store.PutMemoryBlock(block); err != nil {
			return fmt.Errorf("registry: writing memory block %d: %w", i, err)
		}
	}

	master := &types.Enclave{
		ID:        types.MasterID,
		Name:      "master",
		Type:      types.EnclaveLinux,
		State:     types.EnclaveStateRunning,
		ParentID:  types.MasterID,
		NumaNode:  types.AnyNuma,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := r.store.PutEnclave(master); err != nil {
		return fmt.Errorf("registry: writing master enclave row: %w", err)
	}

	return nil
}

// Close releases the backing store.
func (r *Registry) Close() error {
	return r.store.Close()
}

// System returns a copy of the system header row.
func (r *Registry) System() (types.System, error) {
	r.sysMu.RLock()
	defer r.sysMu.RUnlock()
	sys, err := r.store.GetSystem()
	if err != nil {
		return types.System{}, hobbeserr.Wrap(hobbeserr.KindNotFound, err, "system header")
	}
	return *sys, nil
}

// CPU returns a copy of one CPU row.
func (r *Registry) CPU(id int) (types.CPU, error) {
	r.cpuMu.RLock()
	defer r.cpuMu.RUnlock()
	cpu, err := r.store.GetCPU(id)
	if err != nil {
		return types.CPU{}, hobbeserr.Wrap(hobbeserr.KindNotFound, err, fmt.Sprintf("cpu %d", id))
	}
	return *cpu, nil
}

// ListCPUs returns a copy of every CPU row.
func (r *Registry) ListCPUs() ([]types.CPU, error) {
	r.cpuMu.RLock()
	defer r.cpuMu.RUnlock()
	rows, err := r.store.ListCPUs()
	if err != nil {
		return nil, hobbeserr.Wrap(hobbeserr.KindUnavailable, err, "listing cpus")
	}
	out := make([]types.CPU, len(rows))
	for i, c := range rows {
		out[i] = *c
	}
	return out, nil
}

// AssignCPU atomically assigns a free CPU to an enclave. Returns
// KindConflict if the CPU is already owned or reserved.
func (r *Registry) AssignCPU(id int, enclaveID types.EnclaveID) error {
	r.cpuMu.Lock()
	defer r.cpuMu.Unlock()

	cpu, err := r.store.GetCPU(id)
	if err != nil {
		return hobbeserr.Wrap(hobbeserr.KindNotFound, err, fmt.Sprintf("cpu %d", id))
	}
	if cpu.Reserved {
		return hobbeserr.New(hobbeserr.KindConflict, fmt.Sprintf("cpu %d is reserved", id))
	}
	if cpu.EnclaveID != types.CPUFree {
		return hobbeserr.New(hobbeserr.KindConflict, fmt.Sprintf("cpu %d already owned by enclave %d", id, cpu.EnclaveID))
	}
	cpu.EnclaveID = enclaveID
	if err := r.store.PutCPU(cpu); err != nil {
		return r.catastrophic("assigning cpu", err)
	}
	return nil
}

// FreeCPU atomically releases a CPU back to the free pool. Returns
// KindConflict on a double free.
func (r *Registry) FreeCPU(id int) error {
	r.cpuMu.Lock()
	defer r.cpuMu.Unlock()

	cpu, err := r.store.GetCPU(id)
	if err != nil {
		return hobbeserr.Wrap(hobbeserr.KindNotFound, err, fmt.Sprintf("cpu %d", id))
	}
	if cpu.EnclaveID == types.CPUFree {
		return hobbeserr.New(hobbeserr.KindConflict, fmt.Sprintf("cpu %d already free", id))
	}
	cpu.EnclaveID = types.CPUFree
	if err := r.store.PutCPU(cpu); err != nil {
		return r.catastrophic("freeing cpu", err)
	}
	return nil
}

// MemoryBlock returns a copy of one memory block row.
func (r *Registry) MemoryBlock(id int) (types.MemoryBlock, error) {
	r.memMu.RLock()
	defer r.memMu.RUnlock()
	block, err := r.store.GetMemoryBlock(id)
	if err != nil {
		return types.MemoryBlock{}, hobbeserr.Wrap(hobbeserr.KindNotFound, err, fmt.Sprintf("memory block %d", id))
	}
	return *block, nil
}

// ListMemoryBlocks returns a copy of every memory block row.
func (r *Registry) ListMemoryBlocks() ([]types.MemoryBlock, error) {
	r.memMu.RLock()
	defer r.memMu.RUnlock()
	rows, err := r.store.ListMemoryBlocks()
	if err != nil {
		return nil, hobbeserr.Wrap(hobbeserr.KindUnavailable, err, "listing memory blocks")
	}
	out := make([]types.MemoryBlock, len(rows))
	for i, b := range rows {
		out[i] = *b
	}
	return out, nil
}

// AssignMemoryBlocks atomically assigns a set of free blocks to an
// enclave, all-or-nothing. Used by the allocator once it has picked a
// contiguous span; holding memMu across the whole span makes checking and
// assigning every block one operation. The allocator's selection is an
// earlier, separate read, so a block taken by a concurrent allocation in
// between makes this call fail with KindConflict and assign nothing.
func (r *Registry) AssignMemoryBlocks(ids []int, enclaveID types.EnclaveID) error {
	r.memMu.Lock()
	defer r.memMu.Unlock()

	blocks := make([]*types.MemoryBlock, 0, len(ids))
	for _, id := range ids {
		block, err := r.store.GetMemoryBlock(id)
		if err != nil {
			return hobbeserr.Wrap(hobbeserr.KindNotFound, err, fmt.Sprintf("memory block %d", id))
		}
		if block.Reserved {
			return hobbeserr.New(hobbeserr.KindConflict, fmt.Sprintf("memory block %d is reserved", id))
		}
		if block.EnclaveID != types.CPUFree {
			return hobbeserr.New(hobbeserr.KindConflict, fmt.Sprintf("memory block %d already owned by enclave %d", id, block.EnclaveID))
		}
		blocks = append(blocks, block)
	}

	for _, block := range blocks {
		block.EnclaveID = enclaveID
		if err := r.store.PutMemoryBlock(block); err != nil {
			return r.catastrophic("assigning memory block", err)
		}
	}
	return nil
}

// FreeMemoryBlocks atomically releases a set of blocks back to the free
// pool, all-or-nothing.
func (r *Registry) FreeMemoryBlocks(ids []int) error {
	r.memMu.Lock()
	defer r.memMu.Unlock()

	blocks := make([]*types.MemoryBlock, 0, len(ids))
	for _, id := range ids {
		block, err := r.store.GetMemoryBlock(id)
		if err != nil {
			return hobbeserr.Wrap(hobbeserr.KindNotFound, err, fmt.Sprintf("memory block %d", id))
		}
		if block.EnclaveID == types.CPUFree {
			return hobbeserr.New(hobbeserr.KindConflict, fmt.Sprintf("memory block %d already free", id))
		}
		blocks = append(blocks, block)
	}

	for _, block := range blocks {
		block.EnclaveID = types.CPUFree
		if err := r.store.PutMemoryBlock(block); err != nil {
			return r.catastrophic("freeing memory block", err)
		}
	}
	return nil
}

// AllocateEnclaveID hands out the next monotonically increasing enclave
// id and persists the counter so the id is never reissued, even across a
// create/delete cycle. MasterID itself is assigned once at bootstrap and
// never through this path.
func (r *Registry) AllocateEnclaveID() (types.EnclaveID, error) {
	r.sysMu.Lock()
	defer r.sysMu.Unlock()
	sys, err := r.store.GetSystem()
	if err != nil {
		return 0, hobbeserr.Wrap(hobbeserr.KindNotFound, err, "system header")
	}
	id := sys.NextEnclaveID
	sys.NextEnclaveID++
	if err := r.store.PutSystem(sys); err != nil {
		return 0, r.catastrophic("allocating enclave id", err)
	}
	return types.EnclaveID(id), nil
}

// AllocateApplicationID hands out the next monotonically increasing
// application id.
func (r *Registry) AllocateApplicationID() (types.AppID, error) {
	r.sysMu.Lock()
	defer r.sysMu.Unlock()
	sys, err := r.store.GetSystem()
	if err != nil {
		return 0, hobbeserr.Wrap(hobbeserr.KindNotFound, err, "system header")
	}
	id := sys.NextAppID
	sys.NextAppID++
	if err := r.store.PutSystem(sys); err != nil {
		return 0, r.catastrophic("allocating application id", err)
	}
	return types.AppID(id), nil
}

// AllocateSegmentID hands out the next monotonically increasing segment id.
func (r *Registry) AllocateSegmentID() (types.SegmentID, error) {
	r.sysMu.Lock()
	defer r.sysMu.Unlock()
	sys, err := r.store.GetSystem()
	if err != nil {
		return 0, hobbeserr.Wrap(hobbeserr.KindNotFound, err, "system header")
	}
	id := sys.NextSegmentID
	sys.NextSegmentID++
	if err := r.store.PutSystem(sys); err != nil {
		return 0, r.catastrophic("allocating segment id", err)
	}
	return types.SegmentID(id), nil
}

// CreateEnclave inserts a new enclave row. Returns KindAlreadyExists if
// the id is taken.
func (r *Registry) CreateEnclave(enc types.Enclave) error {
	r.enclaveMu.Lock()
	defer r.enclaveMu.Unlock()

	if _, err := r.store.GetEnclave(enc.ID); err == nil {
		return hobbeserr.New(hobbeserr.KindAlreadyExists, fmt.Sprintf("enclave %d already exists", enc.ID))
	}
	enc.CreatedAt = time.Now()
	enc.UpdatedAt = enc.CreatedAt
	if err := r.store.PutEnclave(&enc); err != nil {
		return r.catastrophic("creating enclave", err)
	}
	return nil
}

// Enclave returns a copy of one enclave row.
func (r *Registry) Enclave(id types.EnclaveID) (types.Enclave, error) {
	r.enclaveMu.RLock()
	defer r.enclaveMu.RUnlock()
	enc, err := r.store.GetEnclave(id)
	if err != nil {
		return types.Enclave{}, hobbeserr.Wrap(hobbeserr.KindNotFound, err, fmt.Sprintf("enclave %d", id))
	}
	return *enc, nil
}

// ListEnclaves returns a copy of every enclave row.
func (r *Registry) ListEnclaves() ([]types.Enclave, error) {
	r.enclaveMu.RLock()
	defer r.enclaveMu.RUnlock()
	rows, err := r.store.ListEnclaves()
	if err != nil {
		return nil, hobbeserr.Wrap(hobbeserr.KindUnavailable, err, "listing enclaves")
	}
	out := make([]types.Enclave, len(rows))
	for i, e := range rows {
		out[i] = *e
	}
	return out, nil
}

// UpdateEnclaveState performs a read-modify-write state transition,
// giving the caller a chance to validate the old state before committing.
func (r *Registry) UpdateEnclaveState(id types.EnclaveID, mutate func(*types.Enclave) error) error {
	r.enclaveMu.Lock()
	defer r.enclaveMu.Unlock()

	enc, err := r.store.GetEnclave(id)
	if err != nil {
		return hobbeserr.Wrap(hobbeserr.KindNotFound, err, fmt.Sprintf("enclave %d", id))
	}
	if err := mutate(enc); err != nil {
		return err
	}
	enc.UpdatedAt = time.Now()
	if err := r.store.PutEnclave(enc); err != nil {
		return r.catastrophic("updating enclave", err)
	}
	return nil
}

// DeleteEnclave removes an enclave row. Callers must free its CPUs and
// memory blocks first; DeleteEnclave does not cascade.
func (r *Registry) DeleteEnclave(id types.EnclaveID) error {
	r.enclaveMu.Lock()
	defer r.enclaveMu.Unlock()
	if _, err := r.store.GetEnclave(id); err != nil {
		return hobbeserr.Wrap(hobbeserr.KindNotFound, err, fmt.Sprintf("enclave %d", id))
	}
	if err := r.store.DeleteEnclave(id); err != nil {
		return r.catastrophic("deleting enclave", err)
	}
	return nil
}

// CreateApplication inserts a new application row.
func (r *Registry) CreateApplication(app types.Application) error {
	r.appMu.Lock()
	defer r.appMu.Unlock()

	if _, err := r.store.GetApplication(app.ID); err == nil {
		return hobbeserr.New(hobbeserr.KindAlreadyExists, fmt.Sprintf("application %d already exists", app.ID))
	}
	app.CreatedAt = time.Now()
	app.UpdatedAt = app.CreatedAt
	if err := r.store.PutApplication(&app); err != nil {
		return r.catastrophic("creating application", err)
	}
	return nil
}

// Application returns a copy of one application row.
func (r *Registry) Application(id types.AppID) (types.Application, error) {
	r.appMu.RLock()
	defer r.appMu.RUnlock()
	app, err := r.store.GetApplication(id)
	if err != nil {
		return types.Application{}, hobbeserr.Wrap(hobbeserr.KindNotFound, err, fmt.Sprintf("application %d", id))
	}
	return *app, nil
}

// ListApplicationsByEnclave returns a copy of every application row
// launched into the given enclave.
func (r *Registry) ListApplicationsByEnclave(enclaveID types.EnclaveID) ([]types.Application, error) {
	r.appMu.RLock()
	defer r.appMu.RUnlock()
	rows, err := r.store.ListApplicationsByEnclave(enclaveID)
	if err != nil {
		return nil, hobbeserr.Wrap(hobbeserr.KindUnavailable, err, "listing applications")
	}
	out := make([]types.Application, len(rows))
	for i, a := range rows {
		out[i] = *a
	}
	return out, nil
}

// UpdateApplicationState performs a read-modify-write state transition.
func (r *Registry) UpdateApplicationState(id types.AppID, mutate func(*types.Application) error) error {
	r.appMu.Lock()
	defer r.appMu.Unlock()

	app, err := r.store.GetApplication(id)
	if err != nil {
		return hobbeserr.Wrap(hobbeserr.KindNotFound, err, fmt.Sprintf("application %d", id))
	}
	if err := mutate(app); err != nil {
		return err
	}
	app.UpdatedAt = time.Now()
	if err := r.store.PutApplication(app); err != nil {
		return r.catastrophic("updating application", err)
	}
	return nil
}

// DeleteApplication removes an application row.
func (r *Registry) DeleteApplication(id types.AppID) error {
	r.appMu.Lock()
	defer r.appMu.Unlock()
	if _, err := r.store.GetApplication(id); err != nil {
		return hobbeserr.Wrap(hobbeserr.KindNotFound, err, fmt.Sprintf("application %d", id))
	}
	if err := r.store.DeleteApplication(id); err != nil {
		return r.catastrophic("deleting application", err)
	}
	return nil
}

// CreateSegment inserts a new segment row.
func (r *Registry) CreateSegment(seg types.Segment) error {
	r.segMu.Lock()
	defer r.segMu.Unlock()
	if _, err := r.store.GetSegment(seg.ID); err == nil {
		return hobbeserr.New(hobbeserr.KindAlreadyExists, fmt.Sprintf("segment %d already exists", seg.ID))
	}
	seg.CreatedAt = time.Now()
	if err := r.store.PutSegment(&seg); err != nil {
		return r.catastrophic("creating segment", err)
	}
	return nil
}

// Segment returns a copy of one segment row.
func (r *Registry) Segment(id types.SegmentID) (types.Segment, error) {
	r.segMu.RLock()
	defer r.segMu.RUnlock()
	seg, err := r.store.GetSegment(id)
	if err != nil {
		return types.Segment{}, hobbeserr.Wrap(hobbeserr.KindNotFound, err, fmt.Sprintf("segment %d", id))
	}
	return *seg, nil
}

// ListSegments returns every segment row, for callers (the memory-sharing
// collaborator, operator tooling) that need to enumerate current exports
// rather than look one up by id.
func (r *Registry) ListSegments() ([]types.Segment, error) {
	r.segMu.RLock()
	defer r.segMu.RUnlock()
	segs, err := r.store.ListSegments()
	if err != nil {
		return nil, r.catastrophic("listing segments", err)
	}
	out := make([]types.Segment, len(segs))
	for i, s := range segs {
		out[i] = *s
	}
	return out, nil
}

// DeleteSegment removes a segment row.
func (r *Registry) DeleteSegment(id types.SegmentID) error {
	r.segMu.Lock()
	defer r.segMu.Unlock()
	if _, err := r.store.GetSegment(id); err != nil {
		return hobbeserr.Wrap(hobbeserr.KindNotFound, err, fmt.Sprintf("segment %d", id))
	}
	if err := r.store.DeleteSegment(id); err != nil {
		return r.catastrophic("deleting segment", err)
	}
	return nil
}

// catastrophic wraps a Store-layer failure (disk full, corrupt page, bolt
// internal invariant violation) as KindCatastrophic. The caller's lock is
// still held and released normally by its own defer. The error goes back
// to the caller like any other; an HCQ handler that receives it answers
// with RetError, and the init task loop keeps dispatching.
func (r *Registry) catastrophic(op string, err error) error {
	r.logger.Error().Err(err).Str("op", op).Msg("registry store operation failed")
	return hobbeserr.Wrap(hobbeserr.KindCatastrophic, err, op)
}
