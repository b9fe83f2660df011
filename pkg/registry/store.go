// Package registry implements the shared-memory row store that backs
// every other Hobbes component: the System header, CPU and memory block
// ownership, and the Enclave/Application/Segment rows.
package registry

import "github.com/hobbes-project/hobbes/pkg/types"

// Store defines the on-disk persistence interface for Registry rows.
// Registry wraps a Store with the per-row-kind locking the spec requires;
// Store implementations themselves need not be safe for concurrent use
// beyond what their backing engine already guarantees.
type Store interface {
	// System header, a single row created on first open.
	GetSystem() (*types.System, error)
	PutSystem(sys *types.System) error

	// CPUs
	PutCPU(cpu *types.CPU) error
	GetCPU(id int) (*types.CPU, error)
	ListCPUs() ([]*types.CPU, error)

	// Memory blocks
	PutMemoryBlock(block *types.MemoryBlock) error
	GetMemoryBlock(id int) (*types.MemoryBlock, error)
	ListMemoryBlocks() ([]*types.MemoryBlock, error)

	// Enclaves
	PutEnclave(enc *types.Enclave) error
	GetEnclave(id types.EnclaveID) (*types.Enclave, error)
	ListEnclaves() ([]*types.Enclave, error)
	DeleteEnclave(id types.EnclaveID) error

	// Applications
	PutApplication(app *types.Application) error
	GetApplication(id types.AppID) (*types.Application, error)
	ListApplications() ([]*types.Application, error)
	ListApplicationsByEnclave(enclaveID types.EnclaveID) ([]*types.Application, error)
	DeleteApplication(id types.AppID) error

	// Segments
	PutSegment(seg *types.Segment) error
	GetSegment(id types.SegmentID) (*types.Segment, error)
	ListSegments() ([]*types.Segment, error)
	DeleteSegment(id types.SegmentID) error

	Close() error
}
