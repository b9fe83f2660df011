// Package types defines the row shapes stored in the Registry and
// exchanged across HCQ command boundaries and wireconfig XML payloads.
package types

import "time"

// EnclaveID identifies an isolated execution environment: a Linux host
// partition, a Kitten/LWK partition, or a guest VM. MasterID is always
// the Linux management enclave that owns physical discovery.
type EnclaveID uint64

// AppID identifies an application instance launched into an enclave.
type AppID uint64

// SegmentID identifies a shared memory segment registered in the Registry.
type SegmentID uint64

const (
	// MasterID is the enclave id of the Linux management enclave.
	MasterID EnclaveID = 0

	// InvalidID marks an unset or freed id field. Never a valid row id.
	InvalidID = ^uint64(0)

	// AnyNuma means "no NUMA affinity requested" for an allocation.
	AnyNuma = -1
)

// EnclaveType names the execution environment backing an enclave row.
type EnclaveType string

const (
	EnclaveLinux EnclaveType = "linux" // host Linux partition, including Master
	EnclaveLWK   EnclaveType = "lwk"   // lightweight kernel partition (Kitten)
	EnclaveVM    EnclaveType = "vm"    // Palacios-hosted guest
)

// EnclaveState is the lifecycle state of an enclave row.
type EnclaveState string

const (
	EnclaveStateInitialized EnclaveState = "initialized" // row created, not yet booted
	EnclaveStateBooting     EnclaveState = "booting"      // boot in progress, Pisces/Palacios engaged
	EnclaveStateRunning     EnclaveState = "running"      // init task loop registered and reachable
	EnclaveStateStopping    EnclaveState = "stopping"
	EnclaveStateStopped     EnclaveState = "stopped"
	EnclaveStateError       EnclaveState = "error"
)

// Enclave is a Registry row describing one execution environment.
type Enclave struct {
	ID          EnclaveID
	Name        string
	Type        EnclaveType
	State       EnclaveState
	ParentID    EnclaveID // host enclave this one was launched from; MasterID for top-level VMs
	NumaNode    int       // AnyNuma if not pinned
	CPUs        []int     // physical CPU ids assigned to this enclave
	MgmtSegment SegmentID // segment carrying this enclave's command queue header
	DeviceID    int       // opaque id the parent enclave's OS uses to reach this enclave (e.g. a VM instance id); 0 if none assigned
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// AppState is the lifecycle state of an application row.
type AppState string

const (
	AppStateLaunching AppState = "launching"
	AppStateRunning   AppState = "running"
	AppStateExited    AppState = "exited"
	AppStateError     AppState = "error"
)

// Application is a Registry row describing one launched process.
type Application struct {
	ID         AppID
	Name       string
	EnclaveID  EnclaveID // enclave the process runs in
	State      AppState
	Path       string // executable path inside the enclave's namespace
	Argv       []string
	Envp       []string
	CPUList    []int // physical CPUs the app is pinned to
	HeapSize   int64 // bytes, 0 means enclave default
	StackSize  int64
	// DataPA/HeapPA/StackPA are preallocated host physical addresses for
	// an HIO compute application (spec.md §4.5); UsePreallocatedMemory
	// marks that the process should bind to them instead of allocating
	// its own heap/stack.
	UsePreallocatedMemory bool
	DataPA                uint64
	HeapPA                uint64
	StackPA               uint64
	PID                   int // host OS pid of the spawned process, 0 if none
	ExitStatus            int
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastError  string
}

// CPU is a Registry row tracking one physical CPU's ownership.
type CPU struct {
	ID        int // physical CPU id
	NumaNode  int
	EnclaveID EnclaveID // CPUFree when unassigned
	Reserved  bool      // carved out at boot, never handed to the allocator
}

// CPUFree is the EnclaveID value meaning "not currently assigned". CPU
// ownership uses its own sentinel distinct from MasterID, because the
// Master enclave itself legitimately owns CPUs.
const CPUFree EnclaveID = EnclaveID(InvalidID)

// MemoryBlock is a Registry row tracking one physically contiguous block
// of memory. Blocks of the same size form the spans the Allocator walks
// when it needs contiguity.
type MemoryBlock struct {
	ID        int
	NumaNode  int
	Addr      uint64 // physical base address
	Size      uint64 // bytes
	EnclaveID EnclaveID // CPUFree when unassigned
	Reserved  bool
}

// Segment is a Registry row advertising a shared memory region to other
// enclaves. LaunchHIO creates one per exported data/heap/stack region;
// HCQ queues and notifier signals use xemem segments without a Segment
// row.
type Segment struct {
	ID        SegmentID
	Name      string
	Size      uint64
	OwnerID   EnclaveID // enclave that created the segment
	CreatedAt time.Time
}

// System is the single Registry header row, created once when a fresh
// database is opened.
type System struct {
	NumCPUs   int
	NumBlocks int
	BlockSize uint64
	InitTime  time.Time
	Version   string

	// NextEnclaveID/NextAppID/NextSegmentID are the monotonically
	// increasing id counters spec.md requires: MasterID=0 is reserved for
	// the boot-time master enclave, so NextEnclaveID starts at 1. Ids are
	// never reissued once handed out, even after the row they named is
	// deleted.
	NextEnclaveID uint64
	NextAppID     uint64
	NextSegmentID uint64
}

// CmdCode enumerates the HCQ commands an enclave's init task loop can
// receive. The numeric values follow the stable 64-bit enumeration named
// in the external interface contract, so a command captured off a real
// queue carries the same code this package expects. Per-app commands a
// loop registers dynamically start at CmdAppRegister, well above every
// reserved range below.
type CmdCode uint32

const (
	CmdAddCPU    CmdCode = 1000
	CmdAddMem    CmdCode = 1001
	CmdRemoveCPU CmdCode = 1010
	CmdRemoveMem CmdCode = 1011

	// CmdLoadFile is reserved for the remote-syscall/file-offload
	// collaborator named out of scope in spec.md §1; no handler in this
	// tree registers it.
	CmdLoadFile CmdCode = 1100

	// CmdLaunchVM/CmdDestroyVM reuse the "legacy" VM command codes named
	// in the external interface contract — no non-legacy numeric value is
	// given there, and this implementation has only one VM launch/destroy
	// path, so there is no second code to reserve.
	CmdLaunchVM  CmdCode = 1500
	CmdDestroyVM CmdCode = 1501

	CmdLaunchApp CmdCode = 2000
	CmdKillApp   CmdCode = 2001

	CmdPing CmdCode = 2100

	// CmdFile{Open,Close,Read,Write,Stat,FStat,Seek} are reserved for the
	// remote-syscall forwarding subsystem (spec.md §1's HIO I/O offload
	// collaborator), grouped 2200-2299 per the external interface
	// contract. They are declared here for namespace completeness but
	// have no registered handler in this tree: forwarding the underlying
	// syscalls is that subsystem's job, not the core's.
	CmdFileOpen  CmdCode = 2200
	CmdFileClose CmdCode = 2201
	CmdFileRead  CmdCode = 2202
	CmdFileWrite CmdCode = 2203
	CmdFileStat  CmdCode = 2204
	CmdFileFStat CmdCode = 2205
	CmdFileSeek  CmdCode = 2206

	// CmdShutdown has no numeric value in the external interface contract
	// (only the name appears in spec.md §4.3's command namespace list);
	// placed well above the file-op range to avoid colliding with it.
	CmdShutdown CmdCode = 3000

	// CmdAppRegister is the first id an application may register for its
	// own RPCs, the way the teacher's worker reserves low command ids for
	// its own reconcile verbs.
	CmdAppRegister CmdCode = 10000
)

// RetCode enumerates HCQ command completion codes.
type RetCode int32

const (
	RetSuccess RetCode = 0
	RetError   RetCode = -1
	RetPending RetCode = 1 // command accepted, completion will follow asynchronously
)

// EventMask selects which row-change classes a Notifier subscriber wants
// delivered. Masks are ORed together.
type EventMask uint32

const (
	EventEnclave     EventMask = 1 << iota // enclave row created/state changed
	EventApplication                       // application row created/state changed
	EventCPU                               // CPU ownership changed
	EventMemory                            // memory block ownership changed
	EventCmdQueue                          // a command queue this subscriber owns has new work
	EventResource                          // free-form application output/resource event (see AppOutputTee)
)

// EventAll subscribes to every event class.
const EventAll EventMask = EventEnclave | EventApplication | EventCPU | EventMemory | EventCmdQueue | EventResource

// Environment variable names the init task loop exports into a launched
// application's envp, mirroring the C implementation's HOBBES_* names.
const (
	EnvEnclaveID             = "HOBBES_ENCLAVE_ID"
	EnvAppID                 = "HOBBES_APP_ID"
	EnvCPUList               = "HOBBES_CPU_LIST"
	EnvUsePreallocatedMemory = "HOBBES_USE_PREALLOCATED_MEMORY"
	EnvDataPA                = "HOBBES_DATA_PA"
	EnvHeapPA                = "HOBBES_HEAP_PA"
	EnvStackPA               = "HOBBES_STACK_PA"
)
