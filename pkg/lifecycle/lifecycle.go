// Package lifecycle drives the Enclave, Application, and VM state
// machines described in the coordination fabric's design: it is the
// layer above HCQ and the Allocator that turns a launch request into a
// sequence of Registry mutations and HCQ commands, with rollback on
// failure. Its Driver mirrors the teacher's reconciler in shape (an
// idempotent "ensure desired state" loop) but every mutation here is
// driven synchronously by an HCQ handler rather than polled on a fixed
// interval, since state changes are rare and event-driven rather than
// continuous.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hobbes-project/hobbes/pkg/allocator"
	"github.com/hobbes-project/hobbes/pkg/hcq"
	"github.com/hobbes-project/hobbes/pkg/hlog"
	"github.com/hobbes-project/hobbes/pkg/hobbeserr"
	"github.com/hobbes-project/hobbes/pkg/metrics"
	"github.com/hobbes-project/hobbes/pkg/notifier"
	"github.com/hobbes-project/hobbes/pkg/pisces"
	"github.com/hobbes-project/hobbes/pkg/registry"
	"github.com/hobbes-project/hobbes/pkg/types"
	"github.com/hobbes-project/hobbes/pkg/wireconfig"
)

// Config tunes timing the spec leaves as open questions.
type Config struct {
	// EnclaveBootTimeout bounds how long Driver waits for a Pisces boot to
	// finish or for a VmLaunch reply before treating the attempt as failed.
	EnclaveBootTimeout time.Duration
}

// DefaultConfig returns the conservative defaults used when Config is
// zero-valued.
func DefaultConfig() Config {
	return Config{EnclaveBootTimeout: 2 * time.Second}
}

// Driver owns the Registry/Allocator/Notifier wiring and exposes one
// method per lifecycle operation an HCQ handler or the shell CLI invokes.
type Driver struct {
	reg      *registry.Registry
	alloc    *allocator.Allocator
	notify   *notifier.Broker
	pisces   pisces.Loader
	cfg      Config
	logger   zerolog.Logger
	systemBS uint64 // system block size, cached from the Registry header
}

// NewDriver wires a Driver over an already-open Registry. loader boots
// Pisces-style (non-VM) enclaves; a nil loader is replaced with pisces.Sim,
// which is sufficient for Master-only deployments that never call
// BootPiscesEnclave.
func NewDriver(reg *registry.Registry, notify *notifier.Broker, loader pisces.Loader, cfg Config) (*Driver, error) {
	sys, err := reg.System()
	if err != nil {
		return nil, err
	}
	if cfg.EnclaveBootTimeout == 0 {
		cfg = DefaultConfig()
	}
	if loader == nil {
		loader = pisces.Sim{}
	}
	return &Driver{
		reg:      reg,
		alloc:    allocator.New(reg),
		notify:   notify,
		pisces:   loader,
		cfg:      cfg,
		logger:   hlog.WithComponent("lifecycle"),
		systemBS: sys.BlockSize,
	}, nil
}

func (d *Driver) fireEnclave(id types.EnclaveID, msg string) {
	if d.notify == nil {
		return
	}
	d.notify.Publish(&notifier.Event{Mask: types.EventEnclave, EnclaveID: id, Message: msg})
}

func (d *Driver) fireApplication(id types.AppID, enclaveID types.EnclaveID, msg string) {
	if d.notify == nil {
		return
	}
	d.notify.Publish(&notifier.Event{Mask: types.EventApplication, AppID: id, EnclaveID: enclaveID, Message: msg})
}

// --- Enclave state machine ---

// CreateEnclave implements spec.md's create_enclave(name?, parent): it
// allocates the next monotonically increasing enclave id, auto-naming
// the row "enclave-<id>" when name is empty, and inserts it in
// Initialized state. Used directly for Pisces (and any other
// non-VM-launch-protocol) enclave creation; VM enclaves go through
// LaunchVM instead, which folds enclave creation into its seven-step
// protocol.
func (d *Driver) CreateEnclave(name string, parent types.EnclaveID, kind types.EnclaveType) (types.EnclaveID, error) {
	id, err := d.reg.AllocateEnclaveID()
	if err != nil {
		return 0, err
	}
	if name == "" {
		name = fmt.Sprintf("enclave-%d", id)
	}
	enc := types.Enclave{
		ID:       id,
		Name:     name,
		Type:     kind,
		State:    types.EnclaveStateInitialized,
		ParentID: parent,
		NumaNode: types.AnyNuma,
	}
	if err := d.reg.CreateEnclave(enc); err != nil {
		return 0, err
	}
	d.fireEnclave(id, "created")
	return id, nil
}

// DeleteEnclave implements spec.md's delete_enclave(id): it removes the
// enclave row. Callers are responsible for having already freed any
// CPUs/memory the enclave owned (see DestroyVM for the VM-specific
// free-then-delete sequence); a bare Pisces/LWK enclave with no
// allocations can be deleted directly.
func (d *Driver) DeleteEnclave(id types.EnclaveID) error {
	if err := d.reg.DeleteEnclave(id); err != nil {
		return err
	}
	d.fireEnclave(id, "deleted")
	return nil
}

// PiscesBootRequest is the input to BootPiscesEnclave.
type PiscesBootRequest struct {
	Name     string
	Parent   types.EnclaveID
	NumCPUs  int
	NumaNode int // types.AnyNuma for no preference
	Image    string
}

// BootPiscesEnclave creates an enclave row, carves out the CPUs it needs
// from the Allocator, and boots a co-kernel image onto them through the
// Pisces loader, rolling back the row and any partial CPU allocation on
// failure. Used for the "create a Pisces enclave" scenario; guest VMs go
// through LaunchVM instead.
func (d *Driver) BootPiscesEnclave(ctx context.Context, req PiscesBootRequest) (types.EnclaveID, error) {
	id, err := d.CreateEnclave(req.Name, req.Parent, types.EnclaveLWK)
	if err != nil {
		return 0, err
	}

	var cpus []int
	if req.NumCPUs > 0 {
		cpus, err = d.alloc.AllocateCPUs(id, req.NumCPUs, req.NumaNode)
		if err != nil {
			d.DeleteEnclave(id)
			return 0, err
		}
	}

	if err := d.reg.UpdateEnclaveState(id, func(e *types.Enclave) error {
		e.State = types.EnclaveStateBooting
		e.CPUs = cpus
		e.NumaNode = req.NumaNode
		return nil
	}); err != nil {
		d.alloc.FreeCPUs(cpus)
		d.DeleteEnclave(id)
		return 0, err
	}

	bootCtx, cancel := context.WithTimeout(ctx, d.cfg.EnclaveBootTimeout)
	defer cancel()
	if err := d.pisces.Boot(bootCtx, uint64(id), cpus, req.Image); err != nil {
		d.alloc.FreeCPUs(cpus)
		d.DeleteEnclave(id)
		return 0, hobbeserr.Wrap(hobbeserr.KindUnavailable, err, "booting pisces enclave")
	}

	if err := d.reg.UpdateEnclaveState(id, func(e *types.Enclave) error {
		e.State = types.EnclaveStateRunning
		return nil
	}); err != nil {
		return 0, err
	}
	d.fireEnclave(id, "running")
	return id, nil
}

// DestroyPiscesEnclave is the reverse of BootPiscesEnclave: it shuts down
// the co-kernel image, frees the enclave's CPUs, and deletes its row.
func (d *Driver) DestroyPiscesEnclave(ctx context.Context, id types.EnclaveID) error {
	enc, err := d.reg.Enclave(id)
	if err != nil {
		return err
	}
	if enc.Type != types.EnclaveLWK {
		return hobbeserr.New(hobbeserr.KindInvalidArgument, fmt.Sprintf("enclave %d is not a pisces enclave", id))
	}

	if err := d.pisces.Shutdown(ctx, uint64(id)); err != nil {
		return hobbeserr.Wrap(hobbeserr.KindUnavailable, err, "shutting down pisces enclave")
	}

	if len(enc.CPUs) > 0 {
		if err := d.alloc.FreeCPUs(enc.CPUs); err != nil {
			d.logger.Error().Err(err).Uint64("enclave_id", uint64(id)).Msg("failed to free cpus on pisces enclave destroy")
		}
	}

	return d.DeleteEnclave(id)
}

// HandshakeEnclave transitions an enclave from Initialized/Booting to
// Running after its init task loop has registered its command queue.
func (d *Driver) HandshakeEnclave(id types.EnclaveID) error {
	err := d.reg.UpdateEnclaveState(id, func(e *types.Enclave) error {
		if e.State != types.EnclaveStateInitialized && e.State != types.EnclaveStateBooting {
			return hobbeserr.New(hobbeserr.KindConflict, fmt.Sprintf("enclave %d cannot handshake from state %s", id, e.State))
		}
		e.State = types.EnclaveStateRunning
		return nil
	})
	if err != nil {
		return err
	}
	d.fireEnclave(id, "running")
	return nil
}

// StopEnclave transitions an enclave to Stopped on orderly shutdown.
func (d *Driver) StopEnclave(id types.EnclaveID) error {
	err := d.reg.UpdateEnclaveState(id, func(e *types.Enclave) error {
		e.State = types.EnclaveStateStopped
		return nil
	})
	if err != nil {
		return err
	}
	d.fireEnclave(id, "stopped")
	return nil
}

// CrashEnclave records that an enclave's init task loop died: the enclave
// moves to EnclaveStateError with LastError "init task crashed" and a
// "crashed" event is fired. There is no separate Crashed enclave state.
func (d *Driver) CrashEnclave(id types.EnclaveID) error {
	err := d.reg.UpdateEnclaveState(id, func(e *types.Enclave) error {
		e.State = types.EnclaveStateError
		e.LastError = "init task crashed"
		return nil
	})
	if err != nil {
		return err
	}
	d.fireEnclave(id, "crashed")
	return nil
}

// --- Application state machine ---

// HandshakeApplication transitions an application to Running once its
// process has been spawned and the init task loop has observed it alive.
func (d *Driver) HandshakeApplication(id types.AppID) error {
	var enclaveID types.EnclaveID
	err := d.reg.UpdateApplicationState(id, func(a *types.Application) error {
		if a.State != types.AppStateLaunching {
			return hobbeserr.New(hobbeserr.KindConflict, fmt.Sprintf("application %d cannot handshake from state %s", id, a.State))
		}
		a.State = types.AppStateRunning
		enclaveID = a.EnclaveID
		return nil
	})
	if err != nil {
		return err
	}
	d.fireApplication(id, enclaveID, "running")
	return nil
}

// ExitApplication records a process exit, classifying it as a graceful
// Exited (status 0) or an abnormal Error (any other status) transition.
func (d *Driver) ExitApplication(id types.AppID, exitStatus int) error {
	var enclaveID types.EnclaveID
	err := d.reg.UpdateApplicationState(id, func(a *types.Application) error {
		a.ExitStatus = exitStatus
		if exitStatus == 0 {
			a.State = types.AppStateExited
		} else {
			a.State = types.AppStateError
			a.LastError = fmt.Sprintf("exit status %d", exitStatus)
		}
		enclaveID = a.EnclaveID
		return nil
	})
	if err != nil {
		return err
	}
	d.fireApplication(id, enclaveID, fmt.Sprintf("exited status=%d", exitStatus))
	return nil
}

// LaunchApplication creates an Application row in Launching state. The
// actual fork/exec is performed by the target enclave's InitTaskLoop,
// which calls HandshakeApplication once the process is confirmed alive.
func (d *Driver) LaunchApplication(app types.Application) error {
	app.State = types.AppStateLaunching
	if err := d.reg.CreateApplication(app); err != nil {
		metrics.AppLaunchesTotal.WithLabelValues("error").Inc()
		return err
	}
	metrics.AppLaunchesTotal.WithLabelValues("success").Inc()
	return nil
}

// --- VM lifecycle ---

// VMLaunchRequest is the input to LaunchVM: a parsed configuration plus
// the host enclave that will run the guest.
type VMLaunchRequest struct {
	Name       string
	HostID     types.EnclaveID // defaults to types.MasterID if zero
	Config     wireconfig.VmLaunchConfig
	HostClient *hcq.Client // client bound to the host enclave's command queue
}

// LaunchVM implements the seven-step VM launch protocol: create the
// Enclave row, resolve the memory footprint from the configuration,
// allocate regions (by address or by size), assign them to the host
// enclave if the host isn't Master, inject the resolved configuration,
// issue VmLaunch, and roll everything back on failure.
func (d *Driver) LaunchVM(ctx context.Context, req VMLaunchRequest) (types.EnclaveID, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.VMLaunchDuration)

	hostID := req.HostID
	if hostID == 0 {
		hostID = types.MasterID
	}

	vmID, err := d.reg.AllocateEnclaveID()
	if err != nil {
		metrics.VMLaunchesTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	enc := types.Enclave{
		ID:       vmID,
		Name:     req.Name,
		Type:     types.EnclaveVM,
		State:    types.EnclaveStateBooting,
		ParentID: hostID,
		NumaNode: req.Config.Memory.Node,
	}
	if err := d.reg.CreateEnclave(enc); err != nil {
		metrics.VMLaunchesTotal.WithLabelValues("error").Inc()
		return 0, err
	}

	blockSize := req.Config.Memory.BlockSize
	if blockSize == 0 {
		blockSize = d.systemBS
	}

	regions, blockIDs, err := d.allocateVMRegions(vmID, req.Config, blockSize)
	if err != nil {
		d.rollbackVM(vmID, nil)
		metrics.VMLaunchesTotal.WithLabelValues("error").Inc()
		return 0, err
	}

	if hostID != types.MasterID {
		if err := d.assignRegionsToHost(ctx, req.HostClient, regions); err != nil {
			d.rollbackVM(vmID, blockIDs)
			metrics.VMLaunchesTotal.WithLabelValues("error").Inc()
			return 0, err
		}
	}

	cfg := req.Config.WithHobbesEnv(uint64(vmID)).WithRegions(regions)
	payload, err := wireconfig.MarshalVmLaunch(cfg)
	if err != nil {
		d.rollbackVM(vmID, blockIDs)
		metrics.VMLaunchesTotal.WithLabelValues("error").Inc()
		return 0, hobbeserr.Wrap(hobbeserr.KindInvalidArgument, err, "marshalling vm launch config")
	}

	bootCtx, cancel := context.WithTimeout(ctx, d.cfg.EnclaveBootTimeout)
	defer cancel()
	retCode, retPayload, err := req.HostClient.IssueAndAwait(bootCtx, types.CmdLaunchVM, payload)
	if err != nil || retCode != types.RetSuccess {
		d.rollbackVM(vmID, blockIDs)
		metrics.VMLaunchesTotal.WithLabelValues("error").Inc()
		if err != nil {
			return 0, hobbeserr.Wrap(hobbeserr.KindUnavailable, err, "awaiting vm launch reply")
		}
		return 0, hobbeserr.New(hobbeserr.KindUnavailable, fmt.Sprintf("vm launch rejected: %s", string(retPayload)))
	}

	if err := d.reg.UpdateEnclaveState(vmID, func(e *types.Enclave) error {
		e.State = types.EnclaveStateRunning
		return nil
	}); err != nil {
		return 0, err
	}
	d.fireEnclave(vmID, "running")
	metrics.VMLaunchesTotal.WithLabelValues("success").Inc()
	return vmID, nil
}

// allocateVMRegions walks the requested memory subtree and resolves each
// region (or, if none were specified, a single region covering the total
// size) through the Allocator. Blocks are assigned to the VM enclave
// itself — it is the ultimate owner of its backing memory regardless of
// which enclave hosts it — so DestroyVM's free-by-owner pass finds them.
func (d *Driver) allocateVMRegions(vmID types.EnclaveID, cfg wireconfig.VmLaunchConfig, blockSize uint64) ([]wireconfig.Region, []int, error) {
	requested := cfg.Memory.Regions
	if len(requested) == 0 {
		requested = []wireconfig.Region{{Size: cfg.Memory.Size * 1024 * 1024}}
	}

	var resolved []wireconfig.Region
	var allBlocks []int

	for _, region := range requested {
		node := region.Node
		if node == 0 {
			node = cfg.Memory.Node
		}
		if node == 0 {
			node = types.AnyNuma
		}

		var ids []int
		var err error
		if region.HostAddr != 0 {
			// spec.md §4.5 step 4: a region that names an explicit host
			// address must be pinned there, not wherever AllocateMemory
			// happens to land.
			ids, err = d.alloc.AllocateMemoryAt(vmID, region.HostAddr, region.Size)
		} else {
			ids, err = d.alloc.AllocateMemory(vmID, region.Size, node)
		}
		if err != nil {
			d.alloc.FreeMemory(allBlocks)
			return nil, nil, err
		}
		allBlocks = append(allBlocks, ids...)

		block, err := d.reg.MemoryBlock(ids[0])
		if err != nil {
			d.alloc.FreeMemory(allBlocks)
			return nil, nil, err
		}
		resolved = append(resolved, wireconfig.Region{
			Size:     region.Size,
			HostAddr: block.Addr,
			Node:     block.NumaNode,
		})
	}

	return resolved, allBlocks, nil
}

// assignRegionsToHost issues AddMem to the host enclave for every
// resolved region so the host's own allocator learns about the range.
func (d *Driver) assignRegionsToHost(ctx context.Context, hostClient *hcq.Client, regions []wireconfig.Region) error {
	for _, region := range regions {
		payload, err := wireconfig.MarshalAddMem(wireconfig.AddMemConfig{
			BaseAddr:  region.HostAddr,
			Size:      region.Size,
			Allocated: 1,
		})
		if err != nil {
			return hobbeserr.Wrap(hobbeserr.KindInvalidArgument, err, "marshalling add_mem")
		}
		retCode, _, err := hostClient.IssueAndAwait(ctx, types.CmdAddMem, payload)
		if err != nil {
			return hobbeserr.Wrap(hobbeserr.KindUnavailable, err, "issuing add_mem")
		}
		if retCode != types.RetSuccess {
			return hobbeserr.New(hobbeserr.KindUnavailable, "add_mem rejected by host")
		}
	}
	return nil
}

// rollbackVM frees allocated blocks and deletes the half-created Enclave
// row, used when any step of LaunchVM fails after the row was created.
func (d *Driver) rollbackVM(vmID types.EnclaveID, blockIDs []int) {
	if len(blockIDs) > 0 {
		if err := d.alloc.FreeMemory(blockIDs); err != nil {
			d.logger.Error().Err(err).Uint64("enclave_id", uint64(vmID)).Msg("failed to free blocks during vm launch rollback")
		}
	}
	if err := d.reg.DeleteEnclave(vmID); err != nil {
		d.logger.Error().Err(err).Uint64("enclave_id", uint64(vmID)).Msg("failed to delete enclave row during vm launch rollback")
	}
}

// DestroyVM is the reverse of LaunchVM: it verifies the target is a VM
// enclave with a reachable parent, asks the parent to tear it down, then
// frees the VM's memory and deletes its row.
func (d *Driver) DestroyVM(ctx context.Context, vmID types.EnclaveID, hostClient *hcq.Client) error {
	enc, err := d.reg.Enclave(vmID)
	if err != nil {
		return err
	}
	if enc.Type != types.EnclaveVM {
		return hobbeserr.New(hobbeserr.KindInvalidArgument, fmt.Sprintf("enclave %d is not a vm", vmID))
	}

	retCode, _, err := hostClient.IssueAndAwait(ctx, types.CmdDestroyVM, []byte(fmt.Sprintf("%d", vmID)))
	if err != nil || retCode != types.RetSuccess {
		d.reg.UpdateEnclaveState(vmID, func(e *types.Enclave) error {
			e.State = types.EnclaveStateError
			e.LastError = "vm destroy rejected by host"
			return nil
		})
		if err != nil {
			return hobbeserr.Wrap(hobbeserr.KindUnavailable, err, "issuing vm destroy")
		}
		return hobbeserr.New(hobbeserr.KindUnavailable, "vm destroy rejected by host")
	}

	blocks, err := d.reg.ListMemoryBlocks()
	if err == nil {
		var owned []int
		for _, b := range blocks {
			if b.EnclaveID == vmID {
				owned = append(owned, b.ID)
			}
		}
		if len(owned) > 0 {
			if err := d.alloc.FreeMemory(owned); err != nil {
				d.logger.Error().Err(err).Msg("failed to free vm memory on destroy")
			}
		}
	}

	if err := d.reg.DeleteEnclave(vmID); err != nil {
		return err
	}
	d.fireEnclave(vmID, "destroyed")
	return nil
}
