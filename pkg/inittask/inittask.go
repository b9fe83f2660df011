// Package inittask implements the per-enclave cooperative event loop: the
// dispatcher an enclave's init task runs once it has attached the
// Registry and created its HCQ. It generalizes the teacher's worker
// run-loop (a ticker plus a handful of dedicated goroutine loops) into a
// loop that waits on the HCQ signal and checks a stop channel between
// passes; handlers never block, and only one handler runs at a time.
// Child processes are not part of that loop: each child's stdout is read
// by its own AppOutputTee goroutine, and its exit is recorded by its own
// waiter goroutine, concurrently with command dispatch.
package inittask

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/hobbes-project/hobbes/pkg/hcq"
	"github.com/hobbes-project/hobbes/pkg/hlog"
	"github.com/hobbes-project/hobbes/pkg/hobbeserr"
	"github.com/hobbes-project/hobbes/pkg/lifecycle"
	"github.com/hobbes-project/hobbes/pkg/notifier"
	"github.com/hobbes-project/hobbes/pkg/palacios"
	"github.com/hobbes-project/hobbes/pkg/registry"
	"github.com/hobbes-project/hobbes/pkg/types"
	"github.com/hobbes-project/hobbes/pkg/wireconfig"
)

// childProc tracks one locally spawned application.
type childProc struct {
	appID types.AppID
	cmd   *exec.Cmd
	done  chan struct{}
}

// Loop is the cooperative dispatcher for one enclave. It owns the
// enclave's HCQ Server and reacts to commands and child exits by mutating
// the Registry through a Driver; it never issues a blocking HCQ call of
// its own, so a single enclave can never deadlock itself.
type Loop struct {
	enclaveID types.EnclaveID
	reg       *registry.Registry
	driver    *lifecycle.Driver
	notify    *notifier.Broker
	server    *hcq.Server
	vmCtl     palacios.Controller // nil on enclaves that never host a VM
	logger    zerolog.Logger

	mu       sync.Mutex
	children map[types.AppID]*childProc

	stopCh chan struct{}
}

// New creates a Loop for enclaveID, wired against an already-created HCQ
// Server for this enclave. Core command handlers (AppLaunch, AppKill,
// Ping, Shutdown, AddMem, AddCpu, LaunchVM, DestroyVM) are registered
// immediately; applications may register additional handlers at
// types.CmdAppRegister and above before calling Run. vmCtl may be nil on
// an enclave that never hosts a VM (LaunchVM/DestroyVM are then answered
// with RetError and a "cannot host vms" message instead of panicking).
func New(enclaveID types.EnclaveID, reg *registry.Registry, driver *lifecycle.Driver, notify *notifier.Broker, server *hcq.Server, vmCtl palacios.Controller) *Loop {
	l := &Loop{
		enclaveID: enclaveID,
		reg:       reg,
		driver:    driver,
		notify:    notify,
		server:    server,
		vmCtl:     vmCtl,
		logger:    hlog.WithEnclave(uint64(enclaveID)),
		children:  make(map[types.AppID]*childProc),
		stopCh:    make(chan struct{}),
	}
	l.registerCoreHandlers()
	return l
}

func (l *Loop) registerCoreHandlers() {
	l.server.RegisterHandler(types.CmdPing, func(cmd hcq.Command) (types.RetCode, []byte) {
		return types.RetSuccess, cmd.Payload
	})
	l.server.RegisterHandler(types.CmdLaunchApp, l.handleLaunchApp)
	l.server.RegisterHandler(types.CmdKillApp, l.handleKillApp)
	l.server.RegisterHandler(types.CmdAddMem, l.handleAddMem)
	l.server.RegisterHandler(types.CmdAddCPU, l.handleAddCPU)
	l.server.RegisterHandler(types.CmdLaunchVM, l.handleLaunchVM)
	l.server.RegisterHandler(types.CmdDestroyVM, l.handleDestroyVM)
	l.server.RegisterHandler(types.CmdShutdown, func(hcq.Command) (types.RetCode, []byte) {
		l.Stop()
		return types.RetSuccess, nil
	})
}

// handleAddMem assigns a previously-Allocator-reserved physical range to
// this enclave so its own memory accounting reflects it. In this
// implementation every enclave shares one Registry, so the blocks are
// already visible; AddMem here only checks that Registry blocks cover the
// whole range and changes no block's owner, while keeping the wire
// contract a separate-address-space host would need.
func (l *Loop) handleAddMem(cmd hcq.Command) (types.RetCode, []byte) {
	cfg, err := wireconfig.UnmarshalAddMem(cmd.Payload)
	if err != nil {
		return types.RetError, []byte(fmt.Sprintf("parsing add_mem config: %v", err))
	}
	blocks, err := l.reg.ListMemoryBlocks()
	if err != nil {
		return types.RetError, []byte(err.Error())
	}
	var ids []int
	remaining := cfg.Size
	for _, b := range blocks {
		if b.Addr < cfg.BaseAddr || b.Addr >= cfg.BaseAddr+cfg.Size {
			continue
		}
		ids = append(ids, b.ID)
		if b.Size >= remaining {
			remaining = 0
		} else {
			remaining -= b.Size
		}
	}
	if len(ids) == 0 || remaining > 0 {
		return types.RetError, []byte(fmt.Sprintf("add_mem: no blocks cover range 0x%x+%d", cfg.BaseAddr, cfg.Size))
	}
	return types.RetSuccess, nil
}

// handleAddCPU validates that a physical CPU the Allocator has already
// reserved is visible to this enclave's accounting.
func (l *Loop) handleAddCPU(cmd hcq.Command) (types.RetCode, []byte) {
	cfg, err := wireconfig.UnmarshalAddCpu(cmd.Payload)
	if err != nil {
		return types.RetError, []byte(fmt.Sprintf("parsing add_cpu config: %v", err))
	}
	if _, err := l.reg.CPU(cfg.PhysCPUID); err != nil {
		return types.RetError, []byte(err.Error())
	}
	return types.RetSuccess, nil
}

// handleLaunchVM is the host-side half of the VM launch protocol: it
// hands the resolved configuration to the Palacios controller and, on
// success, stamps the returned device id onto the VM's enclave row.
func (l *Loop) handleLaunchVM(cmd hcq.Command) (types.RetCode, []byte) {
	if l.vmCtl == nil {
		return types.RetError, []byte("launch_vm: this enclave cannot host vms")
	}
	cfg, err := wireconfig.UnmarshalVmLaunch(cmd.Payload)
	if err != nil {
		return types.RetError, []byte(fmt.Sprintf("parsing vm launch config: %v", err))
	}
	devID, err := l.vmCtl.Launch(context.Background(), cfg.EnclaveID, cmd.Payload)
	if err != nil {
		return types.RetError, []byte(err.Error())
	}
	if err := l.reg.UpdateEnclaveState(types.EnclaveID(cfg.EnclaveID), func(e *types.Enclave) error {
		e.DeviceID = devID
		return nil
	}); err != nil {
		return types.RetError, []byte(err.Error())
	}
	return types.RetSuccess, nil
}

// handleDestroyVM is the host-side half of VM teardown: it hands the
// VM's device id to the Palacios controller. The Lifecycle driver is
// responsible for freeing memory and deleting the row once this returns
// success.
func (l *Loop) handleDestroyVM(cmd hcq.Command) (types.RetCode, []byte) {
	if l.vmCtl == nil {
		return types.RetError, []byte("destroy_vm: this enclave cannot host vms")
	}
	id, err := strconv.ParseUint(string(cmd.Payload), 10, 64)
	if err != nil {
		return types.RetError, []byte("destroy_vm payload must be a decimal enclave id")
	}
	enc, err := l.reg.Enclave(types.EnclaveID(id))
	if err != nil {
		return types.RetError, []byte(err.Error())
	}
	if err := l.vmCtl.Destroy(context.Background(), id, enc.DeviceID); err != nil {
		return types.RetError, []byte(err.Error())
	}
	return types.RetSuccess, nil
}

func (l *Loop) handleLaunchApp(cmd hcq.Command) (types.RetCode, []byte) {
	cfg, err := wireconfig.UnmarshalAppLaunch(cmd.Payload)
	if err != nil {
		return types.RetError, []byte(fmt.Sprintf("parsing app launch config: %v", err))
	}

	appID := cfg.AppID
	if appID == 0 {
		allocated, err := l.reg.AllocateApplicationID()
		if err != nil {
			return types.RetError, []byte(fmt.Sprintf("allocating application id: %v", err))
		}
		appID = uint64(allocated)
	}

	app := types.Application{
		ID:                    types.AppID(appID),
		Name:                  cfg.Name,
		EnclaveID:             l.enclaveID,
		Path:                  cfg.Path,
		Argv:                  splitNonEmpty(cfg.Argv),
		Envp:                  splitNonEmpty(cfg.Envp),
		CPUList:               parseCPUList(cfg.CPUList),
		HeapSize:              int64(cfg.HeapSize),
		StackSize:             int64(cfg.StackSize),
		UsePreallocatedMemory: cfg.UsePreallocatedMemory != 0,
		DataPA:                cfg.DataPA,
		HeapPA:                cfg.HeapPA,
		StackPA:               cfg.StackPA,
	}

	if err := l.driver.LaunchApplication(app); err != nil {
		return types.RetError, []byte(err.Error())
	}
	if err := l.spawnApplication(context.Background(), app); err != nil {
		return types.RetError, []byte(err.Error())
	}

	return types.RetSuccess, []byte(strconv.FormatUint(uint64(app.ID), 10))
}

func (l *Loop) handleKillApp(cmd hcq.Command) (types.RetCode, []byte) {
	id, err := strconv.ParseUint(string(cmd.Payload), 10, 64)
	if err != nil {
		return types.RetError, []byte("kill_app payload must be a decimal application id")
	}
	if err := l.KillApplication(types.AppID(id)); err != nil {
		return types.RetError, []byte(err.Error())
	}
	return types.RetSuccess, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func parseCPUList(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err == nil {
			out = append(out, n)
		}
	}
	return out
}

// spawnApplication forks and execs the process behind an already-created
// Application row (state Launching), wires its stdout through an
// AppOutputTee (stderr is not captured), and calls HandshakeApplication
// once the process starts.
func (l *Loop) spawnApplication(ctx context.Context, app types.Application) error {
	cmd := exec.CommandContext(ctx, app.Path, app.Argv...)
	cmd.Env = append(os.Environ(), app.Envp...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("%s=%d", types.EnvEnclaveID, l.enclaveID),
		fmt.Sprintf("%s=%d", types.EnvAppID, app.ID),
	)
	if len(app.CPUList) > 0 {
		list := make([]string, len(app.CPUList))
		for i, c := range app.CPUList {
			list[i] = strconv.Itoa(c)
		}
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", types.EnvCPUList, strings.Join(list, ",")))
	}
	if app.UsePreallocatedMemory {
		cmd.Env = append(cmd.Env,
			fmt.Sprintf("%s=1", types.EnvUsePreallocatedMemory),
			fmt.Sprintf("%s=0x%x", types.EnvDataPA, app.DataPA),
			fmt.Sprintf("%s=0x%x", types.EnvHeapPA, app.HeapPA),
			fmt.Sprintf("%s=0x%x", types.EnvStackPA, app.StackPA),
		)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return hobbeserr.Wrap(hobbeserr.KindChildFailure, err, "attaching stdout pipe")
	}

	if err := cmd.Start(); err != nil {
		l.driver.ExitApplication(app.ID, -1)
		return hobbeserr.Wrap(hobbeserr.KindChildFailure, err, "starting application process")
	}

	if err := l.reg.UpdateApplicationState(app.ID, func(a *types.Application) error {
		a.PID = cmd.Process.Pid
		return nil
	}); err != nil {
		l.logger.Error().Err(err).Uint64("app_id", uint64(app.ID)).Msg("failed to record spawned pid")
	}

	proc := &childProc{appID: app.ID, cmd: cmd, done: make(chan struct{})}
	l.mu.Lock()
	l.children[app.ID] = proc
	l.mu.Unlock()

	tee := lifecycle.NewAppOutputTee(app.ID, l.notify)
	go tee.Stream(ctx, stdout)

	if err := l.driver.HandshakeApplication(app.ID); err != nil {
		return err
	}

	go l.waitChild(proc)
	return nil
}

func (l *Loop) waitChild(proc *childProc) {
	err := proc.cmd.Wait()
	close(proc.done)

	l.mu.Lock()
	delete(l.children, proc.appID)
	l.mu.Unlock()

	exitStatus := 0
	if err != nil {
		exitStatus = 1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitStatus = exitErr.ExitCode()
		}
	}
	if err := l.driver.ExitApplication(proc.appID, exitStatus); err != nil {
		l.logger.Error().Err(err).Uint64("app_id", uint64(proc.appID)).Msg("failed to record application exit")
	}
}

// KillApplication kills a locally running application's process with
// SIGKILL (os.Process.Kill), if one is tracked.
func (l *Loop) KillApplication(appID types.AppID) error {
	l.mu.Lock()
	proc, ok := l.children[appID]
	l.mu.Unlock()
	if !ok {
		return hobbeserr.New(hobbeserr.KindNotFound, fmt.Sprintf("application %d has no local process", appID))
	}
	if proc.cmd.Process == nil {
		return hobbeserr.New(hobbeserr.KindConflict, fmt.Sprintf("application %d process not started", appID))
	}
	return proc.cmd.Process.Kill()
}

// Run dispatches pending commands until ctx is done or Shutdown is
// received. Each pass through the loop drains every currently pending
// command, then blocks on the HCQ signal for more.
func (l *Loop) Run(ctx context.Context) error {
	seg := l.server.Segment()
	for {
		l.server.Dispatch()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stopCh:
			return nil
		default:
		}

		if err := seg.Wait(ctx); err != nil {
			if hobbeserr.Is(err, hobbeserr.KindCatastrophic) {
				l.logger.Error().Err(err).Msg("catastrophic registry error, exiting dispatch loop")
				return err
			}
			return err
		}
	}
}

// Stop requests the loop exit after its current dispatch pass.
func (l *Loop) Stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
}
