package lifecycle

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/hobbes-project/hobbes/pkg/hcq"
	"github.com/hobbes-project/hobbes/pkg/notifier"
	"github.com/hobbes-project/hobbes/pkg/types"
	"github.com/hobbes-project/hobbes/pkg/wireconfig"
)

// HIOLaunchRequest describes an application whose I/O is serviced by a
// stub process in a different enclave: the shell pre-allocates three
// memory regions (data/heap/stack), assigns them to the compute enclave,
// then launches the stub and the compute application as a linked pair.
type HIOLaunchRequest struct {
	ComputeEnclaveID types.EnclaveID
	HIOEnclaveID     types.EnclaveID
	ComputePath      string
	ComputeArgv      []string
	StubPath         string
	StubArgv         []string
	DataSize         uint64
	HeapSize         uint64
	StackSize        uint64
	NumaNode         int
	ComputeClient    *hcq.Client // bound to the compute enclave's queue
	HIOClient        *hcq.Client // bound to the HIO enclave's queue
}

// HIOPair is the pair of application ids LaunchHIO created, plus the
// Segment rows it exported for the three shared regions. When either
// application exits, KillPairOnExit kills the other; the segments outlive the
// processes until CleanupHIOSegments releases them.
type HIOPair struct {
	ComputeID  types.AppID
	StubID     types.AppID
	SegmentIDs []types.SegmentID
}

// LaunchHIO allocates the three regions, exports each as a Segment row so
// the cross-enclave memory-sharing collaborator can advertise them, then
// launches both halves of the pair over HCQ: the stub in the HIO enclave
// and the compute application in the compute enclave with
// use_preallocated_memory=true and the three base addresses (spec.md
// §4.5). Both launches round-trip through the target enclave's own
// CmdLaunchApp handler, so the stub and compute processes are really
// forked by that enclave's init task loop, not merely recorded as rows.
func (d *Driver) LaunchHIO(ctx context.Context, req HIOLaunchRequest) (HIOPair, error) {
	dataIDs, err := d.alloc.AllocateMemory(req.ComputeEnclaveID, req.DataSize, req.NumaNode)
	if err != nil {
		return HIOPair{}, err
	}
	heapIDs, err := d.alloc.AllocateMemory(req.ComputeEnclaveID, req.HeapSize, req.NumaNode)
	if err != nil {
		d.alloc.FreeMemory(dataIDs)
		return HIOPair{}, err
	}
	stackIDs, err := d.alloc.AllocateMemory(req.ComputeEnclaveID, req.StackSize, req.NumaNode)
	if err != nil {
		d.alloc.FreeMemory(dataIDs)
		d.alloc.FreeMemory(heapIDs)
		return HIOPair{}, err
	}

	rollback := func() {
		d.alloc.FreeMemory(dataIDs)
		d.alloc.FreeMemory(heapIDs)
		d.alloc.FreeMemory(stackIDs)
	}

	dataPA, err := d.firstAddr(dataIDs)
	if err != nil {
		rollback()
		return HIOPair{}, err
	}
	heapPA, err := d.firstAddr(heapIDs)
	if err != nil {
		rollback()
		return HIOPair{}, err
	}
	stackPA, err := d.firstAddr(stackIDs)
	if err != nil {
		rollback()
		return HIOPair{}, err
	}

	var segIDs []types.SegmentID
	rollbackSegments := func() {
		for _, id := range segIDs {
			_ = d.reg.DeleteSegment(id)
		}
	}

	dataSeg, err := d.exportRegion("data", req.ComputeEnclaveID, dataPA, req.DataSize)
	if err != nil {
		rollback()
		return HIOPair{}, err
	}
	segIDs = append(segIDs, dataSeg)
	heapSeg, err := d.exportRegion("heap", req.ComputeEnclaveID, heapPA, req.HeapSize)
	if err != nil {
		rollbackSegments()
		rollback()
		return HIOPair{}, err
	}
	segIDs = append(segIDs, heapSeg)
	stackSeg, err := d.exportRegion("stack", req.ComputeEnclaveID, stackPA, req.StackSize)
	if err != nil {
		rollbackSegments()
		rollback()
		return HIOPair{}, err
	}
	segIDs = append(segIDs, stackSeg)

	stubID, err := d.reg.AllocateApplicationID()
	if err != nil {
		rollbackSegments()
		rollback()
		return HIOPair{}, err
	}
	stubPayload, err := wireconfig.MarshalAppLaunch(wireconfig.AppLaunchConfig{
		AppID:                 uint64(stubID),
		Path:                  req.StubPath,
		Name:                  req.StubPath,
		Argv:                  joinArgv(req.StubArgv),
		UsePreallocatedMemory: 1,
		DataPA:                dataPA,
		HeapPA:                heapPA,
		StackPA:               stackPA,
	})
	if err != nil {
		rollbackSegments()
		rollback()
		return HIOPair{}, err
	}
	if code, reply, err := req.HIOClient.IssueAndAwait(ctx, types.CmdLaunchApp, stubPayload); err != nil {
		rollbackSegments()
		rollback()
		return HIOPair{}, err
	} else if code != types.RetSuccess {
		rollbackSegments()
		rollback()
		return HIOPair{}, fmt.Errorf("lifecycle: launching hio stub: %s", string(reply))
	}

	computeID, err := d.reg.AllocateApplicationID()
	if err != nil {
		_ = d.killHIOApp(ctx, req.HIOClient, stubID)
		rollbackSegments()
		rollback()
		return HIOPair{}, err
	}
	computePayload, err := wireconfig.MarshalAppLaunch(wireconfig.AppLaunchConfig{
		AppID:                 uint64(computeID),
		Path:                  req.ComputePath,
		Name:                  req.ComputePath,
		Argv:                  joinArgv(req.ComputeArgv),
		HeapSize:              req.HeapSize,
		StackSize:             req.StackSize,
		UsePreallocatedMemory: 1,
		DataPA:                dataPA,
		HeapPA:                heapPA,
		StackPA:               stackPA,
	})
	if err != nil {
		_ = d.killHIOApp(ctx, req.HIOClient, stubID)
		rollbackSegments()
		rollback()
		return HIOPair{}, err
	}
	if code, reply, err := req.ComputeClient.IssueAndAwait(ctx, types.CmdLaunchApp, computePayload); err != nil {
		_ = d.killHIOApp(ctx, req.HIOClient, stubID)
		rollbackSegments()
		rollback()
		return HIOPair{}, err
	} else if code != types.RetSuccess {
		_ = d.killHIOApp(ctx, req.HIOClient, stubID)
		rollbackSegments()
		rollback()
		return HIOPair{}, fmt.Errorf("lifecycle: launching hio compute application: %s", string(reply))
	}

	return HIOPair{ComputeID: computeID, StubID: stubID, SegmentIDs: segIDs}, nil
}

// CleanupHIOSegments releases the Segment rows LaunchHIO exported for
// pair's three regions. Call once both halves of the pair have exited,
// e.g. after KillPairOnExit returns, since the regions must stay
// advertised for as long as either process might still reference them.
func (d *Driver) CleanupHIOSegments(pair HIOPair) {
	for _, id := range pair.SegmentIDs {
		_ = d.reg.DeleteSegment(id)
	}
}

// exportRegion records one of the three HIO regions as a Segment row, the
// form the cross-enclave memory-sharing collaborator uses to advertise an
// export (spec.md §3), named after the region it covers.
func (d *Driver) exportRegion(kind string, ownerID types.EnclaveID, addr uint64, size uint64) (types.SegmentID, error) {
	segID, err := d.reg.AllocateSegmentID()
	if err != nil {
		return 0, err
	}
	if err := d.reg.CreateSegment(types.Segment{
		ID:      segID,
		Name:    fmt.Sprintf("hio.%s.%d.0x%x", kind, ownerID, addr),
		Size:    size,
		OwnerID: ownerID,
	}); err != nil {
		return 0, err
	}
	return segID, nil
}

// killHIOApp asks the HIO enclave to kill an already-launched stub when a
// later step of the pair fails, best-effort since the caller is already
// unwinding.
func (d *Driver) killHIOApp(ctx context.Context, client *hcq.Client, appID types.AppID) error {
	_, _, err := client.IssueAndAwait(ctx, types.CmdKillApp, []byte(fmt.Sprintf("%d", appID)))
	return err
}

func joinArgv(argv []string) string {
	out := ""
	for i, a := range argv {
		if i > 0 {
			out += ","
		}
		out += a
	}
	return out
}

func (d *Driver) firstAddr(blockIDs []int) (uint64, error) {
	if len(blockIDs) == 0 {
		return 0, fmt.Errorf("lifecycle: empty region")
	}
	block, err := d.reg.MemoryBlock(blockIDs[0])
	if err != nil {
		return 0, err
	}
	return block.Addr, nil
}

// KillPairOnExit watches for either half of an HIOPair to exit and kills
// the other, matching the spec's "killing either application drives the
// other to Stopped within one event-loop cycle" requirement. Call in its
// own goroutine; it returns once one side has exited and the other has
// been asked to stop.
func (d *Driver) KillPairOnExit(ctx context.Context, pair HIOPair, kill func(types.AppID) error) {
	sub := d.notify.Subscribe(types.EventApplication, nil)
	defer d.notify.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.AppID != pair.ComputeID && ev.AppID != pair.StubID {
				continue
			}
			app, err := d.reg.Application(ev.AppID)
			if err != nil {
				continue
			}
			if app.State != types.AppStateExited && app.State != types.AppStateError {
				continue
			}
			other := pair.StubID
			if ev.AppID == pair.StubID {
				other = pair.ComputeID
			}
			_ = kill(other)
			return
		}
	}
}

// AppOutputTee forwards an application's stdout line-by-line as
// Notifier Resource-class events while the process runs, instead of only
// surfacing the terminal exit status. This restores behavior present in
// the original Master init task (streaming child output through the
// command-queue reply channel) that a pure exit-status model would drop.
type AppOutputTee struct {
	appID  types.AppID
	notify *notifier.Broker
}

// NewAppOutputTee creates a tee that publishes one EventResource
// notification per line that Stream reads.
func NewAppOutputTee(appID types.AppID, notify *notifier.Broker) *AppOutputTee {
	return &AppOutputTee{appID: appID, notify: notify}
}

// Stream copies lines from r to the notifier until r is exhausted or ctx
// is done. Intended to run in its own goroutine fed by a child process's
// stdout/stderr pipe.
func (t *AppOutputTee) Stream(ctx context.Context, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		t.notify.Publish(&notifier.Event{
			Mask:    types.EventResource,
			AppID:   t.appID,
			Message: scanner.Text(),
		})
	}
}
