package inittask

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hobbes-project/hobbes/pkg/hcq"
	"github.com/hobbes-project/hobbes/pkg/lifecycle"
	"github.com/hobbes-project/hobbes/pkg/notifier"
	"github.com/hobbes-project/hobbes/pkg/palacios"
	"github.com/hobbes-project/hobbes/pkg/pisces"
	"github.com/hobbes-project/hobbes/pkg/registry"
	"github.com/hobbes-project/hobbes/pkg/types"
	"github.com/hobbes-project/hobbes/pkg/wireconfig"
	"github.com/hobbes-project/hobbes/pkg/xemem"
)

func newTestLoop(t *testing.T, vmCtl palacios.Controller) (*Loop, *hcq.Client, *registry.Registry) {
	t.Helper()
	reg, err := registry.Open(registry.Config{
		DataDir:   t.TempDir(),
		NumCPUs:   4,
		NumBlocks: 8,
		BlockSize: 1024,
		NumaNodes: 1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	broker := notifier.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	driver, err := lifecycle.NewDriver(reg, broker, &pisces.Sim{}, lifecycle.DefaultConfig())
	require.NoError(t, err)

	transport := xemem.NewLocal()
	server, err := hcq.NewServer(transport, "loop.hcq", 4096)
	require.NoError(t, err)

	loop := New(types.MasterID, reg, driver, broker, server, vmCtl)

	client, err := hcq.Connect(transport, "loop.hcq", "loop-reply")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return loop, client, reg
}

func runLoop(ctx context.Context, loop *Loop) chan error {
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	return done
}

func TestPingHandlerEchoesPayload(t *testing.T) {
	loop, client, _ := newTestLoop(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	runLoop(ctx, loop)

	code, payload, err := client.IssueAndAwait(ctx, types.CmdPing, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, types.RetSuccess, code)
	assert.Equal(t, "ping", string(payload))
}

func TestLaunchAppSpawnsProcessAndHandshakes(t *testing.T) {
	loop, client, reg := newTestLoop(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runLoop(ctx, loop)

	payload, err := wireconfig.MarshalAppLaunch(wireconfig.AppLaunchConfig{
		Path: "/bin/true",
		Name: "true",
	})
	require.NoError(t, err)

	code, reply, err := client.IssueAndAwait(ctx, types.CmdLaunchApp, payload)
	require.NoError(t, err)
	require.Equal(t, types.RetSuccess, code, string(reply))

	appID, err := strconvAtoiUint(string(reply))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		app, err := reg.Application(types.AppID(appID))
		if err != nil {
			return false
		}
		return app.State == types.AppStateRunning || app.State == types.AppStateExited
	}, time.Second, 10*time.Millisecond)
}

func TestKillAppSignalsTrackedChild(t *testing.T) {
	loop, client, reg := newTestLoop(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	runLoop(ctx, loop)

	payload, err := wireconfig.MarshalAppLaunch(wireconfig.AppLaunchConfig{Path: "/bin/sleep", Argv: "5"})
	require.NoError(t, err)
	code, reply, err := client.IssueAndAwait(ctx, types.CmdLaunchApp, payload)
	require.NoError(t, err)
	require.Equal(t, types.RetSuccess, code)

	appID := string(reply)

	require.Eventually(t, func() bool {
		id, _ := strconvAtoiUint(appID)
		app, err := reg.Application(types.AppID(id))
		return err == nil && app.State == types.AppStateRunning
	}, time.Second, 10*time.Millisecond)

	code, _, err = client.IssueAndAwait(ctx, types.CmdKillApp, []byte(appID))
	require.NoError(t, err)
	assert.Equal(t, types.RetSuccess, code)

	id, _ := strconvAtoiUint(appID)
	require.Eventually(t, func() bool {
		app, err := reg.Application(types.AppID(id))
		return err == nil && app.State == types.AppStateError
	}, time.Second, 10*time.Millisecond, "killed process must be recorded as an abnormal exit")
}

func TestAddMemRejectsRangeWithoutCoveringBlocks(t *testing.T) {
	loop, client, _ := newTestLoop(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	runLoop(ctx, loop)

	payload, err := wireconfig.MarshalAddMem(wireconfig.AddMemConfig{BaseAddr: 0xdead0000, Size: 4096})
	require.NoError(t, err)

	code, reply, err := client.IssueAndAwait(ctx, types.CmdAddMem, payload)
	require.NoError(t, err)
	assert.Equal(t, types.RetError, code)
	assert.Contains(t, string(reply), "no blocks cover range")
}

func TestAddMemAcceptsRangeCoveredByBlocks(t *testing.T) {
	loop, client, reg := newTestLoop(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	runLoop(ctx, loop)

	blocks, err := reg.ListMemoryBlocks()
	require.NoError(t, err)
	require.NotEmpty(t, blocks)
	first := blocks[0]

	payload, err := wireconfig.MarshalAddMem(wireconfig.AddMemConfig{BaseAddr: first.Addr, Size: first.Size})
	require.NoError(t, err)

	code, _, err := client.IssueAndAwait(ctx, types.CmdAddMem, payload)
	require.NoError(t, err)
	assert.Equal(t, types.RetSuccess, code)
}

func TestAddCpuValidatesPhysicalID(t *testing.T) {
	loop, client, _ := newTestLoop(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	runLoop(ctx, loop)

	payload, err := wireconfig.MarshalAddCpu(wireconfig.AddCpuConfig{PhysCPUID: 0})
	require.NoError(t, err)
	code, _, err := client.IssueAndAwait(ctx, types.CmdAddCPU, payload)
	require.NoError(t, err)
	assert.Equal(t, types.RetSuccess, code)

	payload, err = wireconfig.MarshalAddCpu(wireconfig.AddCpuConfig{PhysCPUID: 9999})
	require.NoError(t, err)
	code, _, err = client.IssueAndAwait(ctx, types.CmdAddCPU, payload)
	require.NoError(t, err)
	assert.Equal(t, types.RetError, code)
}

func TestLaunchVMWithoutVMControllerIsRejected(t *testing.T) {
	loop, client, _ := newTestLoop(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	runLoop(ctx, loop)

	code, reply, err := client.IssueAndAwait(ctx, types.CmdLaunchVM, nil)
	require.NoError(t, err)
	assert.Equal(t, types.RetError, code)
	assert.Contains(t, string(reply), "cannot host vms")
}

func TestLaunchVMWithControllerStampsDeviceID(t *testing.T) {
	loop, client, reg := newTestLoop(t, &palacios.Sim{})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	runLoop(ctx, loop)

	require.NoError(t, reg.CreateEnclave(types.Enclave{
		ID:       42,
		Name:     "guest",
		Type:     types.EnclaveVM,
		State:    types.EnclaveStateBooting,
		ParentID: types.MasterID,
		NumaNode: types.AnyNuma,
	}))

	payload, err := wireconfig.MarshalVmLaunch(wireconfig.VmLaunchConfig{EnclaveID: 42})
	require.NoError(t, err)

	code, _, err := client.IssueAndAwait(ctx, types.CmdLaunchVM, payload)
	require.NoError(t, err)
	require.Equal(t, types.RetSuccess, code)

	enc, err := reg.Enclave(42)
	require.NoError(t, err)
	assert.NotZero(t, enc.DeviceID)
}

func TestShutdownCommandStopsLoop(t *testing.T) {
	loop, client, _ := newTestLoop(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := runLoop(ctx, loop)

	code, _, err := client.IssueAndAwait(ctx, types.CmdShutdown, nil)
	require.NoError(t, err)
	assert.Equal(t, types.RetSuccess, code)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop after shutdown command")
	}
}

// strconvAtoiUint parses a decimal application id out of an AppLaunch
// reply payload, mirroring what a real HIO caller would do with the
// stub/compute ids LaunchApp hands back.
func strconvAtoiUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
