package wireconfig

import (
	"encoding/xml"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppLaunchConfigRoundTrip(t *testing.T) {
	cfg := AppLaunchConfig{
		Path:      "/bin/compute",
		Name:      "compute",
		Argv:      "--rank,0",
		CPUList:   "0,1,2",
		HeapSize:  4096,
		StackSize: 2048,
		AppID:     7,
	}

	data, err := MarshalAppLaunch(cfg)
	require.NoError(t, err)

	got, err := UnmarshalAppLaunch(data)
	require.NoError(t, err)
	assert.Equal(t, cfg.Path, got.Path)
	assert.Equal(t, cfg.CPUList, got.CPUList)
	assert.Equal(t, cfg.AppID, got.AppID)
}

func TestVmLaunchConfigRoundTrip(t *testing.T) {
	cfg := VmLaunchConfig{
		Name:      "guest-1",
		EnclaveID: 3,
		Memory: Memory{
			Size: 512,
			Node: 1,
			Regions: []Region{
				{Size: 1024, HostAddr: 0x1000, Node: 1},
				{Size: 2048, HostAddr: 0x2000, Node: 1},
			},
		},
	}

	data, err := MarshalVmLaunch(cfg)
	require.NoError(t, err)

	got, err := UnmarshalVmLaunch(data)
	require.NoError(t, err)
	assert.Equal(t, cfg.Name, got.Name)
	assert.Equal(t, cfg.EnclaveID, got.EnclaveID)
	require.Len(t, got.Memory.Regions, 2)
	assert.Equal(t, uint64(0x1000), got.Memory.Regions[0].HostAddr)
	assert.Equal(t, uint64(0x2000), got.Memory.Regions[1].HostAddr)
}

func TestWithHobbesEnvSetsAndReplacesExtension(t *testing.T) {
	cfg := VmLaunchConfig{Name: "guest", Extensions: []Extension{
		{Name: "OTHER", Value: "keep-me"},
		{Name: "HOBBES_ENV", Value: "stale"},
	}}

	updated := cfg.WithHobbesEnv(42)

	require.Len(t, updated.Extensions, 2)
	found := false
	for _, ext := range updated.Extensions {
		if ext.Name == "HOBBES_ENV" {
			assert.Equal(t, "42", ext.Value)
			found = true
		}
		assert.NotEqual(t, "stale", ext.Value)
	}
	assert.True(t, found)
}

func TestWithRegionsReplacesMemorySubtree(t *testing.T) {
	cfg := VmLaunchConfig{Name: "guest", Memory: Memory{Size: 100}}
	regions := []Region{{Size: 4096, HostAddr: 0x8000}}

	updated := cfg.WithRegions(regions)
	assert.Equal(t, regions, updated.Memory.Regions)
	assert.Equal(t, uint64(100), updated.Memory.Size, "WithRegions must not disturb the requested size")
}

func TestAddMemConfigRoundTrip(t *testing.T) {
	cfg := AddMemConfig{XMLName: xml.Name{Local: "add_mem"}, BaseAddr: 0x4000, Size: 8192, Allocated: 1}
	data, err := MarshalAddMem(cfg)
	require.NoError(t, err)

	got, err := UnmarshalAddMem(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}

func TestAddCpuConfigRoundTrip(t *testing.T) {
	cfg := AddCpuConfig{XMLName: xml.Name{Local: "add_cpu"}, PhysCPUID: 3, ApicID: 6}
	data, err := MarshalAddCpu(cfg)
	require.NoError(t, err)

	got, err := UnmarshalAddCpu(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)
}
