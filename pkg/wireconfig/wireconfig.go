// Package wireconfig implements the XML configuration payloads carried
// inside AppLaunch, VmLaunch, AddMem, and AddCpu HCQ commands. No library
// in the reference corpus reaches for an ecosystem XML tree package, so
// this is the one component in the tree built directly on the standard
// library's encoding/xml rather than a third-party dependency (see
// DESIGN.md).
package wireconfig

import (
	"encoding/xml"
	"strconv"
)

// AppLaunchConfig is the AppLaunch command payload.
type AppLaunchConfig struct {
	XMLName               xml.Name `xml:"app"`
	Path                   string   `xml:"path,attr"`
	Name                   string   `xml:"name,attr,omitempty"`
	Argv                   string   `xml:"argv,attr,omitempty"`
	Envp                   string   `xml:"envp,attr,omitempty"`
	Ranks                  int      `xml:"ranks,attr,omitempty"`
	CPUList                string   `xml:"cpu_list,attr,omitempty"` // comma-separated physical CPU ids
	UseLargePages          int      `xml:"use_large_pages,attr,omitempty"`
	UseSmartmap            int      `xml:"use_smartmap,attr,omitempty"`
	HeapSize               uint64   `xml:"heap_size,attr,omitempty"`
	StackSize              uint64   `xml:"stack_size,attr,omitempty"`
	AppID                  uint64   `xml:"app_id,attr,omitempty"`
	UsePreallocatedMemory  int      `xml:"use_preallocated_memory,attr,omitempty"`
	DataPA                 uint64   `xml:"data_pa,attr,omitempty"`
	HeapPA                 uint64   `xml:"heap_pa,attr,omitempty"`
	StackPA                uint64   `xml:"stack_pa,attr,omitempty"`
}

// MarshalAppLaunch serializes an AppLaunchConfig to XML bytes.
func MarshalAppLaunch(cfg AppLaunchConfig) ([]byte, error) {
	return xml.Marshal(cfg)
}

// UnmarshalAppLaunch parses an AppLaunch XML payload.
func UnmarshalAppLaunch(data []byte) (AppLaunchConfig, error) {
	var cfg AppLaunchConfig
	err := xml.Unmarshal(data, &cfg)
	return cfg, err
}

// Region is one concrete memory region within a VmLaunchConfig's memory
// subtree.
type Region struct {
	Size     uint64 `xml:"size,attr"`
	HostAddr uint64 `xml:"host_addr,attr,omitempty"`
	Node     int    `xml:"node,attr,omitempty"`
}

// Memory is the memory subtree of a VmLaunchConfig.
type Memory struct {
	Size      uint64   `xml:"size,attr"` // MiB requested
	BlockSize uint64   `xml:"block_size,attr,omitempty"`
	Node      int      `xml:"node,attr,omitempty"`
	Regions   []Region `xml:"region"`
}

// Extension is one opaque key/value child of the extensions subtree. The
// core only ever injects HOBBES_ENV; any other extensions pass through
// untouched.
type Extension struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

// VmLaunchConfig is the VmLaunch command payload.
type VmLaunchConfig struct {
	XMLName    xml.Name    `xml:"vm"`
	Name       string      `xml:"name,attr"`
	EnclaveID  uint64      `xml:"enclave_id,attr"`
	Memory     Memory      `xml:"memory"`
	Devices    *DeviceList `xml:"devices,omitempty"` // opaque to the core, passed through to Palacios
	Extensions []Extension `xml:"extensions>extension"`
}

// DeviceList holds the children of a VmLaunchConfig's devices element
// verbatim.
type DeviceList struct {
	Inner []byte `xml:",innerxml"`
}

// MarshalVmLaunch serializes a VmLaunchConfig to XML bytes.
func MarshalVmLaunch(cfg VmLaunchConfig) ([]byte, error) {
	return xml.Marshal(cfg)
}

// UnmarshalVmLaunch parses a VmLaunch XML payload.
func UnmarshalVmLaunch(data []byte) (VmLaunchConfig, error) {
	var cfg VmLaunchConfig
	err := xml.Unmarshal(data, &cfg)
	return cfg, err
}

// WithHobbesEnv returns cfg with its HOBBES_ENV extension set (replacing
// any existing one), tagging the configuration with the enclave id that
// will run it. Lifecycle calls this after the allocator has picked
// concrete regions and before issuing the VmLaunch command.
func (cfg VmLaunchConfig) WithHobbesEnv(enclaveID uint64) VmLaunchConfig {
	filtered := cfg.Extensions[:0:0]
	for _, ext := range cfg.Extensions {
		if ext.Name != "HOBBES_ENV" {
			filtered = append(filtered, ext)
		}
	}
	cfg.Extensions = append(filtered, Extension{Name: "HOBBES_ENV", Value: strconv.FormatUint(enclaveID, 10)})
	return cfg
}

// WithRegions returns cfg with its memory subtree's region list replaced,
// used once the allocator has resolved size into concrete host_addr spans.
func (cfg VmLaunchConfig) WithRegions(regions []Region) VmLaunchConfig {
	cfg.Memory.Regions = regions
	return cfg
}

// AddMemConfig is the AddMem command payload.
type AddMemConfig struct {
	XMLName   xml.Name `xml:"add_mem"`
	BaseAddr  uint64   `xml:"base_addr,attr"`
	Size      uint64   `xml:"size,attr"`
	Allocated int      `xml:"allocated,attr,omitempty"`
	Zeroed    int      `xml:"zeroed,attr,omitempty"`
}

// MarshalAddMem serializes an AddMemConfig to XML bytes.
func MarshalAddMem(cfg AddMemConfig) ([]byte, error) {
	return xml.Marshal(cfg)
}

// UnmarshalAddMem parses an AddMem XML payload.
func UnmarshalAddMem(data []byte) (AddMemConfig, error) {
	var cfg AddMemConfig
	err := xml.Unmarshal(data, &cfg)
	return cfg, err
}

// AddCpuConfig is the AddCpu command payload.
type AddCpuConfig struct {
	XMLName   xml.Name `xml:"add_cpu"`
	PhysCPUID int      `xml:"phys_cpu_id,attr"`
	ApicID    int      `xml:"apic_id,attr"`
}

// MarshalAddCpu serializes an AddCpuConfig to XML bytes.
func MarshalAddCpu(cfg AddCpuConfig) ([]byte, error) {
	return xml.Marshal(cfg)
}

// UnmarshalAddCpu parses an AddCpu XML payload.
func UnmarshalAddCpu(data []byte) (AddCpuConfig, error) {
	var cfg AddCpuConfig
	err := xml.Unmarshal(data, &cfg)
	return cfg, err
}
