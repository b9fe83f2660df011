// Package palacios models the narrow interface Lifecycle and
// InitTaskLoop need from the Palacios VMM: launching and destroying a
// guest VM instance given its resolved memory regions. The real control
// path is the Palacios ioctl surface, named as an external collaborator
// in spec.md §1 and not reimplemented here.
package palacios

import (
	"context"
	"sync"
)

// Controller launches and destroys guest VM instances. Launch returns an
// opaque device id the host OS uses to reach the running instance
// (stored on the VM's Enclave row as DeviceID); Destroy takes that id
// back.
type Controller interface {
	Launch(ctx context.Context, vmEnclaveID uint64, configXML []byte) (deviceID int, err error)
	Destroy(ctx context.Context, vmEnclaveID uint64, deviceID int) error
}

// Sim simulates VM launch/destroy for tests and single-process "sim
// mode" deployments with no real Palacios-hosted hardware: every Launch
// succeeds and hands back a deterministic, strictly increasing device id;
// every Destroy succeeds.
type Sim struct {
	mu     sync.Mutex
	nextID int
}

// Launch always succeeds, returning a freshly minted device id.
func (s *Sim) Launch(ctx context.Context, vmEnclaveID uint64, configXML []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return s.nextID, nil
}

// Destroy always succeeds.
func (s *Sim) Destroy(ctx context.Context, vmEnclaveID uint64, deviceID int) error {
	return nil
}
