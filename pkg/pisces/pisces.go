// Package pisces models the narrow interface Lifecycle needs from the
// Pisces lightweight-kernel co-boot loader, without reimplementing it:
// loading a co-kernel image onto a hardware partition the Allocator has
// already carved out. The real loader talks to /dev/pisces; per spec.md
// §1 that ioctl surface is an external collaborator named only by its
// interface here.
package pisces

import "context"

// Loader boots a co-kernel image onto the CPUs/memory the caller has
// already reserved for enclaveID, and tears it back down on destroy.
type Loader interface {
	Boot(ctx context.Context, enclaveID uint64, cpus []int, image string) error
	Shutdown(ctx context.Context, enclaveID uint64) error
}

// Sim is a no-op Loader standing in for a real co-kernel boot, used by
// tests and by single-process "sim mode" deployments that have no
// reserved hardware partition to boot onto.
type Sim struct{}

// Boot always succeeds immediately; a real Loader would block until the
// co-kernel image signals it has reached its own init stage.
func (Sim) Boot(ctx context.Context, enclaveID uint64, cpus []int, image string) error {
	return nil
}

// Shutdown always succeeds immediately.
func (Sim) Shutdown(ctx context.Context, enclaveID uint64) error {
	return nil
}
