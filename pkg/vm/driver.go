package vm

import (
	"context"
)

// Driver launches and destroys ephemeral build VMs. The production driver
// is lima-backed; tests substitute a fake.
type Driver interface {
	// Launch clones a VM from the base image and boots it with the shared
	// directory mounted writable.
	Launch(ctx context.Context, name, baseImage, sharedDir string) error

	// Stop requests a graceful shutdown.
	Stop(ctx context.Context, name string) error

	// ForceStop kills the VM without waiting. Safe on a VM that is already
	// gone.
	ForceStop(name string)

	// Delete removes the cloned instance and its disk. Idempotent.
	Delete(ctx context.Context, name string) error

	// Alive reports whether the VM process is still running.
	Alive(name string) bool
}
