package vm

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/lima-vm/lima/pkg/instance"
	"github.com/lima-vm/lima/pkg/limayaml"
	"github.com/lima-vm/lima/pkg/store"
	"github.com/rs/zerolog"

	"github.com/anvilci/anvil/pkg/log"
)

// Resource sizing for build VMs. Builds are CPU and memory hungry compared
// to the host agent, so the clone gets most of the machine.
const (
	vmCPUs   = 4
	vmMemory = "8GiB"
	vmDisk   = "60GiB"
)

// LimaDriver runs build VMs as lima instances. Each build gets its own
// instance cloned from the base image; nothing is shared between builds.
type LimaDriver struct {
	logger zerolog.Logger
}

// NewLimaDriver creates the lima-backed driver.
func NewLimaDriver() (*LimaDriver, error) {
	if !limaInstalled() {
		return nil, errors.New("limactl is not installed")
	}
	return &LimaDriver{logger: log.WithComponent("lima")}, nil
}

// Launch creates an instance from the base image and starts it. The shared
// directory is mounted writable so the guest can signal back through it.
func (d *LimaDriver) Launch(ctx context.Context, name, baseImage, sharedDir string) error {
	config := d.instanceConfig(baseImage, sharedDir)

	configYAML, err := limayaml.Marshal(&config, false)
	if err != nil {
		return fmt.Errorf("failed to marshal lima config: %w", err)
	}

	logger := log.WithVMName(name)
	logger.Info().Str("base_image", baseImage).Msg("creating build VM")
	inst, err := instance.Create(ctx, name, configYAML, false)
	if err != nil {
		return fmt.Errorf("failed to create instance %s: %w", name, err)
	}

	if err := instance.Start(ctx, inst, "", false); err != nil {
		return fmt.Errorf("failed to start instance %s: %w", name, err)
	}

	logger.Info().Msg("build VM started")
	return nil
}

// Stop shuts the instance down gracefully. A VM that no longer exists is
// treated as already stopped.
func (d *LimaDriver) Stop(ctx context.Context, name string) error {
	inst, err := store.Inspect(name)
	if err != nil {
		return nil
	}
	return instance.StopGracefully(ctx, inst, false)
}

// ForceStop kills the instance process outright.
func (d *LimaDriver) ForceStop(name string) {
	inst, err := store.Inspect(name)
	if err != nil {
		return
	}
	d.logger.Warn().Str("vm_name", name).Msg("forcing VM stop")
	instance.StopForcibly(inst)
}

// Delete removes the instance and its cloned disk.
func (d *LimaDriver) Delete(ctx context.Context, name string) error {
	inst, err := store.Inspect(name)
	if err != nil {
		return nil
	}
	if err := instance.Delete(ctx, inst, true); err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", name, err)
	}
	return nil
}

// Alive reports whether the instance process is running.
func (d *LimaDriver) Alive(name string) bool {
	inst, err := store.Inspect(name)
	if err != nil {
		return false
	}
	return inst.Status == store.StatusRunning
}

func (d *LimaDriver) instanceConfig(baseImage, sharedDir string) limayaml.LimaYAML {
	arch := limayaml.AARCH64
	if runtime.GOARCH == "amd64" {
		arch = limayaml.X8664
	}

	cpus := vmCPUs
	memory := vmMemory
	disk := vmDisk

	return limayaml.LimaYAML{
		Arch:   &arch,
		CPUs:   &cpus,
		Memory: &memory,
		Disk:   &disk,
		Images: []limayaml.Image{
			{
				File: limayaml.File{
					Location: baseImage,
					Arch:     arch,
				},
			},
		},
		Mounts: []limayaml.Mount{
			{
				Location: sharedDir,
				Writable: ptrBool(true),
			},
		},
	}
}

func limaInstalled() bool {
	_, err := exec.LookPath("limactl")
	return err == nil
}

func ptrBool(b bool) *bool {
	return &b
}
