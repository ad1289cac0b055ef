package vm

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/anvilci/anvil/pkg/controller"
	"github.com/anvilci/anvil/pkg/guest"
	"github.com/anvilci/anvil/pkg/log"
	"github.com/anvilci/anvil/pkg/metrics"
	"github.com/anvilci/anvil/pkg/types"
)

const (
	// DefaultReadyTimeout bounds the wait for the guest's OTP handshake.
	// The base image boots in well under a minute; five minutes covers a
	// cold image cache.
	DefaultReadyTimeout = 300 * time.Second

	// DefaultReadyPollInterval is how often the ready flag is probed.
	DefaultReadyPollInterval = 5 * time.Second

	// DefaultMonitorInterval is how often the shared mount and the VM
	// process are checked during a build.
	DefaultMonitorInterval = 5 * time.Second

	// DefaultHeartbeatInterval is how often progress is forwarded to the
	// controller while a build runs.
	DefaultHeartbeatInterval = 20 * time.Second

	// DefaultStopGrace is how long a graceful shutdown may take before the
	// VM is killed.
	DefaultStopGrace = 30 * time.Second

	// DefaultBuildTimeout is the wall-clock limit for one build when the
	// caller does not set one.
	DefaultBuildTimeout = 2 * time.Hour
)

// ReadyProber asks the controller whether the guest completed its handshake.
type ReadyProber interface {
	VMStatus(ctx context.Context, buildID string) (*controller.VMStatusResponse, error)
}

// Heartbeater forwards build liveness to the controller.
type Heartbeater interface {
	Heartbeat(ctx context.Context, buildID, vmToken string, progress *types.Progress) error
}

// Config holds the orchestrator's tunables. Zero interval fields take the
// package defaults.
type Config struct {
	ControllerURL     string
	DataDir           string
	VMTemplate        string
	BuildTimeout      time.Duration
	CleanupAfterBuild bool

	ReadyTimeout      time.Duration
	ReadyPollInterval time.Duration
	MonitorInterval   time.Duration
	HeartbeatInterval time.Duration
	StopGrace         time.Duration
}

func (c *Config) applyDefaults() {
	if c.BuildTimeout == 0 {
		c.BuildTimeout = DefaultBuildTimeout
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = DefaultReadyTimeout
	}
	if c.ReadyPollInterval == 0 {
		c.ReadyPollInterval = DefaultReadyPollInterval
	}
	if c.MonitorInterval == 0 {
		c.MonitorInterval = DefaultMonitorInterval
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.StopGrace == 0 {
		c.StopGrace = DefaultStopGrace
	}
}

// Orchestrator runs the VM side of one build: prepare the shared directory,
// launch the clone, wait for the guest handshake, watch for completion
// signals, and tear everything down.
type Orchestrator struct {
	driver Driver
	prober ReadyProber
	heart  Heartbeater
	cfg    Config
	logger zerolog.Logger
}

// NewOrchestrator wires a driver to the controller-facing probes.
func NewOrchestrator(driver Driver, prober ReadyProber, heart Heartbeater, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		driver: driver,
		prober: prober,
		heart:  heart,
		cfg:    cfg,
		logger: log.WithComponent("vm"),
	}
}

// Launch prepares the shared directory for a job and boots a fresh clone.
// A launch failure is fatal to the job; the controller requeues it, so
// there is no retry here. The host never reads the OTP beyond writing the
// descriptor; only the guest consumes it.
func (o *Orchestrator) Launch(ctx context.Context, job *types.BuildJob) (*types.VMInstance, error) {
	baseImage := job.BaseImageID
	if baseImage == "" {
		baseImage = o.cfg.VMTemplate
	}
	if baseImage == "" {
		return nil, fmt.Errorf("no base image for build %s: job carries none and vm_template is unset", job.ID)
	}

	sharedDir, err := os.MkdirTemp(o.cfg.DataDir, "build-"+job.ID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create shared directory: %w", err)
	}

	if err := guest.WriteEnvironment(sharedDir, guest.ConfigForJob(o.cfg.ControllerURL, job)); err != nil {
		os.RemoveAll(sharedDir)
		return nil, fmt.Errorf("failed to stage guest environment: %w", err)
	}

	name := "anvil-build-" + job.ID + "-" + uuid.New().String()[:8]

	logger := log.WithBuildID(job.ID)
	logger.Info().Str("vm", name).Str("base_image", baseImage).Msg("launching build VM")

	if err := o.driver.Launch(ctx, name, baseImage, sharedDir); err != nil {
		metrics.VMLaunchesTotal.WithLabelValues("failure").Inc()
		os.RemoveAll(sharedDir)
		return nil, fmt.Errorf("failed to launch VM for build %s: %w", job.ID, err)
	}
	metrics.VMLaunchesTotal.WithLabelValues("success").Inc()

	return &types.VMInstance{
		Name:          name,
		SharedDirPath: sharedDir,
		LaunchedAt:    time.Now(),
	}, nil
}

// AwaitReady blocks until the guest has traded its OTP for a VM token and
// the controller marks the build ready. It returns the VM token the monitor
// loop will heartbeat with. Timing out here fails the build.
func (o *Orchestrator) AwaitReady(ctx context.Context, buildID string, vm *types.VMInstance) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ReadyTimeout)
	defer cancel()

	started := time.Now()
	ticker := time.NewTicker(o.cfg.ReadyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("guest for build %s did not become ready within %s", buildID, o.cfg.ReadyTimeout)
		case <-ticker.C:
			if !o.driver.Alive(vm.Name) {
				return "", fmt.Errorf("VM process terminated unexpectedly while waiting for guest handshake")
			}
			status, err := o.prober.VMStatus(ctx, buildID)
			if err != nil {
				o.logger.Warn().Err(err).Str("build_id", buildID).Msg("vm status probe failed")
				continue
			}
			if status.VMReady {
				metrics.VMReadyWait.Observe(time.Since(started).Seconds())
				return status.VMToken, nil
			}
		}
	}
}

// Monitor watches a running build until it finishes one way or another.
// It returns the build outcome; a nil result with an error means the
// context was cancelled and the caller owns the abandonment path.
func (o *Orchestrator) Monitor(ctx context.Context, job *types.BuildJob, vm *types.VMInstance, vmToken string) (*types.BuildResult, error) {
	logger := log.WithBuildID(job.ID).With().Str("vm", vm.Name).Logger()

	deadline := time.Now().Add(o.cfg.BuildTimeout)
	ticker := time.NewTicker(o.cfg.MonitorInterval)
	defer ticker.Stop()

	lastHeartbeat := time.Now()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		// A dead VM can never signal completion, so this check runs first.
		if !o.driver.Alive(vm.Name) {
			logger.Error().Msg("VM process terminated unexpectedly")
			return o.result(job, vm, false, "VM process terminated unexpectedly"), nil
		}

		signal, detail, err := guest.CheckSignals(vm.SharedDirPath)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to read completion signal")
		}
		switch signal {
		case guest.SignalComplete:
			logger.Info().Msg("guest reported build complete")
			return o.result(job, vm, true, ""), nil
		case guest.SignalError:
			logger.Info().Msg("guest reported build failure")
			return o.result(job, vm, false, detail), nil
		}

		if time.Now().After(deadline) {
			logger.Error().Dur("timeout", o.cfg.BuildTimeout).Msg("build timed out")
			return o.result(job, vm, false, fmt.Sprintf("build timed out after %s", o.cfg.BuildTimeout)), nil
		}

		if time.Since(lastHeartbeat) >= o.cfg.HeartbeatInterval {
			lastHeartbeat = time.Now()
			progress := guest.ReadProgress(vm.SharedDirPath)
			if err := o.heart.Heartbeat(ctx, job.ID, vmToken, progress); err != nil {
				// Soft failure: the build keeps running.
				logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

// Terminate shuts the VM down, waiting up to the grace period before
// killing it. Safe on a VM that already exited.
func (o *Orchestrator) Terminate(vm *types.VMInstance) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.StopGrace)
	defer cancel()

	if err := o.driver.Stop(ctx, vm.Name); err != nil {
		o.logger.Warn().Err(err).Str("vm", vm.Name).Msg("graceful stop failed, forcing")
		o.driver.ForceStop(vm.Name)
	}
}

// Reclaim deletes the cloned VM and the shared directory. When cleanup is
// disabled both are kept for debugging. Idempotent: reclaiming a VM that
// is already gone succeeds.
func (o *Orchestrator) Reclaim(ctx context.Context, vm *types.VMInstance) error {
	if !o.cfg.CleanupAfterBuild {
		o.logger.Info().Str("vm", vm.Name).Str("shared_dir", vm.SharedDirPath).
			Msg("cleanup disabled, keeping VM and shared directory")
		return nil
	}

	if err := o.driver.Delete(ctx, vm.Name); err != nil {
		return fmt.Errorf("failed to reclaim VM %s: %w", vm.Name, err)
	}
	if err := os.RemoveAll(vm.SharedDirPath); err != nil {
		return fmt.Errorf("failed to remove shared directory: %w", err)
	}
	return nil
}

func (o *Orchestrator) result(job *types.BuildJob, vm *types.VMInstance, success bool, errMsg string) *types.BuildResult {
	return &types.BuildResult{
		JobID:        job.ID,
		Success:      success,
		ErrorMessage: errMsg,
		Duration:     time.Since(vm.LaunchedAt),
	}
}
