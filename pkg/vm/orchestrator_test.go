package vm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvilci/anvil/pkg/controller"
	"github.com/anvilci/anvil/pkg/guest"
	"github.com/anvilci/anvil/pkg/types"
)

type fakeDriver struct {
	mu        sync.Mutex
	launched  []string
	baseImage string
	sharedDir string
	launchErr error
	alive     bool
	stopErr   error
	stopped   []string
	forced    []string
	deleted   []string
}

func (f *fakeDriver) Launch(_ context.Context, name, baseImage, sharedDir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return f.launchErr
	}
	f.launched = append(f.launched, name)
	f.baseImage = baseImage
	f.sharedDir = sharedDir
	f.alive = true
	return nil
}

func (f *fakeDriver) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
	if f.stopErr != nil {
		return f.stopErr
	}
	f.alive = false
	return nil
}

func (f *fakeDriver) ForceStop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced = append(f.forced, name)
	f.alive = false
}

func (f *fakeDriver) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeDriver) Alive(string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive
}

func (f *fakeDriver) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive = false
}

type fakeProber struct {
	mu        sync.Mutex
	responses []*controller.VMStatusResponse
	calls     int
}

func (f *fakeProber) VMStatus(context.Context, string) (*controller.VMStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.responses) {
		return &controller.VMStatusResponse{}, nil
	}
	resp := f.responses[f.calls]
	f.calls++
	return resp, nil
}

type fakeHeartbeater struct {
	mu    sync.Mutex
	calls []*types.Progress
}

func (f *fakeHeartbeater) Heartbeat(_ context.Context, _, _ string, progress *types.Progress) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, progress)
	return nil
}

func (f *fakeHeartbeater) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testJob() *types.BuildJob {
	return &types.BuildJob{
		ID:        "b-1",
		Platform:  "ios",
		OTP:       "otp-a1b2c3",
		SourceURL: "https://controller.example.com/builds/b-1/source.tar.gz",
	}
}

func testOrchestrator(t *testing.T, driver Driver, prober ReadyProber, heart Heartbeater, mutate func(*Config)) *Orchestrator {
	t.Helper()
	cfg := Config{
		ControllerURL:     "https://controller.example.com",
		DataDir:           t.TempDir(),
		VMTemplate:        "macos-sequoia-xcode16",
		BuildTimeout:      time.Second,
		CleanupAfterBuild: true,
		ReadyTimeout:      200 * time.Millisecond,
		ReadyPollInterval: 10 * time.Millisecond,
		MonitorInterval:   10 * time.Millisecond,
		HeartbeatInterval: 25 * time.Millisecond,
		StopGrace:         50 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewOrchestrator(driver, prober, heart, cfg)
}

func TestZeroBuildTimeoutTakesDefault(t *testing.T) {
	o := NewOrchestrator(&fakeDriver{}, nil, nil, Config{})
	assert.Equal(t, DefaultBuildTimeout, o.cfg.BuildTimeout,
		"a zero timeout must not expire builds on the first tick")
}

func TestLaunchStagesGuestEnvironment(t *testing.T) {
	driver := &fakeDriver{}
	o := testOrchestrator(t, driver, nil, nil, nil)

	vm, err := o.Launch(context.Background(), testJob())
	require.NoError(t, err)

	assert.Contains(t, vm.Name, "anvil-build-b-1-")
	assert.Equal(t, "macos-sequoia-xcode16", driver.baseImage, "falls back to the configured template")
	assert.Equal(t, vm.SharedDirPath, driver.sharedDir)

	// The guest environment must be staged before the VM boots.
	assert.FileExists(t, filepath.Join(vm.SharedDirPath, guest.FileBuildConfig))
	assert.FileExists(t, filepath.Join(vm.SharedDirPath, guest.FileBootstrap))
}

func TestLaunchJobImageOverridesTemplate(t *testing.T) {
	driver := &fakeDriver{}
	o := testOrchestrator(t, driver, nil, nil, nil)

	job := testJob()
	job.BaseImageID = "macos-sequoia-xcode16.1"
	_, err := o.Launch(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "macos-sequoia-xcode16.1", driver.baseImage)
}

func TestLaunchFailsWithoutAnyBaseImage(t *testing.T) {
	o := testOrchestrator(t, &fakeDriver{}, nil, nil, func(c *Config) { c.VMTemplate = "" })

	_, err := o.Launch(context.Background(), testJob())
	require.Error(t, err)
}

func TestLaunchFailureRemovesSharedDir(t *testing.T) {
	driver := &fakeDriver{launchErr: errors.New("qemu exploded")}
	o := testOrchestrator(t, driver, nil, nil, nil)

	dataDir := o.cfg.DataDir
	_, err := o.Launch(context.Background(), testJob())
	require.Error(t, err)

	entries, err := os.ReadDir(dataDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "shared directory must not leak on launch failure")
}

func TestAwaitReadyReturnsVMToken(t *testing.T) {
	driver := &fakeDriver{alive: true}
	prober := &fakeProber{responses: []*controller.VMStatusResponse{
		{VMReady: false},
		{VMReady: false},
		{VMReady: true, VMToken: "vm-tok-1"},
	}}
	o := testOrchestrator(t, driver, prober, nil, nil)

	token, err := o.AwaitReady(context.Background(), "b-1", &types.VMInstance{Name: "vm-1"})
	require.NoError(t, err)
	assert.Equal(t, "vm-tok-1", token)
}

func TestAwaitReadyTimesOut(t *testing.T) {
	driver := &fakeDriver{alive: true}
	prober := &fakeProber{} // never ready
	o := testOrchestrator(t, driver, prober, nil, nil)

	_, err := o.AwaitReady(context.Background(), "b-1", &types.VMInstance{Name: "vm-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not become ready")
}

func TestAwaitReadyDetectsDeadVM(t *testing.T) {
	driver := &fakeDriver{alive: false}
	o := testOrchestrator(t, driver, &fakeProber{}, nil, nil)

	_, err := o.AwaitReady(context.Background(), "b-1", &types.VMInstance{Name: "vm-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminated unexpectedly")
}

func monitorFixture(t *testing.T, driver *fakeDriver, heart Heartbeater) (*Orchestrator, *types.VMInstance) {
	t.Helper()
	o := testOrchestrator(t, driver, nil, heart, nil)
	vm := &types.VMInstance{
		Name:          "vm-1",
		SharedDirPath: t.TempDir(),
		LaunchedAt:    time.Now(),
	}
	return o, vm
}

func TestMonitorCompleteSignal(t *testing.T) {
	driver := &fakeDriver{alive: true}
	o, vm := monitorFixture(t, driver, &fakeHeartbeater{})

	require.NoError(t, os.WriteFile(filepath.Join(vm.SharedDirPath, guest.FileComplete), nil, 0o644))

	result, err := o.Monitor(context.Background(), testJob(), vm, "vm-tok")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "b-1", result.JobID)
}

func TestMonitorErrorSignalCarriesLogTail(t *testing.T) {
	driver := &fakeDriver{alive: true}
	o, vm := monitorFixture(t, driver, &fakeHeartbeater{})

	tail := "xcodebuild: error: scheme not found\n"
	require.NoError(t, os.WriteFile(filepath.Join(vm.SharedDirPath, guest.FileError), []byte(tail), 0o644))

	result, err := o.Monitor(context.Background(), testJob(), vm, "vm-tok")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, tail, result.ErrorMessage)
}

func TestMonitorDeadVMIsHardFailure(t *testing.T) {
	driver := &fakeDriver{alive: true}
	o, vm := monitorFixture(t, driver, &fakeHeartbeater{})

	driver.kill()

	result, err := o.Monitor(context.Background(), testJob(), vm, "vm-tok")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "VM process terminated unexpectedly", result.ErrorMessage)
}

func TestMonitorTimesOut(t *testing.T) {
	driver := &fakeDriver{alive: true}
	o, vm := monitorFixture(t, driver, &fakeHeartbeater{})
	o.cfg.BuildTimeout = 50 * time.Millisecond

	result, err := o.Monitor(context.Background(), testJob(), vm, "vm-tok")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.ErrorMessage, "timed out")
}

func TestMonitorHeartbeatsWithProgress(t *testing.T) {
	driver := &fakeDriver{alive: true}
	heart := &fakeHeartbeater{}
	o, vm := monitorFixture(t, driver, heart)
	o.cfg.BuildTimeout = 200 * time.Millisecond

	progressPath := filepath.Join(vm.SharedDirPath, guest.FileProgress)
	require.NoError(t, os.WriteFile(progressPath, []byte(`{"percent":42,"stage":"archive"}`), 0o644))

	result, err := o.Monitor(context.Background(), testJob(), vm, "vm-tok")
	require.NoError(t, err)
	assert.False(t, result.Success) // ends by timeout

	require.Greater(t, heart.count(), 0, "monitor must heartbeat while the build runs")
	heart.mu.Lock()
	defer heart.mu.Unlock()
	require.NotNil(t, heart.calls[0])
	assert.Equal(t, 42.0, heart.calls[0].Percent)
}

func TestMonitorStopsOnContextCancel(t *testing.T) {
	driver := &fakeDriver{alive: true}
	o, vm := monitorFixture(t, driver, &fakeHeartbeater{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := o.Monitor(ctx, testJob(), vm, "vm-tok")
	assert.Nil(t, result)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTerminateForcesAfterGracefulFailure(t *testing.T) {
	driver := &fakeDriver{alive: true, stopErr: errors.New("ssh unreachable")}
	o := testOrchestrator(t, driver, nil, nil, nil)

	o.Terminate(&types.VMInstance{Name: "vm-1"})

	assert.Equal(t, []string{"vm-1"}, driver.stopped)
	assert.Equal(t, []string{"vm-1"}, driver.forced)
}

func TestReclaimDeletesVMAndSharedDir(t *testing.T) {
	driver := &fakeDriver{}
	o := testOrchestrator(t, driver, nil, nil, nil)

	shared := filepath.Join(t.TempDir(), "build-b-1")
	require.NoError(t, os.MkdirAll(shared, 0o755))

	vm := &types.VMInstance{Name: "vm-1", SharedDirPath: shared}
	require.NoError(t, o.Reclaim(context.Background(), vm))

	assert.Equal(t, []string{"vm-1"}, driver.deleted)
	assert.NoDirExists(t, shared)

	// Reclaim is idempotent.
	require.NoError(t, o.Reclaim(context.Background(), vm))
}

func TestReclaimKeepsEverythingWhenCleanupDisabled(t *testing.T) {
	driver := &fakeDriver{}
	o := testOrchestrator(t, driver, nil, nil, func(c *Config) { c.CleanupAfterBuild = false })

	shared := t.TempDir()
	vm := &types.VMInstance{Name: "vm-1", SharedDirPath: shared}
	require.NoError(t, o.Reclaim(context.Background(), vm))

	assert.Empty(t, driver.deleted)
	assert.DirExists(t, shared)
}
