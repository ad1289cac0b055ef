package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anvilci/anvil/pkg/backoff"
	"github.com/anvilci/anvil/pkg/controller"
	"github.com/anvilci/anvil/pkg/events"
	"github.com/anvilci/anvil/pkg/log"
	"github.com/anvilci/anvil/pkg/metrics"
	"github.com/anvilci/anvil/pkg/types"
)

// Session is what the loop needs from the session manager.
type Session interface {
	WorkerID() string
	Token() (string, bool)
	Reregistering() bool
	RotateToken(token string) error
	HandleAuthFailure(ctx context.Context, outcome controller.PollOutcome) error
}

// Poller claims work from the controller.
type Poller interface {
	Poll(ctx context.Context, token string) controller.PollResult
	Unregister(ctx context.Context, token string) error
}

// Orchestrator runs the VM side of one build.
type Orchestrator interface {
	Launch(ctx context.Context, job *types.BuildJob) (*types.VMInstance, error)
	AwaitReady(ctx context.Context, buildID string, vm *types.VMInstance) (string, error)
	Monitor(ctx context.Context, job *types.BuildJob, vm *types.VMInstance, vmToken string) (*types.BuildResult, error)
	Terminate(vm *types.VMInstance)
	Reclaim(ctx context.Context, vm *types.VMInstance) error
}

// Reporter uploads build outcomes.
type Reporter interface {
	ReportResult(ctx context.Context, result *types.BuildResult, artifactPath string) error
	ReportAbandoned(ctx context.Context, jobID, reason string) error
}

// cleanupTimeout bounds post-build reporting and reclamation, which run on
// a background context because the build context may already be cancelled.
const cleanupTimeout = 2 * time.Minute

// Config tunes the dispatch loop.
type Config struct {
	PollInterval        time.Duration
	MaxConcurrentBuilds int

	// BackoffMin and BackoffMax bound the transient-failure retry delay.
	// Zero values take the backoff package defaults.
	BackoffMin time.Duration
	BackoffMax time.Duration

	// Freshness, when set, runs before each claim attempt. An error skips
	// claiming for that tick without counting as a poll failure.
	Freshness func(ctx context.Context) error
}

// Loop is the poll-claim-execute state machine. One Loop runs per worker
// process. Builds execute on their own goroutines; the loop goroutine only
// polls and claims.
type Loop struct {
	session  Session
	poller   Poller
	orch     Orchestrator
	reporter Reporter
	broker   *events.Broker
	cfg      Config
	logger   zerolog.Logger

	mu      sync.Mutex
	state   types.WorkerState
	active  map[string]*types.ActiveBuild
	cancels map[string]context.CancelFunc

	backoff    *backoff.Backoff
	stopCh     chan struct{}
	stopOnce   sync.Once
	buildWG    sync.WaitGroup
	loopWG     sync.WaitGroup
	rootCtx    context.Context
	rootCancel context.CancelFunc
}

// NewLoop wires the dispatch loop. Start must be called before it polls.
func NewLoop(session Session, poller Poller, orch Orchestrator, reporter Reporter, broker *events.Broker, cfg Config) *Loop {
	if cfg.MaxConcurrentBuilds <= 0 {
		cfg.MaxConcurrentBuilds = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Loop{
		session:    session,
		poller:     poller,
		orch:       orch,
		reporter:   reporter,
		broker:     broker,
		cfg:        cfg,
		logger:     log.WithComponent("dispatch"),
		state:      types.WorkerStateStopped,
		active:     make(map[string]*types.ActiveBuild),
		cancels:    make(map[string]context.CancelFunc),
		backoff:    backoff.New(cfg.BackoffMin, cfg.BackoffMax),
		stopCh:     make(chan struct{}),
		rootCtx:    ctx,
		rootCancel: cancel,
	}
}

// Start begins polling. The caller must already hold a registered session.
func (l *Loop) Start() {
	l.setState(types.WorkerStatePolling)
	l.broker.PublishType(events.EventWorkerOnline, "worker polling for builds", "")
	l.loopWG.Add(1)
	go l.run()
}

// Stop drains the worker: no new claims, all in-flight builds are cancelled
// and cleaned up, then the worker unregisters. Idempotent; concurrent calls
// block until the first completes the drain.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		l.setState(types.WorkerStateDraining)
		l.broker.PublishType(events.EventWorkerDraining, "worker draining", "")
		close(l.stopCh)

		// Cancelling the root context here, before waiting, covers every
		// build context (they are all children) including one claimed by a
		// poll that was already in flight, and aborts any registration
		// retry cycle a recovery path may be sleeping in.
		l.rootCancel()

		l.mu.Lock()
		for _, cancel := range l.cancels {
			cancel()
		}
		l.mu.Unlock()

		l.buildWG.Wait()
		l.loopWG.Wait()

		if token, ok := l.session.Token(); ok {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := l.poller.Unregister(ctx, token); err != nil {
				l.logger.Warn().Err(err).Msg("unregister failed during shutdown")
			}
		}

		l.setState(types.WorkerStateStopped)
		l.broker.PublishType(events.EventWorkerStopped, "worker stopped", "")
		l.logger.Info().Msg("dispatch loop stopped")
	})
}

// State returns the current lifecycle state.
func (l *Loop) State() types.WorkerState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// ActiveBuilds returns a snapshot of in-flight builds.
func (l *Loop) ActiveBuilds() []*types.ActiveBuild {
	l.mu.Lock()
	defer l.mu.Unlock()
	builds := make([]*types.ActiveBuild, 0, len(l.active))
	for _, b := range l.active {
		builds = append(builds, b)
	}
	return builds
}

func (l *Loop) setState(s types.WorkerState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
}

func (l *Loop) run() {
	defer l.loopWG.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-timer.C:
		}
		timer.Reset(l.pollOnce())
	}
}

// pollOnce performs one tick and returns the delay before the next one.
// Transient failures stretch the delay via exponential backoff; any
// successful exchange resets it.
func (l *Loop) pollOnce() time.Duration {
	if l.session.Reregistering() {
		return l.cfg.PollInterval
	}

	// Soft capacity gate. The slot count can grow between this check and
	// the claim landing, but the cap is advisory and the controller bounds
	// assignment too, so the race is tolerated rather than locked away.
	if l.buildCount() >= l.cfg.MaxConcurrentBuilds {
		return l.cfg.PollInterval
	}

	if l.cfg.Freshness != nil {
		if err := l.cfg.Freshness(l.rootCtx); err != nil {
			l.logger.Warn().Err(err).Msg("freshness check failed, skipping claim")
			return l.cfg.PollInterval
		}
	}

	token, ok := l.session.Token()
	if !ok {
		return l.cfg.PollInterval
	}

	result := l.poller.Poll(l.rootCtx, token)
	metrics.PollsTotal.WithLabelValues(result.Outcome.String()).Inc()

	switch result.Outcome {
	case controller.OutcomeJob:
		l.backoff.Reset()
		l.rotate(result.AccessToken)
		l.startBuild(result.Job)
		return l.cfg.PollInterval

	case controller.OutcomeIdle:
		l.backoff.Reset()
		l.rotate(result.AccessToken)
		return l.cfg.PollInterval

	case controller.OutcomeAuthExpired, controller.OutcomeWorkerUnknown:
		l.logger.Warn().Str("outcome", result.Outcome.String()).Msg("credentials rejected, recovering")
		if err := l.session.HandleAuthFailure(l.rootCtx, result.Outcome); err != nil {
			// Re-registration failed closed. The worker cannot continue
			// without an identity.
			l.logger.Error().Err(err).Msg("re-registration failed, shutting down")
			go l.Stop()
			return l.cfg.PollInterval
		}
		l.backoff.Reset()
		return l.cfg.PollInterval

	default: // controller.OutcomeTransient
		delay := l.backoff.Next()
		l.logger.Warn().Err(result.Err).Dur("retry_in", delay).Msg("poll failed")
		return delay
	}
}

func (l *Loop) rotate(token string) {
	if err := l.session.RotateToken(token); err != nil {
		l.logger.Error().Err(err).Msg("failed to persist rotated token")
	}
}

func (l *Loop) buildCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.active)
}

func (l *Loop) startBuild(job *types.BuildJob) {
	l.mu.Lock()
	// A claim can land after Stop started draining when the poll was
	// already in flight. The job must not execute; hand it straight back.
	if l.state == types.WorkerStateDraining || l.state == types.WorkerStateStopped {
		l.mu.Unlock()
		l.logger.Info().Str("build_id", job.ID).Msg("claim landed during drain, returning job")
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := l.reporter.ReportAbandoned(ctx, job.ID, "worker shutting down"); err != nil {
			l.logger.Warn().Err(err).Str("build_id", job.ID).Msg("abandon report failed")
		}
		l.broker.PublishType(events.EventBuildAbandoned, "worker shutting down", job.ID)
		return
	}
	if _, exists := l.active[job.ID]; exists {
		l.mu.Unlock()
		l.logger.Warn().Str("build_id", job.ID).Msg("controller handed out an already-active build")
		return
	}
	ctx, cancel := context.WithCancel(l.rootCtx)
	build := &types.ActiveBuild{JobID: job.ID, StartedAt: time.Now()}
	l.active[job.ID] = build
	l.cancels[job.ID] = cancel
	l.state = types.WorkerStateExecuting
	l.mu.Unlock()

	l.broker.PublishType(events.EventBuildClaimed, "build claimed", job.ID)
	metrics.BuildsActive.Inc()
	l.logger.Info().Str("build_id", job.ID).Str("platform", job.Platform).Msg("build claimed")

	l.buildWG.Add(1)
	go l.execute(ctx, job, build)
}

// execute owns one build from launch to reclamation. The concurrency slot
// is released in finishBuild, which runs only after cleanup completes.
func (l *Loop) execute(ctx context.Context, job *types.BuildJob, build *types.ActiveBuild) {
	defer l.buildWG.Done()
	defer l.finishBuild(job.ID)

	logger := log.WithBuildID(job.ID)

	vm, err := l.orch.Launch(ctx, job)
	if err != nil {
		if ctx.Err() != nil {
			l.abandon(job, nil, "worker shutting down")
			return
		}
		logger.Error().Err(err).Msg("VM launch failed")
		l.report(&types.BuildResult{JobID: job.ID, ErrorMessage: err.Error()})
		l.broker.PublishType(events.EventBuildFailed, err.Error(), job.ID)
		return
	}

	l.mu.Lock()
	build.VM = vm
	l.mu.Unlock()
	l.broker.PublishType(events.EventBuildVMLaunched, vm.Name, job.ID)

	vmToken, err := l.orch.AwaitReady(ctx, job.ID, vm)
	if err != nil {
		if ctx.Err() != nil {
			l.abandon(job, vm, "worker shutting down")
			return
		}
		logger.Error().Err(err).Msg("guest never became ready")
		l.orch.Terminate(vm)
		l.report(&types.BuildResult{JobID: job.ID, ErrorMessage: err.Error()})
		l.broker.PublishType(events.EventBuildFailed, err.Error(), job.ID)
		l.reclaim(vm)
		return
	}

	result, err := l.orch.Monitor(ctx, job, vm, vmToken)
	if err != nil {
		// Only context cancellation surfaces here.
		l.abandon(job, vm, "worker shutting down")
		return
	}

	l.orch.Terminate(vm)
	l.report(result)
	if result.Success {
		l.broker.PublishType(events.EventBuildCompleted, "", job.ID)
	} else {
		l.broker.PublishType(events.EventBuildFailed, result.ErrorMessage, job.ID)
	}
	l.reclaim(vm)
}

// report uploads a result on a background context; the outcome is already
// decided, so a failed upload is logged and not retried here.
func (l *Loop) report(result *types.BuildResult) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := l.reporter.ReportResult(ctx, result, ""); err != nil {
		l.logger.Error().Err(err).Str("build_id", result.JobID).Msg("result upload failed")
	}
}

func (l *Loop) reclaim(vm *types.VMInstance) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := l.orch.Reclaim(ctx, vm); err != nil {
		l.logger.Error().Err(err).Str("vm", vm.Name).Msg("reclaim failed")
	}
}

// abandon hands a job back to the controller. vm is nil when cancellation
// hit before a VM existed.
func (l *Loop) abandon(job *types.BuildJob, vm *types.VMInstance, reason string) {
	if vm != nil {
		l.orch.Terminate(vm)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := l.reporter.ReportAbandoned(ctx, job.ID, reason); err != nil {
		l.logger.Warn().Err(err).Str("build_id", job.ID).Msg("abandon report failed")
	}
	l.broker.PublishType(events.EventBuildAbandoned, reason, job.ID)
	if vm != nil {
		l.reclaim(vm)
	}
}

// finishBuild removes the build from the registry. This is the moment the
// concurrency slot opens up again.
func (l *Loop) finishBuild(jobID string) {
	l.mu.Lock()
	delete(l.active, jobID)
	delete(l.cancels, jobID)
	if len(l.active) == 0 && l.state == types.WorkerStateExecuting {
		l.state = types.WorkerStatePolling
	}
	l.mu.Unlock()
	metrics.BuildsActive.Dec()
}
