package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anvilci/anvil/pkg/config"
	"github.com/anvilci/anvil/pkg/controller"
	"github.com/anvilci/anvil/pkg/dispatch"
	"github.com/anvilci/anvil/pkg/doctor"
	"github.com/anvilci/anvil/pkg/events"
	"github.com/anvilci/anvil/pkg/identity"
	"github.com/anvilci/anvil/pkg/log"
	"github.com/anvilci/anvil/pkg/metrics"
	"github.com/anvilci/anvil/pkg/reporter"
	"github.com/anvilci/anvil/pkg/session"
	"github.com/anvilci/anvil/pkg/types"
	"github.com/anvilci/anvil/pkg/vm"
)

// Agent is the assembled worker process: session manager, dispatch loop,
// VM orchestration, event broker, and the optional metrics endpoint.
type Agent struct {
	cfg     *config.Config
	store   *identity.Store
	client  *controller.Client
	session *session.Manager
	loop    *dispatch.Loop
	broker  *events.Broker
	metrics *http.Server
	logger  zerolog.Logger

	stopOnce sync.Once
}

// New wires an agent from config. The identity store is opened here; the
// caller owns calling Stop to release it.
func New(cfg *config.Config) (*Agent, error) {
	store, err := identity.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity store: %w", err)
	}

	if err := applyPersistedLimits(store, cfg); err != nil {
		store.Close()
		return nil, err
	}

	client := controller.NewClient(cfg.ControllerURL)

	sess := session.NewManager(store, client, session.Config{
		APIKey:     cfg.APIKey,
		DeviceName: cfg.DeviceName,
		Capabilities: types.Capabilities{
			Platforms:           cfg.Platforms,
			MaxConcurrentBuilds: cfg.MaxConcurrentBuilds,
			Arch:                runtime.GOARCH,
		},
	})

	rep := reporter.New(client, sess)

	driver, err := vm.NewLimaDriver()
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("VM driver unavailable: %w", err)
	}

	orch := vm.NewOrchestrator(driver, client, rep, vm.Config{
		ControllerURL:     cfg.ControllerURL,
		DataDir:           cfg.DataDir,
		VMTemplate:        cfg.VMTemplate,
		BuildTimeout:      cfg.BuildTimeout,
		CleanupAfterBuild: cfg.CleanupAfterBuild,
	})

	broker := events.NewBroker()

	loop := dispatch.NewLoop(sess, client, orch, rep, broker, dispatch.Config{
		PollInterval:        cfg.PollInterval,
		MaxConcurrentBuilds: cfg.MaxConcurrentBuilds,
	})

	return &Agent{
		cfg:     cfg,
		store:   store,
		client:  client,
		session: sess,
		loop:    loop,
		broker:  broker,
		logger:  log.WithComponent("agent"),
	}, nil
}

// Start brings the worker online: restore persisted credentials, register
// if needed, then begin polling. Registration failure is fatal; a worker
// without an identity must not poll.
func (a *Agent) Start(ctx context.Context) error {
	a.broker.Start()
	a.broker.PublishType(events.EventWorkerConnecting, "connecting to controller", "")

	if err := a.session.Load(); err != nil {
		return fmt.Errorf("failed to restore worker identity: %w", err)
	}

	if _, ok := a.session.Token(); !ok {
		a.logger.Info().Msg("no valid session, registering")
		if err := a.session.Register(ctx); err != nil {
			return fmt.Errorf("registration failed: %w", err)
		}
	}
	workerLogger := log.WithWorkerID(a.session.WorkerID())
	workerLogger.Info().Msg("worker registered")

	a.startMetrics()
	a.loop.Start()
	return nil
}

// Stop drains builds, unregisters, and releases the identity store.
// Idempotent.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() {
		a.logger.Info().Msg("shutting down")
		a.loop.Stop()
		a.stopMetrics()
		a.broker.Stop()
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("failed to close identity store")
		}
	})
}

// State exposes the dispatch state for the status command.
func (a *Agent) State() types.WorkerState {
	return a.loop.State()
}

// ActiveBuilds exposes the in-flight build snapshot.
func (a *Agent) ActiveBuilds() []*types.ActiveBuild {
	return a.loop.ActiveBuilds()
}

// Events exposes the broker so presentation layers can subscribe.
func (a *Agent) Events() *events.Broker {
	return a.broker
}

// Doctor runs host diagnostics and reports them to the controller.
func (a *Agent) Doctor(ctx context.Context) ([]doctor.Result, bool) {
	d := doctor.New(a.cfg, a.client, a.session.WorkerID())
	results, healthy := d.Run(ctx)
	d.Report(ctx, results, healthy)
	return results, healthy
}

// applyPersistedLimits makes the operator-tunable caps durable. Persisted
// limits win over the config file; on first run the file values seed the
// store so they survive a lost or rewritten config.
func applyPersistedLimits(store *identity.Store, cfg *config.Config) error {
	limits, err := store.LoadLimits()
	switch {
	case err == nil:
		if limits.MaxConcurrentBuilds > 0 {
			cfg.MaxConcurrentBuilds = limits.MaxConcurrentBuilds
		}
		if limits.BuildTimeout > 0 {
			cfg.BuildTimeout = limits.BuildTimeout
		}
		return nil
	case errors.Is(err, identity.ErrNotFound):
		seed := &identity.Limits{
			MaxConcurrentBuilds: cfg.MaxConcurrentBuilds,
			BuildTimeout:        cfg.BuildTimeout,
		}
		if err := store.SaveLimits(seed); err != nil {
			return fmt.Errorf("failed to persist limits: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("failed to load limits: %w", err)
	}
}

func (a *Agent) startMetrics() {
	if a.cfg.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	a.metrics = &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux}
	go func() {
		a.logger.Info().Str("addr", a.cfg.MetricsAddr).Msg("metrics endpoint listening")
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func (a *Agent) stopMetrics() {
	if a.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.metrics.Shutdown(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("metrics server shutdown failed")
	}
}
