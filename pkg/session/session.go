package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/anvilci/anvil/pkg/backoff"
	"github.com/anvilci/anvil/pkg/controller"
	"github.com/anvilci/anvil/pkg/identity"
	"github.com/anvilci/anvil/pkg/log"
	"github.com/anvilci/anvil/pkg/metrics"
	"github.com/anvilci/anvil/pkg/types"
)

// DefaultMaxAttempts is how many times registration is retried before the
// worker gives up and refuses to enter the polling state.
const DefaultMaxAttempts = 10

// ErrRegistrationInFlight is returned when a second registration is
// requested while one is already running.
var ErrRegistrationInFlight = errors.New("registration already in progress")

// Config tunes the session manager. Zero values fall back to defaults.
type Config struct {
	APIKey       string
	DeviceName   string
	Capabilities types.Capabilities
	MaxAttempts  int
	BackoffMin   time.Duration
	BackoffMax   time.Duration
}

// Manager owns the worker's credential state: the durable identity and the
// ephemeral session token. All mutation goes through its lock, and every
// mutation-plus-persist pair is one atomic step: if the durable write fails
// the in-memory change is rolled back rather than allowed to diverge.
type Manager struct {
	mu sync.Mutex

	store  *identity.Store
	client *controller.Client
	cfg    Config

	identity      types.WorkerIdentity
	session       *types.Session
	reregistering bool

	logger zerolog.Logger
}

// NewManager creates a session manager over the given store and client.
func NewManager(store *identity.Store, client *controller.Client, cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Manager{
		store:  store,
		client: client,
		cfg:    cfg,
		identity: types.WorkerIdentity{
			DeviceName: cfg.DeviceName,
			APIKey:     cfg.APIKey,
		},
		logger: log.WithComponent("session"),
	}
}

// Load restores persisted identity and session state. A missing record is
// not an error: a fresh machine simply has no identity yet.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, err := m.store.LoadIdentity()
	switch {
	case err == nil:
		// Config wins for name and key, disk wins for the assigned ID.
		m.identity.WorkerID = stored.WorkerID
	case errors.Is(err, identity.ErrNotFound):
	default:
		return fmt.Errorf("failed to load identity: %w", err)
	}

	session, err := m.store.LoadSession()
	switch {
	case err == nil:
		if session.IssuedForWorkerID == m.identity.WorkerID {
			m.session = session
		}
	case errors.Is(err, identity.ErrNotFound):
	default:
		return fmt.Errorf("failed to load session: %w", err)
	}

	return nil
}

// WorkerID returns the controller-assigned worker ID, or "" before the
// first successful registration.
func (m *Manager) WorkerID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity.WorkerID
}

// Token returns the current session token, if any.
func (m *Manager) Token() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return "", false
	}
	return m.session.AccessToken, true
}

// Reregistering reports whether a registration is in flight. The dispatch
// loop skips polling entirely while this is true, so a poll never races a
// credential swap.
func (m *Manager) Reregistering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reregistering
}

// Register registers (or re-registers) with the controller, retrying with
// exponential backoff. Exhausting every attempt is fatal to the caller's
// startup: a worker with no durable identity cannot safely claim work.
func (m *Manager) Register(ctx context.Context) error {
	m.mu.Lock()
	if m.reregistering {
		m.mu.Unlock()
		return ErrRegistrationInFlight
	}
	m.reregistering = true
	req := &controller.RegisterRequest{
		Name:         m.identity.DeviceName,
		Capabilities: m.cfg.Capabilities,
		ID:           m.identity.WorkerID,
	}
	apiKey := m.identity.APIKey
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.reregistering = false
		m.mu.Unlock()
	}()

	retry := backoff.New(m.cfg.BackoffMin, m.cfg.BackoffMax)
	var lastErr error

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		resp, err := m.client.Register(ctx, apiKey, req)
		if err == nil {
			return m.commitRegistration(resp)
		}

		lastErr = err
		metrics.RegistrationFailures.Inc()
		m.logger.Warn().Err(err).Int("attempt", attempt).Msg("registration attempt failed")

		if attempt == m.cfg.MaxAttempts {
			break
		}
		if err := sleepCtx(ctx, retry.Next()); err != nil {
			return err
		}
	}

	return fmt.Errorf("registration failed after %d attempts: %w", m.cfg.MaxAttempts, lastErr)
}

// commitRegistration persists the registration response, then swaps it into
// memory. Persist failure rolls the whole step back: an in-memory-only
// credential that cannot survive a restart is no credential at all.
func (m *Manager) commitRegistration(resp *controller.RegisterResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newIdentity := m.identity
	newIdentity.WorkerID = resp.ID
	newSession := &types.Session{
		AccessToken:       resp.AccessToken,
		IssuedForWorkerID: resp.ID,
	}

	if err := m.store.SaveRegistration(&newIdentity, newSession); err != nil {
		return fmt.Errorf("failed to persist registration: %w", err)
	}

	m.identity = newIdentity
	m.session = newSession
	metrics.RegistrationsTotal.Inc()
	m.logger.Info().Str("worker_id", resp.ID).Msg("registered with controller")
	return nil
}

// RotateToken stores a rotated session token from a poll response. Persist
// failure keeps the previous token in memory.
func (m *Manager) RotateToken(token string) error {
	if token == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	newSession := &types.Session{
		AccessToken:       token,
		IssuedForWorkerID: m.identity.WorkerID,
	}
	if err := m.store.SaveSession(newSession); err != nil {
		return fmt.Errorf("failed to persist rotated token: %w", err)
	}
	m.session = newSession
	return nil
}

// HandleAuthFailure recovers from a credential rejection observed during a
// poll. A 401 means the token expired but the controller still knows the
// worker: only the session is cleared, and the worker ID is preserved so
// the controller can re-associate state. A 404 means the worker was deleted
// controller-side: both records are cleared and the worker registers as new.
func (m *Manager) HandleAuthFailure(ctx context.Context, outcome controller.PollOutcome) error {
	m.mu.Lock()
	if m.reregistering {
		m.mu.Unlock()
		return nil
	}

	switch outcome {
	case controller.OutcomeAuthExpired:
		if err := m.store.ClearSession(); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to clear session: %w", err)
		}
		m.session = nil
		m.logger.Info().Str("worker_id", m.identity.WorkerID).Msg("session expired, re-registering")
	case controller.OutcomeWorkerUnknown:
		if err := m.store.ClearIdentity(); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to clear identity: %w", err)
		}
		m.session = nil
		m.identity.WorkerID = ""
		m.logger.Info().Msg("worker unknown to controller, registering as new")
	default:
		m.mu.Unlock()
		return fmt.Errorf("not an auth failure outcome: %s", outcome)
	}
	m.mu.Unlock()

	return m.Register(ctx)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
