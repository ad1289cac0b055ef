package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvilci/anvil/pkg/controller"
	"github.com/anvilci/anvil/pkg/identity"
	"github.com/anvilci/anvil/pkg/types"
)

func testConfig() Config {
	return Config{
		APIKey:      "key-1",
		DeviceName:  "mini-7",
		MaxAttempts: 3,
		BackoffMin:  time.Millisecond,
		BackoffMax:  4 * time.Millisecond,
		Capabilities: types.Capabilities{
			Platforms:           []string{"ios"},
			MaxConcurrentBuilds: 1,
		},
	}
}

func newTestStore(t *testing.T) *identity.Store {
	t.Helper()
	store, err := identity.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func registerHandler(id string, calls *atomic.Int32, wantSuppliedID *atomic.Value) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req controller.RegisterRequest
		json.NewDecoder(r.Body).Decode(&req)
		if wantSuppliedID != nil {
			wantSuppliedID.Store(req.ID)
		}
		json.NewEncoder(w).Encode(map[string]string{"id": id, "access_token": "tok-" + id})
	}
}

func TestRegisterPersistsBeforeMemory(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(registerHandler("w-1", &calls, nil))
	defer server.Close()

	store := newTestStore(t)
	m := NewManager(store, controller.NewClient(server.URL), testConfig())

	require.NoError(t, m.Register(context.Background()))

	assert.Equal(t, "w-1", m.WorkerID())
	token, ok := m.Token()
	require.True(t, ok)
	assert.Equal(t, "tok-w-1", token)

	// Durable copy matches
	storedIdentity, err := store.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, "w-1", storedIdentity.WorkerID)
	storedSession, err := store.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "tok-w-1", storedSession.AccessToken)
}

func TestRegisterRollsBackOnPersistFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(registerHandler("w-1", &calls, nil))
	defer server.Close()

	store, err := identity.Open(t.TempDir())
	require.NoError(t, err)
	m := NewManager(store, controller.NewClient(server.URL), testConfig())

	// Force the durable write to fail
	require.NoError(t, store.Close())

	err = m.Register(context.Background())
	require.Error(t, err)

	// The in-memory credential must not survive a failed persist
	assert.Empty(t, m.WorkerID())
	_, ok := m.Token()
	assert.False(t, ok)
}

func TestRegisterRetriesWithBackoffThenFailsClosed(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	m := NewManager(newTestStore(t), controller.NewClient(server.URL), testConfig())

	err := m.Register(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load(), "one call per configured attempt")

	// Fail closed: no credential of any kind
	assert.Empty(t, m.WorkerID())
	_, ok := m.Token()
	assert.False(t, ok)
}

func TestRegisterRecoversMidRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "w-2", "access_token": "tok-2"})
	}))
	defer server.Close()

	m := NewManager(newTestStore(t), controller.NewClient(server.URL), testConfig())

	require.NoError(t, m.Register(context.Background()))
	assert.Equal(t, "w-2", m.WorkerID())
}

func TestHandleAuthFailure401PreservesWorkerID(t *testing.T) {
	var suppliedID atomic.Value
	var calls atomic.Int32
	server := httptest.NewServer(registerHandler("w-1", &calls, &suppliedID))
	defer server.Close()

	store := newTestStore(t)
	m := NewManager(store, controller.NewClient(server.URL), testConfig())
	require.NoError(t, m.Register(context.Background()))

	require.NoError(t, m.HandleAuthFailure(context.Background(), controller.OutcomeAuthExpired))

	assert.Equal(t, "w-1", m.WorkerID())
	assert.Equal(t, "w-1", suppliedID.Load(), "re-registration must supply the preserved worker id")

	token, ok := m.Token()
	require.True(t, ok)
	assert.Equal(t, "tok-w-1", token)
}

func TestHandleAuthFailure404ClearsWorkerID(t *testing.T) {
	var suppliedID atomic.Value
	var calls atomic.Int32
	server := httptest.NewServer(registerHandler("w-new", &calls, &suppliedID))
	defer server.Close()

	store := newTestStore(t)
	m := NewManager(store, controller.NewClient(server.URL), testConfig())
	require.NoError(t, m.Register(context.Background()))

	require.NoError(t, m.HandleAuthFailure(context.Background(), controller.OutcomeWorkerUnknown))

	assert.Equal(t, "", suppliedID.Load(), "404 recovery must register as a brand-new worker")
	assert.Equal(t, "w-new", m.WorkerID())
}

func TestRotateTokenPersists(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(registerHandler("w-1", &calls, nil))
	defer server.Close()

	store := newTestStore(t)
	m := NewManager(store, controller.NewClient(server.URL), testConfig())
	require.NoError(t, m.Register(context.Background()))

	require.NoError(t, m.RotateToken("tok-rotated"))

	token, _ := m.Token()
	assert.Equal(t, "tok-rotated", token)

	stored, err := store.LoadSession()
	require.NoError(t, err)
	assert.Equal(t, "tok-rotated", stored.AccessToken)
}

func TestRotateTokenIgnoresEmpty(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(registerHandler("w-1", &calls, nil))
	defer server.Close()

	m := NewManager(newTestStore(t), controller.NewClient(server.URL), testConfig())
	require.NoError(t, m.Register(context.Background()))

	require.NoError(t, m.RotateToken(""))
	token, _ := m.Token()
	assert.Equal(t, "tok-w-1", token)
}

func TestLoadRestoresPersistedState(t *testing.T) {
	dir := t.TempDir()
	store, err := identity.Open(dir)
	require.NoError(t, err)

	require.NoError(t, store.SaveRegistration(
		&types.WorkerIdentity{WorkerID: "w-7", DeviceName: "mini-7", APIKey: "key-1"},
		&types.Session{AccessToken: "tok-7", IssuedForWorkerID: "w-7"},
	))
	require.NoError(t, store.Close())

	reopened, err := identity.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	m := NewManager(reopened, controller.NewClient("http://unused"), testConfig())
	require.NoError(t, m.Load())

	assert.Equal(t, "w-7", m.WorkerID())
	token, ok := m.Token()
	require.True(t, ok)
	assert.Equal(t, "tok-7", token)
}

func TestLoadDropsSessionForDifferentWorker(t *testing.T) {
	store := newTestStore(t)

	// A session issued for some other identity must not be adopted.
	require.NoError(t, store.SaveIdentity(&types.WorkerIdentity{WorkerID: "w-7", DeviceName: "mini", APIKey: "k"}))
	require.NoError(t, store.SaveSession(&types.Session{AccessToken: "tok-x", IssuedForWorkerID: "w-other"}))

	m := NewManager(store, controller.NewClient("http://unused"), testConfig())
	require.NoError(t, m.Load())

	assert.Equal(t, "w-7", m.WorkerID())
	_, ok := m.Token()
	assert.False(t, ok)
}

func TestRegisterGuardRejectsConcurrentEntry(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		json.NewEncoder(w).Encode(map[string]string{"id": "w-1", "access_token": "tok-1"})
	}))
	defer server.Close()

	m := NewManager(newTestStore(t), controller.NewClient(server.URL), testConfig())

	errCh := make(chan error, 1)
	go func() { errCh <- m.Register(context.Background()) }()

	// Wait until the first registration is in flight
	require.Eventually(t, m.Reregistering, time.Second, time.Millisecond)

	assert.ErrorIs(t, m.Register(context.Background()), ErrRegistrationInFlight)

	close(release)
	require.NoError(t, <-errCh)
	assert.False(t, m.Reregistering())
}
