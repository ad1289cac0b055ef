package identity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anvilci/anvil/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestIdentityRoundTrip(t *testing.T) {
	store := openTestStore(t)

	_, err := store.LoadIdentity()
	assert.ErrorIs(t, err, ErrNotFound)

	identity := &types.WorkerIdentity{
		WorkerID:   "w-123",
		DeviceName: "build-mini-7",
		APIKey:     "key-abc",
	}
	require.NoError(t, store.SaveIdentity(identity))

	loaded, err := store.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, identity, loaded)
}

func TestSaveRegistrationIsAtomic(t *testing.T) {
	store := openTestStore(t)

	identity := &types.WorkerIdentity{WorkerID: "w-9", DeviceName: "mini", APIKey: "k"}
	session := &types.Session{AccessToken: "tok-1", IssuedForWorkerID: "w-9"}
	require.NoError(t, store.SaveRegistration(identity, session))

	loadedIdentity, err := store.LoadIdentity()
	require.NoError(t, err)
	loadedSession, err := store.LoadSession()
	require.NoError(t, err)

	assert.Equal(t, "w-9", loadedIdentity.WorkerID)
	assert.Equal(t, "tok-1", loadedSession.AccessToken)
	assert.Equal(t, loadedIdentity.WorkerID, loadedSession.IssuedForWorkerID)
}

func TestClearSessionPreservesIdentity(t *testing.T) {
	store := openTestStore(t)

	identity := &types.WorkerIdentity{WorkerID: "w-9", DeviceName: "mini", APIKey: "k"}
	session := &types.Session{AccessToken: "tok-1", IssuedForWorkerID: "w-9"}
	require.NoError(t, store.SaveRegistration(identity, session))

	require.NoError(t, store.ClearSession())

	_, err := store.LoadSession()
	assert.ErrorIs(t, err, ErrNotFound)

	loaded, err := store.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, "w-9", loaded.WorkerID)
}

func TestClearIdentityRemovesBoth(t *testing.T) {
	store := openTestStore(t)

	identity := &types.WorkerIdentity{WorkerID: "w-9", DeviceName: "mini", APIKey: "k"}
	session := &types.Session{AccessToken: "tok-1", IssuedForWorkerID: "w-9"}
	require.NoError(t, store.SaveRegistration(identity, session))

	require.NoError(t, store.ClearIdentity())

	_, err := store.LoadIdentity()
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.LoadSession()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLimitsRoundTrip(t *testing.T) {
	store := openTestStore(t)

	_, err := store.LoadLimits()
	assert.ErrorIs(t, err, ErrNotFound)

	limits := &Limits{MaxConcurrentBuilds: 3, BuildTimeout: 90 * time.Minute}
	require.NoError(t, store.SaveLimits(limits))

	loaded, err := store.LoadLimits()
	require.NoError(t, err)
	assert.Equal(t, limits, loaded)
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)
	identity := &types.WorkerIdentity{WorkerID: "w-1", DeviceName: "mini", APIKey: "k"}
	require.NoError(t, store.SaveIdentity(identity))
	require.NoError(t, store.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	loaded, err := reopened.LoadIdentity()
	require.NoError(t, err)
	assert.Equal(t, "w-1", loaded.WorkerID)
}

func TestOpenFailsFastWhenLocked(t *testing.T) {
	dir := t.TempDir()

	holder, err := Open(dir)
	require.NoError(t, err)
	defer holder.Close()

	// A second opener (status/doctor next to a running agent) must get
	// ErrLocked after the lock timeout instead of hanging forever.
	start := time.Now()
	_, err = Open(dir)
	require.ErrorIs(t, err, ErrLocked)
	assert.Less(t, time.Since(start), 5*time.Second)
}
