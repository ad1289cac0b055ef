package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/anvilci/anvil/pkg/types"
)

var (
	// Bucket names
	bucketIdentity = []byte("identity")
	bucketSession  = []byte("session")
	bucketLimits   = []byte("limits")

	// Fixed keys within the single-record buckets
	keyCurrent = []byte("current")
)

var (
	// ErrNotFound is returned when a record has never been persisted.
	ErrNotFound = fmt.Errorf("record not found")

	// ErrLocked is returned when another process (normally a running agent)
	// holds the database lock.
	ErrLocked = fmt.Errorf("identity database locked by another process")
)

// lockTimeout bounds the wait for the database flock so read-only commands
// like status fail fast instead of hanging behind a running agent.
const lockTimeout = time.Second

// Limits are operator-tunable caps persisted alongside the identity so they
// survive restarts even when the config file is absent.
type Limits struct {
	MaxConcurrentBuilds int           `json:"max_concurrent_builds"`
	BuildTimeout        time.Duration `json:"build_timeout"`
}

// Store persists the worker identity, session credentials, and tunable
// limits in a local BoltDB database.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the identity database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "anvil.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to open identity database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{bucketIdentity, bucketSession, bucketLimits}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadIdentity returns the persisted worker identity, or ErrNotFound.
func (s *Store) LoadIdentity() (*types.WorkerIdentity, error) {
	var identity types.WorkerIdentity
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketIdentity).Get(keyCurrent)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &identity)
	})
	if err != nil {
		return nil, err
	}
	return &identity, nil
}

// SaveIdentity persists the worker identity.
func (s *Store) SaveIdentity(identity *types.WorkerIdentity) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(identity)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketIdentity).Put(keyCurrent, data)
	})
}

// LoadSession returns the persisted session, or ErrNotFound.
func (s *Store) LoadSession() (*types.Session, error) {
	var session types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSession).Get(keyCurrent)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &session)
	})
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// SaveSession persists the session.
func (s *Store) SaveSession(session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(session)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSession).Put(keyCurrent, data)
	})
}

// SaveRegistration persists identity and session in one transaction. The
// session manager treats the pair as a single durable step: a registration
// response is only acted on once both records are on disk.
func (s *Store) SaveRegistration(identity *types.WorkerIdentity, session *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		identityData, err := json.Marshal(identity)
		if err != nil {
			return err
		}
		sessionData, err := json.Marshal(session)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketIdentity).Put(keyCurrent, identityData); err != nil {
			return err
		}
		return tx.Bucket(bucketSession).Put(keyCurrent, sessionData)
	})
}

// ClearSession removes the persisted session. Used on a 401, where the
// controller still knows the worker but the token has expired.
func (s *Store) ClearSession() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSession).Delete(keyCurrent)
	})
}

// ClearIdentity removes both the identity and the session. Used on a 404,
// where the controller no longer knows this worker at all.
func (s *Store) ClearIdentity() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSession).Delete(keyCurrent); err != nil {
			return err
		}
		return tx.Bucket(bucketIdentity).Delete(keyCurrent)
	})
}

// LoadLimits returns the persisted limits, or ErrNotFound.
func (s *Store) LoadLimits() (*Limits, error) {
	var limits Limits
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLimits).Get(keyCurrent)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &limits)
	})
	if err != nil {
		return nil, err
	}
	return &limits, nil
}

// SaveLimits persists the limits.
func (s *Store) SaveLimits(limits *Limits) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(limits)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLimits).Put(keyCurrent, data)
	})
}
