// Package ratelimit implements the Rate Limiter / Admin subsystem: an
// in-memory user table backed by a durable embedded key-value store, and
// the admission check the Proxy Router charges every forwarded request
// against.
package ratelimit

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/tonfoundation/liteproxy/internal/identity"
	apperrors "github.com/tonfoundation/liteproxy/pkg/errors"
	"github.com/tonfoundation/liteproxy/pkg/logger"
)

var (
	bucketUsers = []byte("ratelimit")
	bucketMeta  = []byte("meta")
	keyUsersIdx = []byte("users")
)

// Config configures the persistent store backing the limiter.
type Config struct {
	DBPath string `json:"db_path"`
}

// UserRecord is the durable (valid_until, budget) pair for one identity.
type UserRecord struct {
	ValidUntil int64 `json:"valid_until"`
	Budget     int32 `json:"budget"`
}

func (r UserRecord) marshal() ([]byte, error) {
	return json.Marshal(r)
}

func unmarshalUserRecord(data []byte) (UserRecord, error) {
	var r UserRecord
	err := json.Unmarshal(data, &r)
	return r, err
}

// Admission is the outcome of an admit() check.
type Admission int

const (
	AdmissionOk Admission = iota
	AdmissionUnknown
	AdmissionExpired
	AdmissionOverBudget
)

type userState struct {
	mu     sync.Mutex
	record UserRecord
	usage  int32
}

// Limiter is the sole writer of the user table and the sole caller of the
// persistent store, per spec.md §4.4/§5.
type Limiter struct {
	db         *bbolt.DB
	registrar  *identity.Registrar
	mu         sync.RWMutex
	users      map[identity.PubKey]*userState
}

// NewLimiter opens (creating if absent) the embedded store at cfg.DBPath
// and returns an empty in-memory table; call Rehydrate to load it.
func NewLimiter(cfg Config, registrar *identity.Registrar) (*Limiter, error) {
	db, err := bbolt.Open(cfg.DBPath, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening ratelimit store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketUsers); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialising ratelimit buckets: %w", err)
	}
	return &Limiter{
		db:        db,
		registrar: registrar,
		users:     make(map[identity.PubKey]*userState),
	}, nil
}

// Close releases the underlying store.
func (l *Limiter) Close() error {
	return l.db.Close()
}

// AddUser durably persists (valid_until, budget) under pubkey, then
// updates the in-memory table and registers the identity. If the durable
// write fails, the in-memory map is left untouched and AdminInvalid is
// returned, per spec.md §7.
func (l *Limiter) AddUser(pub identity.PubKey, validUntil int64, budget int32) (identity.ShortID, error) {
	record := UserRecord{ValidUntil: validUntil, Budget: budget}
	value, err := record.marshal()
	if err != nil {
		return identity.ShortID{}, apperrors.Wrap("AdminInvalid", "encoding user record", err)
	}

	err = l.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(bucketUsers)
		if err := users.Put(pub[:], value); err != nil {
			return err
		}
		return appendUserIndex(tx, pub)
	})
	if err != nil {
		return identity.ShortID{}, apperrors.Wrap("AdminInvalid", "persisting user record", err)
	}

	l.mu.Lock()
	l.users[pub] = &userState{record: record}
	l.mu.Unlock()

	shortID := l.registrar.Register(pub)
	return shortID, nil
}

func appendUserIndex(tx *bbolt.Tx, pub identity.PubKey) error {
	meta := tx.Bucket(bucketMeta)
	existing := meta.Get(keyUsersIdx)
	var keys [][32]byte
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &keys); err != nil {
			// index corrupt or absent in the expected shape: rebuild from
			// scratch rather than fail the admin mutation outright.
			keys = nil
		}
	}
	for _, k := range keys {
		if k == [32]byte(pub) {
			return nil
		}
	}
	keys = append(keys, [32]byte(pub))
	data, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return meta.Put(keyUsersIdx, data)
}

// Rehydrate enumerates the persisted user table and loads every
// non-expired entry into memory, registering it as a local identity.
// Idempotent: re-invoking never duplicates registrations or entries.
func (l *Limiter) Rehydrate() error {
	now := time.Now().Unix()
	type loaded struct {
		pub    identity.PubKey
		record UserRecord
	}
	var entries []loaded

	err := l.db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		users := tx.Bucket(bucketUsers)

		if idx := meta.Get(keyUsersIdx); len(idx) > 0 {
			var keys [][32]byte
			if err := json.Unmarshal(idx, &keys); err == nil {
				for _, k := range keys {
					pub := identity.PubKey(k)
					raw := users.Get(pub[:])
					if raw == nil {
						continue
					}
					record, err := unmarshalUserRecord(raw)
					if err != nil {
						continue
					}
					entries = append(entries, loaded{pub, record})
				}
				return nil
			}
		}

		// Index missing or unreadable: fall back to a full bucket scan so
		// a store populated before the index existed still rehydrates.
		return users.ForEach(func(k, v []byte) error {
			pub, ok := identity.PubKeyFromBytes(k)
			if !ok {
				return nil
			}
			record, err := unmarshalUserRecord(v)
			if err != nil {
				return nil
			}
			entries = append(entries, loaded{pub, record})
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("rehydrating ratelimit store: %w", err)
	}

	for _, e := range entries {
		if now > e.record.ValidUntil {
			continue
		}
		l.mu.Lock()
		if _, exists := l.users[e.pub]; !exists {
			l.users[e.pub] = &userState{record: e.record}
		}
		l.mu.Unlock()
		if !l.registrar.IsRegistered(e.pub) {
			shortID := l.registrar.Register(e.pub)
			logger.Info("ratelimit: rehydrated user %s", shortID)
		}
	}
	return nil
}

// Admit charges one request against dst's per-window budget.
func (l *Limiter) Admit(dst identity.PubKey, now int64) Admission {
	l.mu.RLock()
	state, ok := l.users[dst]
	l.mu.RUnlock()
	if !ok {
		return AdmissionUnknown
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	if now > state.record.ValidUntil {
		return AdmissionExpired
	}
	state.usage++
	if state.usage > state.record.Budget {
		return AdmissionOverBudget
	}
	return AdmissionOk
}

// ResetWindow zeroes every user's per-window usage counter. Called at the
// start of the Router's 1-second tick, the same tick that then runs
// Rehydrate and the upstream probes (the fixed-window policy described in
// SPEC_FULL.md's Open Question resolutions).
func (l *Limiter) ResetWindow() {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, state := range l.users {
		state.mu.Lock()
		state.usage = 0
		state.mu.Unlock()
	}
}
