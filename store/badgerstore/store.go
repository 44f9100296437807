// Package badgerstore implements zpay.SessionStore on an embedded Badger
// database.
//
// Layout:
//
//	session/<id>                 JSON record
//	created/<unix nanos>/<id>    creation-time index, empty value
//	pending/<id>                 pending-set membership, empty value
//
// Every key of a session carries the same TTL, measured from the session's
// creation time, so a session and its index entries age out together.
package badgerstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	zpay "github.com/zpay-labs/zpay"
)

const DefaultRetention = 24 * time.Hour

var (
	sessionPrefix = []byte("session/")
	createdPrefix = []byte("created/")
	pendingPrefix = []byte("pending/")
)

// Store is a Badger-backed session store
type Store struct {
	db        *badger.DB
	retention time.Duration
	log       *zap.Logger
	now       func() time.Time
}

var _ zpay.SessionStore = (*Store)(nil)

// Option configures a Store
type Option func(*Store)

// WithRetention sets how long a session is kept after creation.
//
// Default: 24 hours
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		s.retention = d
	}
}

// WithLogger routes store and Badger logs to logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Open opens (or creates) the database at dir. An empty dir keeps
// everything in memory.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		retention: DefaultRetention,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("badgerstore")

	bopts := badger.DefaultOptions(dir).WithLogger(badgerLogger{s.log.Sugar()})
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", dir, err)
	}
	s.db = db
	return s, nil
}

func (s *Store) Create(ctx context.Context, session *zpay.PaymentSession) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(session.ID)); err == nil {
			return fmt.Errorf("session %s already exists", session.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		record := session.Clone()
		record.Version = 1
		if err := s.writeLocked(txn, &record); err != nil {
			return err
		}
		ttl := s.ttl(record.CreatedAt)
		if err := txn.SetEntry(badger.NewEntry(createdKey(record.CreatedAt, record.ID), nil).WithTTL(ttl)); err != nil {
			return err
		}
		session.Version = record.Version
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to create session %s: %w", session.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*zpay.PaymentSession, error) {
	var session *zpay.PaymentSession
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		session, err = readSession(txn, id)
		return err
	})
	if err != nil {
		if errors.Is(err, zpay.ErrSessionNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read session %s: %w", id, err)
	}
	return session, nil
}

// Update overwrites the record when its stored version still equals
// expectedVersion. Badger's optimistic transactions reject the commit when
// another writer touched the record after this transaction read it.
func (s *Store) Update(ctx context.Context, session *zpay.PaymentSession, expectedVersion int64) error {
	var written int64
	err := s.db.Update(func(txn *badger.Txn) error {
		current, err := readSession(txn, session.ID)
		if err != nil {
			return err
		}
		if current.Version != expectedVersion {
			return zpay.ErrVersionConflict
		}

		record := session.Clone()
		record.Version = expectedVersion + 1
		if err := s.writeLocked(txn, &record); err != nil {
			return err
		}
		written = record.Version
		return nil
	})
	switch {
	case err == nil:
		session.Version = written
		return nil
	case errors.Is(err, badger.ErrConflict):
		return zpay.ErrVersionConflict
	case errors.Is(err, zpay.ErrVersionConflict), errors.Is(err, zpay.ErrSessionNotFound):
		return err
	default:
		return fmt.Errorf("failed to update session %s: %w", session.ID, err)
	}
}

// writeLocked stores the record and keeps pending-set membership in step
// with its status
func (s *Store) writeLocked(txn *badger.Txn, session *zpay.PaymentSession) error {
	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	ttl := s.ttl(session.CreatedAt)
	if err := txn.SetEntry(badger.NewEntry(sessionKey(session.ID), raw).WithTTL(ttl)); err != nil {
		return err
	}
	if session.Status.NeedsReconciliation() {
		return txn.SetEntry(badger.NewEntry(pendingKey(session.ID), nil).WithTTL(ttl))
	}
	return txn.Delete(pendingKey(session.ID))
}

// List walks the creation index backwards from the cursor session
func (s *Store) List(ctx context.Context, cursor string, limit int) ([]zpay.PaymentSession, bool, error) {
	var sessions []zpay.PaymentSession
	hasMore := false

	err := s.db.View(func(txn *badger.Txn) error {
		seek := append(append([]byte{}, createdPrefix...), 0xff)
		var skip []byte
		if cursor != "" {
			if anchor, err := readSession(txn, cursor); err == nil {
				skip = createdKey(anchor.CreatedAt, anchor.ID)
				seek = skip
			} else if !errors.Is(err, zpay.ErrSessionNotFound) {
				return err
			}
		}

		it := txn.NewIterator(badger.IteratorOptions{Reverse: true, Prefix: createdPrefix})
		defer it.Close()

		for it.Seek(seek); it.ValidForPrefix(createdPrefix); it.Next() {
			key := it.Item().Key()
			if skip != nil && bytes.Equal(key, skip) {
				continue
			}
			if len(sessions) == limit {
				hasMore = true
				return nil
			}

			id := string(key[bytes.LastIndexByte(key, '/')+1:])
			session, err := readSession(txn, id)
			if errors.Is(err, zpay.ErrSessionNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			sessions = append(sessions, *session)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, hasMore, nil
}

func (s *Store) PendingIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = pendingPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.ValidForPrefix(pendingPrefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(pendingPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read pending set: %w", err)
	}
	return ids, nil
}

func (s *Store) RemovePending(ctx context.Context, id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(pendingKey(id))
	})
	if err != nil {
		return fmt.Errorf("failed to remove %s from pending set: %w", id, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger database is closed")
	}
	return s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(sessionKey("ping"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// RunGC reclaims value-log space every interval until ctx is done.
// In-memory databases have no value log and return immediately.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	if s.db.Opts().InMemory {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				err := s.db.RunValueLogGC(0.5)
				if err == nil {
					continue
				}
				if !errors.Is(err, badger.ErrNoRewrite) {
					s.log.Warn("value log GC failed", zap.Error(err))
				}
				break
			}
		}
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// ttl is the time left until createdAt+retention, at least one second
func (s *Store) ttl(createdAt time.Time) time.Duration {
	left := createdAt.Add(s.retention).Sub(s.now())
	if left < time.Second {
		return time.Second
	}
	return left
}

func readSession(txn *badger.Txn, id string) (*zpay.PaymentSession, error) {
	item, err := txn.Get(sessionKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, zpay.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	var session zpay.PaymentSession
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &session)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &session, nil
}

func sessionKey(id string) []byte {
	return append(append([]byte{}, sessionPrefix...), id...)
}

func pendingKey(id string) []byte {
	return append(append([]byte{}, pendingPrefix...), id...)
}

// createdKey zero-pads the timestamp so byte order equals time order
func createdKey(createdAt time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", createdPrefix, createdAt.UnixNano(), id))
}

// badgerLogger adapts zap to badger.Logger
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}
