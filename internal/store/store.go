// Package store persists users, groups, memberships, chat messages and login
// sessions in an embedded BadgerDB instance.
//
// Records are JSON values under namespaced keys. Numeric ids are encoded
// big-endian inside keys so that prefix iteration yields ascending ids.
package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/Tyrowin/groupchat/internal/logging"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a unique name is already taken.
	ErrConflict = errors.New("store: conflict")
)

// sequence lease size; ids skipped on restart are never reused.
const seqBandwidth = 100

// Options configures Open.
type Options struct {
	// Dir is the badger data directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs each commit.
	SyncWrites bool

	// SessionTTL expires login sessions. Zero keeps them until logout.
	SessionTTL time.Duration
}

// Store is the badger-backed persistence layer. It implements
// chat.MessageStore and chat.UserDirectory.
type Store struct {
	db     *badger.DB
	ownsDB bool

	userSeq  *badger.Sequence
	groupSeq *badger.Sequence
	msgSeq   *badger.Sequence

	sessionTTL time.Duration

	// appendMu serialises message appends so id order and timestamp order agree.
	appendMu    sync.Mutex
	lastCreated time.Time

	now func() time.Time
}

// Open opens (or creates) the database described by opts.
func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.SyncWrites = opts.SyncWrites
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	s, err := New(db, opts.SessionTTL)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.ownsDB = true

	logging.Info().
		Str("dir", opts.Dir).
		Bool("in_memory", opts.InMemory).
		Bool("sync_writes", opts.SyncWrites).
		Dur("session_ttl", opts.SessionTTL).
		Msg("store opened")
	return s, nil
}

// New builds a Store on an already open database. The caller keeps
// ownership of db.
func New(db *badger.DB, sessionTTL time.Duration) (*Store, error) {
	s := &Store{db: db, sessionTTL: sessionTTL, now: time.Now}

	var err error
	if s.userSeq, err = db.GetSequence([]byte(seqUsersKey), seqBandwidth); err != nil {
		return nil, fmt.Errorf("user sequence: %w", err)
	}
	if s.groupSeq, err = db.GetSequence([]byte(seqGroupsKey), seqBandwidth); err != nil {
		s.releaseSequences()
		return nil, fmt.Errorf("group sequence: %w", err)
	}
	if s.msgSeq, err = db.GetSequence([]byte(seqMessagesKey), seqBandwidth); err != nil {
		s.releaseSequences()
		return nil, fmt.Errorf("message sequence: %w", err)
	}
	return s, nil
}

func (s *Store) releaseSequences() {
	for _, seq := range []*badger.Sequence{s.userSeq, s.groupSeq, s.msgSeq} {
		if seq == nil {
			continue
		}
		if err := seq.Release(); err != nil {
			logging.Warn().Err(err).Msg("release sequence")
		}
	}
}

// Close releases the id sequences and, if Open created it, the database.
func (s *Store) Close() error {
	s.releaseSequences()
	if !s.ownsDB {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

// RunGC rewrites value-log files until badger reports nothing left to
// reclaim. A no-op for in-memory databases.
func (s *Store) RunGC(discardRatio float64) error {
	if s.db.Opts().InMemory {
		return nil
	}
	for {
		err := s.db.RunValueLogGC(discardRatio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}

// nextID draws the next id from seq. Ids start at 1.
func nextID(seq *badger.Sequence) (int64, error) {
	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}
	return int64(n) + 1, nil
}

// txnErr maps badger's optimistic-concurrency failure onto ErrConflict.
func txnErr(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: concurrent write", ErrConflict)
	}
	return err
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return txn.Set(key, data)
}

// exists reports whether key is present.
func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}
