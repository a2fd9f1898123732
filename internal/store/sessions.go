package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/Tyrowin/groupchat/internal/models"
)

// sessionRecord is the value stored under a session token.
type sessionRecord struct {
	UserID    models.UserID `json:"user_id"`
	CreatedAt time.Time     `json:"created_at"`
}

// CreateSession maps token to user. With a non-zero session TTL the entry
// expires on its own.
func (s *Store) CreateSession(_ context.Context, token string, user models.UserID) error {
	if token == "" {
		return errors.New("session token cannot be empty")
	}
	data, err := json.Marshal(sessionRecord{UserID: user, CreatedAt: s.now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(nameKey(sessionKeyPrefix, token), data)
		if s.sessionTTL > 0 {
			entry = entry.WithTTL(s.sessionTTL)
		}
		return txn.SetEntry(entry)
	})
}

// SessionUser returns the user a live token belongs to, or ErrNotFound.
func (s *Store) SessionUser(_ context.Context, token string) (models.UserID, error) {
	if token == "" {
		return 0, ErrNotFound
	}
	var rec sessionRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, nameKey(sessionKeyPrefix, token), &rec)
	})
	if err != nil {
		return 0, fmt.Errorf("session: %w", err)
	}
	return rec.UserID, nil
}

// DeleteSession revokes token. Unknown tokens are ignored.
func (s *Store) DeleteSession(_ context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(nameKey(sessionKeyPrefix, token))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}
