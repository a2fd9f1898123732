package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/Tyrowin/groupchat/internal/models"
)

// CreateUser registers username with an already hashed password. It returns
// ErrConflict if the username is taken.
func (s *Store) CreateUser(_ context.Context, username, passwordHash string) (models.User, error) {
	var user models.User

	err := s.db.Update(func(txn *badger.Txn) error {
		indexKey := nameKey(userNameKeyPrefix, username)
		taken, err := exists(txn, indexKey)
		if err != nil {
			return fmt.Errorf("check username: %w", err)
		}
		if taken {
			return fmt.Errorf("%w: username %q", ErrConflict, username)
		}

		id, err := nextID(s.userSeq)
		if err != nil {
			return err
		}
		user = models.User{
			ID:           models.UserID(id),
			Username:     username,
			PasswordHash: passwordHash,
			CreatedAt:    s.now().UTC(),
		}

		if err := txn.Set(indexKey, encodeID(id)); err != nil {
			return fmt.Errorf("set username index: %w", err)
		}
		if err := setJSON(txn, idKey(userKeyPrefix, id), user); err != nil {
			return fmt.Errorf("set user: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.User{}, txnErr(err)
	}
	return user, nil
}

// GetUser returns the user with id, or ErrNotFound.
func (s *Store) GetUser(_ context.Context, id models.UserID) (models.User, error) {
	var user models.User
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, idKey(userKeyPrefix, int64(id)), &user)
	})
	if err != nil {
		return models.User{}, fmt.Errorf("user %d: %w", id, err)
	}
	return user, nil
}

// GetUserByUsername returns the user registered as username, or ErrNotFound.
func (s *Store) GetUserByUsername(_ context.Context, username string) (models.User, error) {
	var user models.User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(nameKey(userNameKeyPrefix, username))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var id int64
		if err := item.Value(func(val []byte) error {
			id = decodeID(val)
			return nil
		}); err != nil {
			return err
		}
		return getJSON(txn, idKey(userKeyPrefix, id), &user)
	})
	if err != nil {
		return models.User{}, fmt.Errorf("user %q: %w", username, err)
	}
	return user, nil
}

// UsersByID looks up every id in one read transaction. Unknown ids are
// absent from the result.
func (s *Store) UsersByID(_ context.Context, ids []models.UserID) (map[models.UserID]models.User, error) {
	out := make(map[models.UserID]models.User, len(ids))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			if _, done := out[id]; done {
				continue
			}
			var user models.User
			err := getJSON(txn, idKey(userKeyPrefix, int64(id)), &user)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("user %d: %w", id, err)
			}
			out[id] = user
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
