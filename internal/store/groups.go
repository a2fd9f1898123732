package store

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/Tyrowin/groupchat/internal/models"
)

// CreateGroup creates a group named name and makes creator its first
// member, atomically. It returns ErrConflict if the name is taken.
func (s *Store) CreateGroup(_ context.Context, name string, creator models.UserID) (models.Group, error) {
	var group models.Group

	err := s.db.Update(func(txn *badger.Txn) error {
		indexKey := nameKey(groupNameKeyPrefix, name)
		taken, err := exists(txn, indexKey)
		if err != nil {
			return fmt.Errorf("check group name: %w", err)
		}
		if taken {
			return fmt.Errorf("%w: group %q", ErrConflict, name)
		}

		id, err := nextID(s.groupSeq)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		group = models.Group{ID: models.GroupID(id), Name: name, CreatedAt: now}

		if err := txn.Set(indexKey, encodeID(id)); err != nil {
			return fmt.Errorf("set group index: %w", err)
		}
		if err := setJSON(txn, idKey(groupKeyPrefix, id), group); err != nil {
			return fmt.Errorf("set group: %w", err)
		}
		membership := models.Membership{UserID: creator, GroupID: group.ID, JoinedAt: now}
		if err := setJSON(txn, idKey(memberKeyPrefix, id, int64(creator)), membership); err != nil {
			return fmt.Errorf("set membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Group{}, txnErr(err)
	}
	return group, nil
}

// GetGroup returns the group with id, or ErrNotFound.
func (s *Store) GetGroup(_ context.Context, id models.GroupID) (models.Group, error) {
	var group models.Group
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, idKey(groupKeyPrefix, int64(id)), &group)
	})
	if err != nil {
		return models.Group{}, fmt.Errorf("group %d: %w", id, err)
	}
	return group, nil
}

// ListGroups returns every group in ascending id order.
func (s *Store) ListGroups(_ context.Context) ([]models.Group, error) {
	groups := []models.Group{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(groupKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var g models.Group
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &g)
			}); err != nil {
				return err
			}
			groups = append(groups, g)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// JoinGroup records that user is a member of group. Joining twice is a
// no-op; joined reports whether a new membership was written. Unknown
// groups yield ErrNotFound.
func (s *Store) JoinGroup(_ context.Context, user models.UserID, group models.GroupID) (joined bool, err error) {
	err = s.db.Update(func(txn *badger.Txn) error {
		ok, err := exists(txn, idKey(groupKeyPrefix, int64(group)))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("group %d: %w", group, ErrNotFound)
		}

		key := idKey(memberKeyPrefix, int64(group), int64(user))
		member, err := exists(txn, key)
		if err != nil {
			return err
		}
		if member {
			return nil
		}
		joined = true
		return setJSON(txn, key, models.Membership{UserID: user, GroupID: group, JoinedAt: s.now().UTC()})
	})
	if err != nil {
		return false, txnErr(err)
	}
	return joined, nil
}

// IsMember reports whether user has joined group.
func (s *Store) IsMember(_ context.Context, user models.UserID, group models.GroupID) (bool, error) {
	var member bool
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		member, err = exists(txn, idKey(memberKeyPrefix, int64(group), int64(user)))
		return err
	})
	return member, err
}

// Members lists the ids of group's members, ascending.
func (s *Store) Members(_ context.Context, group models.GroupID) ([]models.UserID, error) {
	ids := []models.UserID{}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = append(idKey(memberKeyPrefix, int64(group)), ':')
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			ids = append(ids, models.UserID(idFromKey(it.Item().Key())))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("members of %d: %w", group, err)
	}
	return ids, nil
}
