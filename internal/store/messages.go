package store

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/Tyrowin/groupchat/internal/models"
)

// Append stores text as the next message of group, assigning its id and
// server timestamp. The returned record is exactly what was stored.
func (s *Store) Append(_ context.Context, group models.GroupID, author models.UserID, text string) (models.StoredMessage, error) {
	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	id, err := nextID(s.msgSeq)
	if err != nil {
		return models.StoredMessage{}, err
	}

	createdAt := s.now().UTC()
	if createdAt.Before(s.lastCreated) {
		createdAt = s.lastCreated
	}

	msg := models.StoredMessage{
		ID:        models.MessageID(id),
		GroupID:   group,
		AuthorID:  author,
		Content:   text,
		CreatedAt: createdAt,
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return setJSON(txn, idKey(messageKeyPrefix, int64(group), id), msg)
	})
	if err != nil {
		return models.StoredMessage{}, fmt.Errorf("append message: %w", err)
	}

	s.lastCreated = createdAt
	return msg, nil
}

// RecentMessages returns up to limit of group's newest messages, oldest
// first.
func (s *Store) RecentMessages(_ context.Context, group models.GroupID, limit int) ([]models.StoredMessage, error) {
	if limit <= 0 {
		return []models.StoredMessage{}, nil
	}

	msgs := make([]models.StoredMessage, 0, min(limit, 128))
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(int64(group))
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append(prefix, 0xFF)); it.ValidForPrefix(prefix) && len(msgs) < limit; it.Next() {
			var m models.StoredMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return err
			}
			msgs = append(msgs, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recent messages of %d: %w", group, err)
	}

	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
