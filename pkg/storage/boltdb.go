package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/moonbridge/moonbridge/pkg/types"
)

var (
	// Bucket names
	bucketConversations = []byte("conversations")
	bucketMessages      = []byte("messages")
	bucketMessageIDs    = []byte("message_ids")
	bucketFiles         = []byte("files")
	bucketFilesBySHA    = []byte("files_sha")
	bucketSessions      = []byte("sessions")
	bucketDeadLetter    = []byte("deadletter")
)

// BoltStore implements Store using a local BoltDB file. It is the default
// durable backend when no DATABASE_URL is configured.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "moonbridge.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketConversations,
			bucketMessages,
			bucketMessageIDs,
			bucketFiles,
			bucketFilesBySHA,
			bucketSessions,
			bucketDeadLetter,
		}
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

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// UpsertConversation inserts or replaces a conversation row
func (s *BoltStore) UpsertConversation(ctx context.Context, conv *types.Conversation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(conv)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConversations).Put([]byte(conv.ID), data)
	})
}

// GetConversation returns a conversation by id
func (s *BoltStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var conv types.Conversation
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConversations).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &conv)
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// DeleteConversation removes a conversation and cascades its messages
func (s *BoltStore) DeleteConversation(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketConversations).Delete([]byte(id)); err != nil {
			return err
		}
		msgs := tx.Bucket(bucketMessages)
		ids := tx.Bucket(bucketMessageIDs)
		c := msgs.Cursor()
		prefix := messagePrefix(id)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var msg types.Message
			if err := json.Unmarshal(v, &msg); err == nil {
				_ = ids.Delete([]byte(msg.ID))
			}
			if err := msgs.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendMessage appends a turn; duplicate message ids are ignored. Message
// keys embed the creation timestamp so cursor order is created-at order.
func (s *BoltStore) AppendMessage(ctx context.Context, msg *types.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		ids := tx.Bucket(bucketMessageIDs)
		if ids.Get([]byte(msg.ID)) != nil {
			return nil
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		key := messageKey(msg)
		if err := tx.Bucket(bucketMessages).Put(key, data); err != nil {
			return err
		}
		return ids.Put([]byte(msg.ID), key)
	})
}

// ListRecentMessages returns the last limit turns in created-at order
func (s *BoltStore) ListRecentMessages(ctx context.Context, convID string, limit int) ([]*types.Message, error) {
	var msgs []*types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMessages).Cursor()
		prefix := messagePrefix(convID)
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var msg types.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			msgs = append(msgs, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// DedupUpsertFile returns the existing row for a known sha256, otherwise
// stores the new ref
func (s *BoltStore) DedupUpsertFile(ctx context.Context, ref *types.FileRef) (*types.FileRef, error) {
	var out types.FileRef
	err := s.db.Update(func(tx *bolt.Tx) error {
		shas := tx.Bucket(bucketFilesBySHA)
		if existingID := shas.Get([]byte(ref.SHA256)); existingID != nil {
			data := tx.Bucket(bucketFiles).Get(existingID)
			if data == nil {
				return fmt.Errorf("dangling sha index for %s", ref.SHA256)
			}
			return json.Unmarshal(data, &out)
		}
		cp := *ref
		if cp.ProviderIDs == nil {
			cp.ProviderIDs = make(map[string]string)
		}
		data, err := json.Marshal(&cp)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketFiles).Put([]byte(cp.ID), data); err != nil {
			return err
		}
		if err := shas.Put([]byte(cp.SHA256), []byte(cp.ID)); err != nil {
			return err
		}
		out = cp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetFile returns a file ref by id
func (s *BoltStore) GetFile(ctx context.Context, id string) (*types.FileRef, error) {
	var ref types.FileRef
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &ref)
	})
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// LinkProviderFile records the external id a provider assigned to a file
func (s *BoltStore) LinkProviderFile(ctx context.Context, fileID, provider, externalID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		data := files.Get([]byte(fileID))
		if data == nil {
			return ErrNotFound
		}
		var ref types.FileRef
		if err := json.Unmarshal(data, &ref); err != nil {
			return err
		}
		if ref.ProviderIDs == nil {
			ref.ProviderIDs = make(map[string]string)
		}
		ref.ProviderIDs[provider] = externalID
		updated, err := json.Marshal(&ref)
		if err != nil {
			return err
		}
		return files.Put([]byte(fileID), updated)
	})
}

// TouchSession records session activity
func (s *BoltStore) TouchSession(ctx context.Context, id string, lastActivity time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(id), []byte(lastActivity.UTC().Format(time.RFC3339Nano)))
	})
}

// Enqueue adds a failed append to the dead-letter bucket
func (s *BoltStore) Enqueue(msg *types.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDeadLetter).Put(messageKey(msg), data)
	})
}

// Drain removes and returns up to max dead-letter entries
func (s *BoltStore) Drain(max int) ([]*types.Message, error) {
	var msgs []*types.Message
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeadLetter)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if max > 0 && len(msgs) >= max {
				break
			}
			var msg types.Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			if err := b.Delete(k); err != nil {
				return err
			}
			msgs = append(msgs, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Depth returns the number of buffered dead-letter entries
func (s *BoltStore) Depth() int {
	depth := 0
	_ = s.db.View(func(tx *bolt.Tx) error {
		depth = tx.Bucket(bucketDeadLetter).Stats().KeyN
		return nil
	})
	return depth
}

func messagePrefix(convID string) []byte {
	return []byte(convID + "/")
}

func messageKey(msg *types.Message) []byte {
	// convID/createdAtNanos/msgID sorts by creation time within a conversation
	return []byte(fmt.Sprintf("%s/%020d/%s", msg.ConversationID, msg.CreatedAt.UnixNano(), msg.ID))
}

func hasPrefix(key, prefix []byte) bool {
	if len(key) < len(prefix) {
		return false
	}
	for i := range prefix {
		if key[i] != prefix[i] {
			return false
		}
	}
	return true
}
