package storage

import (
	"context"
	"errors"
	"time"

	"github.com/moonbridge/moonbridge/pkg/types"
)

// ErrNotFound is returned when a row does not exist
var ErrNotFound = errors.New("not found")

// Store is the typed gateway to the persistent conversation state. Every
// method returns an error and never panics; callers decide whether to
// degrade. Implementations: MemoryStore, BoltStore, PostgresStore.
type Store interface {
	// Conversations
	UpsertConversation(ctx context.Context, conv *types.Conversation) error
	GetConversation(ctx context.Context, id string) (*types.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error

	// Messages (append-only; AppendMessage is idempotent by message ID)
	AppendMessage(ctx context.Context, msg *types.Message) error
	ListRecentMessages(ctx context.Context, convID string, limit int) ([]*types.Message, error)

	// Files (deduplicated by sha256)
	DedupUpsertFile(ctx context.Context, ref *types.FileRef) (*types.FileRef, error)
	GetFile(ctx context.Context, id string) (*types.FileRef, error)
	LinkProviderFile(ctx context.Context, fileID, provider, externalID string) error

	// Sessions (optional persistence; may be a no-op)
	TouchSession(ctx context.Context, id string, lastActivity time.Time) error

	Close() error
}

// Cache is a KV service for short-lived coordination state: session cache,
// recent-conversation markers, rate counters, advisory inflight markers.
// Implementations: MemoryCache, RedisCache.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Close() error
}

// DeadLetter buffers conversation turns whose durable append failed, so the
// main call flow never blocks on durability. Drained entries are retried by
// a background loop.
type DeadLetter interface {
	Enqueue(msg *types.Message) error
	Drain(max int) ([]*types.Message, error)
	Depth() int
}
