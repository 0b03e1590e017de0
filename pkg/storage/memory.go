package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/moonbridge/moonbridge/pkg/types"
)

// MemoryStore implements Store with mutex-guarded maps. It is the degraded
// fallback when no durable backend is reachable, and the default for tests.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*types.Conversation
	messages      map[string][]*types.Message // conversation id -> ordered turns
	messageIDs    map[string]bool
	files         map[string]*types.FileRef
	filesBySHA    map[string]string // sha256 -> file id
	sessions      map[string]time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*types.Conversation),
		messages:      make(map[string][]*types.Message),
		messageIDs:    make(map[string]bool),
		files:         make(map[string]*types.FileRef),
		filesBySHA:    make(map[string]string),
		sessions:      make(map[string]time.Time),
	}
}

// UpsertConversation inserts or replaces a conversation row
func (s *MemoryStore) UpsertConversation(ctx context.Context, conv *types.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *conv
	s.conversations[conv.ID] = &cp
	return nil
}

// GetConversation returns a conversation by id
func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

// DeleteConversation removes a conversation and cascades its messages
func (s *MemoryStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversations, id)
	for _, msg := range s.messages[id] {
		delete(s.messageIDs, msg.ID)
	}
	delete(s.messages, id)
	return nil
}

// AppendMessage appends a turn; duplicate message ids are ignored
func (s *MemoryStore) AppendMessage(ctx context.Context, msg *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.messageIDs[msg.ID] {
		return nil
	}
	cp := *msg
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], &cp)
	s.messageIDs[msg.ID] = true
	return nil
}

// ListRecentMessages returns the last limit turns in created-at order
func (s *MemoryStore) ListRecentMessages(ctx context.Context, convID string, limit int) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[convID]
	out := make([]*types.Message, len(msgs))
	for i, m := range msgs {
		cp := *m
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// DedupUpsertFile returns the existing row for a known sha256, otherwise
// stores the new ref. Metadata of duplicates is ignored.
func (s *MemoryStore) DedupUpsertFile(ctx context.Context, ref *types.FileRef) (*types.FileRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.filesBySHA[ref.SHA256]; ok {
		cp := *s.files[id]
		return &cp, nil
	}
	cp := *ref
	if cp.ProviderIDs == nil {
		cp.ProviderIDs = make(map[string]string)
	}
	s.files[ref.ID] = &cp
	s.filesBySHA[ref.SHA256] = ref.ID
	out := cp
	return &out, nil
}

// GetFile returns a file ref by id
func (s *MemoryStore) GetFile(ctx context.Context, id string) (*types.FileRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ref, ok := s.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ref
	return &cp, nil
}

// LinkProviderFile records the external id a provider assigned to a file
func (s *MemoryStore) LinkProviderFile(ctx context.Context, fileID, provider, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.files[fileID]
	if !ok {
		return ErrNotFound
	}
	if ref.ProviderIDs == nil {
		ref.ProviderIDs = make(map[string]string)
	}
	ref.ProviderIDs[provider] = externalID
	return nil
}

// TouchSession records session activity
func (s *MemoryStore) TouchSession(ctx context.Context, id string, lastActivity time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = lastActivity
	return nil
}

// Close releases nothing for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// MemoryDeadLetter is a bounded in-memory dead-letter buffer. On overflow the
// oldest entry is dropped.
type MemoryDeadLetter struct {
	mu    sync.Mutex
	items []*types.Message
	max   int
}

// NewMemoryDeadLetter creates a buffer holding up to max entries
func NewMemoryDeadLetter(max int) *MemoryDeadLetter {
	if max < 1 {
		max = 1
	}
	return &MemoryDeadLetter{max: max}
}

// Enqueue adds a failed append for later retry
func (d *MemoryDeadLetter) Enqueue(msg *types.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) >= d.max {
		d.items = d.items[1:]
	}
	d.items = append(d.items, msg)
	return nil
}

// Drain removes and returns up to max entries
func (d *MemoryDeadLetter) Drain(max int) ([]*types.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if max <= 0 || max > len(d.items) {
		max = len(d.items)
	}
	out := d.items[:max]
	d.items = d.items[max:]
	return out, nil
}

// Depth returns the number of buffered entries
func (d *MemoryDeadLetter) Depth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
