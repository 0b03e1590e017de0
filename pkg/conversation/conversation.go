package conversation

import (
	"context"
	"time"

	"github.com/moonbridge/moonbridge/pkg/ids"
	"github.com/moonbridge/moonbridge/pkg/log"
	"github.com/moonbridge/moonbridge/pkg/metrics"
	"github.com/moonbridge/moonbridge/pkg/provider"
	"github.com/moonbridge/moonbridge/pkg/storage"
	"github.com/moonbridge/moonbridge/pkg/types"
)

const (
	appendAttempts = 3

	// historyLimit bounds how many persisted messages are fetched before
	// budget trimming; the token budget is the real cap.
	historyLimit = 200
)

// Estimator approximates the token cost of a text. The default divides the
// character count by four, which is close enough for budget trimming.
type Estimator func(text string) int

func defaultEstimator(text string) int {
	return len(text) / 4
}

// Service owns conversation continuity: creating continuations, loading
// budget-trimmed history, and appending turns with durable-write fallback to
// the dead-letter buffer.
type Service struct {
	store    storage.Store
	dlq      storage.DeadLetter
	ttl      time.Duration
	estimate Estimator
	now      func() time.Time
}

// New creates a conversation service. Conversations idle past ttl expire:
// their history is discarded but the id stays reusable.
func New(store storage.Store, dlq storage.DeadLetter, ttl time.Duration) *Service {
	return &Service{
		store:    store,
		dlq:      dlq,
		ttl:      ttl,
		estimate: defaultEstimator,
		now:      time.Now,
	}
}

// SetEstimator replaces the token estimator, mainly for tests
func (s *Service) SetEstimator(e Estimator) {
	if e != nil {
		s.estimate = e
	}
}

// Begin creates a fresh conversation and returns it
func (s *Service) Begin(ctx context.Context) (*types.Conversation, error) {
	now := s.now()
	conv := &types.Conversation{
		ID:        ids.New(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertConversation(ctx, conv); err != nil {
		metrics.RepositoryErrors.WithLabelValues("upsert_conversation").Inc()
		return nil, types.NewError(types.ErrRepositoryUnavailable, "create conversation: %v", err)
	}
	return conv, nil
}

// Load resolves a continuation id and returns the conversation plus its
// history trimmed to the token budget. An unknown id is ContinuationNotFound.
// An expired conversation is reset: the id stays valid but history starts
// empty again.
func (s *Service) Load(ctx context.Context, id string, budget int) (*types.Conversation, []provider.Turn, error) {
	if !ids.Valid(id) {
		return nil, nil, types.NewError(types.ErrInvalidRequest, "malformed continuation id %q", id)
	}

	conv, err := s.store.GetConversation(ctx, id)
	if err == storage.ErrNotFound {
		return nil, nil, types.NewError(types.ErrContinuationNotFound, "continuation %s not found", id).
			WithDetail("hint", "retry without continuation_id to start a new conversation")
	}
	if err != nil {
		metrics.RepositoryErrors.WithLabelValues("get_conversation").Inc()
		return nil, nil, types.NewError(types.ErrRepositoryUnavailable, "load conversation: %v", err)
	}

	if s.ttl > 0 && s.now().Sub(conv.UpdatedAt) > s.ttl {
		return s.reset(ctx, conv)
	}

	msgs, err := s.store.ListRecentMessages(ctx, id, historyLimit)
	if err != nil {
		metrics.RepositoryErrors.WithLabelValues("list_messages").Inc()
		return nil, nil, types.NewError(types.ErrRepositoryUnavailable, "load history: %v", err)
	}
	return conv, s.trim(msgs, budget), nil
}

// reset discards an expired conversation's history and recreates it under
// the same id.
func (s *Service) reset(ctx context.Context, conv *types.Conversation) (*types.Conversation, []provider.Turn, error) {
	log.WithComponent("conversation").Debug().
		Str("conversation_id", conv.ID).
		Time("updated_at", conv.UpdatedAt).
		Msg("conversation expired, resetting")

	if err := s.store.DeleteConversation(ctx, conv.ID); err != nil {
		metrics.RepositoryErrors.WithLabelValues("delete_conversation").Inc()
		return nil, nil, types.NewError(types.ErrRepositoryUnavailable, "reset conversation: %v", err)
	}

	now := s.now()
	fresh := &types.Conversation{
		ID:        conv.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.UpsertConversation(ctx, fresh); err != nil {
		metrics.RepositoryErrors.WithLabelValues("upsert_conversation").Inc()
		return nil, nil, types.NewError(types.ErrRepositoryUnavailable, "reset conversation: %v", err)
	}
	return fresh, nil, nil
}

// trim drops whole turns from the oldest end until the estimated token cost
// of the remaining history fits the budget. A turn is never split, and the
// newest turn survives even when it alone exceeds the budget.
func (s *Service) trim(msgs []*types.Message, budget int) []provider.Turn {
	if len(msgs) == 0 {
		return nil
	}
	if budget <= 0 {
		budget = 1 << 30
	}

	total := 0
	costs := make([]int, len(msgs))
	for i, m := range msgs {
		costs[i] = s.estimate(m.Content)
		total += costs[i]
	}

	start := 0
	for start < len(msgs)-1 && total > budget {
		total -= costs[start]
		start++
	}

	turns := make([]provider.Turn, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		turns = append(turns, provider.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

// Append records the messages of one completed call as a single turn. The
// conversation row is updated first; message appends retry a few times and
// fall back to the dead-letter buffer so the call result is never lost to a
// storage blip.
func (s *Service) Append(ctx context.Context, conv *types.Conversation, msgs ...*types.Message) error {
	now := s.now()
	conv.UpdatedAt = now
	conv.TurnCount++
	if err := s.store.UpsertConversation(ctx, conv); err != nil {
		metrics.RepositoryErrors.WithLabelValues("upsert_conversation").Inc()
		log.WithComponent("conversation").Warn().Err(err).
			Str("conversation_id", conv.ID).
			Msg("conversation update failed")
	}

	for _, msg := range msgs {
		if msg.ID == "" {
			msg.ID = ids.New()
		}
		msg.ConversationID = conv.ID
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		s.appendWithFallback(ctx, msg)
	}
	return nil
}

func (s *Service) appendWithFallback(ctx context.Context, msg *types.Message) {
	var err error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		if err = s.store.AppendMessage(ctx, msg); err == nil {
			return
		}
		if ctx.Err() != nil {
			break
		}
	}

	metrics.RepositoryErrors.WithLabelValues("append_message").Inc()
	log.WithComponent("conversation").Warn().Err(err).
		Str("conversation_id", msg.ConversationID).
		Str("message_id", msg.ID).
		Msg("message append failed, dead-lettering")

	if s.dlq != nil {
		if dlqErr := s.dlq.Enqueue(msg); dlqErr != nil {
			log.WithComponent("conversation").Error().Err(dlqErr).
				Str("message_id", msg.ID).
				Msg("dead-letter enqueue failed, turn lost")
			return
		}
		metrics.DeadLetterDepth.Set(float64(s.dlq.Depth()))
	}
}

// DrainDeadLetters retries dead-lettered appends once. Returns how many were
// durably written.
func (s *Service) DrainDeadLetters(ctx context.Context, max int) int {
	if s.dlq == nil {
		return 0
	}
	msgs, err := s.dlq.Drain(max)
	if err != nil {
		log.WithComponent("conversation").Warn().Err(err).Msg("dead-letter drain failed")
		return 0
	}

	written := 0
	for _, msg := range msgs {
		if err := s.store.AppendMessage(ctx, msg); err != nil {
			// Still failing; put it back for the next sweep.
			_ = s.dlq.Enqueue(msg)
			continue
		}
		written++
	}
	metrics.DeadLetterDepth.Set(float64(s.dlq.Depth()))
	return written
}

// DrainLoop periodically retries dead-lettered appends until ctx is done
func (s *Service) DrainLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.DrainDeadLetters(ctx, 64); n > 0 {
				log.WithComponent("conversation").Info().Int("written", n).Msg("dead-lettered turns recovered")
			}
		}
	}
}
