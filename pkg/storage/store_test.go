package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/pkg/ids"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// storeUnderTest runs the shared Store contract tests against an
// implementation. Memory and Bolt both go through it.
func storeUnderTest(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("conversation upsert and get", func(t *testing.T) {
		conv := &types.Conversation{
			ID:        ids.New(),
			CreatedAt: time.Now().UTC(),
			UpdatedAt: time.Now().UTC(),
			Metadata:  map[string]string{"tool": "chat"},
		}
		require.NoError(t, store.UpsertConversation(ctx, conv))

		got, err := store.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, conv.ID, got.ID)
		assert.Equal(t, "chat", got.Metadata["tool"])

		conv.TurnCount = 2
		conv.UpdatedAt = conv.UpdatedAt.Add(time.Second)
		require.NoError(t, store.UpsertConversation(ctx, conv))

		got, err = store.GetConversation(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.TurnCount)
	})

	t.Run("get missing conversation", func(t *testing.T) {
		_, err := store.GetConversation(ctx, ids.New())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("append is idempotent and ordered", func(t *testing.T) {
		convID := ids.New()
		require.NoError(t, store.UpsertConversation(ctx, &types.Conversation{
			ID: convID, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}))

		base := time.Now().UTC()
		first := &types.Message{
			ID: ids.New(), ConversationID: convID, Role: types.RoleUser,
			Content: "hello", CreatedAt: base,
		}
		second := &types.Message{
			ID: ids.New(), ConversationID: convID, Role: types.RoleAssistant,
			Content: "hi there", Model: "kimi-k2", Provider: "KIMI",
			CreatedAt: base.Add(time.Second),
		}
		require.NoError(t, store.AppendMessage(ctx, first))
		require.NoError(t, store.AppendMessage(ctx, second))
		// Duplicate append is a no-op.
		require.NoError(t, store.AppendMessage(ctx, first))

		msgs, err := store.ListRecentMessages(ctx, convID, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "hello", msgs[0].Content)
		assert.Equal(t, "hi there", msgs[1].Content)
	})

	t.Run("list recent honors limit", func(t *testing.T) {
		convID := ids.New()
		base := time.Now().UTC()
		for i := 0; i < 5; i++ {
			require.NoError(t, store.AppendMessage(ctx, &types.Message{
				ID: ids.New(), ConversationID: convID, Role: types.RoleUser,
				Content: string(rune('a' + i)), CreatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}

		msgs, err := store.ListRecentMessages(ctx, convID, 2)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "d", msgs[0].Content)
		assert.Equal(t, "e", msgs[1].Content)
	})

	t.Run("delete cascades messages", func(t *testing.T) {
		convID := ids.New()
		require.NoError(t, store.UpsertConversation(ctx, &types.Conversation{
			ID: convID, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}))
		require.NoError(t, store.AppendMessage(ctx, &types.Message{
			ID: ids.New(), ConversationID: convID, Role: types.RoleUser,
			Content: "x", CreatedAt: time.Now().UTC(),
		}))

		require.NoError(t, store.DeleteConversation(ctx, convID))

		_, err := store.GetConversation(ctx, convID)
		assert.ErrorIs(t, err, ErrNotFound)
		msgs, err := store.ListRecentMessages(ctx, convID, 0)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})

	t.Run("file dedup by sha256", func(t *testing.T) {
		sha := "deadbeef" + ids.New()
		first, err := store.DedupUpsertFile(ctx, &types.FileRef{
			ID: ids.New(), SHA256: sha, Size: 42, ContentType: "text/plain",
			CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)

		// Second upload of identical content reuses the existing row and
		// ignores the new metadata.
		second, err := store.DedupUpsertFile(ctx, &types.FileRef{
			ID: ids.New(), SHA256: sha, Size: 42, ContentType: "application/json",
			CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, "text/plain", second.ContentType)
	})

	t.Run("link provider file", func(t *testing.T) {
		ref, err := store.DedupUpsertFile(ctx, &types.FileRef{
			ID: ids.New(), SHA256: "cafe" + ids.New(), Size: 1, CreatedAt: time.Now().UTC(),
		})
		require.NoError(t, err)

		require.NoError(t, store.LinkProviderFile(ctx, ref.ID, "KIMI", "ext-123"))

		got, err := store.GetFile(ctx, ref.ID)
		require.NoError(t, err)
		assert.Equal(t, "ext-123", got.ProviderIDs["KIMI"])
	})

	t.Run("touch session", func(t *testing.T) {
		assert.NoError(t, store.TouchSession(ctx, ids.New(), time.Now().UTC()))
	})
}

func TestMemoryStore(t *testing.T) {
	storeUnderTest(t, NewMemoryStore())
}

func TestBoltStore(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	storeUnderTest(t, store)
}

func TestMemoryDeadLetter(t *testing.T) {
	dl := NewMemoryDeadLetter(2)

	require.NoError(t, dl.Enqueue(&types.Message{ID: "1"}))
	require.NoError(t, dl.Enqueue(&types.Message{ID: "2"}))
	require.NoError(t, dl.Enqueue(&types.Message{ID: "3"}))

	assert.Equal(t, 2, dl.Depth())

	msgs, err := dl.Drain(10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "2", msgs[0].ID)
	assert.Equal(t, "3", msgs[1].ID)
	assert.Equal(t, 0, dl.Depth())
}

func TestBoltDeadLetter(t *testing.T) {
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	msg := &types.Message{
		ID: ids.New(), ConversationID: ids.New(), Role: types.RoleUser,
		Content: "lost turn", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.Enqueue(msg))
	assert.Equal(t, 1, store.Depth())

	msgs, err := store.Drain(10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "lost turn", msgs[0].Content)
	assert.Equal(t, 0, store.Depth())
}
