package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/moonbridge/moonbridge/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         UUID PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	metadata   JSONB NOT NULL DEFAULT '{}',
	turn_count INT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
	id              UUID PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	model           TEXT,
	provider        TEXT,
	tokens_in       INT NOT NULL DEFAULT 0,
	tokens_out      INT NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_conv_created ON messages (conversation_id, created_at);
CREATE TABLE IF NOT EXISTS files (
	id           UUID PRIMARY KEY,
	sha256       TEXT NOT NULL UNIQUE,
	size         BIGINT NOT NULL,
	content_type TEXT,
	origin_path  TEXT,
	created_at   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS file_providers (
	file_id     UUID NOT NULL REFERENCES files(id) ON DELETE CASCADE,
	provider    TEXT NOT NULL,
	external_id TEXT NOT NULL,
	PRIMARY KEY (file_id, provider)
);
CREATE TABLE IF NOT EXISTS sessions (
	id            UUID PRIMARY KEY,
	last_activity TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Store against a Postgres (or Supabase) database
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and ensures the schema exists
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// UpsertConversation inserts or updates a conversation row
func (s *PostgresStore) UpsertConversation(ctx context.Context, conv *types.Conversation) error {
	meta, err := json.Marshal(conv.Metadata)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO conversations (id, created_at, updated_at, metadata, turn_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET updated_at = EXCLUDED.updated_at,
		    metadata   = EXCLUDED.metadata,
		    turn_count = EXCLUDED.turn_count`,
		conv.ID, conv.CreatedAt, conv.UpdatedAt, meta, conv.TurnCount)
	return err
}

// GetConversation returns a conversation by id
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*types.Conversation, error) {
	var conv types.Conversation
	var meta []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, created_at, updated_at, metadata, turn_count
		FROM conversations WHERE id = $1`, id).
		Scan(&conv.ID, &conv.CreatedAt, &conv.UpdatedAt, &meta, &conv.TurnCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &conv.Metadata); err != nil {
			return nil, err
		}
	}
	return &conv, nil
}

// DeleteConversation removes a conversation; messages cascade
func (s *PostgresStore) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id = $1`, id)
	return err
}

// AppendMessage inserts a turn; duplicate ids are ignored
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *types.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, model, provider, tokens_in, tokens_out, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Model, msg.Provider,
		msg.TokensIn, msg.TokensOut, msg.CreatedAt)
	return err
}

// ListRecentMessages returns the last limit turns in created-at order
func (s *PostgresStore) ListRecentMessages(ctx context.Context, convID string, limit int) ([]*types.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(model, ''), COALESCE(provider, ''), tokens_in, tokens_out, created_at
		FROM (
			SELECT * FROM messages WHERE conversation_id = $1
			ORDER BY created_at DESC LIMIT $2
		) recent
		ORDER BY created_at ASC`, convID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*types.Message
	for rows.Next() {
		var msg types.Message
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&msg.Model, &msg.Provider, &msg.TokensIn, &msg.TokensOut, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// DedupUpsertFile returns the existing row for a known sha256, otherwise
// inserts the new ref
func (s *PostgresStore) DedupUpsertFile(ctx context.Context, ref *types.FileRef) (*types.FileRef, error) {
	var out types.FileRef
	err := s.pool.QueryRow(ctx, `
		INSERT INTO files (id, sha256, size, content_type, origin_path, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (sha256) DO UPDATE SET sha256 = EXCLUDED.sha256
		RETURNING id, sha256, size, COALESCE(content_type, ''), COALESCE(origin_path, ''), created_at`,
		ref.ID, ref.SHA256, ref.Size, ref.ContentType, ref.OriginPath, ref.CreatedAt).
		Scan(&out.ID, &out.SHA256, &out.Size, &out.ContentType, &out.OriginPath, &out.CreatedAt)
	if err != nil {
		return nil, err
	}
	out.ProviderIDs, err = s.providerIDs(ctx, out.ID)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetFile returns a file ref by id, including provider links
func (s *PostgresStore) GetFile(ctx context.Context, id string) (*types.FileRef, error) {
	var ref types.FileRef
	err := s.pool.QueryRow(ctx, `
		SELECT id, sha256, size, COALESCE(content_type, ''), COALESCE(origin_path, ''), created_at
		FROM files WHERE id = $1`, id).
		Scan(&ref.ID, &ref.SHA256, &ref.Size, &ref.ContentType, &ref.OriginPath, &ref.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ref.ProviderIDs, err = s.providerIDs(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}

// LinkProviderFile records the external id a provider assigned to a file
func (s *PostgresStore) LinkProviderFile(ctx context.Context, fileID, provider, externalID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO file_providers (file_id, provider, external_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (file_id, provider) DO UPDATE SET external_id = EXCLUDED.external_id`,
		fileID, provider, externalID)
	return err
}

// TouchSession records session activity
func (s *PostgresStore) TouchSession(ctx context.Context, id string, lastActivity time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, last_activity) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET last_activity = EXCLUDED.last_activity`,
		id, lastActivity)
	return err
}

func (s *PostgresStore) providerIDs(ctx context.Context, fileID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT provider, external_id FROM file_providers WHERE file_id = $1`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var provider, externalID string
		if err := rows.Scan(&provider, &externalID); err != nil {
			return nil, err
		}
		out[provider] = externalID
	}
	return out, rows.Err()
}
