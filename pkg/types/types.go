package types

import "time"

// Role identifies the author of a conversation message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Conversation is a persisted continuation linking successive tool calls
type Conversation struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	TurnCount int               `json:"turn_count"`
}

// Message is one append-only turn within a conversation
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Model          string    `json:"model,omitempty"`
	Provider       string    `json:"provider,omitempty"`
	TokensIn       int       `json:"tokens_in,omitempty"`
	TokensOut      int       `json:"tokens_out,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// FileRef is an uploaded file deduplicated by content hash. ProviderIDs maps
// a provider name to the external file id issued by that provider.
type FileRef struct {
	ID          string            `json:"id"`
	SHA256      string            `json:"sha256"`
	Size        int64             `json:"size"`
	ContentType string            `json:"content_type"`
	OriginPath  string            `json:"origin_path,omitempty"`
	ProviderIDs map[string]string `json:"provider_ids,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Support lists the optional capabilities a model/provider offers
type Support struct {
	Images    bool `json:"images"`
	Files     bool `json:"files"`
	Websearch bool `json:"websearch"`
	Streaming bool `json:"streaming"`
	Tools     bool `json:"tools"`
}

// ProviderCapability is a provider's static capability snapshot. CostTier is
// a relative ranking used as a tie-breaker during routing (lower is cheaper).
type ProviderCapability struct {
	Name          string   `json:"name"`
	Models        []string `json:"models"`
	ContextWindow int      `json:"context_window"`
	Supports      Support  `json:"supports"`
	CostTier      int      `json:"cost_tier"`
}

// HealthSnapshot is the periodic health-file payload
type HealthSnapshot struct {
	PID            int       `json:"pid"`
	StartedAt      time.Time `json:"started_at"`
	Listening      string    `json:"listening"`
	SessionsOpen   int       `json:"sessions_open"`
	InflightGlobal int       `json:"inflight_global"`
	LastError      string    `json:"last_error,omitempty"`
	Version        string    `json:"version"`
}
