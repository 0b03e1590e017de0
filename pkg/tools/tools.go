package tools

import (
	"context"
	"time"

	"github.com/moonbridge/moonbridge/pkg/config"
	"github.com/moonbridge/moonbridge/pkg/conversation"
	"github.com/moonbridge/moonbridge/pkg/progress"
	"github.com/moonbridge/moonbridge/pkg/provider"
	"github.com/moonbridge/moonbridge/pkg/router"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// Tool visibility values for Describe
const (
	VisibilityPublic = "public"
	VisibilityHidden = "hidden"
)

// Call carries one tool invocation's inputs. Args have already passed schema
// validation when Execute runs.
type Call struct {
	RequestID      string
	SessionID      string
	ContinuationID string
	Args           map[string]interface{}
	Progress       progress.Sink
}

// Result is a tool's successful outcome. ContinuationID links the client's
// next call into the same conversation.
type Result struct {
	Value          interface{}
	Usage          types.Usage
	ContinuationID string
}

// Tool is the common contract for every registered tool. Simple tools answer
// in one provider round-trip; workflow tools carry multi-step state through
// their continuation.
type Tool interface {
	Describe() types.ToolDescriptor
	Needs() router.Needs
	// Timeout returns the tool-default deadline for a call with these
	// arguments, before the daemon multiplier is applied.
	Timeout(args map[string]interface{}) time.Duration
	Execute(ctx context.Context, call *Call) (*Result, error)
}

// Deps is the shared dependency set handed to tool factories
type Deps struct {
	Router        *router.Router
	Providers     *provider.Registry
	Conversations *conversation.Service
	Config        *config.Config
	Version       string
	StartedAt     time.Time
	StoreDurable  bool
	CacheShared   bool
}

// Factory builds a per-call tool instance
type Factory func(deps Deps) Tool

func argString(args map[string]interface{}, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

func argBool(args map[string]interface{}, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func argInt(args map[string]interface{}, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	}
	return 0, false
}

func argFloat(args map[string]interface{}, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}

func argStrings(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
