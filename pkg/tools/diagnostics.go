package tools

import (
	"context"
	"time"

	"github.com/moonbridge/moonbridge/pkg/router"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// diagnosticsTool reports daemon runtime information without touching any
// provider. Useful for shims probing what the daemon can do.
type diagnosticsTool struct {
	deps Deps
}

// NewDiagnostics builds the diagnostics tool
func NewDiagnostics(deps Deps) Tool {
	return &diagnosticsTool{deps: deps}
}

func (t *diagnosticsTool) Describe() types.ToolDescriptor {
	return types.ToolDescriptor{
		Name:        "diagnostics",
		Description: "Report daemon version, configured providers, models, and storage mode.",
		Schema:      BuildSchema(nil, nil),
		Visibility:  VisibilityPublic,
	}
}

func (t *diagnosticsTool) Needs() router.Needs {
	return router.Needs{}
}

func (t *diagnosticsTool) Timeout(args map[string]interface{}) time.Duration {
	return t.deps.Config.ToolTimeout
}

func (t *diagnosticsTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	providers := make([]map[string]interface{}, 0)
	for _, name := range t.deps.Providers.Names() {
		p, ok := t.deps.Providers.Get(name)
		if !ok {
			continue
		}
		caps := p.Capabilities()
		providers = append(providers, map[string]interface{}{
			"name":           caps.Name,
			"models":         caps.Models,
			"context_window": caps.ContextWindow,
			"supports":       caps.Supports,
		})
	}

	return &Result{
		Value: map[string]interface{}{
			"version":        t.deps.Version,
			"uptime_seconds": int(time.Since(t.deps.StartedAt).Seconds()),
			"providers":      providers,
			"storage": map[string]interface{}{
				"durable":      t.deps.StoreDurable,
				"shared_cache": t.deps.CacheShared,
			},
			"features": map[string]interface{}{
				"streaming": t.deps.Config.FeatureStreaming,
				"websearch": t.deps.Config.FeatureWebsearch,
			},
			"timeouts": map[string]interface{}{
				"tool_default_s":     t.deps.Config.ToolTimeout.Seconds(),
				"daemon_multiplier":  t.deps.Config.DaemonMultiplier,
				"shim_multiplier":    t.deps.Config.ShimMultiplier,
				"conversation_ttl_s": t.deps.Config.ConversationTTL.Seconds(),
			},
		},
	}, nil
}
