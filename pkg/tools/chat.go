package tools

import (
	"context"
	"strings"
	"time"

	"github.com/moonbridge/moonbridge/pkg/provider"
	"github.com/moonbridge/moonbridge/pkg/router"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// historyTokenBudget caps how much prior conversation is replayed into a
// provider prompt. Estimated tokens, not exact.
const historyTokenBudget = 64000

type chatTool struct {
	deps Deps
}

// NewChat builds the general-purpose chat tool
func NewChat(deps Deps) Tool {
	return &chatTool{deps: deps}
}

func (t *chatTool) Describe() types.ToolDescriptor {
	return types.ToolDescriptor{
		Name:        "chat",
		Description: "General conversation with an upstream model. Supports continuations, file context, and optional web search.",
		Schema: BuildSchema(map[string]interface{}{
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "The user message",
			},
			"system": map[string]interface{}{
				"type":        "string",
				"description": "Optional system prompt",
			},
		}, []string{"prompt"}),
		Visibility: VisibilityPublic,
	}
}

func (t *chatTool) Needs() router.Needs {
	return router.Needs{}
}

func (t *chatTool) Timeout(args map[string]interface{}) time.Duration {
	return t.deps.Config.ToolTimeout
}

func (t *chatTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	prompt := argString(call.Args, "prompt")
	if prompt == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "chat requires a prompt")
	}

	conv, history, err := resolveConversation(ctx, t.deps, call.ContinuationID)
	if err != nil {
		return nil, err
	}

	needs := t.Needs()
	websearch := argBool(call.Args, "use_websearch", false) && t.deps.Config.FeatureWebsearch
	if websearch {
		needs.Websearch = true
	}

	fileIDs := argStrings(call.Args, "files")
	var refs []*types.FileRef
	if len(fileIDs) > 0 {
		needs.Files = true
		for _, id := range fileIDs {
			ref, err := t.deps.Conversations.GetFile(ctx, id)
			if err != nil {
				return nil, err
			}
			refs = append(refs, ref)
		}
	}

	req := &provider.Request{
		Model:     argString(call.Args, "model"),
		Prompt:    prompt,
		System:    argString(call.Args, "system"),
		History:   history,
		Websearch: websearch,
	}
	if temp, ok := argFloat(call.Args, "temperature"); ok {
		req.Temperature = &temp
	}

	call.Progress.Emit("info", "routing chat call", map[string]interface{}{
		"conversation_id": conv.ID,
		"history_turns":   len(history),
	})

	var (
		resp   *provider.Response
		choice router.Choice
	)
	if argBool(call.Args, "stream", false) && t.deps.Config.FeatureStreaming {
		needs.Streaming = true
		resp, choice = t.stream(ctx, req, needs, refs, call)
	}
	if resp == nil {
		var err error
		resp, choice, err = t.deps.Router.GenerateWith(ctx, req, needs, call.Progress, prepareFiles(refs))
		if err != nil {
			return nil, err
		}
	}

	appendErr := t.deps.Conversations.Append(ctx, conv,
		&types.Message{Role: types.RoleUser, Content: prompt},
		&types.Message{
			Role:      types.RoleAssistant,
			Content:   resp.Text,
			Model:     choice.Model,
			Provider:  choice.Provider.Name(),
			TokensIn:  resp.Usage.TokensIn,
			TokensOut: resp.Usage.TokensOut,
		},
	)
	if appendErr != nil {
		return nil, appendErr
	}

	return &Result{
		Value: map[string]interface{}{
			"content":  resp.Text,
			"model":    choice.Model,
			"provider": choice.Provider.Name(),
		},
		Usage:          resp.Usage,
		ContinuationID: conv.ID,
	}, nil
}

// stream tries a streamed generation against the top routing candidate,
// surfacing chunks as progress frames and accumulating the terminal text. Any
// failure returns nil so the caller falls back to the non-streaming path.
func (t *chatTool) stream(ctx context.Context, req *provider.Request, needs router.Needs,
	refs []*types.FileRef, call *Call) (*provider.Response, router.Choice) {

	candidates, err := t.deps.Router.Candidates(req.Model, needs)
	if err != nil {
		return nil, router.Choice{}
	}
	choice := candidates[0]

	attempt := *req
	attempt.Model = choice.Model
	attempt.Stream = true
	if prepare := prepareFiles(refs); prepare != nil {
		if err := prepare(choice, &attempt); err != nil {
			return nil, router.Choice{}
		}
	}

	chunks, err := choice.Provider.StreamContent(ctx, &attempt)
	if err != nil {
		return nil, router.Choice{}
	}

	var sb strings.Builder
	usage := types.Usage{Provider: choice.Provider.Name(), Model: choice.Model}
	for chunk := range chunks {
		if chunk.Done {
			if chunk.Usage != nil {
				usage = *chunk.Usage
			}
			break
		}
		sb.WriteString(chunk.Text)
		call.Progress.Emit("debug", chunk.Text, nil)
	}
	if ctx.Err() != nil || sb.Len() == 0 {
		return nil, router.Choice{}
	}
	return &provider.Response{Text: sb.String(), Usage: usage}, choice
}

// resolveConversation loads a continuation or begins a fresh one
func resolveConversation(ctx context.Context, deps Deps, continuationID string) (*types.Conversation, []provider.Turn, error) {
	if continuationID != "" {
		return deps.Conversations.Load(ctx, continuationID, historyTokenBudget)
	}
	conv, err := deps.Conversations.Begin(ctx)
	if err != nil {
		return nil, nil, err
	}
	return conv, nil, nil
}

// prepareFiles substitutes the candidate provider's external file ids into
// the request. A provider the files were never pushed to is skipped.
func prepareFiles(refs []*types.FileRef) func(router.Choice, *provider.Request) error {
	if len(refs) == 0 {
		return nil
	}
	return func(choice router.Choice, req *provider.Request) error {
		ids := make([]string, 0, len(refs))
		for _, ref := range refs {
			external, ok := ref.ProviderIDs[choice.Provider.Name()]
			if !ok {
				return types.NewError(types.ErrInvalidRequest,
					"file %s is not available on provider %s", ref.ID, choice.Provider.Name())
			}
			ids = append(ids, external)
		}
		req.Files = ids
		return nil
	}
}
