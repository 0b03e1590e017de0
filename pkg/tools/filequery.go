package tools

import (
	"context"
	"time"

	"github.com/moonbridge/moonbridge/pkg/provider"
	"github.com/moonbridge/moonbridge/pkg/router"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// filequeryTool asks a model about a previously uploaded file
type filequeryTool struct {
	deps Deps
}

// NewFileQuery builds the filequery tool
func NewFileQuery(deps Deps) Tool {
	return &filequeryTool{deps: deps}
}

func (t *filequeryTool) Describe() types.ToolDescriptor {
	return types.ToolDescriptor{
		Name:        "filequery",
		Description: "Query an uploaded file's content with a model that supports file context.",
		Schema: BuildSchema(map[string]interface{}{
			"file_id": map[string]interface{}{
				"type":        "string",
				"description": "Id returned by fileupload",
			},
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "The question about the file",
			},
		}, []string{"file_id", "prompt"}),
		Visibility: VisibilityPublic,
	}
}

func (t *filequeryTool) Needs() router.Needs {
	return router.Needs{Files: true}
}

func (t *filequeryTool) Timeout(args map[string]interface{}) time.Duration {
	return t.deps.Config.ToolTimeout
}

func (t *filequeryTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	fileID := argString(call.Args, "file_id")
	prompt := argString(call.Args, "prompt")
	if fileID == "" || prompt == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "filequery requires file_id and prompt")
	}

	ref, err := t.deps.Conversations.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	conv, history, err := resolveConversation(ctx, t.deps, call.ContinuationID)
	if err != nil {
		return nil, err
	}

	req := &provider.Request{
		Model:   argString(call.Args, "model"),
		Prompt:  prompt,
		History: history,
	}
	if temp, ok := argFloat(call.Args, "temperature"); ok {
		req.Temperature = &temp
	}

	resp, choice, err := t.deps.Router.GenerateWith(ctx, req, t.Needs(), call.Progress,
		prepareFiles([]*types.FileRef{ref}))
	if err != nil {
		return nil, err
	}

	if err := t.deps.Conversations.Append(ctx, conv,
		&types.Message{Role: types.RoleUser, Content: prompt},
		&types.Message{
			Role:      types.RoleAssistant,
			Content:   resp.Text,
			Model:     choice.Model,
			Provider:  choice.Provider.Name(),
			TokensIn:  resp.Usage.TokensIn,
			TokensOut: resp.Usage.TokensOut,
		},
	); err != nil {
		return nil, err
	}

	return &Result{
		Value: map[string]interface{}{
			"content":  resp.Text,
			"file_id":  ref.ID,
			"model":    choice.Model,
			"provider": choice.Provider.Name(),
		},
		Usage:          resp.Usage,
		ContinuationID: conv.ID,
	}, nil
}
