package tools

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/moonbridge/moonbridge/pkg/router"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// fileuploadTool registers file content with the daemon, deduplicated by
// SHA-256, and pushes it to every configured provider that accepts files so
// later calls can reference it by id on any of them.
type fileuploadTool struct {
	deps Deps
}

// NewFileUpload builds the fileupload tool
func NewFileUpload(deps Deps) Tool {
	return &fileuploadTool{deps: deps}
}

func (t *fileuploadTool) Describe() types.ToolDescriptor {
	return types.ToolDescriptor{
		Name:        "fileupload",
		Description: "Upload file content for use in later calls. Identical content is stored once.",
		Schema: BuildSchema(map[string]interface{}{
			"name": map[string]interface{}{
				"type":        "string",
				"description": "Original file name or path",
			},
			"content": map[string]interface{}{
				"type":        "string",
				"description": "File content; base64 when encoding is set",
			},
			"encoding": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"utf8", "base64"},
			},
			"content_type": map[string]interface{}{
				"type": "string",
			},
		}, []string{"name", "content"}),
		Visibility: VisibilityPublic,
	}
}

func (t *fileuploadTool) Needs() router.Needs {
	return router.Needs{Files: true}
}

func (t *fileuploadTool) Timeout(args map[string]interface{}) time.Duration {
	return t.deps.Config.ToolTimeout
}

func (t *fileuploadTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	name := argString(call.Args, "name")
	content := argString(call.Args, "content")
	if name == "" || content == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "fileupload requires name and content")
	}

	data := []byte(content)
	if argString(call.Args, "encoding") == "base64" {
		decoded, err := base64.StdEncoding.DecodeString(content)
		if err != nil {
			return nil, types.NewError(types.ErrInvalidRequest, "content is not valid base64: %v", err)
		}
		data = decoded
	}

	contentType := argString(call.Args, "content_type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ref, err := t.deps.Conversations.AttachFile(ctx, data, contentType, name)
	if err != nil {
		return nil, err
	}

	// Push to every file-capable provider now, so routing stays free to pick
	// any of them later. Push failures degrade the file, not the upload.
	pushed := map[string]string{}
	for _, providerName := range t.deps.Providers.Names() {
		p, ok := t.deps.Providers.Get(providerName)
		if !ok || !p.Capabilities().Supports.Files {
			continue
		}
		externalID, err := t.deps.Conversations.EnsureProviderFile(ctx, ref, p, data)
		if err != nil {
			call.Progress.Emit("warn", "provider upload failed", map[string]interface{}{
				"provider": providerName,
				"file_id":  ref.ID,
			})
			continue
		}
		pushed[providerName] = externalID
	}

	return &Result{
		Value: map[string]interface{}{
			"file_id":   ref.ID,
			"sha256":    ref.SHA256,
			"size":      ref.Size,
			"providers": pushed,
		},
	}, nil
}
