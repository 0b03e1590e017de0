package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/moonbridge/moonbridge/pkg/provider"
	"github.com/moonbridge/moonbridge/pkg/router"
	"github.com/moonbridge/moonbridge/pkg/types"
)

const analyzeSystemPrompt = `You are an expert code and systems analyst. You receive the
accumulated findings of a multi-step investigation. Assess the findings,
identify gaps or risks the investigator missed, and deliver a consolidated
analysis with concrete recommendations.`

// analyzeTool is the multi-step analysis workflow. Intermediate steps record
// the investigator's findings into the continuation without touching a
// provider; the terminal step sends the accumulated findings upstream for
// expert assessment.
type analyzeTool struct {
	deps Deps
}

// NewAnalyze builds the analyze workflow tool
func NewAnalyze(deps Deps) Tool {
	return &analyzeTool{deps: deps}
}

func (t *analyzeTool) Describe() types.ToolDescriptor {
	return types.ToolDescriptor{
		Name:        "analyze",
		Description: "Step-wise code/system analysis workflow. Record findings step by step; the final step produces an expert assessment.",
		Schema: BuildSchema(map[string]interface{}{
			"step": map[string]interface{}{
				"type":        "string",
				"description": "What was examined in this step",
			},
			"step_number": map[string]interface{}{
				"type":    "integer",
				"minimum": 1.0,
			},
			"total_steps": map[string]interface{}{
				"type":    "integer",
				"minimum": 1.0,
			},
			"next_step_required": map[string]interface{}{
				"type":        "boolean",
				"description": "False on the terminal step",
			},
			"findings": map[string]interface{}{
				"type":        "string",
				"description": "Findings accumulated in this step",
			},
		}, []string{"step", "step_number", "next_step_required"}),
		Visibility: VisibilityPublic,
	}
}

func (t *analyzeTool) Needs() router.Needs {
	return router.Needs{}
}

// Timeout doubles the default on the terminal step, which is the only step
// that performs a provider call over the full accumulated context.
func (t *analyzeTool) Timeout(args map[string]interface{}) time.Duration {
	if !argBool(args, "next_step_required", true) {
		return 2 * t.deps.Config.ToolTimeout
	}
	return t.deps.Config.ToolTimeout
}

func (t *analyzeTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	step := argString(call.Args, "step")
	if step == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "analyze requires a step description")
	}
	stepNumber, ok := argInt(call.Args, "step_number")
	if !ok || stepNumber < 1 {
		return nil, types.NewError(types.ErrInvalidRequest, "analyze requires a positive step_number")
	}
	totalSteps, _ := argInt(call.Args, "total_steps")
	nextRequired := argBool(call.Args, "next_step_required", true)

	conv, history, err := resolveConversation(ctx, t.deps, call.ContinuationID)
	if err != nil {
		return nil, err
	}

	record := fmt.Sprintf("## Step %d", stepNumber)
	if totalSteps > 0 {
		record = fmt.Sprintf("## Step %d of %d", stepNumber, totalSteps)
	}
	record += "\n\n" + step
	if findings := argString(call.Args, "findings"); findings != "" {
		record += "\n\n### Findings\n\n" + findings
	}

	if nextRequired {
		if err := t.deps.Conversations.Append(ctx, conv,
			&types.Message{Role: types.RoleUser, Content: record},
		); err != nil {
			return nil, err
		}
		call.Progress.Emit("info", "analysis step recorded", map[string]interface{}{
			"step_number": stepNumber,
			"total_steps": totalSteps,
		})
		return &Result{
			Value: map[string]interface{}{
				"status":      "pause_for_analysis",
				"step_number": stepNumber,
				"total_steps": totalSteps,
			},
			ContinuationID: conv.ID,
		}, nil
	}

	// Terminal step: consolidate every recorded step and ask the model for
	// the expert assessment.
	var sb strings.Builder
	for _, turn := range history {
		if turn.Role == types.RoleUser {
			sb.WriteString(turn.Content)
			sb.WriteString("\n\n")
		}
	}
	sb.WriteString(record)
	sb.WriteString("\n\nProvide your consolidated expert analysis of the investigation above.")

	call.Progress.Emit("info", "requesting expert analysis", map[string]interface{}{
		"step_number": stepNumber,
	})

	req := &provider.Request{
		Model:  argString(call.Args, "model"),
		Prompt: sb.String(),
		System: analyzeSystemPrompt,
	}
	if temp, ok := argFloat(call.Args, "temperature"); ok {
		req.Temperature = &temp
	}

	resp, choice, err := t.deps.Router.Generate(ctx, req, t.Needs(), call.Progress)
	if err != nil {
		return nil, err
	}

	if err := t.deps.Conversations.Append(ctx, conv,
		&types.Message{Role: types.RoleUser, Content: record},
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
			"status":      "analysis_complete",
			"content":     resp.Text,
			"model":       choice.Model,
			"provider":    choice.Provider.Name(),
			"step_number": stepNumber,
		},
		Usage:          resp.Usage,
		ContinuationID: conv.ID,
	}, nil
}
