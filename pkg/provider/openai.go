package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/moonbridge/moonbridge/pkg/log"
	"github.com/moonbridge/moonbridge/pkg/types"
)

const rateLimitCooldown = 30 * time.Second

// Options configures an OpenAI-compatible provider client
type Options struct {
	Name          string
	BaseURL       string
	APIKeys       []string
	Models        []string
	ContextWindow int
	Supports      types.Support
	CostTier      int
	HTTPClient    *http.Client
}

// Client is an OpenAI-compatible chat-completions client. Both the Kimi and
// GLM endpoints speak this dialect; they differ only in base URL, model list,
// and capability flags.
type Client struct {
	name string
	base string
	pool *KeyPool
	caps types.ProviderCapability
	http *http.Client
}

// NewClient creates a provider client for an OpenAI-compatible endpoint
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		name: opts.Name,
		base: strings.TrimRight(opts.BaseURL, "/"),
		pool: NewKeyPool(opts.APIKeys),
		caps: types.ProviderCapability{
			Name:          opts.Name,
			Models:        append([]string(nil), opts.Models...),
			ContextWindow: opts.ContextWindow,
			Supports:      opts.Supports,
			CostTier:      opts.CostTier,
		},
		http: httpClient,
	}
}

// Name returns the provider name
func (c *Client) Name() string {
	return c.name
}

// Capabilities returns the static capability snapshot
func (c *Client) Capabilities() types.ProviderCapability {
	return c.caps
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// GenerateContent performs a unary chat-completions call
func (c *Client) GenerateContent(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()

	body, _, err := c.post(ctx, "/chat/completions", c.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var parsed chatResponse
	if err := json.NewDecoder(body).Decode(&parsed); err != nil {
		return nil, types.NewError(types.ErrProviderFatal, "%s: malformed response: %v", c.name, err)
	}
	if len(parsed.Choices) == 0 {
		return nil, types.NewError(types.ErrProviderFatal, "%s: empty choices", c.name)
	}

	resp := &Response{
		Text: parsed.Choices[0].Message.Content,
		Usage: types.Usage{
			Provider:   c.name,
			Model:      req.Model,
			DurationMS: time.Since(start).Milliseconds(),
		},
	}
	if parsed.Usage != nil {
		resp.Usage.TokensIn = parsed.Usage.PromptTokens
		resp.Usage.TokensOut = parsed.Usage.CompletionTokens
	}
	return resp, nil
}

// StreamContent performs a streaming chat-completions call. The returned
// channel is closed after the terminal chunk; the reader goroutine stops on
// ctx cancellation.
func (c *Client) StreamContent(ctx context.Context, req *Request) (<-chan Chunk, error) {
	start := time.Now()

	body, _, err := c.post(ctx, "/chat/completions", c.buildRequest(req, true))
	if err != nil {
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer body.Close()

		usage := types.Usage{Provider: c.name, Model: req.Model}
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "[DONE]" {
				break
			}
			var parsed chatResponse
			if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
				continue
			}
			if parsed.Usage != nil {
				usage.TokensIn = parsed.Usage.PromptTokens
				usage.TokensOut = parsed.Usage.CompletionTokens
			}
			if len(parsed.Choices) > 0 && parsed.Choices[0].Delta.Content != "" {
				select {
				case out <- Chunk{Text: parsed.Choices[0].Delta.Content}:
				case <-ctx.Done():
					return
				}
			}
		}

		usage.DurationMS = time.Since(start).Milliseconds()
		select {
		case out <- Chunk{Done: true, Usage: &usage}:
		case <-ctx.Done():
		}
	}()
	return out, nil
}

type fileResponse struct {
	ID string `json:"id"`
}

// UploadFile uploads bytes to the provider's file endpoint and returns the
// external file id
func (c *Client) UploadFile(ctx context.Context, data []byte, meta FileMeta) (string, error) {
	if !c.caps.Supports.Files {
		return "", types.NewError(types.ErrProviderFatal, "%s does not support file upload", c.name)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", meta.Name)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", fmt.Errorf("failed to write upload form: %w", err)
	}
	if err := mw.WriteField("purpose", "file-extract"); err != nil {
		return "", fmt.Errorf("failed to write upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to close upload form: %w", err)
	}

	key, err := c.pool.Next()
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/files", &buf)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return "", c.transportError(err)
	}
	defer httpResp.Body.Close()

	if err := c.statusError(httpResp, key); err != nil {
		return "", err
	}

	var parsed fileResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&parsed); err != nil {
		return "", types.NewError(types.ErrProviderFatal, "%s: malformed upload response: %v", c.name, err)
	}
	return parsed.ID, nil
}

func (c *Client) buildRequest(req *Request, stream bool) *chatRequest {
	msgs := make([]chatMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	for _, turn := range req.History {
		msgs = append(msgs, chatMessage{Role: string(turn.Role), Content: turn.Content})
	}
	prompt := req.Prompt
	if len(req.Files) > 0 {
		// OpenAI-compatible extraction endpoints reference uploaded files by
		// id inside the prompt context.
		prompt = fmt.Sprintf("%s\n\n[attached files: %s]", prompt, strings.Join(req.Files, ", "))
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: prompt})

	return &chatRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

func (c *Client) post(ctx context.Context, path string, payload *chatRequest) (io.ReadCloser, string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to marshal request: %w", err)
	}

	key, err := c.pool.Next()
	if err != nil {
		return nil, "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+key)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, "", c.transportError(err)
	}
	if err := c.statusError(httpResp, key); err != nil {
		httpResp.Body.Close()
		return nil, "", err
	}
	return httpResp.Body, key, nil
}

func (c *Client) transportError(err error) error {
	if ctxErr := contextCause(err); ctxErr != nil {
		return ctxErr
	}
	return types.NewError(types.ErrProviderRateLimited, "%s unreachable: %v", c.name, err)
}

// statusError classifies non-2xx responses. Rate limits and transient
// upstream failures are retryable so the router can fall back; auth and
// other client errors are not.
func (c *Client) statusError(resp *http.Response, key string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.pool.Park(key, rateLimitCooldown)
		log.WithProvider(c.name).Warn().Msg("rate limited, parking key")
		return types.NewError(types.ErrProviderRateLimited, "%s rate limited: %s", c.name, msg)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return types.NewError(types.ErrProviderAuth, "%s auth failed (%d)", c.name, resp.StatusCode)
	case resp.StatusCode >= 500:
		// Treated as "429 or equivalent": transient, worth a fallback.
		return types.NewError(types.ErrProviderRateLimited, "%s upstream error (%d): %s", c.name, resp.StatusCode, msg)
	default:
		return types.NewError(types.ErrProviderFatal, "%s request rejected (%d): %s", c.name, resp.StatusCode, msg)
	}
}

func contextCause(err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return context.DeadlineExceeded
	}
	return nil
}
