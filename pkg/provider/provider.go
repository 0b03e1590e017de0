package provider

import (
	"context"

	"github.com/moonbridge/moonbridge/pkg/types"
)

// Turn is one prior conversation turn included in a request
type Turn struct {
	Role    types.Role
	Content string
}

// Request describes one generation call to an upstream provider
type Request struct {
	Model       string
	Prompt      string
	System      string
	History     []Turn
	Temperature *float64
	Files       []string // provider-external file ids
	Stream      bool
	Websearch   bool
}

// Chunk is one streamed partial response. The terminal chunk has Done set
// and carries the usage record.
type Chunk struct {
	Text  string
	Done  bool
	Usage *types.Usage
}

// Response is the final outcome of a generation call
type Response struct {
	Text  string
	Usage types.Usage
}

// FileMeta describes an upload
type FileMeta struct {
	Name        string
	ContentType string
}

// Provider abstracts an upstream AI service. Implementations must honor ctx
// cancellation, classify failures using the types error taxonomy
// (ProviderRateLimited, ProviderAuth, ProviderFatal), and never leak
// background work past return.
type Provider interface {
	Name() string
	Capabilities() types.ProviderCapability
	GenerateContent(ctx context.Context, req *Request) (*Response, error)
	StreamContent(ctx context.Context, req *Request) (<-chan Chunk, error)
	UploadFile(ctx context.Context, data []byte, meta FileMeta) (string, error)
}

// Retryable reports whether a provider error should demote the provider for
// this call and let the router try the next candidate
func Retryable(err error) bool {
	switch types.KindOf(err) {
	case types.ErrProviderRateLimited:
		return true
	case types.ErrProviderFatal:
		return false
	case types.ErrProviderAuth:
		return false
	}
	return false
}
