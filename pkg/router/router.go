package router

import (
	"context"
	"sort"

	"github.com/moonbridge/moonbridge/pkg/log"
	"github.com/moonbridge/moonbridge/pkg/metrics"
	"github.com/moonbridge/moonbridge/pkg/progress"
	"github.com/moonbridge/moonbridge/pkg/provider"
	"github.com/moonbridge/moonbridge/pkg/types"
)

// ModelAuto requests automatic model selection
const ModelAuto = "auto"

// Preference is one provider's ordered model preference list
type Preference struct {
	Provider string
	Models   []string
}

// Needs are the capabilities a call requires from its model
type Needs struct {
	Files     bool
	Images    bool
	Websearch bool
	Streaming bool
}

// Choice is a resolved (provider, model) pair
type Choice struct {
	Provider provider.Provider
	Model    string
}

// Router picks the provider and model for a call from the requested model,
// the configured preference lists, and provider capabilities. Selection is
// deterministic for identical inputs and configuration.
type Router struct {
	registry *provider.Registry
	prefs    []Preference
}

// New creates a router over the registry with the given preference lists
func New(registry *provider.Registry, prefs []Preference) *Router {
	return &Router{registry: registry, prefs: prefs}
}

// Candidates computes the ordered candidate list for a requested model.
// A concrete model that resolves to exactly one provider short-circuits;
// "auto" (or empty) walks the preference lists, filters by capability, and
// tie-breaks by cost tier.
func (r *Router) Candidates(requested string, needs Needs) ([]Choice, error) {
	if requested != "" && requested != ModelAuto {
		p, ok := r.registry.ResolveModel(requested)
		if !ok {
			return nil, types.NewError(types.ErrInvalidRequest, "unknown model %q", requested)
		}
		return []Choice{{Provider: p, Model: requested}}, nil
	}

	var out []Choice
	for _, pref := range r.prefs {
		p, ok := r.registry.Get(pref.Provider)
		if !ok {
			continue
		}
		caps := p.Capabilities()
		if !meets(caps.Supports, needs) {
			continue
		}
		models := pref.Models
		if len(models) == 0 {
			models = caps.Models
		}
		for _, model := range models {
			out = append(out, Choice{Provider: p, Model: model})
		}
	}
	if len(out) == 0 {
		return nil, types.NewError(types.ErrProviderFatal, "no candidate models satisfy the request")
	}

	// Cheaper tiers first; stable sort keeps configured order within a tier.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Provider.Capabilities().CostTier < out[j].Provider.Capabilities().CostTier
	})
	return out, nil
}

// Generate runs a unary generation call, attempting candidates in order.
// A retryable provider error demotes that provider for this call only and
// the next candidate is tried; non-retryable errors propagate immediately.
func (r *Router) Generate(ctx context.Context, req *provider.Request, needs Needs, sink progress.Sink) (*provider.Response, Choice, error) {
	return r.GenerateWith(ctx, req, needs, sink, nil)
}

// GenerateWith is Generate with a per-candidate prepare hook, letting the
// caller adjust the request for the provider about to be tried (for example
// substituting that provider's external file ids). A prepare error skips the
// candidate without counting as a provider failure.
func (r *Router) GenerateWith(ctx context.Context, req *provider.Request, needs Needs, sink progress.Sink, prepare func(Choice, *provider.Request) error) (*provider.Response, Choice, error) {
	candidates, err := r.Candidates(req.Model, needs)
	if err != nil {
		return nil, Choice{}, err
	}

	logger := log.WithComponent("router")
	var lastErr error
	for i, choice := range candidates {
		attempt := *req
		attempt.Model = choice.Model
		if prepare != nil {
			if err := prepare(choice, &attempt); err != nil {
				lastErr = err
				continue
			}
		}

		resp, err := choice.Provider.GenerateContent(ctx, &attempt)
		if err == nil {
			resp.Usage.Provider = choice.Provider.Name()
			resp.Usage.Model = choice.Model
			return resp, choice, nil
		}

		metrics.ProviderErrors.WithLabelValues(choice.Provider.Name(), string(types.KindOf(err))).Inc()
		if ctx.Err() != nil {
			return nil, Choice{}, err
		}
		if !provider.Retryable(err) {
			return nil, Choice{}, err
		}

		lastErr = err
		if i+1 < len(candidates) {
			next := candidates[i+1]
			metrics.RouterFallbacks.WithLabelValues(choice.Provider.Name(), next.Provider.Name()).Inc()
			logger.Warn().Err(err).
				Str("from", choice.Provider.Name()).
				Str("to", next.Provider.Name()).
				Msg("provider failed, falling back")
			if sink != nil {
				sink.Emit("warn", "provider "+choice.Provider.Name()+" unavailable, falling back to "+next.Provider.Name(), nil)
			}
		}
	}
	return nil, Choice{}, lastErr
}

func meets(s types.Support, n Needs) bool {
	if n.Files && !s.Files {
		return false
	}
	if n.Images && !s.Images {
		return false
	}
	if n.Websearch && !s.Websearch {
		return false
	}
	if n.Streaming && !s.Streaming {
		return false
	}
	return true
}
