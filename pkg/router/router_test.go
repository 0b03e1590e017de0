package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moonbridge/moonbridge/pkg/provider"
	"github.com/moonbridge/moonbridge/pkg/providertest"
	"github.com/moonbridge/moonbridge/pkg/types"
)

func twoProviderSetup() (*Router, *providertest.Scripted, *providertest.Scripted) {
	kimi := providertest.New("KIMI", "kimi-k2", "kimi-k1")
	glm := providertest.New("GLM", "glm-4-plus")

	reg := provider.NewRegistry()
	reg.Register(kimi)
	reg.Register(glm)

	r := New(reg, []Preference{
		{Provider: "KIMI", Models: []string{"kimi-k2", "kimi-k1"}},
		{Provider: "GLM", Models: []string{"glm-4-plus"}},
	})
	return r, kimi, glm
}

func TestCandidates_ConcreteModel(t *testing.T) {
	r, _, _ := twoProviderSetup()

	got, err := r.Candidates("glm-4-plus", Needs{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "GLM", got[0].Provider.Name())
	assert.Equal(t, "glm-4-plus", got[0].Model)
}

func TestCandidates_UnknownModel(t *testing.T) {
	r, _, _ := twoProviderSetup()

	_, err := r.Candidates("gpt-99", Needs{})
	assert.Equal(t, types.ErrInvalidRequest, types.KindOf(err))
}

func TestCandidates_AutoFollowsPreferenceOrder(t *testing.T) {
	r, _, _ := twoProviderSetup()

	got, err := r.Candidates(ModelAuto, Needs{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "kimi-k2", got[0].Model)
	assert.Equal(t, "kimi-k1", got[1].Model)
	assert.Equal(t, "glm-4-plus", got[2].Model)
}

func TestCandidates_FiltersByCapability(t *testing.T) {
	kimi := providertest.New("KIMI", "kimi-k2")
	glm := providertest.New("GLM", "glm-4-plus")
	glm.Caps.Supports.Websearch = true

	reg := provider.NewRegistry()
	reg.Register(kimi)
	reg.Register(glm)
	r := New(reg, []Preference{
		{Provider: "KIMI", Models: []string{"kimi-k2"}},
		{Provider: "GLM", Models: []string{"glm-4-plus"}},
	})

	got, err := r.Candidates(ModelAuto, Needs{Websearch: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "GLM", got[0].Provider.Name())
}

func TestCandidates_NoneMatch(t *testing.T) {
	kimi := providertest.New("KIMI", "kimi-k2")
	kimi.Caps.Supports = types.Support{}

	reg := provider.NewRegistry()
	reg.Register(kimi)
	r := New(reg, []Preference{{Provider: "KIMI", Models: []string{"kimi-k2"}}})

	_, err := r.Candidates(ModelAuto, Needs{Files: true})
	assert.Equal(t, types.ErrProviderFatal, types.KindOf(err))
}

func TestCandidates_CostTierTieBreak(t *testing.T) {
	kimi := providertest.New("KIMI", "kimi-k2")
	kimi.Caps.CostTier = 2
	glm := providertest.New("GLM", "glm-4-plus")
	glm.Caps.CostTier = 1

	reg := provider.NewRegistry()
	reg.Register(kimi)
	reg.Register(glm)
	r := New(reg, []Preference{
		{Provider: "KIMI", Models: []string{"kimi-k2"}},
		{Provider: "GLM", Models: []string{"glm-4-plus"}},
	})

	got, err := r.Candidates(ModelAuto, Needs{})
	require.NoError(t, err)
	assert.Equal(t, "GLM", got[0].Provider.Name())
	assert.Equal(t, "KIMI", got[1].Provider.Name())
}

func TestGenerate_Success(t *testing.T) {
	r, kimi, glm := twoProviderSetup()
	kimi.Enqueue(providertest.Step{Text: "from kimi"})

	resp, choice, err := r.Generate(context.Background(), &provider.Request{Model: ModelAuto, Prompt: "hi"}, Needs{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "from kimi", resp.Text)
	assert.Equal(t, "KIMI", choice.Provider.Name())
	assert.Equal(t, 0, glm.CallCount())
}

func TestGenerate_FallbackOnRetryable(t *testing.T) {
	r, kimi, glm := twoProviderSetup()
	kimi.Enqueue(
		providertest.Step{Err: types.NewError(types.ErrProviderRateLimited, "429")},
		providertest.Step{Err: types.NewError(types.ErrProviderRateLimited, "429")},
	)
	glm.Enqueue(providertest.Step{Text: "from glm"})

	resp, choice, err := r.Generate(context.Background(), &provider.Request{Model: ModelAuto, Prompt: "hi"}, Needs{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "from glm", resp.Text)
	assert.Equal(t, "GLM", choice.Provider.Name())
	assert.Equal(t, 2, kimi.CallCount()) // both kimi models attempted first
}

func TestGenerate_FatalStopsFallback(t *testing.T) {
	r, kimi, glm := twoProviderSetup()
	kimi.Enqueue(providertest.Step{Err: types.NewError(types.ErrProviderAuth, "bad key")})

	_, _, err := r.Generate(context.Background(), &provider.Request{Model: ModelAuto, Prompt: "hi"}, Needs{}, nil)
	assert.Equal(t, types.ErrProviderAuth, types.KindOf(err))
	assert.Equal(t, 0, glm.CallCount())
}

func TestGenerate_AllExhausted(t *testing.T) {
	r, kimi, glm := twoProviderSetup()
	rateLimited := providertest.Step{Err: types.NewError(types.ErrProviderRateLimited, "429")}
	kimi.Enqueue(rateLimited, rateLimited)
	glm.Enqueue(rateLimited)

	_, _, err := r.Generate(context.Background(), &provider.Request{Model: ModelAuto, Prompt: "hi"}, Needs{}, nil)
	assert.Equal(t, types.ErrProviderRateLimited, types.KindOf(err))
}

func TestGenerate_CancelledContextDoesNotFallBack(t *testing.T) {
	r, kimi, glm := twoProviderSetup()
	ctx, cancel := context.WithCancel(context.Background())
	kimi.Enqueue(providertest.Step{Err: types.NewError(types.ErrProviderRateLimited, "429")})
	cancel()

	_, _, err := r.Generate(ctx, &provider.Request{Model: "kimi-k2", Prompt: "hi"}, Needs{}, nil)
	assert.Error(t, err)
	assert.LessOrEqual(t, kimi.CallCount(), 1)
	assert.Equal(t, 0, glm.CallCount())
}
