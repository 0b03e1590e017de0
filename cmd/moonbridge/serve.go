package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/moonbridge/moonbridge/pkg/auth"
	"github.com/moonbridge/moonbridge/pkg/config"
	"github.com/moonbridge/moonbridge/pkg/conversation"
	"github.com/moonbridge/moonbridge/pkg/daemon"
	"github.com/moonbridge/moonbridge/pkg/dispatch"
	"github.com/moonbridge/moonbridge/pkg/flow"
	"github.com/moonbridge/moonbridge/pkg/log"
	"github.com/moonbridge/moonbridge/pkg/metrics"
	"github.com/moonbridge/moonbridge/pkg/provider"
	"github.com/moonbridge/moonbridge/pkg/router"
	"github.com/moonbridge/moonbridge/pkg/session"
	"github.com/moonbridge/moonbridge/pkg/storage"
	"github.com/moonbridge/moonbridge/pkg/tools"
	"github.com/moonbridge/moonbridge/pkg/types"
	"github.com/moonbridge/moonbridge/pkg/watchdog"
)

// Default model lists used when a provider's PREFERRED_MODELS is unset
var (
	defaultKimiModels = []string{"kimi-k2-0711-preview", "kimi-latest"}
	defaultGLMModels  = []string{"glm-4.5", "glm-4.5-air"}
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the moonbridge daemon",
	Long: `Start the WebSocket daemon. Configuration comes from the environment
(see the project README for the variable list), optionally overlaid with a
YAML config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configFile, _ := cmd.Flags().GetString("config")
		grace, _ := cmd.Flags().GetDuration("shutdown-grace")
		return runServe(configFile, grace)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "YAML config file overlaying the environment")
	serveCmd.Flags().Duration("shutdown-grace", 10*time.Second, "How long to wait for inflight calls on shutdown")
}

func runServe(configFile string, grace time.Duration) error {
	cfg := config.FromEnv()
	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			return err
		}
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON, Output: os.Stderr})
	logger := log.WithComponent("main")

	metrics.Register()
	metrics.SetVersion(Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage opens with degradation: Postgres, then bbolt, then memory;
	// Redis falls back to an in-process cache.
	store, cache, durable, shared := storage.Open(ctx, storage.Options{
		DatabaseURL: cfg.DatabaseURL,
		RedisURL:    cfg.RedisURL,
		DataDir:     cfg.DataDir,
	})
	defer store.Close()
	defer cache.Close()

	metrics.RegisterComponent("repository", true, false, storageMode(durable))
	metrics.RegisterComponent("cache", true, false, cacheMode(shared))
	metrics.RegisterComponent("listener", false, true, "not started")

	bootToken, err := loadBootToken(cfg)
	if err != nil {
		return err
	}
	tokens := auth.NewTokenManager(bootToken, cfg.TokenGrace)
	tokens.SetAudit(func(event string, fields map[string]string) {
		logger.Info().Str("event", event).Interface("details", fields).Msg("auth audit")
	})

	providers := buildProviders(cfg)
	r := router.New(providers, buildPreferences(cfg))

	var dlq storage.DeadLetter
	if d, ok := store.(storage.DeadLetter); ok {
		dlq = d
	} else {
		dlq = storage.NewMemoryDeadLetter(1024)
	}
	convs := conversation.New(store, dlq, cfg.ConversationTTL)
	go convs.DrainLoop(ctx, 30*time.Second)

	deps := tools.Deps{
		Router:        r,
		Providers:     providers,
		Conversations: convs,
		Config:        cfg,
		Version:       Version,
		StartedAt:     time.Now(),
		StoreDurable:  durable,
		CacheShared:   shared,
	}
	registry := tools.NewRegistry(deps, cfg.ToolAllowList, cfg.ToolDenyList)
	tools.RegisterBuiltin(registry)
	validator, err := tools.NewValidator(registry.Descriptors())
	if err != nil {
		return fmt.Errorf("tool schema compilation failed: %w", err)
	}

	fc := flow.NewController(cfg.GlobalInflightMax, cfg.ProviderInflightMax, providers.Names(), cache)
	sessions := session.NewManager(cfg.SessionInflightMax, cfg.SessionIdleTTL, store)
	dispatcher := dispatch.New(cfg, registry, validator, fc, sessions, r, providers)

	d := daemon.New(cfg, tokens, dispatcher, sessions, registry, providers, Version)

	wd := watchdog.New(cfg, tokens, sessions, d.HealthSnapshot)
	go wd.Run(ctx)

	// Serve until a termination signal, then drain.
	errCh := make(chan error, 1)
	go func() { errCh <- d.Serve() }()

	// Give the listener a moment to bind before reporting healthy.
	go func() {
		time.Sleep(200 * time.Millisecond)
		if addr := d.Addr(); addr != "" {
			metrics.UpdateComponent("listener", true, "listening on "+addr)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("termination signal received")
		d.Shutdown(grace)
		cancel()
		return nil
	case err := <-errCh:
		cancel()
		return err
	}
}

// buildProviders constructs the OpenAI-compatible clients for every
// configured provider.
func buildProviders(cfg *config.Config) *provider.Registry {
	reg := provider.NewRegistry()
	for _, pc := range cfg.Providers() {
		reg.Register(provider.NewClient(clientOptions(pc)))
	}
	return reg
}

func clientOptions(pc config.ProviderConfig) provider.Options {
	models := pc.PreferredModels
	supports := types.Support{Files: true, Streaming: true}
	contextWindow := 128000

	switch pc.Name {
	case "KIMI":
		if len(models) == 0 {
			models = defaultKimiModels
		}
		contextWindow = 131072
	case "GLM":
		if len(models) == 0 {
			models = defaultGLMModels
		}
		supports.Websearch = true
	}

	return provider.Options{
		Name:          pc.Name,
		BaseURL:       pc.BaseURL,
		APIKeys:       pc.APIKeys,
		Models:        models,
		ContextWindow: contextWindow,
		Supports:      supports,
	}
}

func buildPreferences(cfg *config.Config) []router.Preference {
	var prefs []router.Preference
	for _, pc := range cfg.Providers() {
		models := pc.PreferredModels
		if len(models) == 0 {
			switch pc.Name {
			case "KIMI":
				models = defaultKimiModels
			case "GLM":
				models = defaultGLMModels
			}
		}
		prefs = append(prefs, router.Preference{Provider: pc.Name, Models: models})
	}
	return prefs
}

func storageMode(durable bool) string {
	if durable {
		return "durable"
	}
	return "memory (conversation state is lost on restart)"
}

func cacheMode(shared bool) string {
	if shared {
		return "redis"
	}
	return "in-process"
}
