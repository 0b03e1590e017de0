package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for values not supplied via environment
const (
	DefaultBindHost            = "127.0.0.1"
	DefaultBindPort            = 7877
	DefaultMaxFrameBytes       = 32 << 20 // 32 MiB
	DefaultGlobalInflightMax   = 24
	DefaultProviderInflightMax = 8
	DefaultSessionInflightMax  = 4
	DefaultToolTimeout         = 120 * time.Second
	DefaultDaemonMultiplier    = 1.5
	DefaultShimMultiplier      = 2.0
	DefaultConversationTTL     = 3 * time.Hour
	DefaultSessionIdleTTL      = 1 * time.Hour
	DefaultTokenGrace          = 30 * time.Second
	DefaultHealthInterval      = 5 * time.Second
	DefaultProgressBuffer      = 64
)

// ProviderConfig holds the settings for one upstream provider
type ProviderConfig struct {
	Name            string   `yaml:"name"`
	APIKeys         []string `yaml:"api_keys"`
	BaseURL         string   `yaml:"base_url"`
	PreferredModels []string `yaml:"preferred_models"`
}

// Enabled reports whether the provider has at least one API key configured
func (p ProviderConfig) Enabled() bool {
	return len(p.APIKeys) > 0
}

// Config is the typed view over the daemon's environment
type Config struct {
	BindHost string `yaml:"bind_host"`
	BindPort int    `yaml:"bind_port"`

	AuthToken     string        `yaml:"auth_token"`
	TokenFile     string        `yaml:"token_file"`
	TokenGrace    time.Duration `yaml:"token_grace"`
	MaxFrameBytes int64         `yaml:"max_frame_bytes"`

	GlobalInflightMax   int `yaml:"global_inflight_max"`
	ProviderInflightMax int `yaml:"provider_inflight_max"`
	SessionInflightMax  int `yaml:"session_inflight_max"`

	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	DaemonMultiplier float64       `yaml:"daemon_timeout_multiplier"`
	ShimMultiplier   float64       `yaml:"shim_timeout_multiplier"`

	ConversationTTL time.Duration `yaml:"conversation_ttl"`
	SessionIdleTTL  time.Duration `yaml:"session_idle_ttl"`

	Kimi ProviderConfig `yaml:"kimi"`
	GLM  ProviderConfig `yaml:"glm"`

	HealthFilePath string        `yaml:"health_file_path"`
	HealthInterval time.Duration `yaml:"health_interval"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	DataDir     string `yaml:"data_dir"`

	FeatureStreaming bool `yaml:"feature_streaming"`
	FeatureWebsearch bool `yaml:"feature_websearch"`

	ToolAllowList []string `yaml:"tool_allow_list"`
	ToolDenyList  []string `yaml:"tool_deny_list"`

	ProgressBuffer int `yaml:"progress_buffer"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// FromEnv builds a Config from the process environment, applying defaults
// for anything unset. It does not validate; call Validate before use.
func FromEnv() *Config {
	cfg := &Config{
		BindHost:            envStr("BIND_HOST", DefaultBindHost),
		BindPort:            envInt("BIND_PORT", DefaultBindPort),
		AuthToken:           os.Getenv("AUTH_TOKEN"),
		TokenFile:           os.Getenv("AUTH_TOKEN_FILE"),
		TokenGrace:          envSeconds("AUTH_TOKEN_GRACE_S", DefaultTokenGrace),
		MaxFrameBytes:       int64(envInt("MAX_FRAME_BYTES", DefaultMaxFrameBytes)),
		GlobalInflightMax:   envInt("GLOBAL_INFLIGHT_MAX", DefaultGlobalInflightMax),
		ProviderInflightMax: envInt("PROVIDER_INFLIGHT_MAX", DefaultProviderInflightMax),
		SessionInflightMax:  envInt("SESSION_INFLIGHT_MAX", DefaultSessionInflightMax),
		ToolTimeout:         envSeconds("TOOL_DEFAULT_TIMEOUT_S", DefaultToolTimeout),
		DaemonMultiplier:    envFloat("DAEMON_TIMEOUT_MULTIPLIER", DefaultDaemonMultiplier),
		ShimMultiplier:      envFloat("SHIM_TIMEOUT_MULTIPLIER", DefaultShimMultiplier),
		ConversationTTL:     envSeconds("CONVERSATION_TTL_S", DefaultConversationTTL),
		SessionIdleTTL:      envSeconds("SESSION_IDLE_TTL_S", DefaultSessionIdleTTL),
		Kimi: ProviderConfig{
			Name:            "KIMI",
			APIKeys:         splitList(os.Getenv("KIMI_API_KEY")),
			BaseURL:         envStr("KIMI_BASE_URL", "https://api.moonshot.ai/v1"),
			PreferredModels: splitList(os.Getenv("KIMI_PREFERRED_MODELS")),
		},
		GLM: ProviderConfig{
			Name:            "GLM",
			APIKeys:         splitList(os.Getenv("GLM_API_KEY")),
			BaseURL:         envStr("GLM_BASE_URL", "https://api.z.ai/api/paas/v4"),
			PreferredModels: splitList(os.Getenv("GLM_PREFERRED_MODELS")),
		},
		HealthFilePath:   envStr("HEALTH_FILE_PATH", ""),
		HealthInterval:   envSeconds("HEALTH_INTERVAL_S", DefaultHealthInterval),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		DataDir:          envStr("DATA_DIR", defaultDataDir()),
		FeatureStreaming: envBool("FEATURE_STREAMING", true),
		FeatureWebsearch: envBool("FEATURE_WEBSEARCH", false),
		ToolAllowList:    splitList(os.Getenv("TOOL_ALLOW_LIST")),
		ToolDenyList:     splitList(os.Getenv("TOOL_DENY_LIST")),
		ProgressBuffer:   envInt("PROGRESS_BUFFER", DefaultProgressBuffer),
		LogLevel:         envStr("LOG_LEVEL", "info"),
		LogJSON:          envBool("LOG_JSON", false),
	}
	return cfg
}

// LoadFile overlays settings from a YAML config file onto cfg. Values present
// in the file win over environment values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// Validate fails fast on configurations that cannot work: missing auth,
// non-positive caps, or an inverted timeout hierarchy.
func (c *Config) Validate() error {
	if c.AuthToken == "" && c.TokenFile == "" {
		return fmt.Errorf("AUTH_TOKEN or AUTH_TOKEN_FILE must be set")
	}
	if c.BindPort < 1 || c.BindPort > 65535 {
		return fmt.Errorf("invalid BIND_PORT %d", c.BindPort)
	}
	if c.MaxFrameBytes < 1024 {
		return fmt.Errorf("MAX_FRAME_BYTES %d too small (min 1024)", c.MaxFrameBytes)
	}
	if c.GlobalInflightMax < 1 || c.ProviderInflightMax < 1 || c.SessionInflightMax < 1 {
		return fmt.Errorf("inflight caps must be >= 1 (global=%d provider=%d session=%d)",
			c.GlobalInflightMax, c.ProviderInflightMax, c.SessionInflightMax)
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("TOOL_DEFAULT_TIMEOUT_S must be positive")
	}
	// The daemon wrapper must outlive the tool, and the shim must outlive
	// the daemon; anything else inverts the timeout hierarchy.
	if c.DaemonMultiplier <= 1.0 {
		return fmt.Errorf("DAEMON_TIMEOUT_MULTIPLIER %.2f must be > 1.0", c.DaemonMultiplier)
	}
	if c.ShimMultiplier <= c.DaemonMultiplier {
		return fmt.Errorf("SHIM_TIMEOUT_MULTIPLIER %.2f must exceed DAEMON_TIMEOUT_MULTIPLIER %.2f",
			c.ShimMultiplier, c.DaemonMultiplier)
	}
	if !c.Kimi.Enabled() && !c.GLM.Enabled() {
		return fmt.Errorf("at least one provider API key must be configured")
	}
	return nil
}

// BindAddr returns the host:port listener address
func (c *Config) BindAddr() string {
	return fmt.Sprintf("%s:%d", c.BindHost, c.BindPort)
}

// DaemonTimeout returns the daemon-level wrapper deadline for a tool deadline
func (c *Config) DaemonTimeout(tool time.Duration) time.Duration {
	return time.Duration(float64(tool) * c.DaemonMultiplier)
}

// Providers returns the configured providers that have keys, KIMI first
func (c *Config) Providers() []ProviderConfig {
	var out []ProviderConfig
	if c.Kimi.Enabled() {
		out = append(out, c.Kimi)
	}
	if c.GLM.Enabled() {
		out = append(out, c.GLM)
	}
	return out
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".moonbridge"
	}
	return home + "/.moonbridge"
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return def
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
