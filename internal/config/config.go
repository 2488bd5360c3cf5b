package config

import (
	"fmt"
	"strings"
	"time"
)

// Secret store coordinates.
const (
	secretService     = "genreview"
	openRouterAccount = "openrouter_api_key"
	apiTokenAccount   = "api_token"
	redisAccount      = "redis_password"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Log         LogConfig
	Provider    ProviderConfig
	OpenRouter  OpenRouterConfig
	Ollama      OllamaConfig
	Cache       CacheConfig
	Jobs        JobsConfig
	Review      ReviewConfig
	Stats       StatsConfig
	Maintenance MaintenanceConfig
	Redis       RedisConfig
}

type ServerConfig struct {
	Port int
	// MaxConns caps concurrently accepted HTTP connections.
	MaxConns int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type ProviderConfig struct {
	Default string
}

type OpenRouterConfig struct {
	APIKey      string
	BaseURL     string
	TextModel   string
	VisionModel string
}

type OllamaConfig struct {
	Enabled bool
	BaseURL string
	Model   string
}

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
	FlightWait time.Duration
}

type JobsConfig struct {
	Workers          int
	MaxAttempts      int
	InitialBackoff   time.Duration
	RateLimitBackoff time.Duration
	CallTimeout      time.Duration
	DispatchRPS      float64
}

type ReviewConfig struct {
	// EditPolicy is "approve" or "hold".
	EditPolicy string
}

type StatsConfig struct {
	StuckThreshold time.Duration
}

type MaintenanceConfig struct {
	ExpireSchedule   string
	EvictSchedule    string
	SnapshotSchedule string
}

// RedisConfig locates the metrics store. An empty Addr disables snapshots.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func defaults() Config {
	return Config{
		Server:   ServerConfig{Port: 4100, MaxConns: 64},
		Storage:  StorageConfig{DataDir: defaultDataDir()},
		Log:      LogConfig{Level: "info"},
		Provider: ProviderConfig{Default: "openrouter"},
		OpenRouter: OpenRouterConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			TextModel:   "openai/gpt-4o-mini",
			VisionModel: "openai/gpt-4o",
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2-vision",
		},
		Cache: CacheConfig{
			TTL:        7 * 24 * time.Hour,
			MaxEntries: 10000,
			FlightWait: 45 * time.Second,
		},
		Jobs: JobsConfig{
			Workers:          5,
			MaxAttempts:      3,
			InitialBackoff:   2 * time.Second,
			RateLimitBackoff: 30 * time.Second,
			CallTimeout:      30 * time.Second,
		},
		Review: ReviewConfig{EditPolicy: "approve"},
		Stats:  StatsConfig{StuckThreshold: time.Hour},
		Maintenance: MaintenanceConfig{
			ExpireSchedule:   "*/15 * * * *",
			EvictSchedule:    "@hourly",
			SnapshotSchedule: "*/5 * * * *",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.genreview.app) and
// secrets fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/genreview/config.json
// and secrets come from the environment or a 0600 secrets file.
//
// Environment variables (GENREVIEW_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewKeychain())
}

func loadWith(b ConfigBackend, kc Keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.OpenRouter.APIKey == "" {
		if key, err := kc.Get(secretService, openRouterAccount); err == nil && key != "" {
			cfg.OpenRouter.APIKey = key
		}
	}
	if cfg.Redis.Password == "" && cfg.Redis.Addr != "" {
		if pw, err := kc.Get(secretService, redisAccount); err == nil {
			cfg.Redis.Password = pw
		}
	}

	cfg.Provider.Default = strings.ToLower(strings.TrimSpace(cfg.Provider.Default))
	return cfg, nil
}

// RequireProviderKey reports a clear error when the default provider needs
// an API key that is not configured. Only the server needs it.
func (c Config) RequireProviderKey() error {
	if c.Provider.Default != "openrouter" || c.OpenRouter.APIKey != "" {
		return nil
	}
	return fmt.Errorf("missing required config: OpenRouter API key. "+
		"Set it via environment variable GENREVIEW_OPENROUTER_API_KEY%s", apiKeyHint())
}
