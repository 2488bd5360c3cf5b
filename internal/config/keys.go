package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	// account names the secret store entry of a secret key.
	account string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "GENREVIEW_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "GENREVIEW_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "storage.data_dir", typ: kString, env: "GENREVIEW_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "GENREVIEW_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "provider.default", typ: kString, env: "GENREVIEW_PROVIDER_DEFAULT",
		apply:   func(cfg *Config, v any) { cfg.Provider.Default = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Default },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "GENREVIEW_OPENROUTER_API_KEY",
		secret: true, account: openRouterAccount,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "openrouter.base_url", typ: kString, env: "GENREVIEW_OPENROUTER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.BaseURL },
	},
	{
		key: "openrouter.text_model", typ: kString, env: "GENREVIEW_OPENROUTER_TEXT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.TextModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.TextModel },
	},
	{
		key: "openrouter.vision_model", typ: kString, env: "GENREVIEW_OPENROUTER_VISION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.VisionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.VisionModel },
	},
	{
		key: "ollama.enabled", typ: kBool, env: "GENREVIEW_OLLAMA_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Ollama.Enabled },
	},
	{
		key: "ollama.base_url", typ: kString, env: "GENREVIEW_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.model", typ: kString, env: "GENREVIEW_OLLAMA_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.Model },
	},
	{
		key: "cache.ttl", typ: kDuration, env: "GENREVIEW_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Cache.TTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.TTL },
	},
	{
		key: "cache.max_entries", typ: kInt, env: "GENREVIEW_CACHE_MAX_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.Cache.MaxEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MaxEntries },
	},
	{
		key: "cache.flight_wait", typ: kDuration, env: "GENREVIEW_CACHE_FLIGHT_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Cache.FlightWait = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Cache.FlightWait },
	},
	{
		key: "jobs.workers", typ: kInt, env: "GENREVIEW_JOBS_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.Workers },
	},
	{
		key: "jobs.max_attempts", typ: kInt, env: "GENREVIEW_JOBS_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.MaxAttempts },
	},
	{
		key: "jobs.initial_backoff", typ: kDuration, env: "GENREVIEW_JOBS_INITIAL_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Jobs.InitialBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.InitialBackoff },
	},
	{
		key: "jobs.rate_limit_backoff", typ: kDuration, env: "GENREVIEW_JOBS_RATE_LIMIT_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Jobs.RateLimitBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.RateLimitBackoff },
	},
	{
		key: "jobs.call_timeout", typ: kDuration, env: "GENREVIEW_JOBS_CALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Jobs.CallTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Jobs.CallTimeout },
	},
	{
		key: "jobs.dispatch_rps", typ: kFloat, env: "GENREVIEW_JOBS_DISPATCH_RPS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.DispatchRPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Jobs.DispatchRPS },
	},
	{
		key: "review.edit_policy", typ: kString, env: "GENREVIEW_REVIEW_EDIT_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Review.EditPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Review.EditPolicy },
	},
	{
		key: "stats.stuck_threshold", typ: kDuration, env: "GENREVIEW_STATS_STUCK_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Stats.StuckThreshold = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Stats.StuckThreshold },
	},
	{
		key: "maintenance.expire_schedule", typ: kString, env: "GENREVIEW_MAINTENANCE_EXPIRE_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.ExpireSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Maintenance.ExpireSchedule },
	},
	{
		key: "maintenance.evict_schedule", typ: kString, env: "GENREVIEW_MAINTENANCE_EVICT_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.EvictSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Maintenance.EvictSchedule },
	},
	{
		key: "maintenance.snapshot_schedule", typ: kString, env: "GENREVIEW_MAINTENANCE_SNAPSHOT_SCHEDULE",
		apply:   func(cfg *Config, v any) { cfg.Maintenance.SnapshotSchedule = v.(string) },
		extract: func(cfg Config) any { return cfg.Maintenance.SnapshotSchedule },
	},
	{
		key: "redis.addr", typ: kString, env: "GENREVIEW_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Redis.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Addr },
	},
	{
		key: "redis.password", typ: kString, env: "GENREVIEW_REDIS_PASSWORD",
		secret: true, account: redisAccount,
		apply:   func(cfg *Config, v any) { cfg.Redis.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Password },
	},
	{
		key: "redis.db", typ: kInt, env: "GENREVIEW_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Redis.DB = v.(int) },
		extract: func(cfg Config) any { return cfg.Redis.DB },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts a raw string into the Go type of typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err == nil && d < 0 {
			err = fmt.Errorf("negative duration %s", raw)
		}
		return d, err
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || raw == "" {
				continue
			}
			v, err := parseValue(s.typ, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
