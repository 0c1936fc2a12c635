package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "ORCHMEM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.db_path", typ: kString, env: "ORCHMEM_DB_PATH",
		apply:   func(cfg *Config, v any) { cfg.Storage.DBPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DBPath },
	},
	{
		key: "storage.retention_days", typ: kInt, env: "ORCHMEM_RETENTION_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Storage.RetentionDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Storage.RetentionDays },
	},
	{
		key: "memory.enabled", typ: kBool, env: "ORCHMEM_ENABLE_MEMORY",
		apply:   func(cfg *Config, v any) { cfg.Memory.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Memory.Enabled },
	},
	{
		key: "vector.backend", typ: kString, env: "ORCHMEM_VECTOR_STORE",
		apply:   func(cfg *Config, v any) { cfg.Vector.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Backend },
	},
	{
		key: "vector.embedder", typ: kString, env: "ORCHMEM_EMBEDDER",
		apply:   func(cfg *Config, v any) { cfg.Vector.Embedder = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.Embedder },
	},
	{
		key: "vector.embed_model", typ: kString, env: "ORCHMEM_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Vector.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.EmbedModel },
	},
	{
		key: "vector.ollama_base_url", typ: kString, env: "ORCHMEM_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Vector.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.OllamaBaseURL },
	},
	{
		key: "vector.openai_api_key", typ: kString, env: "ORCHMEM_OPENAI_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Vector.OpenAIAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.OpenAIAPIKey },
	},
	{
		key: "vector.qdrant_url", typ: kString, env: "ORCHMEM_QDRANT_URL",
		apply:   func(cfg *Config, v any) { cfg.Vector.QdrantURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.QdrantURL },
	},
	{
		key: "vector.qdrant_api_key", typ: kString, env: "ORCHMEM_QDRANT_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.Vector.QdrantAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.QdrantAPIKey },
	},
	{
		key: "vector.qdrant_collection", typ: kString, env: "ORCHMEM_QDRANT_COLLECTION",
		apply:   func(cfg *Config, v any) { cfg.Vector.QdrantCollection = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.QdrantCollection },
	},
	{
		key: "vector.dims", typ: kInt, env: "ORCHMEM_VECTOR_DIMS",
		apply:   func(cfg *Config, v any) { cfg.Vector.Dims = v.(int) },
		extract: func(cfg Config) any { return cfg.Vector.Dims },
	},
	{
		key: "vector.breaker_failures", typ: kInt, env: "ORCHMEM_BREAKER_FAILURES",
		apply:   func(cfg *Config, v any) { cfg.Vector.BreakerFailures = v.(int) },
		extract: func(cfg Config) any { return cfg.Vector.BreakerFailures },
	},
	{
		key: "vector.breaker_cooldown", typ: kString, env: "ORCHMEM_BREAKER_COOLDOWN",
		apply:   func(cfg *Config, v any) { cfg.Vector.BreakerCooldown = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.BreakerCooldown },
	},
	{
		key: "vector.call_timeout", typ: kString, env: "ORCHMEM_VECTOR_CALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Vector.CallTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.CallTimeout },
	},
	{
		key: "vector.search_timeout", typ: kString, env: "ORCHMEM_SEARCH_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Vector.SearchTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Vector.SearchTimeout },
	},
	{
		key: "context.token_budget", typ: kInt, env: "ORCHMEM_CONTEXT_TOKEN_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Context.TokenBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.TokenBudget },
	},
	{
		key: "context.safety_fraction", typ: kFloat, env: "ORCHMEM_CONTEXT_SAFETY_FRACTION",
		apply:   func(cfg *Config, v any) { cfg.Context.SafetyFraction = v.(float64) },
		extract: func(cfg Config) any { return cfg.Context.SafetyFraction },
	},
	{
		key: "context.index_cap", typ: kInt, env: "ORCHMEM_CONTEXT_INDEX_CAP",
		apply:   func(cfg *Config, v any) { cfg.Context.IndexCap = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.IndexCap },
	},
	{
		key: "context.cache_size", typ: kInt, env: "ORCHMEM_CONTEXT_CACHE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Context.CacheSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Context.CacheSize },
	},
	{
		key: "context.cache_ttl", typ: kString, env: "ORCHMEM_CONTEXT_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Context.CacheTTL = v.(string) },
		extract: func(cfg Config) any { return cfg.Context.CacheTTL },
	},
	{
		key: "ai.enabled", typ: kBool, env: "ORCHMEM_ENABLE_AI",
		apply:   func(cfg *Config, v any) { cfg.AI.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.AI.Enabled },
	},
	{
		key: "ai.provider", typ: kString, env: "ORCHMEM_AI_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.AI.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.Provider },
	},
	{
		key: "ai.model", typ: kString, env: "ORCHMEM_AI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.AI.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.Model },
	},
	{
		key: "ai.anthropic_api_key", typ: kString, env: "ORCHMEM_ANTHROPIC_API_KEY",
		secret: true,
		apply:   func(cfg *Config, v any) { cfg.AI.AnthropicAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.AnthropicAPIKey },
	},
	{
		key: "ai.timeout", typ: kString, env: "ORCHMEM_AI_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.AI.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.AI.Timeout },
	},
	{
		key: "usage.enabled", typ: kBool, env: "ORCHMEM_ENABLE_COST_TRACKING",
		apply:   func(cfg *Config, v any) { cfg.Usage.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Usage.Enabled },
	},
	{
		key: "usage.daily_budget", typ: kFloat, env: "ORCHMEM_DAILY_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Usage.DailyBudget = v.(float64) },
		extract: func(cfg Config) any { return cfg.Usage.DailyBudget },
	},
	{
		key: "usage.monthly_budget", typ: kFloat, env: "ORCHMEM_MONTHLY_BUDGET",
		apply:   func(cfg *Config, v any) { cfg.Usage.MonthlyBudget = v.(float64) },
		extract: func(cfg Config) any { return cfg.Usage.MonthlyBudget },
	},
	{
		key: "recommend.enabled", typ: kBool, env: "ORCHMEM_ENABLE_PATTERN_RECOMMENDATION",
		apply:   func(cfg *Config, v any) { cfg.Recommend.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Recommend.Enabled },
	},
	{
		key: "recommend.prior_rate", typ: kFloat, env: "ORCHMEM_RECOMMEND_PRIOR_RATE",
		apply:   func(cfg *Config, v any) { cfg.Recommend.PriorRate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Recommend.PriorRate },
	},
	{
		key: "recommend.prior_weight", typ: kFloat, env: "ORCHMEM_RECOMMEND_PRIOR_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Recommend.PriorWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Recommend.PriorWeight },
	},
	{
		key: "log.level", typ: kString, env: "ORCHMEM_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "telemetry.otlp_endpoint", typ: kString, env: "ORCHMEM_OTLP_ENDPOINT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.OTLPEndpoint = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.OTLPEndpoint },
	},
	{
		key: "telemetry.insecure", typ: kBool, env: "ORCHMEM_OTLP_INSECURE",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Insecure = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.Insecure },
	},
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
		case kBool:
			v, ok, err := b.GetBool(s.key)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] config key %s: %v. Using default value.\n", s.key, err)
				continue
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetFloat(s.key)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] config key %s: %v. Using default value.\n", s.key, err)
				continue
			}
			if ok {
				s.apply(cfg, v)
			}
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
