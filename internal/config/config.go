package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Memory    MemoryConfig
	Vector    VectorConfig
	Context   ContextConfig
	AI        AIConfig
	Usage     UsageConfig
	Recommend RecommendConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DBPath        string
	RetentionDays int
}

type MemoryConfig struct {
	Enabled bool
}

// VectorConfig selects the similarity backend and its embedding provider.
// Backend is one of "sqlite", "chromem", "qdrant" or "disabled".
type VectorConfig struct {
	Backend          string
	Embedder         string // "ollama", "openai" or "hash"
	EmbedModel       string
	OllamaBaseURL    string
	OpenAIAPIKey     string
	QdrantURL        string
	QdrantAPIKey     string
	QdrantCollection string
	Dims             int
	BreakerFailures  int
	BreakerCooldown  string
	CallTimeout      string
	SearchTimeout    string
}

type ContextConfig struct {
	TokenBudget    int
	SafetyFraction float64
	IndexCap       int
	CacheSize      int
	CacheTTL       string
}

type AIConfig struct {
	Enabled         bool
	Provider        string // "anthropic" or "ollama"
	Model           string
	AnthropicAPIKey string
	Timeout         string
}

type UsageConfig struct {
	Enabled       bool
	DailyBudget   float64
	MonthlyBudget float64
}

type RecommendConfig struct {
	Enabled     bool
	PriorRate   float64
	PriorWeight float64
}

type LogConfig struct {
	Level string
}

type TelemetryConfig struct {
	OTLPEndpoint string
	Insecure     bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DBPath:        defaultDataDir(),
			RetentionDays: 90,
		},
		Memory: MemoryConfig{
			Enabled: true,
		},
		Vector: VectorConfig{
			Backend:          "sqlite",
			Embedder:         "ollama",
			EmbedModel:       "nomic-embed-text",
			OllamaBaseURL:    "http://localhost:11434",
			QdrantURL:        "http://localhost:6333",
			QdrantCollection: "orchestrations",
			Dims:             768,
			BreakerFailures:  3,
			BreakerCooldown:  "30s",
			CallTimeout:      "5s",
			SearchTimeout:    "2s",
		},
		Context: ContextConfig{
			TokenBudget:    2000,
			SafetyFraction: 0.2,
			IndexCap:       20,
			CacheSize:      100,
			CacheTTL:       "5m",
		},
		AI: AIConfig{
			Enabled:  false,
			Provider: "anthropic",
			Model:    "claude-3-5-sonnet-latest",
			Timeout:  "10s",
		},
		Usage: UsageConfig{
			Enabled:       true,
			DailyBudget:   10,
			MonthlyBudget: 200,
		},
		Recommend: RecommendConfig{
			Enabled:     true,
			PriorRate:   0.5,
			PriorWeight: 2,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Defaults returns the built-in configuration without consulting any backend.
func Defaults() Config {
	return defaults()
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.orchmem.app) and secrets
// fall back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/orchmem/config.json
// and secrets fall back to a secrets.json file in the data directory.
//
// Environment variables (ORCHMEM_*) override backend values on all platforms.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts Keychain access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecretFallbacks(&cfg, kc)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applySecretFallbacks fills empty secrets from the platform secret store.
func applySecretFallbacks(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret {
			continue
		}
		if v, _ := s.extract(*cfg).(string); v != "" {
			continue
		}
		account := strings.ReplaceAll(s.key, ".", "_")
		if key, err := kc.Get(secretService, account); err == nil && key != "" {
			s.apply(cfg, key)
		}
	}
}

const secretService = "orchmem"

// Validate checks every option once so components can trust their inputs.
func (c Config) Validate() error {
	var errs []error

	switch c.Vector.Backend {
	case "sqlite", "chromem", "qdrant", "disabled":
	default:
		errs = append(errs, fmt.Errorf("vector.backend: unknown backend %q", c.Vector.Backend))
	}
	switch c.Vector.Embedder {
	case "ollama", "openai", "hash":
	default:
		errs = append(errs, fmt.Errorf("vector.embedder: unknown provider %q", c.Vector.Embedder))
	}
	if c.Vector.Backend == "qdrant" && c.Vector.Dims <= 0 {
		errs = append(errs, errors.New("vector.dims must be positive for the qdrant backend"))
	}
	if c.Vector.BreakerFailures <= 0 {
		errs = append(errs, errors.New("vector.breaker_failures must be positive"))
	}
	for key, d := range map[string]string{
		"vector.breaker_cooldown": c.Vector.BreakerCooldown,
		"vector.call_timeout":     c.Vector.CallTimeout,
		"vector.search_timeout":   c.Vector.SearchTimeout,
		"context.cache_ttl":       c.Context.CacheTTL,
		"ai.timeout":              c.AI.Timeout,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}

	if c.Context.TokenBudget <= 0 {
		errs = append(errs, errors.New("context.token_budget must be positive"))
	}
	if c.Context.SafetyFraction < 0 || c.Context.SafetyFraction >= 1 {
		errs = append(errs, fmt.Errorf("context.safety_fraction must be in [0,1), got %v", c.Context.SafetyFraction))
	}
	if c.Context.CacheSize <= 0 {
		errs = append(errs, errors.New("context.cache_size must be positive"))
	}

	if c.AI.Enabled {
		switch c.AI.Provider {
		case "anthropic":
			if c.AI.AnthropicAPIKey == "" {
				errs = append(errs, errors.New("missing required config: Anthropic API key. "+
					"Set it via environment variable ORCHMEM_ANTHROPIC_API_KEY"+apiKeyHint()))
			}
		case "ollama":
		default:
			errs = append(errs, fmt.Errorf("ai.provider: unknown provider %q", c.AI.Provider))
		}
	}
	if c.Vector.Embedder == "openai" && c.Vector.Backend != "disabled" && c.Vector.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("missing required config: OpenAI API key. "+
			"Set it via environment variable ORCHMEM_OPENAI_API_KEY"))
	}

	if c.Usage.DailyBudget < 0 || c.Usage.MonthlyBudget < 0 {
		errs = append(errs, errors.New("usage budgets must not be negative"))
	}
	if c.Recommend.PriorRate < 0 || c.Recommend.PriorRate > 1 {
		errs = append(errs, fmt.Errorf("recommend.prior_rate must be in [0,1], got %v", c.Recommend.PriorRate))
	}
	if c.Recommend.PriorWeight < 0 {
		errs = append(errs, errors.New("recommend.prior_weight must not be negative"))
	}
	if c.Storage.RetentionDays < 0 {
		errs = append(errs, errors.New("storage.retention_days must not be negative"))
	}

	return errors.Join(errs...)
}

// Duration parses a duration option that Validate already accepted.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
