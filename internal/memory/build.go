package memory

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/kalambet/orchmem/internal/config"
	"github.com/kalambet/orchmem/internal/observe"
	"github.com/kalambet/orchmem/internal/ollama"
	"github.com/kalambet/orchmem/internal/similarity"
	"github.com/kalambet/orchmem/internal/storage"
)

// Open builds a Service from cfg: it opens the store under cfg.Storage.DBPath
// and constructs the configured vector backend, embedder and categorizer.
// With memory disabled nothing is opened and the Service is inert.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Memory.Enabled {
		return New(ctx, cfg, Deps{Logger: logger})
	}

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	deps := Deps{Store: store, Logger: logger, closeStore: true}
	ollamaClient := ollama.New(cfg.Vector.OllamaBaseURL)

	if cfg.Vector.Backend != "disabled" {
		backend, err := newBackend(ctx, cfg, store, logger)
		if err != nil {
			store.Close()
			return nil, err
		}
		deps.Backend = backend
		deps.Embedder = newEmbedder(cfg, ollamaClient)
	}
	if cfg.AI.Enabled {
		deps.Categorizer = newCategorizer(cfg, ollamaClient)
	}

	svc, err := New(ctx, cfg, deps)
	if err != nil {
		store.Close()
		return nil, err
	}
	return svc, nil
}

func newBackend(ctx context.Context, cfg config.Config, store *storage.Store, logger *slog.Logger) (similarity.Backend, error) {
	switch cfg.Vector.Backend {
	case "chromem":
		dir := ""
		if cfg.Storage.DBPath != ":memory:" {
			dir = filepath.Join(cfg.Storage.DBPath, "chromem")
		}
		return similarity.NewChromemBackend(dir, cfg.Vector.QdrantCollection)
	case "qdrant":
		q, err := similarity.NewQdrantBackend(similarity.QdrantConfig{
			URL:        cfg.Vector.QdrantURL,
			APIKey:     cfg.Vector.QdrantAPIKey,
			Collection: cfg.Vector.QdrantCollection,
			Dims:       uint64(cfg.Vector.Dims),
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to qdrant: %w", err)
		}
		ensureCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := q.EnsureCollection(ensureCtx); err != nil {
			// Searches degrade through the breaker until Qdrant is reachable.
			logger.Warn("qdrant collection not ready", "collection", cfg.Vector.QdrantCollection, "error", err)
		}
		return q, nil
	default:
		return similarity.NewSQLiteBackend(store.DB()), nil
	}
}

func newEmbedder(cfg config.Config, client *ollama.Client) similarity.Embedder {
	switch cfg.Vector.Embedder {
	case "openai":
		return similarity.NewOpenAIEmbedder(cfg.Vector.OpenAIAPIKey, cfg.Vector.EmbedModel)
	case "hash":
		return similarity.NewHashEmbedder(cfg.Vector.Dims)
	default:
		return similarity.NewOllamaEmbedder(client, cfg.Vector.EmbedModel)
	}
}

func newCategorizer(cfg config.Config, client *ollama.Client) observe.Categorizer {
	if cfg.AI.Provider == "ollama" {
		return observe.NewOllamaCategorizer(client, cfg.AI.Model)
	}
	return observe.NewAnthropicCategorizer(cfg.AI.AnthropicAPIKey, cfg.AI.Model)
}
