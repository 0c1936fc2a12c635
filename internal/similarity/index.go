package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kalambet/orchmem/internal/storage"
)

// maxEmbedBytes bounds the text sent to an embedding provider.
const maxEmbedBytes = 16000

// Options tunes an Index. Zero values take the defaults.
type Options struct {
	CallTimeout  time.Duration // per breaker call, default 5s
	AsyncTimeout time.Duration // whole background indexing attempt, default 30s
	Logger       *slog.Logger

	// OnIndexFailure is called after a background indexing attempt fails.
	OnIndexFailure func(id string, err error)
}

// Index is the similarity search service: it embeds text, stores vectors in a
// Backend and guards every call with a Breaker.
type Index struct {
	backend  Backend
	embedder Embedder
	breaker  *Breaker
	opts     Options
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewIndex builds an Index. A nil backend or embedder yields an index whose
// every call returns ErrUnavailable. A nil breaker gets the default settings.
func NewIndex(b Backend, e Embedder, br *Breaker, opts Options) *Index {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 5 * time.Second
	}
	if opts.AsyncTimeout <= 0 {
		opts.AsyncTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if br == nil {
		br = NewBreaker(BreakerSettings{Logger: opts.Logger})
	}
	return &Index{backend: b, embedder: e, breaker: br, opts: opts, logger: opts.Logger}
}

// Enabled reports whether a backend and embedder are configured.
func (x *Index) Enabled() bool {
	return x != nil && x.backend != nil && x.embedder != nil
}

var errNotConfigured = fmt.Errorf("%w: no similarity backend configured", ErrUnavailable)

// Index embeds text and upserts it as the vector for id.
func (x *Index) Index(ctx context.Context, id, text string, meta Meta) error {
	if !x.Enabled() {
		return errNotConfigured
	}
	text = truncateUTF8(text, maxEmbedBytes)
	return x.breaker.Do(ctx, x.opts.CallTimeout, func(ctx context.Context) error {
		vec, err := x.embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		return x.backend.Upsert(ctx, Vector{ID: id, Embedding: vec, Meta: meta})
	})
}

// IndexAsync indexes in the background and returns immediately. Failures are
// logged and reported to Options.OnIndexFailure.
func (x *Index) IndexAsync(id, text string, meta Meta) {
	if !x.Enabled() {
		return
	}
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), x.opts.AsyncTimeout)
		defer cancel()

		if err := x.Index(ctx, id, text, meta); err != nil {
			x.logger.Warn("background indexing failed", "record", id, "breaker", x.State(), "error", err)
			if x.opts.OnIndexFailure != nil {
				x.opts.OnIndexFailure(id, err)
			}
			return
		}
		x.logger.Debug("record indexed", "record", id)
	}()
}

// Search returns records whose embeddings are closest to the query text.
// All failures are reported as ErrUnavailable.
func (x *Index) Search(ctx context.Context, query string, f storage.Filters, limit int) ([]Hit, error) {
	if !x.Enabled() {
		return nil, errNotConfigured
	}
	var hits []Hit
	err := x.breaker.Do(ctx, x.opts.CallTimeout, func(ctx context.Context) error {
		vec, err := x.embedder.Embed(ctx, truncateUTF8(query, maxEmbedBytes))
		if err != nil {
			return err
		}
		hits, err = x.backend.Search(ctx, vec, f, limit)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hits, nil
}

// Delete removes the vectors for the given record ids.
func (x *Index) Delete(ctx context.Context, ids []string) error {
	if !x.Enabled() || len(ids) == 0 {
		return nil
	}
	return x.breaker.Do(ctx, x.opts.CallTimeout, func(ctx context.Context) error {
		return x.backend.Delete(ctx, ids)
	})
}

// Count returns the number of stored vectors.
func (x *Index) Count(ctx context.Context) (int, error) {
	if !x.Enabled() {
		return 0, errNotConfigured
	}
	var n int
	err := x.breaker.Do(ctx, x.opts.CallTimeout, func(ctx context.Context) error {
		var err error
		n, err = x.backend.Count(ctx)
		return err
	})
	return n, err
}

// reindexChunk is the number of records embedded per breaker call.
const reindexChunk = 16

// Reindex embeds and upserts every given record synchronously. It stops at
// the first failed chunk and returns how many records were indexed.
func (x *Index) Reindex(ctx context.Context, recs []storage.Record) (int, error) {
	if !x.Enabled() {
		return 0, errNotConfigured
	}
	done := 0
	for start := 0; start < len(recs); start += reindexChunk {
		chunk := recs[start:min(start+reindexChunk, len(recs))]
		texts := make([]string, len(chunk))
		for i, r := range chunk {
			texts[i] = truncateUTF8(EmbedText(r), maxEmbedBytes)
		}
		err := x.breaker.Do(ctx, x.opts.CallTimeout*time.Duration(len(chunk)), func(ctx context.Context) error {
			vecs, err := EmbedBatch(ctx, x.embedder, texts)
			if err != nil {
				return err
			}
			for i, r := range chunk {
				if err := x.backend.Upsert(ctx, Vector{ID: r.ID, Embedding: vecs[i], Meta: MetaFor(r)}); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return done, err
		}
		done += len(chunk)
	}
	return done, nil
}

// State reports the breaker state, or "disabled" without a backend.
func (x *Index) State() string {
	if !x.Enabled() {
		return "disabled"
	}
	return x.breaker.State()
}

// Wait blocks until all background indexing has finished.
func (x *Index) Wait() {
	if x == nil {
		return
	}
	x.wg.Wait()
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
