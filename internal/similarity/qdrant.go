package similarity

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/kalambet/orchmem/internal/storage"
)

var _ Backend = (*QdrantBackend)(nil)

// pointNamespace derives deterministic Qdrant point ids from record ids, so
// re-indexing a record overwrites its previous point.
var pointNamespace = uuid.MustParse("5b1e9a4e-7f38-4c1a-9d0e-3f6c2a8b7d41")

// PointID maps a record id to its Qdrant point UUID.
func PointID(recordID string) uuid.UUID {
	return uuid.NewSHA1(pointNamespace, []byte(recordID))
}

// qdrantClient is the subset of *qdrant.Client used by QdrantBackend.
type qdrantClient interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	CreateFieldIndex(ctx context.Context, req *qdrant.CreateFieldIndexCollection) (*qdrant.UpdateResult, error)
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Count(ctx context.Context, req *qdrant.CountPoints) (uint64, error)
	Close() error
}

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantBackend stores record vectors in a Qdrant collection.
type QdrantBackend struct {
	client     qdrantClient
	collection string
	dims       uint64
	logger     *slog.Logger
}

// parseQdrantURL extracts host, gRPC port, and TLS flag from a Qdrant URL.
// The REST port 6333 is mapped to the gRPC port 6334.
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("similarity: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()
	port = 6334
	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("similarity: invalid port in qdrant URL: %q", portStr)
		}
		if p != 6333 {
			port = p
		}
	}
	return host, port, useTLS, nil
}

// NewQdrantBackend connects to Qdrant over gRPC.
func NewQdrantBackend(cfg QdrantConfig, logger *slog.Logger) (*QdrantBackend, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("similarity: connect to qdrant at %s:%d: %w", host, port, err)
	}
	return newQdrantBackend(client, cfg, logger), nil
}

func newQdrantBackend(client qdrantClient, cfg QdrantConfig, logger *slog.Logger) *QdrantBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &QdrantBackend{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}
}

// EnsureCollection creates the collection if needed and makes sure every
// filtered payload field is indexed. CreateFieldIndex is idempotent.
func (q *QdrantBackend) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("similarity: check collection exists: %w", err)
	}

	if !exists {
		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
			}),
		}); err != nil {
			return fmt.Errorf("similarity: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	fields := []struct {
		name string
		typ  qdrant.FieldType
	}{
		{"record_id", qdrant.FieldType_FieldTypeKeyword},
		{"pattern", qdrant.FieldType_FieldTypeKeyword},
		{"agents", qdrant.FieldType_FieldTypeKeyword},
		{"success", qdrant.FieldType_FieldTypeBool},
		{"started_at_unix", qdrant.FieldType_FieldTypeFloat},
	}
	for _, f := range fields {
		typ := f.typ
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      f.name,
			FieldType:      &typ,
		}); err != nil {
			return fmt.Errorf("similarity: ensure index on %q: %w", f.name, err)
		}
	}
	return nil
}

func (q *QdrantBackend) Upsert(ctx context.Context, v Vector) error {
	agents := make([]any, len(v.Meta.Agents))
	for i, a := range v.Meta.Agents {
		agents[i] = a
	}
	payload := map[string]any{
		"record_id":       v.ID,
		"pattern":         v.Meta.Pattern,
		"agents":          agents,
		"success":         v.Meta.Success,
		"started_at_unix": float64(v.Meta.StartedAt.Unix()),
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewID(PointID(v.ID).String()),
			Vectors: qdrant.NewVectorsDense(v.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		return fmt.Errorf("similarity: qdrant upsert %s: %w", v.ID, err)
	}
	return nil
}

// qdrantFilter translates record filters into payload conditions.
func qdrantFilter(f storage.Filters) *qdrant.Filter {
	var must []*qdrant.Condition
	if f.Pattern != "" {
		must = append(must, qdrant.NewMatch("pattern", f.Pattern))
	}
	if f.AgentID != "" {
		must = append(must, qdrant.NewMatch("agents", f.AgentID))
	}
	if f.Success != nil {
		must = append(must, qdrant.NewMatchBool("success", *f.Success))
	}
	if !f.From.IsZero() {
		must = append(must, qdrant.NewRange("started_at_unix", &qdrant.Range{
			Gte: qdrant.PtrOf(float64(f.From.Unix())),
		}))
	}
	if !f.To.IsZero() {
		must = append(must, qdrant.NewRange("started_at_unix", &qdrant.Range{
			Lte: qdrant.PtrOf(float64(f.To.Unix())),
		}))
	}
	if len(must) == 0 {
		return nil
	}
	return &qdrant.Filter{Must: must}
}

func (q *QdrantBackend) Search(ctx context.Context, query []float32, f storage.Filters, limit int) ([]Hit, error) {
	if limit <= 0 {
		return nil, nil
	}
	fetchLimit := uint64(limit)
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(query),
		Filter:         qdrantFilter(f),
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayloadInclude("record_id"),
	})
	if err != nil {
		return nil, fmt.Errorf("similarity: qdrant query: %w", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		id := sp.GetPayload()["record_id"].GetStringValue()
		if id == "" {
			q.logger.Warn("qdrant: point without record_id", "point", sp.GetId().GetUuid())
			continue
		}
		hits = append(hits, Hit{ID: id, Score: clampScore(float64(sp.GetScore()))})
	}
	return hits, nil
}

func (q *QdrantBackend) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = qdrant.NewID(PointID(id).String())
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("similarity: qdrant delete %d points: %w", len(ids), err)
	}
	return nil
}

func (q *QdrantBackend) Count(ctx context.Context) (int, error) {
	n, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: q.collection,
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return 0, fmt.Errorf("similarity: qdrant count: %w", err)
	}
	return int(n), nil
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantBackend) Close() error {
	return q.client.Close()
}
