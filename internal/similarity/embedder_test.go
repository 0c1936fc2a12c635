package similarity

import (
	"context"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/orchmem/internal/storage"
)

func TestHashEmbedder_SimilarTextsScoreHigher(t *testing.T) {
	e := NewHashEmbedder(0)
	ctx := context.Background()

	q, err := e.Embed(ctx, "fix the login bug in the auth service")
	require.NoError(t, err)
	near, err := e.Embed(ctx, "auth service login bug fixed")
	require.NoError(t, err)
	far, err := e.Embed(ctx, "render quarterly marketing charts")
	require.NoError(t, err)

	require.Len(t, q, 256)
	qn := norm(q)
	assert.InDelta(t, 1.0, qn, 1e-5)
	assert.Greater(t, dotProduct(q, near, qn), dotProduct(q, far, qn))
}

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(64)
	a, _ := e.Embed(context.Background(), "Parallel review")
	b, _ := e.Embed(context.Background(), "parallel   REVIEW")
	assert.Equal(t, a, b)
}

type fakeOpenAI struct {
	resp openai.EmbeddingResponse
	err  error
	req  openai.EmbeddingRequest
}

func (f *fakeOpenAI) CreateEmbeddings(_ context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	f.req = conv.Convert()
	return f.resp, f.err
}

func TestOpenAIEmbedder(t *testing.T) {
	fake := &fakeOpenAI{resp: openai.EmbeddingResponse{Data: []openai.Embedding{{Embedding: []float32{0.1, 0.2}}}}}
	e := &OpenAIEmbedder{client: fake, model: "text-embedding-3-small"}

	vec, err := e.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
	assert.Equal(t, []string{"hello"}, fake.req.Input)

	fake.resp = openai.EmbeddingResponse{}
	_, err = e.Embed(context.Background(), "hello")
	assert.Error(t, err)

	fake.err = errors.New("rate limited")
	_, err = e.Embed(context.Background(), "hello")
	assert.Error(t, err)
}

func TestEmbedBatch(t *testing.T) {
	vecs, err := EmbedBatch(context.Background(), NewHashEmbedder(16), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Len(t, vecs, 3)

	_, err = EmbedBatch(context.Background(), &fakeEmbedder{err: errors.New("down")}, []string{"a"})
	assert.Error(t, err)

	vecs, err = EmbedBatch(context.Background(), NewHashEmbedder(16), nil)
	assert.NoError(t, err)
	assert.Nil(t, vecs)
}

func TestEmbedTextAndMeta(t *testing.T) {
	rec := storage.Record{
		Pattern: "parallel",
		Task:    "review PR",
		Result:  "approved",
		Agents:  []storage.Agent{{ID: "reviewer"}, {ID: "coder"}},
		Success: true,
	}
	assert.Equal(t, "parallel\nreview PR\napproved", EmbedText(rec))

	m := MetaFor(rec)
	assert.Equal(t, []string{"reviewer", "coder"}, m.Agents)
	assert.True(t, m.Success)
}
