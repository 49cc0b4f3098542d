package embed

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
)

func TestOllamaEmbedder_EmbedBatch(t *testing.T) {
	// Given: a fake Ollama answering /api/embed
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/embed":
			calls.Add(1)
			var req ollamaEmbedRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			n := 1
			if list, ok := req.Input.([]any); ok {
				n = len(list)
			}
			resp := ollamaEmbedResponse{Model: req.Model}
			for i := 0; i < n; i++ {
				resp.Embeddings = append(resp.Embeddings, []float64{3, 4, float64(i)})
			}
			_ = json.NewEncoder(w).Encode(resp)
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"qwen3-embedding:0.6b"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{Host: srv.URL, BatchSize: 2})
	ctx := context.Background()

	// When: embedding three texts with batch size two
	vecs, err := e.EmbedBatch(ctx, []string{"a", "b", "c"})

	// Then: two requests, normalized vectors, detected dimension
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, int64(2), calls.Load())
	assert.InDelta(t, 0.6, vecs[0][0], 1e-6)
	assert.Equal(t, 3, e.Dimensions())
	assert.True(t, e.Available(ctx))
}

func TestOllamaEmbedder_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{Host: srv.URL, Timeout: time.Second})
	_, err := e.Embed(context.Background(), "x")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestOpenAIEmbedder_Embed(t *testing.T) {
	// Given: a fake OpenAI-compatible /embeddings endpoint
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"m","data":[
			{"object":"embedding","index":1,"embedding":[0,2]},
			{"object":"embedding","index":0,"embedding":[2,0]}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIConfig{APIKey: "test-key", BaseURL: srv.URL + "/v1", Model: "m"})
	require.NoError(t, err)

	// When: embedding two texts
	vecs, err := e.EmbedBatch(context.Background(), []string{"first", "second"})

	// Then: vectors land at their reported index
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []float32{1, 0}, vecs[0])
	assert.Equal(t, []float32{0, 1}, vecs[1])
}

type failingEmbedder struct{ StaticEmbedder }

func (f *failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("connection refused")
}

func TestGuardedEmbedder_OpensCircuit(t *testing.T) {
	// Given: a breaker that opens after two failures
	cb := amerrors.NewCircuitBreaker("test", amerrors.WithMaxFailures(2), amerrors.WithResetTimeout(time.Hour))
	g := NewGuardedEmbedder(&failingEmbedder{}, cb)
	ctx := context.Background()

	// When: embedding fails repeatedly
	for i := 0; i < 2; i++ {
		_, err := g.Embed(ctx, "x")
		require.Error(t, err)
		assert.Equal(t, amerrors.ErrCodeEmbeddingFailed, amerrors.GetCode(err))
	}
	_, err := g.Embed(ctx, "x")

	// Then: the third call is rejected by the open circuit
	require.Error(t, err)
	assert.ErrorIs(t, err, amerrors.ErrCircuitOpen)
	assert.Equal(t, amerrors.StateOpen, cb.State())
}
