package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
	"github.com/zhisenyang/EverMemOS-sub003/internal/search/searchtest"
)

func TestNoOpReranker_Copies(t *testing.T) {
	in := scored("a", 0.9, "b", 0.1)
	out, err := NoOpReranker{}.Rerank(context.Background(), "q", in)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	out[0].Score = 0
	assert.Equal(t, 0.9, in[0].Score)
}

func TestEmbeddingReranker_OrdersBySimilarity(t *testing.T) {
	// Given candidates where the fused order puts the off-topic one first
	items := []memory.ScoredItem{
		{Item: memory.NewEventLog("off", memory.EventLogFact{AtomicFact: "Bob 住在上海外滩附近的酒店。"}), Score: 0.05, SourceRank: 1},
		{Item: memory.NewEventLog("on", memory.EventLogFact{AtomicFact: "北京旅游美食推荐：烤鸭。"}), Score: 0.01, SourceRank: 2},
	}
	r, err := NewEmbeddingReranker(searchtest.NewEmbedder())
	require.NoError(t, err)

	// When reranked against the travel query
	out, err := r.Rerank(context.Background(), travelQuery, items)

	// Then the on-topic candidate leads and ranks are renumbered
	require.NoError(t, err)
	assert.Equal(t, []string{"on", "off"}, memory.IDs(out))
	assert.Equal(t, 1, out[0].SourceRank)
	assert.Equal(t, 2, out[1].SourceRank)
	assert.Equal(t, "off", items[0].ID(), "input untouched")
}

func TestEmbeddingReranker_Errors(t *testing.T) {
	_, err := NewEmbeddingReranker(nil)
	assert.ErrorIs(t, err, ErrNilDependency)

	embedder := searchtest.NewEmbedder()
	embedder.Fail = func(string) error { return errors.New("offline") }
	r, err := NewEmbeddingReranker(embedder)
	require.NoError(t, err)

	_, err = r.Rerank(context.Background(), travelQuery, scored("a", 0.5))
	assert.ErrorContains(t, err, "offline")

	out, err := r.Rerank(context.Background(), travelQuery, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}
