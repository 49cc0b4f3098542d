package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var bm25Fixture = []*Document{
	{ID: "ep1", Content: "去北京旅游，吃了烤鸭和很多美食"},
	{ID: "ep2", Content: "上海的天气很好"},
	{ID: "ep3", Content: "Caroline went hiking in the mountains last weekend"},
	{ID: "ep4", Content: "Melanie painted a sunrise over the lake"},
}

// forEachBackend runs fn against an in-memory index of every backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, idx BM25Index)) {
	for _, backend := range []BM25Backend{BM25BackendSQLite, BM25BackendBleve} {
		t.Run(string(backend), func(t *testing.T) {
			idx, err := NewBM25Index("", DefaultBM25Config(), backend)
			require.NoError(t, err)
			defer func() { _ = idx.Close() }()
			require.NoError(t, idx.Index(context.Background(), bm25Fixture))
			fn(t, idx)
		})
	}
}

func TestBM25Index_Search(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx BM25Index) {
		ctx := context.Background()

		t.Run("chinese query matches through bigrams", func(t *testing.T) {
			res, err := idx.Search(ctx, "北京旅游美食", 10)
			require.NoError(t, err)
			require.NotEmpty(t, res)
			assert.Equal(t, "ep1", res[0].DocID)
		})

		t.Run("english query", func(t *testing.T) {
			res, err := idx.Search(ctx, "When did Caroline go hiking?", 10)
			require.NoError(t, err)
			require.NotEmpty(t, res)
			assert.Equal(t, "ep3", res[0].DocID)
			assert.Greater(t, res[0].Score, 0.0)
		})

		t.Run("scores descend", func(t *testing.T) {
			res, err := idx.Search(ctx, "the lake mountains", 10)
			require.NoError(t, err)
			for i := 1; i < len(res); i++ {
				assert.GreaterOrEqual(t, res[i-1].Score, res[i].Score)
			}
		})

		t.Run("empty and stop-word-only queries return nothing", func(t *testing.T) {
			res, err := idx.Search(ctx, "   ", 10)
			require.NoError(t, err)
			assert.Empty(t, res)

			res, err = idx.Search(ctx, "the", 10)
			require.NoError(t, err)
			assert.Empty(t, res)
		})

		t.Run("limit honoured", func(t *testing.T) {
			res, err := idx.Search(ctx, "北京 上海 Caroline Melanie", 2)
			require.NoError(t, err)
			assert.Len(t, res, 2)
		})
	})
}

func TestBM25Index_SearchWithin(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx BM25Index) {
		ctx := context.Background()

		t.Run("only listed documents are scored", func(t *testing.T) {
			// Given: a query whose best match is ep1, restricted to ep3 and ep4
			res, err := idx.SearchWithin(ctx, "北京 Caroline Melanie", []string{"ep3", "ep4"}, 10)

			// Then: ep1 never appears
			require.NoError(t, err)
			require.Len(t, res, 2)
			for _, r := range res {
				assert.Contains(t, []string{"ep3", "ep4"}, r.DocID)
			}
		})

		t.Run("limit applies inside the id set", func(t *testing.T) {
			res, err := idx.SearchWithin(ctx, "北京 上海 Caroline Melanie", []string{"ep1", "ep2", "ep3"}, 2)
			require.NoError(t, err)
			assert.Len(t, res, 2)
		})

		t.Run("empty id set matches nothing", func(t *testing.T) {
			res, err := idx.SearchWithin(ctx, "北京", []string{}, 10)
			require.NoError(t, err)
			assert.Empty(t, res)
		})

		t.Run("unknown ids are ignored", func(t *testing.T) {
			res, err := idx.SearchWithin(ctx, "北京", []string{"nope", "ep1"}, 10)
			require.NoError(t, err)
			require.Len(t, res, 1)
			assert.Equal(t, "ep1", res[0].DocID)
		})
	})
}

func TestBM25Index_DeleteAndIDs(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx BM25Index) {
		ctx := context.Background()

		ids, err := idx.AllIDs()
		require.NoError(t, err)
		assert.Equal(t, []string{"ep1", "ep2", "ep3", "ep4"}, ids)

		require.NoError(t, idx.Delete(ctx, []string{"ep3"}))
		res, err := idx.Search(ctx, "Caroline hiking", 10)
		require.NoError(t, err)
		assert.Empty(t, res)
		assert.Equal(t, 3, idx.Stats().DocumentCount)
	})
}

func TestBM25Index_ReplaceDocument(t *testing.T) {
	forEachBackend(t, func(t *testing.T, idx BM25Index) {
		ctx := context.Background()
		require.NoError(t, idx.Index(ctx, []*Document{{ID: "ep2", Content: "Melanie moved to Tokyo"}}))

		res, err := idx.Search(ctx, "Tokyo", 10)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, "ep2", res[0].DocID)
		assert.Equal(t, 4, idx.Stats().DocumentCount)
	})
}

func TestSQLiteBM25Index_Persistence(t *testing.T) {
	// Given: an on-disk index with one document
	path := filepath.Join(t.TempDir(), "bm25.db")
	idx, err := NewSQLiteBM25Index(path, DefaultBM25Config())
	require.NoError(t, err)
	require.NoError(t, idx.Index(context.Background(), bm25Fixture[:1]))
	require.NoError(t, idx.Close())

	// When: reopening
	reopened, err := NewSQLiteBM25Index(path, DefaultBM25Config())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	// Then: the document is still searchable
	res, err := reopened.Search(context.Background(), "烤鸭", 5)
	require.NoError(t, err)
	require.Len(t, res, 1)
}

func TestParseBM25Backend(t *testing.T) {
	b, err := ParseBM25Backend("")
	require.NoError(t, err)
	assert.Equal(t, BM25BackendSQLite, b)

	b, err = ParseBM25Backend("Bleve")
	require.NoError(t, err)
	assert.Equal(t, BM25BackendBleve, b)

	_, err = ParseBM25Backend("elastic")
	assert.Error(t, err)

	assert.Equal(t, "/d/bm25.bleve", BM25Path("/d/bm25", BM25BackendBleve))
	assert.Equal(t, "", BM25Path("", BM25BackendSQLite))
}

func TestMatchExpression(t *testing.T) {
	assert.Equal(t, `"a" OR "b"`, matchExpression([]string{"a", "b", "a"}))
}
