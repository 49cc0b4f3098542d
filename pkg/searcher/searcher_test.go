package searcher

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhisenyang/EverMemOS-sub003/internal/batch"
	"github.com/zhisenyang/EverMemOS-sub003/internal/config"
	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/llm"
	"github.com/zhisenyang/EverMemOS-sub003/internal/logging"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
	"github.com/zhisenyang/EverMemOS-sub003/internal/search/searchtest"
)

const travelQuery = "北京旅游美食"

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Storage.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Batch.RetryDelay = time.Millisecond
	cfg.Batch.AttemptTimeout = 5 * time.Second
	require.NoError(t, cfg.Validate())
	return cfg
}

// judgeReplies answers judge prompts with verdict and everything else with
// rewrites, counting calls.
type judgeReplies struct {
	verdict string
	calls   atomic.Int32
}

func (j *judgeReplies) completer() llm.ChatCompleter {
	return llm.CompleterFunc(func(_ context.Context, prompt string) (string, error) {
		j.calls.Add(1)
		if strings.Contains(prompt, "is_sufficient") {
			return j.verdict, nil
		}
		return `{"queries": ["Bob 上海外滩酒店"], "reasoning": "hotel"}`, nil
	})
}

func newInjected(t *testing.T, cfg *config.Config, opts ...Option) (*Searcher, *searchtest.Backend) {
	t.Helper()
	backend := searchtest.NewBackend(searchtest.Corpus()...)
	all := append([]Option{
		WithLogger(logging.Nop()),
		WithBackend(backend, searchtest.NewEmbedder()),
	}, opts...)
	s, err := New(context.Background(), cfg, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, backend
}

func TestNew_Errors(t *testing.T) {
	t.Run("nil config", func(t *testing.T) {
		_, err := New(context.Background(), nil)
		assert.Error(t, err)
	})

	t.Run("bad bm25 backend", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.BM25Backend = "lucene"
		cfg.Agentic.EnableMultiQuery = false
		_, err := New(context.Background(), cfg, WithLogger(logging.Nop()))
		assert.Error(t, err)
	})

	t.Run("unknown llm provider", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.LLM.Provider = "carrier-pigeon"
		_, err := New(context.Background(), cfg, WithLogger(logging.Nop()),
			WithBackend(searchtest.NewBackend(), searchtest.NewEmbedder()))
		assert.Equal(t, amerrors.ErrCodeConfigInvalid, amerrors.GetCode(err))
	})
}

func TestRetrieve_SinglePassConfig(t *testing.T) {
	// Given multi-query retrieval switched off
	cfg := testConfig(t)
	cfg.Agentic.EnableMultiQuery = false
	s, backend := newInjected(t, cfg)

	// When retrieving in rrf mode
	res, err := s.Retrieve(context.Background(), travelQuery, memory.SourceMemCell, memory.ModeRRF, 5, nil)

	// Then both backends ran once and the metadata is complete
	require.NoError(t, err)
	assert.NotEmpty(t, res.Results)
	assert.LessOrEqual(t, len(res.Results), 5)
	assert.Equal(t, 1, backend.VectorCalls())
	assert.Equal(t, 1, backend.LexicalCalls())
	for _, key := range []string{memory.MetaEmbCount, memory.MetaBM25Count, memory.MetaTotalLatencyMs, memory.MetaRoundsUsed} {
		assert.Contains(t, res.Metadata, key)
	}
	assert.Equal(t, travelQuery, res.Query)
}

func TestRetrieve_Agentic(t *testing.T) {
	t.Run("sufficient stops after round 1", func(t *testing.T) {
		replies := &judgeReplies{verdict: `{"is_sufficient": true, "reasoning": "all there"}`}
		s, backend := newInjected(t, testConfig(t), WithCompleter(replies.completer()))

		res, err := s.Retrieve(context.Background(), travelQuery, memory.SourceMemCell, memory.ModeBM25, 10, nil)

		require.NoError(t, err)
		assert.Equal(t, int32(1), replies.calls.Load())
		assert.Equal(t, 1, backend.Calls())
		assert.Equal(t, true, res.Metadata[memory.MetaIsSufficient])
		assert.Equal(t, 1, res.Metadata[memory.MetaRoundsUsed])
	})

	t.Run("insufficient runs the rewrites", func(t *testing.T) {
		replies := &judgeReplies{verdict: "```json\n" +
			`{"is_sufficient": false, "reasoning": "no hotel", "missing_information": ["hotel"], "rewritten_queries": ["Bob 上海外滩酒店"]}` +
			"\n```"}
		s, backend := newInjected(t, testConfig(t), WithCompleter(replies.completer()))

		res, err := s.Retrieve(context.Background(), travelQuery, memory.SourceMemCell, memory.ModeBM25, 10, nil)

		require.NoError(t, err)
		assert.Equal(t, int32(1), replies.calls.Load(), "the judge supplied queries, no rewrite call")
		assert.Equal(t, 2, backend.Calls())
		assert.Equal(t, 2, res.Metadata[memory.MetaRoundsUsed])
		assert.Contains(t, memory.IDs(res.Results), "ep-2")
	})

	t.Run("unparseable judge fails open", func(t *testing.T) {
		replies := &judgeReplies{verdict: "I think it is fine."}
		s, _ := newInjected(t, testConfig(t), WithCompleter(replies.completer()))

		res, err := s.Retrieve(context.Background(), travelQuery, memory.SourceMemCell, memory.ModeBM25, 10, nil)

		require.NoError(t, err)
		assert.NotEmpty(t, res.Results)
		assert.Equal(t, true, res.Metadata[memory.MetaIsSufficient])
		assert.Contains(t, res.Metadata, memory.MetaJudgeError)
	})
}

func TestRetrieve_Degrades(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agentic.EnableMultiQuery = false
	s, backend := newInjected(t, cfg)
	backend.VectorErr = errors.New("hnsw offline")

	res, err := s.Retrieve(context.Background(), travelQuery, memory.SourceEventLog, memory.ModeRRF, 0, nil)

	require.NoError(t, err)
	assert.NotEmpty(t, res.Results, "bm25 results survive")
	assert.Contains(t, res.Metadata, memory.MetaError)
	for _, it := range res.Results {
		assert.Equal(t, memory.KindEventLog, it.Item.Kind)
	}
}

func TestRetrieve_InvalidArgument(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agentic.EnableMultiQuery = false
	s, _ := newInjected(t, cfg)

	_, err := s.Retrieve(context.Background(), travelQuery, memory.SourceMemCell, memory.ModeRRF, -1, nil)

	assert.Equal(t, amerrors.ErrCodeInvalidArgument, amerrors.GetCode(err))
}

func TestRetrieveSinglePass(t *testing.T) {
	replies := &judgeReplies{verdict: `{"is_sufficient": false, "rewritten_queries": ["Bob 上海外滩酒店"]}`}
	s, backend := newInjected(t, testConfig(t), WithCompleter(replies.completer()))

	res, err := s.RetrieveSinglePass(context.Background(), travelQuery, memory.SourceMemCell, memory.ModeBM25, 3, nil)

	require.NoError(t, err)
	assert.Zero(t, replies.calls.Load())
	assert.Equal(t, 1, backend.Calls())
	assert.LessOrEqual(t, len(res.Results), 3)
}

func TestRunBatch(t *testing.T) {
	// Given a searcher with a sqlite checkpoint
	cfg := testConfig(t)
	cfg.Agentic.EnableMultiQuery = false
	cfg.Batch.CheckpointBackend = "sqlite"
	var groups atomic.Int32
	s, _ := newInjected(t, cfg, WithProgress(func(batch.Progress) { groups.Add(1) }))

	queries := []memory.Query{
		{QuestionID: "q2", Text: "Bob 上海出差", ConversationID: "conv_2"},
		{QuestionID: "q1", Text: travelQuery, ConversationID: "conv_1"},
	}

	// When running the batch
	out, err := s.RunBatch(context.Background(), queries, 0)

	// Then results are ordered by conversation and progress was reported
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "q1", out[0].QuestionID)
	assert.Equal(t, "q2", out[1].QuestionID)
	assert.Equal(t, int32(2), groups.Load())
	assert.Equal(t, 1, out[0].Metadata[memory.MetaAttempts])
	assert.FileExists(t, filepath.Join(cfg.CheckpointDir(), CheckpointSQLite))
}

func TestRunBatch_InjectedCheckpoint(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agentic.EnableMultiQuery = false
	store := batch.NewMemoryCheckpointStore()
	res := memory.NewSearchResult("cached")
	res.QuestionID = "from-checkpoint"
	res.ConversationID = "conv_1"
	s, backend := newInjected(t, cfg, WithCheckpointStore(store))
	queries := []memory.Query{{QuestionID: "q1", Text: travelQuery, ConversationID: "conv_1"}}
	bcfg, err := s.BatchConfig(4)
	require.NoError(t, err)
	_, err = store.Bind(context.Background(), batch.Fingerprint(queries, bcfg))
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), "conv_1", []memory.SearchResult{res}))

	out, err := s.RunBatch(context.Background(), queries, 4)

	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "from-checkpoint", out[0].QuestionID)
	assert.Zero(t, backend.Calls())

	t.Run("checkpoint of another batch is not reused", func(t *testing.T) {
		_, err := store.Bind(context.Background(), "another batch")
		require.NoError(t, err)
		require.NoError(t, store.Save(context.Background(), "conv_1", []memory.SearchResult{res}))

		out, err := s.RunBatch(context.Background(), queries, 4)

		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, "q1", out[0].QuestionID)
		assert.Positive(t, backend.Calls())
	})
}

func TestSearcher_OwnedStore(t *testing.T) {
	// Given a searcher over its own on-disk store with static embeddings
	cfg := testConfig(t)
	cfg.Agentic.EnableMultiQuery = false
	s, err := New(context.Background(), cfg, WithLogger(logging.Nop()))
	require.NoError(t, err)
	require.NotNil(t, s.Store())

	// When indexing the corpus and searching
	require.NoError(t, s.Add(context.Background(), searchtest.Corpus()))
	res, err := s.Retrieve(context.Background(), travelQuery, memory.SourceMemCell, memory.ModeBM25, 5, nil)

	// Then the lexical index finds the Beijing episodes
	require.NoError(t, err)
	assert.NotEmpty(t, res.Results)
	assert.Contains(t, memory.IDs(res.Results), "ep-1")

	// And a closed searcher refuses work
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Retrieve(context.Background(), travelQuery, memory.SourceMemCell, memory.ModeBM25, 5, nil)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Add(context.Background(), nil), ErrClosed)
}

func TestSearcher_AddWithoutStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agentic.EnableMultiQuery = false
	s, _ := newInjected(t, cfg)

	assert.Error(t, s.Add(context.Background(), searchtest.Corpus()))
	assert.Nil(t, s.Store())
}
