package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhisenyang/EverMemOS-sub003/internal/agentic"
	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/logging"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
	"github.com/zhisenyang/EverMemOS-sub003/internal/search"
	"github.com/zhisenyang/EverMemOS-sub003/internal/search/searchtest"
)

type runnerFunc func(ctx context.Context, req agentic.Request) (memory.SearchResult, error)

func (f runnerFunc) Run(ctx context.Context, req agentic.Request) (memory.SearchResult, error) {
	return f(ctx, req)
}

var baseTime = time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)

// echo answers every query with one event-log item derived from the text.
func echo(_ context.Context, req agentic.Request) (memory.SearchResult, error) {
	res := memory.NewSearchResult(req.Query)
	item := memory.NewEventLog("fact-"+req.Query, memory.EventLogFact{AtomicFact: req.Query, Timestamp: baseTime})
	res.Results = []memory.ScoredItem{{Item: item, Score: 0.5, SourceRank: 1}}
	res.Metadata[memory.MetaRoundsUsed] = 1
	res.Metadata[memory.MetaFinalCount] = 1
	return res, nil
}

// groupRecorder wraps echo and records which groups ran.
type groupRecorder struct {
	mu     sync.Mutex
	groups map[string]int
}

func (g *groupRecorder) Run(ctx context.Context, req agentic.Request) (memory.SearchResult, error) {
	g.mu.Lock()
	if g.groups == nil {
		g.groups = map[string]int{}
	}
	id, _ := req.Filters[memory.FilterGroupID].(string)
	g.groups[id]++
	g.mu.Unlock()
	return echo(ctx, req)
}

func (g *groupRecorder) ran() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var ids []string
	for id := range g.groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// interruptingStore persists the first `after` groups, then cancels the
// batch and refuses every further save.
type interruptingStore struct {
	CheckpointStore
	after  int
	cancel context.CancelFunc

	mu    sync.Mutex
	saves int
}

func (s *interruptingStore) Save(ctx context.Context, groupID string, results []memory.SearchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saves < s.after {
		s.saves++
		return s.CheckpointStore.Save(ctx, groupID, results)
	}
	s.cancel()
	return errors.New("process killed")
}

func makeQueries(groups, perGroup int) []memory.Query {
	var queries []memory.Query
	// Input order is deliberately not the output order.
	for g := groups; g >= 1; g-- {
		for q := 1; q <= perGroup; q++ {
			queries = append(queries, memory.Query{
				QuestionID:     fmt.Sprintf("locomo_%d_q%d", g, q),
				Text:           fmt.Sprintf("question %d about conversation %d", q, g),
				ConversationID: fmt.Sprintf("locomo_%d", g),
			})
		}
	}
	return queries
}

func fastConfig() Config {
	return Config{
		Concurrency:         4,
		MaxAttempts:         3,
		AttemptTimeout:      time.Second,
		RetryDelay:          time.Millisecond,
		Mode:                memory.ModeBM25,
		ScopeToConversation: true,
	}
}

func newTestRunner(t *testing.T, q QueryRunner, cfg Config, opts ...Option) *Runner {
	t.Helper()
	r, err := NewRunner(q, cfg, append([]Option{WithLogger(logging.Nop())}, opts...)...)
	require.NoError(t, err)
	return r
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return string(data)
}

func TestNewRunner(t *testing.T) {
	t.Run("nil runner", func(t *testing.T) {
		_, err := NewRunner(nil, Config{})
		assert.ErrorIs(t, err, ErrNilRunner)
	})

	t.Run("zero config takes defaults", func(t *testing.T) {
		r, err := NewRunner(runnerFunc(echo), Config{RetryDelay: -time.Second})
		require.NoError(t, err)
		cfg := r.Config()
		assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
		assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
		assert.Equal(t, DefaultAttemptTimeout, cfg.AttemptTimeout)
		assert.Zero(t, cfg.RetryDelay)
	})
}

func TestRun_OrdersByGroup(t *testing.T) {
	// Given queries for three conversations in scrambled order
	queries := []memory.Query{
		{QuestionID: "a", Text: "first of ten", ConversationID: "conv_10"},
		{QuestionID: "b", Text: "first of two", ConversationID: "conv_2"},
		{QuestionID: "c", Text: "second of ten", ConversationID: "conv_10"},
		{QuestionID: "d", Text: "first of one", ConversationID: "conv_1"},
		{QuestionID: "e", Text: "no conversation"},
	}
	r := newTestRunner(t, runnerFunc(echo), fastConfig())

	// When running the batch
	out, err := r.Run(context.Background(), queries)

	// Then groups come out in numeric order and queries keep input order
	require.NoError(t, err)
	var ids []string
	for _, res := range out {
		ids = append(ids, res.QuestionID)
	}
	assert.Equal(t, []string{"d", "b", "a", "c", "e"}, ids)
	assert.Equal(t, "conv_10", out[2].ConversationID)
	assert.Equal(t, UnknownGroup, out[4].ConversationID)
	assert.Equal(t, "first of ten", out[2].Query)
	assert.Equal(t, 1, out[0].Metadata[memory.MetaAttempts])
}

func TestRun_EmptyBatch(t *testing.T) {
	r := newTestRunner(t, runnerFunc(echo), fastConfig(), WithCheckpoint(NewMemoryCheckpointStore()))

	out, err := r.Run(context.Background(), nil)

	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestRun_ScopeToConversation(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]memory.Filters{}
	capture := runnerFunc(func(ctx context.Context, req agentic.Request) (memory.SearchResult, error) {
		mu.Lock()
		seen[req.Query] = req.Filters
		mu.Unlock()
		return echo(ctx, req)
	})
	queries := []memory.Query{
		{Text: "scoped query", ConversationID: "conv_1"},
		{Text: "explicit group", ConversationID: "conv_1", Filters: memory.Filters{memory.FilterGroupID: "conv_9"}},
		{Text: "no conversation id"},
	}

	t.Run("enabled", func(t *testing.T) {
		r := newTestRunner(t, capture, fastConfig())
		_, err := r.Run(context.Background(), queries)
		require.NoError(t, err)

		assert.Equal(t, "conv_1", seen["scoped query"][memory.FilterGroupID])
		assert.Equal(t, "conv_9", seen["explicit group"][memory.FilterGroupID], "caller filters win")
		assert.NotContains(t, seen["no conversation id"], memory.FilterGroupID)
		assert.Nil(t, queries[0].Filters, "input filters are not mutated")
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := fastConfig()
		cfg.ScopeToConversation = false
		r := newTestRunner(t, capture, cfg)
		_, err := r.Run(context.Background(), queries)
		require.NoError(t, err)

		assert.NotContains(t, seen["scoped query"], memory.FilterGroupID)
	})
}

func TestRun_PassesRequestSettings(t *testing.T) {
	var got agentic.Request
	var mu sync.Mutex
	capture := runnerFunc(func(ctx context.Context, req agentic.Request) (memory.SearchResult, error) {
		mu.Lock()
		got = req
		mu.Unlock()
		return echo(ctx, req)
	})
	cfg := fastConfig()
	cfg.Source = memory.SourceEventLog
	cfg.Mode = memory.ModeRRF
	cfg.Limit = 7
	r := newTestRunner(t, capture, cfg)

	_, err := r.Run(context.Background(), []memory.Query{{Text: "北京旅游美食", ConversationID: "conv_1"}})

	require.NoError(t, err)
	assert.Equal(t, "北京旅游美食", got.Query)
	assert.Equal(t, memory.SourceEventLog, got.Source)
	assert.Equal(t, memory.ModeRRF, got.Mode)
	assert.Equal(t, 7, got.Limit)
}

func TestRun_BoundedConcurrency(t *testing.T) {
	// Given a slow runner and a pool of 3
	var inFlight, peak atomic.Int32
	slow := runnerFunc(func(ctx context.Context, req agentic.Request) (memory.SearchResult, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return echo(ctx, req)
	})
	cfg := fastConfig()
	cfg.Concurrency = 3

	// When running 4 groups of 5 queries
	out, err := newTestRunner(t, slow, cfg).Run(context.Background(), makeQueries(4, 5))

	// Then at most 3 queries ran at once
	require.NoError(t, err)
	assert.Len(t, out, 20)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Positive(t, peak.Load())
}

func TestRun_RetryExhaustion(t *testing.T) {
	// Given a runner that never answers before its attempt times out
	var attempts atomic.Int32
	blocking := runnerFunc(func(ctx context.Context, _ agentic.Request) (memory.SearchResult, error) {
		attempts.Add(1)
		<-ctx.Done()
		return memory.SearchResult{}, ctx.Err()
	})
	cfg := fastConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond

	// When running one query
	out, err := newTestRunner(t, blocking, cfg).Run(context.Background(), []memory.Query{
		{QuestionID: "q1", Text: "北京旅游美食", ConversationID: "conv_1"},
	})

	// Then exactly 3 attempts are made and a degraded result is emitted
	require.NoError(t, err)
	assert.Equal(t, int32(3), attempts.Load())
	require.Len(t, out, 1)
	assert.Equal(t, "q1", out[0].QuestionID)
	assert.Equal(t, "conv_1", out[0].ConversationID)
	assert.Empty(t, out[0].Results)
	assert.NotNil(t, out[0].Results)
	assert.Equal(t, "Search timeout after retries", out[0].Metadata[memory.MetaError])
	assert.Equal(t, 3, out[0].Metadata[memory.MetaAttempts])
	assert.True(t, out[0].Failed())
}

func TestRun_RetryExhaustionWithOrchestrator(t *testing.T) {
	// Given an orchestrator whose backend is slower than the attempt timeout
	backend := searchtest.NewBackend(searchtest.Corpus()...)
	backend.Delay = 200 * time.Millisecond
	retriever, err := search.NewRetriever(backend, backend, searchtest.NewEmbedder(), search.Config{}, search.WithLogger(logging.Nop()))
	require.NoError(t, err)
	acfg := agentic.DefaultConfig()
	acfg.EnableMultiQuery = false
	orch, err := agentic.New(retriever, nil, agentic.WithConfig(acfg), agentic.WithLogger(logging.Nop()))
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond

	// When running one bm25 query
	out, err := newTestRunner(t, orch, cfg).Run(context.Background(), []memory.Query{
		{Text: "北京旅游美食", ConversationID: "conv-1"},
	})

	// Then each attempt reached the backend once before timing out
	require.NoError(t, err)
	assert.Equal(t, 3, backend.LexicalCalls())
	assert.Equal(t, "Search timeout after retries", out[0].Metadata[memory.MetaError])
}

func TestRun_Retries(t *testing.T) {
	t.Run("transient failure recovers", func(t *testing.T) {
		var attempts atomic.Int32
		flaky := runnerFunc(func(ctx context.Context, req agentic.Request) (memory.SearchResult, error) {
			if attempts.Add(1) == 1 {
				return memory.SearchResult{}, amerrors.BackendUnavailable("lexical", errors.New("connection reset"))
			}
			return echo(ctx, req)
		})

		out, err := newTestRunner(t, flaky, fastConfig()).Run(context.Background(), []memory.Query{{Text: "北京旅游美食"}})

		require.NoError(t, err)
		assert.Equal(t, int32(2), attempts.Load())
		assert.Len(t, out[0].Results, 1)
		assert.Equal(t, 2, out[0].Metadata[memory.MetaAttempts])
		assert.NotContains(t, out[0].Metadata, memory.MetaError)
	})

	t.Run("persistent error degrades with message", func(t *testing.T) {
		failing := runnerFunc(func(context.Context, agentic.Request) (memory.SearchResult, error) {
			return memory.SearchResult{}, errors.New("index offline")
		})

		out, err := newTestRunner(t, failing, fastConfig()).Run(context.Background(), []memory.Query{{Text: "北京旅游美食"}})

		require.NoError(t, err)
		assert.Equal(t, "Search error: index offline", out[0].Metadata[memory.MetaError])
		assert.Equal(t, 3, out[0].Metadata[memory.MetaAttempts])
	})

	t.Run("invalid argument is never retried", func(t *testing.T) {
		var attempts atomic.Int32
		invalid := runnerFunc(func(context.Context, agentic.Request) (memory.SearchResult, error) {
			attempts.Add(1)
			return memory.SearchResult{}, amerrors.InvalidArgument("unknown retrieval mode %q", "fuzzy")
		})

		out, err := newTestRunner(t, invalid, fastConfig()).Run(context.Background(), []memory.Query{{Text: "北京旅游美食"}})

		require.NoError(t, err)
		assert.Equal(t, int32(1), attempts.Load())
		msg, _ := out[0].Metadata[memory.MetaError].(string)
		assert.True(t, strings.HasPrefix(msg, "Search error: "), msg)
		assert.Contains(t, msg, "fuzzy")
	})
}

func TestRun_ResumesFromCheckpoint(t *testing.T) {
	queries := makeQueries(10, 3)
	path := filepath.Join(t.TempDir(), "search_checkpoint.json")
	cfg := fastConfig()

	// Given the output of an uninterrupted run
	baseline, err := newTestRunner(t, runnerFunc(echo), cfg).Run(context.Background(), queries)
	require.NoError(t, err)
	require.Len(t, baseline, 30)

	// When a run is killed after 6 groups were checkpointed
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	killed := &interruptingStore{CheckpointStore: NewFileCheckpointStore(path), after: 6, cancel: cancel}
	_, err = newTestRunner(t, runnerFunc(echo), cfg, WithCheckpoint(killed)).Run(ctx, queries)
	require.Error(t, err)

	saved, err := NewFileCheckpointStore(path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, saved, 6)

	// And the batch is restarted against the same checkpoint
	recorder := &groupRecorder{}
	var skipped atomic.Int32
	restart := newTestRunner(t, recorder, cfg,
		WithCheckpoint(NewFileCheckpointStore(path)),
		WithProgress(func(p Progress) {
			if p.Skipped {
				skipped.Add(1)
			}
		}))
	out, err := restart.Run(context.Background(), queries)

	// Then only the 4 missing groups run and the output is unchanged
	require.NoError(t, err)
	ran := recorder.ran()
	assert.Len(t, ran, 4)
	for _, id := range ran {
		assert.NotContains(t, saved, id)
	}
	assert.Equal(t, int32(6), skipped.Load())
	assert.JSONEq(t, mustJSON(t, baseline), mustJSON(t, out))
	assert.NoFileExists(t, path, "checkpoint is deleted once the batch completes")
}

func TestRun_CheckpointOfAnotherBatchIsNotReused(t *testing.T) {
	queries := makeQueries(4, 2)
	cfg := fastConfig()

	changedText := append([]memory.Query(nil), queries...)
	changedText[0].Text = "a different question"
	changedMode := cfg
	changedMode.Mode = memory.ModeRRF

	tests := []struct {
		name    string
		queries []memory.Query
		cfg     Config
	}{
		{"different queries", changedText, cfg},
		{"different mode", queries, changedMode},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given a checkpoint left by an interrupted batch
			path := filepath.Join(t.TempDir(), "search_checkpoint.json")
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			killed := &interruptingStore{CheckpointStore: NewFileCheckpointStore(path), after: 2, cancel: cancel}
			_, err := newTestRunner(t, runnerFunc(echo), cfg, WithCheckpoint(killed)).Run(ctx, queries)
			require.Error(t, err)

			// When another batch runs against the same checkpoint
			recorder := &groupRecorder{}
			out, err := newTestRunner(t, recorder, tt.cfg, WithCheckpoint(NewFileCheckpointStore(path))).Run(context.Background(), tt.queries)

			// Then every group runs again
			require.NoError(t, err)
			assert.Len(t, recorder.ran(), 4)
			assert.Len(t, out, len(tt.queries))
		})
	}

	t.Run("fingerprint ignores scheduling settings", func(t *testing.T) {
		tuned := cfg
		tuned.Concurrency = 1
		tuned.MaxAttempts = 7
		tuned.AttemptTimeout = time.Minute
		assert.Equal(t, Fingerprint(queries, cfg), Fingerprint(queries, tuned))
		assert.NotEqual(t, Fingerprint(queries, cfg), Fingerprint(changedText, cfg))
		assert.NotEqual(t, Fingerprint(queries, cfg), Fingerprint(queries, changedMode))
	})
}

func TestRun_CancelSavesOnlyCompleteGroups(t *testing.T) {
	// Given a batch where conversation 2 never finishes
	store := NewMemoryCheckpointStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stuck := runnerFunc(func(ctx context.Context, req agentic.Request) (memory.SearchResult, error) {
		if req.Filters[memory.FilterGroupID] == "locomo_2" {
			<-ctx.Done()
			return memory.SearchResult{}, ctx.Err()
		}
		return echo(ctx, req)
	})
	r := newTestRunner(t, stuck, fastConfig(),
		WithCheckpoint(store),
		WithProgress(func(p Progress) {
			if p.GroupsDone == 2 {
				cancel()
			}
		}))

	// When the batch is cancelled after the other groups finish
	_, err := r.Run(ctx, makeQueries(3, 2))

	// Then the run reports cancellation and only whole groups are saved
	require.ErrorIs(t, err, context.Canceled)
	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, saved, 2)
	assert.NotContains(t, saved, "locomo_2")
	for id, results := range saved {
		assert.Len(t, results, 2, "group %s saved partially", id)
	}
}

func TestRun_CheckpointLoadError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "search_checkpoint.json")
	require.NoError(t, writeFile(path, "{not json"))
	r := newTestRunner(t, runnerFunc(echo), fastConfig(), WithCheckpoint(NewFileCheckpointStore(path)))

	_, err := r.Run(context.Background(), makeQueries(1, 1))

	assert.Equal(t, amerrors.ErrCodeCheckpointCorrupt, amerrors.GetCode(err))
}

func TestRun_WithOrchestrator(t *testing.T) {
	// Given a real orchestrator over the travel corpus
	backend := searchtest.NewBackend(searchtest.Corpus()...)
	retriever, err := search.NewRetriever(backend, backend, searchtest.NewEmbedder(), search.Config{}, search.WithLogger(logging.Nop()))
	require.NoError(t, err)
	acfg := agentic.DefaultConfig()
	acfg.EnableMultiQuery = false
	orch, err := agentic.New(retriever, nil, agentic.WithConfig(acfg), agentic.WithLogger(logging.Nop()))
	require.NoError(t, err)

	cfg := fastConfig()
	cfg.Mode = memory.ModeRRF
	cfg.Limit = 5

	// When running queries scoped to a known and an unknown conversation
	out, err := newTestRunner(t, orch, cfg).Run(context.Background(), []memory.Query{
		{QuestionID: "q1", Text: "北京旅游美食", ConversationID: "conv-1"},
		{QuestionID: "q2", Text: "北京旅游美食", ConversationID: "conv-404"},
	})

	// Then only the known conversation has results
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "q1", out[0].QuestionID)
	assert.NotEmpty(t, out[0].Results)
	assert.LessOrEqual(t, len(out[0].Results), 5)
	assert.Contains(t, out[0].Metadata, memory.MetaEmbCount)
	assert.Contains(t, out[0].Metadata, memory.MetaBM25Count)
	assert.Equal(t, "q2", out[1].QuestionID)
	assert.Empty(t, out[1].Results)
}
