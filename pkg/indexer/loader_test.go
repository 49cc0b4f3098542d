package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhisenyang/EverMemOS-sub003/internal/embed"
	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/logging"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
	"github.com/zhisenyang/EverMemOS-sub003/internal/store"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]memory.MemoryItem
	saves   int
	addErr  error
	saveErr error
}

func (s *recordingSink) Add(_ context.Context, items []memory.MemoryItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return s.addErr
	}
	s.batches = append(s.batches, append([]memory.MemoryItem(nil), items...))
	return nil
}

func (s *recordingSink) Save() error {
	s.saves++
	return s.saveErr
}

func (s *recordingSink) ids() []string {
	var ids []string
	for _, b := range s.batches {
		for _, it := range b {
			ids = append(ids, it.ID)
		}
	}
	return ids
}

const jsonlFixture = `{"id": "ep-1", "kind": "episode", "group_id": "conv-1", "episode": {"episode_text": "Alice 计划去北京旅游，想吃烤鸭。", "subject": "北京旅游", "timestamp": "2024-03-15T10:00:00Z"}}
{"id": "ev-1", "event_log": {"atomic_fact": "Alice 想在北京吃烤鸭。", "timestamp": "2024-03-15T10:00:00Z", "parent_episode_id": "ep-1"}}

{"id": "ep-2", "episode": {"episode_text": "Bob 下周去上海出差。", "timestamp": "2024-03-16T10:00:00Z"}}
`

const arrayFixture = `
[
  {"id": "ep-1", "kind": "episode", "episode": {"episode_text": "Alice went hiking near the Great Wall."}},
  {"id": "ev-1", "kind": "event_log", "event_log": {"atomic_fact": "Alice likes spicy food."}}
]
`

func newLoader(t *testing.T, sink Sink, opts ...Option) *Loader {
	t.Helper()
	l, err := NewLoader(sink, append([]Option{WithLogger(logging.Nop())}, opts...)...)
	require.NoError(t, err)
	return l
}

func TestNewLoader_NilSink(t *testing.T) {
	_, err := NewLoader(nil)
	assert.ErrorIs(t, err, ErrNilSink)
}

func TestLoad_Formats(t *testing.T) {
	t.Run("json lines", func(t *testing.T) {
		// Given a JSONL file with a blank line and an omitted kind
		sink := &recordingSink{}
		l := newLoader(t, sink)

		// When loading
		stats, err := l.Load(context.Background(), strings.NewReader(jsonlFixture))

		// Then every item is written once and the kind is inferred
		require.NoError(t, err)
		assert.Equal(t, []string{"ep-1", "ev-1", "ep-2"}, sink.ids())
		assert.Equal(t, Stats{Episodes: 2, EventLogs: 1, Batches: 1}, stats)
		assert.Equal(t, memory.KindEventLog, sink.batches[0][1].Kind)
		assert.Equal(t, "ep-1", sink.batches[0][1].EventLog.ParentEpisodeID)
		assert.Equal(t, 1, sink.saves)
	})

	t.Run("json array", func(t *testing.T) {
		sink := &recordingSink{}
		stats, err := newLoader(t, sink).Load(context.Background(), strings.NewReader(arrayFixture))

		require.NoError(t, err)
		assert.Equal(t, []string{"ep-1", "ev-1"}, sink.ids())
		assert.Equal(t, 2, stats.Total())
	})

	t.Run("empty input", func(t *testing.T) {
		sink := &recordingSink{}
		stats, err := newLoader(t, sink).Load(context.Background(), strings.NewReader("  \n"))

		require.NoError(t, err)
		assert.Zero(t, stats.Total())
		assert.Empty(t, sink.batches)
	})

	t.Run("empty array", func(t *testing.T) {
		sink := &recordingSink{}
		stats, err := newLoader(t, sink).Load(context.Background(), strings.NewReader("[]"))

		require.NoError(t, err)
		assert.Zero(t, stats.Batches)
	})
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"missing id", `{"episode": {"episode_text": "x"}}`, "missing id"},
		{"both variants", `{"id": "a", "episode": {"episode_text": "x"}, "event_log": {"atomic_fact": "y"}}`, "cannot be inferred"},
		{"no variant", `{"id": "a"}`, "cannot be inferred"},
		{"kind mismatch", `{"id": "a", "kind": "episode", "event_log": {"atomic_fact": "y"}}`, "exactly an episode body"},
		{"unknown kind", `{"id": "a", "kind": "profile", "episode": {"episode_text": "x"}}`, "unknown kind"},
		{"blank text", `{"id": "a", "event_log": {"atomic_fact": "  "}}`, "no text to index"},
		{"duplicate id", `{"id": "a", "event_log": {"atomic_fact": "x"}}` + "\n" + `{"id": "a", "event_log": {"atomic_fact": "y"}}`, "already used by item 1"},
		{"not json", `hello`, "item 1 is not valid JSON"},
		{"truncated array", `[{"id": "a", "event_log": {"atomic_fact": "x"}}`, "item file"},
		{"bad timestamp", `{"id": "a", "event_log": {"atomic_fact": "x", "timestamp": "yesterday"}}`, "not valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newLoader(t, &recordingSink{}).Load(context.Background(), strings.NewReader(tt.input))

			require.Error(t, err)
			assert.Equal(t, amerrors.ErrCodeInvalidArgument, amerrors.GetCode(err))
			assert.Contains(t, amerrors.Describe(err), tt.want)
		})
	}
}

func TestLoad_Batches(t *testing.T) {
	// Given seven items and a batch size of three
	var b strings.Builder
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		b.WriteString(`{"id": "` + id + `", "event_log": {"atomic_fact": "fact ` + id + `"}}` + "\n")
	}
	sink := &recordingSink{}
	var seen []Stats
	l := newLoader(t, sink, WithBatchSize(3), WithProgress(func(s Stats) { seen = append(seen, s) }))

	// When loading
	stats, err := l.Load(context.Background(), strings.NewReader(b.String()))

	// Then the sink got 3+3+1 and progress followed each batch
	require.NoError(t, err)
	require.Len(t, sink.batches, 3)
	assert.Len(t, sink.batches[2], 1)
	assert.Equal(t, Stats{EventLogs: 7, Batches: 3}, stats)
	require.Len(t, seen, 3)
	assert.Equal(t, 6, seen[1].Total())
}

func TestLoad_StopsOnBadItemAfterEarlierBatches(t *testing.T) {
	input := `{"id": "a", "event_log": {"atomic_fact": "x"}}
{"id": "b", "event_log": {"atomic_fact": "y"}}
{"id": "", "event_log": {"atomic_fact": "z"}}`
	sink := &recordingSink{}

	stats, err := newLoader(t, sink, WithBatchSize(2)).Load(context.Background(), strings.NewReader(input))

	require.Error(t, err)
	assert.Contains(t, amerrors.Describe(err), "item 3")
	assert.Equal(t, 2, stats.Total(), "the first batch was already written")
	assert.Zero(t, sink.saves)
}

func TestLoad_SinkErrors(t *testing.T) {
	t.Run("add", func(t *testing.T) {
		sink := &recordingSink{addErr: errors.New("disk full")}

		_, err := newLoader(t, sink).Load(context.Background(), strings.NewReader(arrayFixture))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "add batch 1")
		assert.Contains(t, err.Error(), "disk full")
	})

	t.Run("save", func(t *testing.T) {
		sink := &recordingSink{saveErr: errors.New("read-only fs")}

		stats, err := newLoader(t, sink).Load(context.Background(), strings.NewReader(arrayFixture))

		require.Error(t, err)
		assert.Contains(t, err.Error(), "save store")
		assert.Equal(t, 2, stats.Total())
	})
}

func TestLoad_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sink := &recordingSink{}

	_, err := newLoader(t, sink).Load(ctx, strings.NewReader(arrayFixture))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.batches)
}

func TestLoadFile(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := newLoader(t, &recordingSink{}).LoadFile(context.Background(), filepath.Join(t.TempDir(), "nope.jsonl"))

		assert.Equal(t, amerrors.ErrCodeFileNotFound, amerrors.GetCode(err))
	})

	t.Run("into a store", func(t *testing.T) {
		// Given an on-disk store and a fixture file
		dir := t.TempDir()
		path := filepath.Join(dir, "items.jsonl")
		require.NoError(t, os.WriteFile(path, []byte(jsonlFixture), 0644))
		st, err := store.Open(context.Background(), store.Options{
			DataDir:     filepath.Join(dir, "data"),
			BM25Backend: store.BM25BackendSQLite,
			Logger:      logging.Nop(),
		}, embed.NewStaticEmbedder())
		require.NoError(t, err)
		defer func() { _ = st.Close() }()

		// When loading the file
		stats, err := newLoader(t, st).LoadFile(context.Background(), path)

		// Then both collections are populated and searchable
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Total())
		assert.Equal(t, 2, st.Count(memory.SourceMemCell))
		assert.Equal(t, 1, st.Count(memory.SourceEventLog))

		hits, err := st.LexicalSearch(context.Background(), memory.SourceMemCell, "上海出差", nil, 5)
		require.NoError(t, err)
		require.NotEmpty(t, hits)
		assert.Equal(t, "ep-2", hits[0].Item.ID)
	})
}
