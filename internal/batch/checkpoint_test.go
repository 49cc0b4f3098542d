package batch

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0644)
}

func sampleResults(conv string, n int) []memory.SearchResult {
	out := make([]memory.SearchResult, 0, n)
	for i := 0; i < n; i++ {
		res := memory.NewSearchResult("北京旅游美食")
		res.ConversationID = conv
		res.QuestionID = conv + "_q"
		res.Results = []memory.ScoredItem{{
			Item:       memory.NewEventLog("ev-1", memory.EventLogFact{AtomicFact: "Alice 想在北京吃烤鸭。", Timestamp: baseTime}),
			Score:      0.0328,
			SourceRank: 1,
		}}
		res.Metadata[memory.MetaRoundsUsed] = 1
		out = append(out, res)
	}
	return out
}

// checkpointContract runs the behavior every CheckpointStore must share.
func checkpointContract(t *testing.T, store CheckpointStore) {
	ctx := context.Background()

	t.Run("empty load", func(t *testing.T) {
		groups, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, groups)
	})

	t.Run("save and load", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "locomo_1", sampleResults("locomo_1", 2)))
		require.NoError(t, store.Save(ctx, "locomo_2", sampleResults("locomo_2", 1)))

		groups, err := store.Load(ctx)
		require.NoError(t, err)
		require.Len(t, groups, 2)
		require.Len(t, groups["locomo_1"], 2)
		got := groups["locomo_1"][0]
		assert.Equal(t, "locomo_1", got.ConversationID)
		assert.Equal(t, "ev-1", got.Results[0].ID())
		assert.InDelta(t, 0.0328, got.Results[0].Score, 1e-9)
		assert.True(t, baseTime.Equal(got.Results[0].Item.Timestamp()))
	})

	t.Run("save replaces a group", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, "locomo_1", sampleResults("locomo_1", 1)))

		groups, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Len(t, groups["locomo_1"], 1)
		assert.Len(t, groups, 2)
	})

	t.Run("bind keeps only groups of the same batch", func(t *testing.T) {
		// Given groups saved before any batch was bound
		discarded, err := store.Bind(ctx, "batch-a")
		require.NoError(t, err)
		assert.Equal(t, 2, discarded, "unbound groups belong to no known batch")

		// When the same batch saves and binds again
		require.NoError(t, store.Save(ctx, "locomo_1", sampleResults("locomo_1", 1)))
		discarded, err = store.Bind(ctx, "batch-a")
		require.NoError(t, err)
		assert.Zero(t, discarded)
		groups, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Len(t, groups, 1)

		// Then a different batch starts from nothing
		discarded, err = store.Bind(ctx, "batch-b")
		require.NoError(t, err)
		assert.Equal(t, 1, discarded)
		groups, err = store.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, groups)

		require.NoError(t, store.Save(ctx, "locomo_2", sampleResults("locomo_2", 1)))
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx))
		groups, err := store.Load(ctx)
		require.NoError(t, err)
		assert.Empty(t, groups)

		assert.NoError(t, store.Delete(ctx), "deleting twice is fine")
	})
}

func TestMemoryCheckpointStore(t *testing.T) {
	checkpointContract(t, NewMemoryCheckpointStore())
}

func TestFileCheckpointStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "search_checkpoint.json")
	store := NewFileCheckpointStore(path)
	assert.Equal(t, path, store.Path())

	checkpointContract(t, store)

	t.Run("survives reopen", func(t *testing.T) {
		require.NoError(t, store.Save(context.Background(), "locomo_3", sampleResults("locomo_3", 1)))
		assert.NoFileExists(t, path+".tmp")

		groups, err := NewFileCheckpointStore(path).Load(context.Background())
		require.NoError(t, err)
		assert.Contains(t, groups, "locomo_3")
	})

	t.Run("fingerprint survives reopen", func(t *testing.T) {
		ctx := context.Background()
		_, err := store.Bind(ctx, "batch-a")
		require.NoError(t, err)
		require.NoError(t, store.Save(ctx, "locomo_5", sampleResults("locomo_5", 1)))

		reopened := NewFileCheckpointStore(path)
		discarded, err := reopened.Bind(ctx, "batch-a")
		require.NoError(t, err)
		assert.Zero(t, discarded)
		groups, err := reopened.Load(ctx)
		require.NoError(t, err)
		assert.Contains(t, groups, "locomo_5")
	})

	t.Run("version 1 file is discarded on bind", func(t *testing.T) {
		old := filepath.Join(dir, "v1.json")
		require.NoError(t, writeFile(old, `{"version":1,"groups":{"locomo_1":[]}}`))

		discarded, err := NewFileCheckpointStore(old).Bind(context.Background(), "batch-a")

		require.NoError(t, err)
		assert.Equal(t, 1, discarded)
	})

	t.Run("corrupt file", func(t *testing.T) {
		bad := filepath.Join(dir, "corrupt.json")
		require.NoError(t, writeFile(bad, `{"version":1,"groups":`))

		_, err := NewFileCheckpointStore(bad).Load(context.Background())

		require.Error(t, err)
		assert.Equal(t, amerrors.ErrCodeCheckpointCorrupt, amerrors.GetCode(err))
		assert.True(t, amerrors.IsFatal(err))
		re, ok := amerrors.As(err)
		require.True(t, ok)
		assert.NotEmpty(t, re.Suggestion)
	})

	t.Run("lock held elsewhere", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		other := NewFileCheckpointStore(filepath.Join(dir, "locked.json"))
		holder := NewFileCheckpointStore(filepath.Join(dir, "locked.json"))
		require.NoError(t, holder.acquire(context.Background()))
		defer func() { _ = holder.lock.Unlock() }()

		err := other.Save(ctx, "locomo_1", nil)

		assert.Equal(t, amerrors.ErrCodeLockHeld, amerrors.GetCode(err))
	})
}

func TestSQLiteCheckpointStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	store, err := NewSQLiteCheckpointStore(path)
	require.NoError(t, err)

	checkpointContract(t, store)

	t.Run("survives reopen", func(t *testing.T) {
		require.NoError(t, store.Save(context.Background(), "locomo_4", sampleResults("locomo_4", 3)))
		require.NoError(t, store.Close())

		reopened, err := NewSQLiteCheckpointStore(path)
		require.NoError(t, err)
		defer func() { _ = reopened.Close() }()

		groups, err := reopened.Load(context.Background())
		require.NoError(t, err)
		assert.Len(t, groups["locomo_4"], 3)

		_, err = reopened.Bind(context.Background(), "batch-a")
		require.NoError(t, err)
		require.NoError(t, reopened.Save(context.Background(), "locomo_5", sampleResults("locomo_5", 1)))
		require.NoError(t, reopened.Close())

		again, err := NewSQLiteCheckpointStore(path)
		require.NoError(t, err)
		defer func() { _ = again.Close() }()
		discarded, err := again.Bind(context.Background(), "batch-a")
		require.NoError(t, err)
		assert.Zero(t, discarded, "fingerprint persists")
	})

	t.Run("closed store", func(t *testing.T) {
		_, err := store.Load(context.Background())
		assert.Error(t, err)
	})
}

func TestSQLiteCheckpointStore_InMemory(t *testing.T) {
	store, err := NewSQLiteCheckpointStore("")
	require.NoError(t, err)
	defer func() { _ = store.Close() }()

	checkpointContract(t, store)
}
