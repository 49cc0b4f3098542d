package cmd

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhisenyang/EverMemOS-sub003/internal/batch"
	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

const queriesFixture = `[
  {"question_id": "q3", "query": "Beijing hiking", "conversation_id": "conv-2"},
  {"question_id": "q1", "query": "上海出差", "conversation_id": "conv-1"},
  {"question_id": "q2", "query": "北京旅游", "conversation_id": "conv-1"}
]`

func TestBatchCmd(t *testing.T) {
	// Given an imported store and a query file spanning two conversations
	env := newTestEnv(t)
	env.importFixture(t)
	input := env.write(t, "queries.json", queriesFixture)
	outPath := filepath.Join(env.root, "out", "results.json")

	// When running the batch
	_, stderr, err := env.run(t, "batch", input, "-o", outPath, "--single-pass", "-m", "bm25", "--concurrency", "2")

	// Then results are grouped per conversation in order and scoped to it
	require.NoError(t, err)
	assert.Contains(t, stderr, "Answered 3 queries")
	assert.Contains(t, stderr, "100%")

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var grouped []batch.ConversationResults
	require.NoError(t, json.Unmarshal(data, &grouped))
	require.Len(t, grouped, 2)
	assert.Equal(t, "conv-1", grouped[0].ConversationID)
	assert.Equal(t, "conv-2", grouped[1].ConversationID)
	require.Len(t, grouped[0].Results, 2)
	for _, res := range grouped[0].Results {
		for _, it := range res.Results {
			assert.Equal(t, "conv-1", it.Item.GroupID)
		}
	}
	assert.Equal(t, []string{"ep-3"}, memory.IDs(grouped[1].Results[0].Results))
	assert.Equal(t, "ep-2", grouped[0].Results[0].Results[0].Item.ID, "q1 keeps input order within the group")

	// And the checkpoint was removed after the complete run
	assert.NoFileExists(t, filepath.Join(env.dataDir, "checkpoints", "search_checkpoint.json"))
}

func TestBatchCmd_Stdout(t *testing.T) {
	env := newTestEnv(t)
	env.importFixture(t)
	input := env.write(t, "queries.json", `[{"question_id": "q1", "query": "外滩酒店", "conversation_id": "conv-1"}]`)

	out, _, err := env.run(t, "batch", input, "--single-pass", "-m", "bm25", "-s", "event_log", "--no-progress")

	require.NoError(t, err)
	var grouped []batch.ConversationResults
	require.NoError(t, json.Unmarshal([]byte(out), &grouped))
	require.Len(t, grouped, 1)
	assert.Equal(t, []string{"ev-1"}, memory.IDs(grouped[0].Results[0].Results))
}

func TestBatchCmd_BadInput(t *testing.T) {
	env := newTestEnv(t)

	t.Run("missing", func(t *testing.T) {
		_, _, err := env.run(t, "batch", filepath.Join(env.root, "nope.json"))
		assert.Equal(t, amerrors.ErrCodeFileNotFound, amerrors.GetCode(err))
	})

	t.Run("blank query", func(t *testing.T) {
		input := env.write(t, "blank.json", `[{"question_id": "q1", "query": " ", "conversation_id": "c"}]`)
		_, _, err := env.run(t, "batch", input, "--single-pass")
		assert.Equal(t, amerrors.ErrCodeQueryEmpty, amerrors.GetCode(err))
	})
}

func TestCountFailed(t *testing.T) {
	ok := memory.NewSearchResult("a")
	failed := memory.NewSearchResult("b")
	failed.Metadata[memory.MetaError] = "Search timeout after retries"
	partial := memory.NewSearchResult("c")
	partial.Metadata[memory.MetaError] = "vector backend unavailable"
	partial.Results = []memory.ScoredItem{{Item: memory.NewEventLog("ev-1", memory.EventLogFact{AtomicFact: "x"})}}

	assert.Equal(t, 1, countFailed([]memory.SearchResult{ok, failed, partial}))
}
