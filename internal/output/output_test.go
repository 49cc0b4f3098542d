package output

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

func TestWriter_StatusLines(t *testing.T) {
	buf := &bytes.Buffer{}
	w := New(buf)

	w.Status("🔍", "Loading store")
	w.Status("", "indented")
	w.Successf("Wrote %d results", 3)
	w.Warningf("%d queries degraded", 1)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, "🔍 Loading store", lines[0])
	assert.Equal(t, "   indented", lines[1])
	assert.Equal(t, "✅ Wrote 3 results", lines[2])
	assert.Contains(t, lines[3], "1 queries degraded")
}

func TestWriter_Progress(t *testing.T) {
	t.Run("in place until complete", func(t *testing.T) {
		buf := &bytes.Buffer{}
		w := New(buf)

		w.Progress(1, 4, "locomo_0")
		assert.True(t, strings.HasPrefix(buf.String(), "\r["))
		assert.Contains(t, buf.String(), "25%")
		assert.False(t, strings.HasSuffix(buf.String(), "\n"))

		w.Progress(4, 4, "done")
		assert.True(t, strings.HasSuffix(buf.String(), "\n"))
	})

	t.Run("zero total prints nothing", func(t *testing.T) {
		buf := &bytes.Buffer{}
		New(buf).Progress(0, 0, "x")
		assert.Empty(t, buf.String())
	})
}

func TestRenderProgressBar(t *testing.T) {
	assert.Equal(t, "█████░░░░░", renderProgressBar(5, 10, 10))
	assert.Equal(t, "██████████", renderProgressBar(12, 10, 10))
	assert.Equal(t, "░░░░░░░░░░", renderProgressBar(1, 0, 10))
}

func TestWriter_Result(t *testing.T) {
	// Given a result with one episode and metadata
	ep := memory.NewEpisode("ep-1", memory.Episode{
		EpisodeText: "Alice 计划去北京旅游，\n想吃烤鸭。",
		Subject:     "北京旅游",
		Timestamp:   time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC),
	})
	res := memory.NewSearchResult("北京旅游美食")
	res.Results = []memory.ScoredItem{{Item: ep, Score: 0.0328, SourceRank: 1}}
	res.Metadata[memory.MetaRoundsUsed] = 1
	res.Metadata[memory.MetaFinalCount] = 1
	buf := &bytes.Buffer{}

	// When printing
	New(buf).Result(res)

	// Then rank, score, header, flattened text and sorted metadata appear
	out := buf.String()
	assert.Contains(t, out, "🔍 北京旅游美食")
	assert.Contains(t, out, "  1. [0.0328] ep-1  2024-03-15 10:00 北京旅游 (episode)")
	assert.Contains(t, out, "Alice 计划去北京旅游， 想吃烤鸭。")
	assert.Less(t, strings.Index(out, "final_count: 1"), strings.Index(out, "rounds_used: 1"))
}

func TestWriter_ResultEmpty(t *testing.T) {
	buf := &bytes.Buffer{}
	res := memory.NewSearchResult("nothing")

	New(buf).Result(res)

	assert.Contains(t, buf.String(), "No memories found")
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "a b c", Snippet("a\n  b\tc", 10))
	assert.Equal(t, "北京…", Snippet("北京旅游", 2))
	assert.Equal(t, "北京旅游", Snippet("北京旅游", 0))
}
