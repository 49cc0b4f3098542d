package judge

import (
	"fmt"
	"strings"

	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

const (
	// DefaultMaxDocs is used when Format is given a non-positive maxDocs.
	DefaultMaxDocs = 10
	// maxContentRunes truncates long episodes in the prompt.
	maxContentRunes = 500

	noResults  = "No retrieval results"
	timeLayout = "2006-01-02 15:04:05"
)

// Format renders at most maxDocs candidates as numbered memory blocks for
// an LLM prompt. Extra candidates are dropped silently.
func Format(items []memory.ScoredItem, maxDocs int) string {
	if maxDocs <= 0 {
		maxDocs = DefaultMaxDocs
	}
	items = memory.Truncate(items, maxDocs)
	if len(items) == 0 {
		return noResults
	}

	blocks := make([]string, 0, len(items))
	for i, it := range items {
		var b strings.Builder
		fmt.Fprintf(&b, "[Memory %d]\n", i+1)
		fmt.Fprintf(&b, "Time: %s\n", formatTime(it.Item))
		if subject := it.Item.Subject(); subject != "" {
			fmt.Fprintf(&b, "Subject: %s\n", subject)
		}
		fmt.Fprintf(&b, "Content: %s\n", truncateRunes(promptContent(it.Item), maxContentRunes))
		fmt.Fprintf(&b, "Relevance score: %.4f\n", it.Score)
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n")
}

func formatTime(item memory.MemoryItem) string {
	ts := item.Timestamp()
	if ts.IsZero() {
		return "N/A"
	}
	return ts.Format(timeLayout)
}

// promptContent prefers the full episode narrative over its summary.
func promptContent(item memory.MemoryItem) string {
	if ep := item.Episode; ep != nil {
		for _, s := range []string{ep.EpisodeText, ep.Summary, ep.Subject} {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
		return "N/A"
	}
	if content := strings.TrimSpace(item.Content()); content != "" {
		return content
	}
	return "N/A"
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
