// Package output formats evermem CLI output.
package output

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

// SnippetRunes caps the text shown per result.
const SnippetRunes = 120

// Writer prints human-readable CLI output. Write errors are ignored.
type Writer struct {
	out io.Writer
}

// New creates a Writer.
func New(out io.Writer) *Writer {
	return &Writer{out: out}
}

// Status prints msg after icon, or indented when icon is empty.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf is Status with formatting.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Successf prints a success line.
func (w *Writer) Successf(format string, args ...any) {
	w.Status("✅", fmt.Sprintf(format, args...))
}

// Warningf prints a warning line.
func (w *Writer) Warningf(format string, args ...any) {
	w.Status("⚠️ ", fmt.Sprintf(format, args...))
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// Progress redraws a progress bar in place, ending the line when
// current reaches total.
func (w *Writer) Progress(current, total int, msg string) {
	if total <= 0 {
		return
	}
	pct := float64(current) / float64(total) * 100
	_, _ = fmt.Fprintf(w.out, "\r[%s] %.0f%% %s", renderProgressBar(current, total, 30), pct, msg)
	if current >= total {
		_, _ = fmt.Fprintln(w.out)
	}
}

// Result prints a ranked result list followed by its retrieval metadata.
func (w *Writer) Result(res memory.SearchResult) {
	w.Statusf("🔍", "%s", res.Query)
	if len(res.Results) == 0 {
		w.Status("", "No memories found")
	}
	for i, it := range res.Results {
		_, _ = fmt.Fprintf(w.out, "%3d. [%.4f] %s  %s\n", i+1, it.Score, it.Item.ID, header(it.Item))
		_, _ = fmt.Fprintf(w.out, "      %s\n", Snippet(it.Item.Content(), SnippetRunes))
	}
	if len(res.Metadata) > 0 {
		w.Newline()
		w.Metadata(res.Metadata)
	}
}

// Metadata prints metadata as sorted key: value lines.
func (w *Writer) Metadata(meta map[string]any) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w.out, "   %s: %v\n", k, meta[k])
	}
}

func header(item memory.MemoryItem) string {
	var parts []string
	if ts := item.Timestamp(); !ts.IsZero() {
		parts = append(parts, ts.Format("2006-01-02 15:04"))
	}
	if s := item.Subject(); s != "" {
		parts = append(parts, s)
	}
	parts = append(parts, "("+string(item.Kind)+")")
	return strings.Join(parts, " ")
}

// Snippet collapses whitespace in s and cuts it to n runes.
func Snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}

func renderProgressBar(current, total, width int) string {
	if total <= 0 {
		return strings.Repeat("░", width)
	}
	filled := int(float64(current) / float64(total) * float64(width))
	filled = min(max(filled, 0), width)
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}
