// Package searchtest provides in-memory retrieval backends for tests.
package searchtest

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhisenyang/EverMemOS-sub003/internal/embed"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
	"github.com/zhisenyang/EverMemOS-sub003/internal/store"
)

// Backend serves VectorSearch and LexicalSearch over a fixed item set.
// Vector scores are cosine similarity against static embeddings; lexical
// scores count shared terms. Only items scoring above zero are returned.
type Backend struct {
	// VectorErr and LexicalErr fail every call of that port when set.
	VectorErr  error
	LexicalErr error
	// FailLexical fails lexical calls for matching query text.
	FailLexical func(text string) error
	// Delay holds every call until it elapses or the context ends.
	Delay time.Duration
	// Ceiling is reported by MaxLimit when positive.
	Ceiling int
	// Repeat returns every hit this many extra times, like an index holding
	// stale duplicate rows.
	Repeat int

	mu      sync.Mutex
	items   map[memory.DataSource][]memory.MemoryItem
	vectors map[string][]float32
	static  *embed.StaticEmbedder

	vectorCalls  atomic.Int64
	lexicalCalls atomic.Int64
	limits       []int
}

// NewBackend creates a Backend. Items are routed by kind.
func NewBackend(items ...memory.MemoryItem) *Backend {
	b := &Backend{
		items:   make(map[memory.DataSource][]memory.MemoryItem),
		vectors: make(map[string][]float32),
		static:  embed.NewStaticEmbedder(),
	}
	b.Add(items...)
	return b
}

// Add stores items.
func (b *Backend) Add(items ...memory.MemoryItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, it := range items {
		src := memory.SourceMemCell
		if it.Kind == memory.KindEventLog {
			src = memory.SourceEventLog
		}
		b.items[src] = append(b.items[src], it)
		vec, _ := b.static.Embed(context.Background(), it.SearchText())
		b.vectors[it.ID] = vec
	}
}

// VectorSearch implements search.VectorBackend.
func (b *Backend) VectorSearch(ctx context.Context, source memory.DataSource, vector []float32, filters memory.Filters, limit int) ([]memory.ScoredItem, error) {
	b.vectorCalls.Add(1)
	b.recordLimit(limit)
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	if b.VectorErr != nil {
		return nil, b.VectorErr
	}
	return b.rank(source, filters, limit, func(it memory.MemoryItem) float64 {
		return embed.Cosine(vector, b.vectors[it.ID])
	}), nil
}

// LexicalSearch implements search.LexicalBackend.
func (b *Backend) LexicalSearch(ctx context.Context, source memory.DataSource, text string, filters memory.Filters, limit int) ([]memory.ScoredItem, error) {
	b.lexicalCalls.Add(1)
	b.recordLimit(limit)
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	if b.LexicalErr != nil {
		return nil, b.LexicalErr
	}
	if b.FailLexical != nil {
		if err := b.FailLexical(text); err != nil {
			return nil, err
		}
	}

	terms := make(map[string]struct{})
	for _, t := range store.Tokenize(text) {
		terms[t] = struct{}{}
	}
	return b.rank(source, filters, limit, func(it memory.MemoryItem) float64 {
		seen := make(map[string]struct{})
		for _, t := range store.Tokenize(it.SearchText()) {
			if _, ok := terms[t]; ok {
				seen[t] = struct{}{}
			}
		}
		return float64(len(seen))
	}), nil
}

// MaxLimit implements search.LimitCeiling.
func (b *Backend) MaxLimit(memory.DataSource) int { return b.Ceiling }

// VectorCalls returns how many vector searches ran.
func (b *Backend) VectorCalls() int { return int(b.vectorCalls.Load()) }

// LexicalCalls returns how many lexical searches ran.
func (b *Backend) LexicalCalls() int { return int(b.lexicalCalls.Load()) }

// Calls returns the total number of backend searches.
func (b *Backend) Calls() int { return b.VectorCalls() + b.LexicalCalls() }

// Limits returns the limits passed to every call so far.
func (b *Backend) Limits() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.limits...)
}

func (b *Backend) recordLimit(limit int) {
	b.mu.Lock()
	b.limits = append(b.limits, limit)
	b.mu.Unlock()
}

func (b *Backend) wait(ctx context.Context) error {
	if b.Delay <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(b.Delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Backend) rank(source memory.DataSource, filters memory.Filters, limit int, score func(memory.MemoryItem) float64) []memory.ScoredItem {
	b.mu.Lock()
	items := append([]memory.MemoryItem(nil), b.items[source]...)
	b.mu.Unlock()

	out := make([]memory.ScoredItem, 0, len(items))
	for _, it := range items {
		if !filters.Match(it) {
			continue
		}
		if s := score(it); s > 0 {
			out = append(out, memory.ScoredItem{Item: it, Score: s})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Item.ID < out[j].Item.ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	memory.Rerank(out)
	if b.Repeat > 0 {
		hits := out
		for i := 0; i < b.Repeat; i++ {
			out = append(out, hits...)
		}
	}
	return out
}

// Embedder wraps the static embedder with call counting and failure
// injection.
type Embedder struct {
	// Fail fails Embed for matching text.
	Fail func(text string) error

	inner *embed.StaticEmbedder
	calls atomic.Int64
}

// NewEmbedder creates an Embedder.
func NewEmbedder() *Embedder {
	return &Embedder{inner: embed.NewStaticEmbedder()}
}

// Embed implements search.QueryEmbedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.Fail != nil {
		if err := e.Fail(text); err != nil {
			return nil, err
		}
	}
	return e.inner.Embed(ctx, text)
}

// EmbedBatch embeds texts in order.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// Calls returns how many texts were embedded.
func (e *Embedder) Calls() int { return int(e.calls.Load()) }

// Corpus returns a small bilingual memory set about a Beijing trip, with
// both episodes and event-log facts in group "conv-1".
func Corpus() []memory.MemoryItem {
	day := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	episode := func(id, subject, text string, offset int) memory.MemoryItem {
		it := memory.NewEpisode(id, memory.Episode{
			EpisodeText:  text,
			Subject:      subject,
			Timestamp:    day.AddDate(0, 0, offset),
			Participants: []string{"alice", "bob"},
		})
		it.UserID, it.GroupID = "alice", "conv-1"
		return it
	}
	fact := func(id, text string, offset int) memory.MemoryItem {
		it := memory.NewEventLog(id, memory.EventLogFact{
			AtomicFact: text,
			Timestamp:  day.AddDate(0, 0, offset),
		})
		it.UserID, it.GroupID = "alice", "conv-1"
		return it
	}
	return []memory.MemoryItem{
		episode("ep-1", "北京旅游", "Alice 计划去北京旅游，想吃烤鸭和炸酱面等美食。", 0),
		episode("ep-2", "上海出差", "Bob 下周去上海出差，住在外滩附近。", 1),
		episode("ep-3", "北京美食", "他们讨论了北京的美食街和小吃。", 2),
		episode("ep-4", "Weekend hiking", "Alice went hiking near the Great Wall outside Beijing.", 3),
		fact("ev-1", "Alice 想在北京吃烤鸭。", 0),
		fact("ev-2", "Bob 住在上海外滩附近的酒店。", 1),
		fact("ev-3", "北京旅游最好在秋天。", 2),
		fact("ev-4", "Alice likes spicy food.", 3),
	}
}
