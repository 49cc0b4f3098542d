// Package search implements single-pass hybrid retrieval: the vector and
// lexical backend ports, the mode router, Reciprocal Rank Fusion, and the
// retriever that runs one query plan.
package search

import (
	"sort"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

// DefaultRRFConstant is the standard RRF smoothing parameter.
const DefaultRRFConstant = 60

// fused accumulates one id's contributions across lists.
type fused struct {
	item     memory.MemoryItem
	score    float64
	bestRank int
}

// Fuse combines ranked lists with Reciprocal Rank Fusion:
//
//	score(d) = Σ 1/(k + rank_i(d))
//
// over the lists containing d, with 1-based ranks. Lists that do not
// contain d contribute nothing. The first payload seen for an id wins and
// the fused SourceRank is the best rank across lists. Output is ordered by
// memory.Less. k <= 0 or an id repeated within one list is InvalidArgument.
func Fuse(lists [][]memory.ScoredItem, k int) ([]memory.ScoredItem, error) {
	if k <= 0 {
		return nil, amerrors.InvalidArgument("rrf constant must be positive, got %d", k)
	}

	capacity := 0
	for _, l := range lists {
		capacity += len(l)
	}
	scores := make(map[string]*fused, capacity)
	order := make([]string, 0, capacity)

	for li, list := range lists {
		seen := make(map[string]struct{}, len(list))
		for pos, it := range list {
			id := it.Item.ID
			if _, dup := seen[id]; dup {
				return nil, amerrors.InvalidArgument("duplicate id %q in ranked list %d", id, li)
			}
			seen[id] = struct{}{}

			rank := pos + 1
			f, ok := scores[id]
			if !ok {
				f = &fused{item: it.Item, bestRank: rank}
				scores[id] = f
				order = append(order, id)
			}
			f.score += 1.0 / float64(k+rank)
			if rank < f.bestRank {
				f.bestRank = rank
			}
		}
	}

	results := make([]memory.ScoredItem, 0, len(order))
	for _, id := range order {
		f := scores[id]
		results = append(results, memory.ScoredItem{Item: f.item, Score: f.score, SourceRank: f.bestRank})
	}
	sort.SliceStable(results, func(i, j int) bool { return memory.Less(results[i], results[j]) })
	return results, nil
}

// Fuse2 fuses exactly two lists.
func Fuse2(a, b []memory.ScoredItem, k int) ([]memory.ScoredItem, error) {
	return Fuse([][]memory.ScoredItem{a, b}, k)
}

// Dedupe keeps the first occurrence of each id and renumbers SourceRank
// to the surviving positions.
func Dedupe(items []memory.ScoredItem) []memory.ScoredItem {
	seen := make(map[string]struct{}, len(items))
	out := make([]memory.ScoredItem, 0, len(items))
	for _, it := range items {
		if _, dup := seen[it.Item.ID]; dup {
			continue
		}
		seen[it.Item.ID] = struct{}{}
		out = append(out, it)
	}
	memory.Rerank(out)
	return out
}
