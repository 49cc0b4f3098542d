package memory

import "sort"

// ScoredItem is one ranked candidate. SourceRank is the 1-based position
// in the list that produced it.
type ScoredItem struct {
	Item       MemoryItem `json:"item"`
	Score      float64    `json:"score"`
	SourceRank int        `json:"source_rank"`
}

// ID is shorthand for s.Item.ID.
func (s ScoredItem) ID() string { return s.Item.ID }

// Less orders by score descending, then source rank ascending, then id
// ascending. It is the single ordering rule for every result list.
func Less(a, b ScoredItem) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.SourceRank != b.SourceRank {
		return a.SourceRank < b.SourceRank
	}
	return a.Item.ID < b.Item.ID
}

// SortScored sorts items in place by Less.
func SortScored(items []ScoredItem) {
	sort.SliceStable(items, func(i, j int) bool { return Less(items[i], items[j]) })
}

// Rerank assigns SourceRank = position+1 in the current order.
func Rerank(items []ScoredItem) {
	for i := range items {
		items[i].SourceRank = i + 1
	}
}

// Truncate returns at most limit items. A non-positive limit returns the
// input unchanged.
func Truncate(items []ScoredItem, limit int) []ScoredItem {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}

// AboveThreshold drops items scoring below min. A non-positive min is a no-op.
func AboveThreshold(items []ScoredItem, min float64) []ScoredItem {
	if min <= 0 {
		return items
	}
	out := items[:0:0]
	for _, it := range items {
		if it.Score >= min {
			out = append(out, it)
		}
	}
	return out
}

// IDs returns the item ids in order.
func IDs(items []ScoredItem) []string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.Item.ID
	}
	return ids
}
