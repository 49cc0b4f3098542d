package batch

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

func TestGroupKey(t *testing.T) {
	tests := []struct {
		id     string
		prefix string
		n      int
		ok     bool
	}{
		{"locomo_10", "locomo", 10, true},
		{"long_mem_eval_3", "long_mem_eval", 3, true},
		{"conv-1", "conv-1", 0, false},
		{"conv_", "conv_", 0, false},
		{"conv_a", "conv_a", 0, false},
		{"conv_+1", "conv_+1", 0, false},
		{"_7", "", 7, true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			prefix, n, ok := groupKey(tt.id)
			assert.Equal(t, tt.prefix, prefix)
			assert.Equal(t, tt.n, n)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestGroupLess(t *testing.T) {
	ids := []string{"locomo_10", "beta", "locomo_2", "alpha", "locomo_1", "locomo_02", "unknown"}

	sort.SliceStable(ids, func(i, j int) bool { return GroupLess(ids[i], ids[j]) })

	assert.Equal(t, []string{"alpha", "beta", "locomo_1", "locomo_02", "locomo_2", "locomo_10", "unknown"}, ids)
}

func TestGroupQueries(t *testing.T) {
	// Given queries interleaved across conversations
	queries := []memory.Query{
		{QuestionID: "1", ConversationID: "conv_3"},
		{QuestionID: "2"},
		{QuestionID: "3", ConversationID: "conv_1"},
		{QuestionID: "4", ConversationID: "conv_3"},
	}

	// When grouping
	groups := GroupQueries(queries)

	// Then groups are ordered and keep per-group input order
	assert.Len(t, groups, 3)
	assert.Equal(t, "conv_1", groups[0].ID)
	assert.Equal(t, "conv_3", groups[1].ID)
	assert.Equal(t, "1", groups[1].Queries[0].QuestionID)
	assert.Equal(t, "4", groups[1].Queries[1].QuestionID)
	assert.Equal(t, UnknownGroup, groups[2].ID)

	assert.Empty(t, GroupQueries(nil))
}
