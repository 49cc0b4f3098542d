package batch

import (
	"sort"
	"strconv"
	"strings"

	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

// UnknownGroup collects queries that carry no conversation id.
const UnknownGroup = "unknown"

// Group is the queries of one conversation, in input order.
type Group struct {
	ID      string
	Queries []memory.Query
}

// groupKey splits "locomo_10" into ("locomo", 10, true). Ids without a
// numeric suffix after the last underscore report false.
func groupKey(id string) (string, int, bool) {
	i := strings.LastIndexByte(id, '_')
	if i < 0 || i == len(id)-1 {
		return id, 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || strings.ContainsAny(id[i+1:], "+-") {
		return id, 0, false
	}
	return id[:i], n, true
}

// GroupLess orders group ids by prefix and then numeric suffix when one is
// present, so "conv_2" sorts before "conv_10". Other ids sort
// lexicographically.
func GroupLess(a, b string) bool {
	pa, na, _ := groupKey(a)
	pb, nb, _ := groupKey(b)
	if pa != pb {
		return pa < pb
	}
	if na != nb {
		return na < nb
	}
	return a < b
}

// GroupQueries buckets queries by conversation id and returns the groups
// in GroupLess order.
func GroupQueries(queries []memory.Query) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, q := range queries {
		id := q.ConversationID
		if id == "" {
			id = UnknownGroup
		}
		i, ok := index[id]
		if !ok {
			i = len(groups)
			index[id] = i
			groups = append(groups, Group{ID: id})
		}
		groups[i].Queries = append(groups[i].Queries, q)
	}
	sort.SliceStable(groups, func(i, j int) bool { return GroupLess(groups[i].ID, groups[j].ID) })
	return groups
}
