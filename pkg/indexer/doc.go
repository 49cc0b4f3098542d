// Package indexer loads prepared memory items into a store.
//
// Items are read from a JSON array or from JSON Lines, validated, and
// handed to a [Sink] in batches:
//
//	┌──────────────┐   ┌──────────┐   ┌──────────────────┐
//	│ items.jsonl  │──▶│  Loader  │──▶│ Sink (store.Add) │
//	└──────────────┘   └──────────┘   └──────────────────┘
//
// Each line (or array element) is one memory item:
//
//	{"id": "ep-1", "kind": "episode", "group_id": "conv-1",
//	 "episode": {"episode_text": "...", "timestamp": "2024-03-15T10:00:00Z"}}
//
// kind may be omitted when exactly one of episode or event_log is set.
//
// # Usage
//
//	l, err := indexer.NewLoader(st, indexer.WithBatchSize(128))
//	if err != nil {
//	    return err
//	}
//	stats, err := l.LoadFile(ctx, "fixtures/locomo_items.jsonl")
//
// The loader does not extract or consolidate memories; it only populates
// a store with items produced elsewhere.
package indexer
