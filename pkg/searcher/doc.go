// Package searcher is the public entry point of the retrieval engine.
//
// A [Searcher] is built from one config.Config and wires the memory store,
// the embedding provider, the LLM client and the agentic orchestrator:
//
//	┌──────────────────────────────────────────────────────────┐
//	│                        Searcher                          │
//	│   Retrieve / RunBatch                                    │
//	│        │                                                 │
//	│   ┌────▼─────────────┐    ┌──────────────────────────┐   │
//	│   │  Orchestrator    │───▶│ Judge + Rewriter (LLM)   │   │
//	│   └────┬─────────────┘    └──────────────────────────┘   │
//	│   ┌────▼─────────────┐                                   │
//	│   │  Retriever (RRF) │                                   │
//	│   └──┬────────────┬──┘                                   │
//	│  ┌───▼───┐    ┌───▼───┐                                  │
//	│  │ HNSW  │    │ BM25  │   store.Store                    │
//	│  └───────┘    └───────┘                                  │
//	└──────────────────────────────────────────────────────────┘
//
// # Usage
//
//	cfg, _ := config.Load(".")
//	s, err := searcher.New(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	res, err := s.Retrieve(ctx, "北京旅游美食", memory.SourceMemCell, memory.ModeRRF, 10, nil)
//
// Batch runs are checkpointed per conversation:
//
//	results, err := s.RunBatch(ctx, queries, 20)
//
// # Thread Safety
//
// A Searcher is safe for concurrent use.
package searcher
