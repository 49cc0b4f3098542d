package memory

// Metadata keys recorded in SearchResult.Metadata.
const (
	MetaRetrievalMode  = "retrieval_mode"
	MetaDataSource     = "data_source"
	MetaEmbCount       = "emb_count"
	MetaBM25Count      = "bm25_count"
	MetaEmbLatencyMs   = "emb_latency_ms"
	MetaBM25LatencyMs  = "bm25_latency_ms"
	MetaFinalCount     = "final_count"
	MetaTotalLatencyMs = "total_latency_ms"
	MetaError          = "error"

	MetaRoundsUsed      = "rounds_used"
	MetaIsMultiRound    = "is_multi_round"
	MetaRound1Count     = "round1_count"
	MetaRound1LatencyMs = "round1_latency_ms"
	MetaRound2Count     = "round2_count"
	MetaRound2LatencyMs = "round2_latency_ms"
	MetaRound2Errors    = "round2_errors"
	MetaRound2EmbCount  = "round2_emb_count"
	MetaRound2BM25Count = "round2_bm25_count"
	MetaIsSufficient    = "is_sufficient"
	MetaReasoning       = "reasoning"
	MetaMissingInfo     = "missing_info"
	MetaKeyInfoFound    = "key_information_found"
	MetaRefinedQueries  = "refined_queries"
	MetaJudgeError      = "judge_error"
	MetaJudgeLatencyMs  = "judge_latency_ms"
	MetaRerankError     = "rerank_error"
	MetaRewriteError    = "rewrite_error"
	MetaAttempts        = "attempts"
)

// SearchResult is the answer to one query. Results are ordered by Less and
// contain no duplicate ids. Metadata is never nil.
type SearchResult struct {
	QuestionID     string         `json:"question_id,omitempty"`
	Query          string         `json:"query"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Results        []ScoredItem   `json:"results"`
	Metadata       map[string]any `json:"retrieval_metadata"`
}

// NewSearchResult returns an empty result with non-nil collections.
func NewSearchResult(query string) SearchResult {
	return SearchResult{
		Query:    query,
		Results:  []ScoredItem{},
		Metadata: map[string]any{},
	}
}

// Failed reports whether an error was recorded and nothing was returned.
func (r SearchResult) Failed() bool {
	_, hasErr := r.Metadata[MetaError]
	return hasErr && len(r.Results) == 0
}

// Query is one batch input row.
type Query struct {
	QuestionID     string  `json:"question_id"`
	Text           string  `json:"query"`
	ConversationID string  `json:"conversation_id"`
	Filters        Filters `json:"filters,omitempty"`
}
