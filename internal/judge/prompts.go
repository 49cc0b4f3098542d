package judge

import "strings"

// sufficiencyPrompt asks whether the retrieved memories answer the query
// and, when they do not, for up to three rewritten queries.
const sufficiencyPrompt = `You are a memory retrieval evaluation expert. Decide whether the retrieved memories are sufficient to answer the user's query.

User query:
{query}

Retrieved memories:
{retrieved_docs}

Identify the key entities in the query. If the query involves time ("before", "after", "since", "how long"), check that the start, the end and the ordering of the events are all covered.

Output format (JSON only):
{
  "is_sufficient": true or false,
  "reasoning": "One or two sentences explaining the judgment",
  "key_information_found": ["Facts from the memories that address the query"],
  "missing_information": ["Specific missing facts, using resolved names"],
  "rewritten_queries": ["Up to 3 complementary search queries for the missing facts"]
}

Rules:
1. Judge sufficient (true) when the memories contain the key information needed to answer.
2. Judge insufficient (false) when any required part is missing and list what is missing.
3. Fill missing_information and rewritten_queries only when insufficient; otherwise use empty arrays.
4. Rewritten queries must differ from the original query, stay under 25 words and use the same language.
`

// multiQueryPrompt asks for complementary queries targeting missing facts.
const multiQueryPrompt = `You are a query optimization expert. The original query did not retrieve enough information. Generate complementary search queries that recover the missing facts.

Original query:
{original_query}

Key information found:
{key_info}

Missing information:
{missing_info}

Retrieved memories:
{retrieved_docs}

Requirements:
1. Generate 2-3 diverse queries, each focused on a different missing point.
2. Query 1 is a specific question; query 2 is a declarative statement that reads like a hypothetical answer.
3. Expand relative time references ("last week", "before moving") into alternative expressions.
4. Use the key information to resolve pronouns. Do not invent facts.
5. Keep each query under 25 words, in the same language as the original.

Output format (JSON only):
{
  "queries": ["query 1", "query 2", "query 3 (optional)"],
  "reasoning": "How the queries were chosen"
}
`

// SufficiencyPrompt renders the judge prompt.
func SufficiencyPrompt(query, docs string) string {
	return strings.NewReplacer(
		"{query}", query,
		"{retrieved_docs}", docs,
	).Replace(sufficiencyPrompt)
}

// MultiQueryPrompt renders the query rewriting prompt.
func MultiQueryPrompt(query, docs string, missing, keyInfo []string) string {
	return strings.NewReplacer(
		"{original_query}", query,
		"{retrieved_docs}", docs,
		"{missing_info}", joinOrNA(missing),
		"{key_info}", joinOrNA(keyInfo),
	).Replace(multiQueryPrompt)
}

func joinOrNA(items []string) string {
	if len(items) == 0 {
		return "N/A"
	}
	return strings.Join(items, ", ")
}
