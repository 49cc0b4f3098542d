package judge

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
)

const (
	// MaxRewrittenQueries caps how many rewritten queries round 2 runs.
	MaxRewrittenQueries = 3

	minQueryRunes = 5
	maxQueryRunes = 300

	// ParseErrorReasoning prefixes the reasoning of a fail-open verdict.
	ParseErrorReasoning = "Failed to parse judge response"
	defaultReasoning    = "No reasoning provided"
)

var (
	errNoObject      = errors.New("no JSON object found in response")
	errNoValidObject = errors.New("no syntactically valid JSON object in response")
)

// ParseResult is the outcome of parsing a judge reply. When Err is set,
// Verdict holds the fail-open default: sufficient, with the parse error in
// Reasoning.
type ParseResult struct {
	Verdict Verdict
	Err     error
}

// OK reports whether the reply parsed.
func (r ParseResult) OK() bool { return r.Err == nil }

// ParseVerdict extracts a Verdict from an LLM reply. Surrounding prose,
// markdown code fences and trailing commas are tolerated; the first valid
// object carrying is_sufficient wins.
func ParseVerdict(response string) ParseResult {
	obj, err := findObject(response, "is_sufficient")
	if err != nil {
		return failOpen(err)
	}

	root := gjson.Parse(obj)
	v := Verdict{
		IsSufficient:     root.Get("is_sufficient").Bool(),
		Reasoning:        strings.TrimSpace(root.Get("reasoning").String()),
		MissingInfo:      stringsAt(root, "missing_information", "missing_info"),
		KeyInfo:          stringsAt(root, "key_information_found", "key_info"),
		RewrittenQueries: stringsAt(root, "rewritten_queries", "queries"),
	}
	if refined := strings.TrimSpace(root.Get("refined_query").String()); refined != "" {
		v.RewrittenQueries = append(v.RewrittenQueries, refined)
	}
	if v.Reasoning == "" {
		v.Reasoning = defaultReasoning
	}
	return ParseResult{Verdict: v}
}

func failOpen(cause error) ParseResult {
	return ParseResult{
		Verdict: Verdict{
			IsSufficient: true,
			Reasoning:    fmt.Sprintf("%s: %v", ParseErrorReasoning, cause),
		},
		Err: amerrors.New(amerrors.ErrCodeJudgeParse, "judge reply is not a usable JSON object", cause),
	}
}

// ParseQueries extracts the "queries" list of a rewrite reply and filters
// it with FilterQueries. Any failure falls back to the original query.
func ParseQueries(response, original string, limit int) ([]string, string, error) {
	obj, err := findObject(response, "queries")
	if err != nil {
		return []string{original}, "Parse error: " + err.Error(),
			amerrors.New(amerrors.ErrCodeJudgeParse, "rewrite reply is not a usable JSON object", err)
	}

	root := gjson.Parse(obj)
	if !root.Get("queries").IsArray() {
		err := errors.New("queries is not a list")
		return []string{original}, "Parse error: " + err.Error(),
			amerrors.New(amerrors.ErrCodeJudgeParse, "rewrite reply is not a usable JSON object", err)
	}

	reasoning := strings.TrimSpace(root.Get("reasoning").String())
	if reasoning == "" {
		reasoning = defaultReasoning
	}
	queries := FilterQueries(stringsAt(root, "queries"), original, limit)
	if len(queries) == 0 {
		return []string{original}, "Fallback: used original query", nil
	}
	return queries, reasoning, nil
}

// FilterQueries keeps candidates of 5 to 300 characters that differ from
// the original (case-insensitive, trimmed) and from each other, capped at
// limit (MaxRewrittenQueries when limit <= 0). The result may be empty.
func FilterQueries(candidates []string, original string, limit int) []string {
	if limit <= 0 {
		limit = MaxRewrittenQueries
	}
	seen := map[string]struct{}{normalizeQuery(original): {}}
	out := make([]string, 0, min(len(candidates), limit))
	for _, q := range candidates {
		q = strings.TrimSpace(q)
		n := utf8.RuneCountInString(q)
		if n < minQueryRunes || n > maxQueryRunes {
			continue
		}
		key := normalizeQuery(q)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, q)
		if len(out) == limit {
			break
		}
	}
	return out
}

func normalizeQuery(q string) string {
	return strings.ToLower(strings.TrimSpace(q))
}

// stringsAt returns the string values under the first present key. A
// bare string is treated as a one-element list.
func stringsAt(root gjson.Result, keys ...string) []string {
	for _, key := range keys {
		v := root.Get(key)
		if !v.Exists() {
			continue
		}
		var out []string
		switch {
		case v.IsArray():
			for _, e := range v.Array() {
				if e.Type != gjson.String {
					continue
				}
				if s := strings.TrimSpace(e.String()); s != "" {
					out = append(out, s)
				}
			}
		case v.Type == gjson.String:
			if s := strings.TrimSpace(v.String()); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// findObject returns the first balanced, syntactically valid JSON object
// in text that has key at its top level.
func findObject(text, key string) (string, error) {
	text = stripFences(text)
	if !strings.Contains(text, "{") {
		return "", errNoObject
	}

	var lastErr error = errNoValidObject
	for start := strings.IndexByte(text, '{'); start >= 0; {
		if end := matchBrace(text, start); end > start {
			candidate := stripTrailingCommas(text[start : end+1])
			if gjson.Valid(candidate) {
				if gjson.Get(candidate, key).Exists() {
					return candidate, nil
				}
				lastErr = fmt.Errorf("missing %q field", key)
			}
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", lastErr
}

func stripFences(text string) string {
	text = strings.ReplaceAll(text, "```json", "")
	text = strings.ReplaceAll(text, "```JSON", "")
	return strings.ReplaceAll(text, "```", "")
}

// matchBrace returns the index of the brace closing the one at start, or
// -1 when the object is unterminated. Braces inside strings are ignored.
func matchBrace(text string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// stripTrailingCommas removes commas that directly precede a closing
// bracket or brace, outside of strings.
func stripTrailingCommas(obj string) string {
	var b strings.Builder
	b.Grow(len(obj))
	inString, escaped := false, false
	for i := 0; i < len(obj); i++ {
		c := obj[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
		}
		if c == ',' {
			j := i + 1
			for j < len(obj) && strings.IndexByte(" \t\r\n", obj[j]) >= 0 {
				j++
			}
			if j < len(obj) && (obj[j] == '}' || obj[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}
