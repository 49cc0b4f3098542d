package store

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// token is a term with its byte span in the source text.
type token struct {
	term       string
	start, end int
}

// tokenizeSpans splits text into lower-cased letter/digit words. Han runs
// have no word boundaries, so they become every single character plus every
// adjacent pair: "北京旅游" yields 北, 北京, 京, 京旅, 旅, 旅游, 游.
func tokenizeSpans(text string) []token {
	var out []token
	wordStart := -1
	var han []token

	flushWord := func(end int) {
		if wordStart >= 0 {
			out = append(out, token{term: strings.ToLower(text[wordStart:end]), start: wordStart, end: end})
			wordStart = -1
		}
	}
	flushHan := func() {
		for i, h := range han {
			out = append(out, h)
			if i+1 < len(han) {
				next := han[i+1]
				out = append(out, token{term: text[h.start:next.end], start: h.start, end: next.end})
			}
		}
		han = han[:0]
	}

	for i, r := range text {
		size := utf8.RuneLen(r)
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord(i)
			han = append(han, token{term: string(r), start: i, end: i + size})
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			if wordStart < 0 {
				wordStart = i
			}
		default:
			flushWord(i)
			flushHan()
		}
	}
	flushWord(len(text))
	flushHan()
	return out
}

// Tokenize returns the index terms of text.
func Tokenize(text string) []string {
	spans := tokenizeSpans(text)
	terms := make([]string, len(spans))
	for i, s := range spans {
		terms[i] = s.term
	}
	return terms
}

// isHan reports whether term starts with a Han character.
func isHan(term string) bool {
	r, _ := utf8.DecodeRuneInString(term)
	return unicode.Is(unicode.Han, r)
}

// keepTerm applies the stop list and the minimum length. Han terms are
// exempt from the length rule since a single character is a word.
func keepTerm(term string, stopWords map[string]struct{}, minLen int) bool {
	if _, stop := stopWords[term]; stop {
		return false
	}
	return isHan(term) || utf8.RuneCountInString(term) >= minLen
}

// FilterTokens drops stop words and short non-Han terms.
func FilterTokens(tokens []string, stopWords map[string]struct{}, minLen int) []string {
	result := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if keepTerm(t, stopWords, minLen) {
			result = append(result, t)
		}
	}
	return result
}

// BuildStopWordMap creates a lookup map from a list of stop words.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, w := range stopWords {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}
