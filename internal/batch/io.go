package batch

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

// ConversationResults is one conversation's block in a batch output file.
type ConversationResults struct {
	ConversationID string                `json:"conversation_id"`
	Results        []memory.SearchResult `json:"results"`
}

// ReadQueries decodes a JSON array of {question_id, query,
// conversation_id}. Rows with a blank query are rejected.
func ReadQueries(r io.Reader) ([]memory.Query, error) {
	var queries []memory.Query
	dec := json.NewDecoder(r)
	if err := dec.Decode(&queries); err != nil {
		return nil, amerrors.InvalidArgument("batch input is not a JSON array of queries: %v", err)
	}
	for i, q := range queries {
		if strings.TrimSpace(q.Text) == "" {
			return nil, amerrors.New(amerrors.ErrCodeQueryEmpty,
				fmt.Sprintf("batch input row %d (question_id %q) has an empty query", i, q.QuestionID), nil)
		}
		if err := q.Filters.Validate(); err != nil {
			return nil, fmt.Errorf("batch input row %d: %w", i, err)
		}
	}
	return queries, nil
}

// ReadQueriesFile reads a batch input file.
func ReadQueriesFile(path string) ([]memory.Query, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, amerrors.New(amerrors.ErrCodeFileNotFound, "failed to open batch input", err).
			WithDetail("path", path)
	}
	defer func() { _ = f.Close() }()
	return ReadQueries(f)
}

// GroupResults splits flat runner output into per-conversation blocks,
// keeping the order results arrive in.
func GroupResults(results []memory.SearchResult) []ConversationResults {
	var out []ConversationResults
	index := map[string]int{}
	for _, r := range results {
		i, ok := index[r.ConversationID]
		if !ok {
			i = len(out)
			index[r.ConversationID] = i
			out = append(out, ConversationResults{ConversationID: r.ConversationID})
		}
		out[i].Results = append(out[i].Results, r)
	}
	return out
}

// WriteResults encodes results as indented JSON, grouped per conversation.
func WriteResults(w io.Writer, results []memory.SearchResult) error {
	grouped := GroupResults(results)
	if grouped == nil {
		grouped = []ConversationResults{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(grouped)
}

// WriteResultsFile writes results to path through a temp file and rename.
func WriteResultsFile(path string, results []memory.SearchResult) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return amerrors.New(amerrors.ErrCodeFileWrite, "failed to create output directory", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return amerrors.New(amerrors.ErrCodeFileWrite, "failed to create output file", err)
	}
	if err := WriteResults(f, results); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return amerrors.New(amerrors.ErrCodeFileWrite, "failed to encode batch output", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return amerrors.New(amerrors.ErrCodeFileWrite, "failed to write batch output", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return amerrors.New(amerrors.ErrCodeFileWrite, "failed to save batch output", err)
	}
	return nil
}
