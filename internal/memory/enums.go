package memory

import (
	"fmt"
	"strings"
)

// RetrievalMode selects which backend(s) a single pass uses.
type RetrievalMode int

const (
	// ModeEmbedding queries the vector backend only.
	ModeEmbedding RetrievalMode = iota
	// ModeBM25 queries the lexical backend only.
	ModeBM25
	// ModeRRF queries both backends and fuses them with RRF.
	ModeRRF
)

var modeNames = map[RetrievalMode]string{
	ModeEmbedding: "embedding",
	ModeBM25:      "bm25",
	ModeRRF:       "rrf",
}

// String returns the lower-case mode name.
func (m RetrievalMode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return fmt.Sprintf("RetrievalMode(%d)", int(m))
}

// UsesVector reports whether the mode calls the vector backend.
func (m RetrievalMode) UsesVector() bool { return m == ModeEmbedding || m == ModeRRF }

// UsesLexical reports whether the mode calls the lexical backend.
func (m RetrievalMode) UsesLexical() bool { return m == ModeBM25 || m == ModeRRF }

// ParseRetrievalMode accepts the canonical names plus common aliases.
func ParseRetrievalMode(s string) (RetrievalMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "embedding", "vector", "semantic":
		return ModeEmbedding, nil
	case "bm25", "keyword", "lexical":
		return ModeBM25, nil
	case "rrf", "hybrid":
		return ModeRRF, nil
	}
	return 0, fmt.Errorf("unknown retrieval mode %q (want embedding, bm25 or rrf)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (m RetrievalMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *RetrievalMode) UnmarshalText(b []byte) error {
	v, err := ParseRetrievalMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// DataSource selects which collection family a query addresses.
type DataSource int

const (
	// SourceMemCell is the episodic memory collection.
	SourceMemCell DataSource = iota
	// SourceEventLog is the atomic-fact collection.
	SourceEventLog
)

// String returns the lower-case data source name.
func (d DataSource) String() string {
	switch d {
	case SourceMemCell:
		return "memcell"
	case SourceEventLog:
		return "event_log"
	}
	return fmt.Sprintf("DataSource(%d)", int(d))
}

// Collection is the index/collection name backing the data source.
func (d DataSource) Collection() string {
	if d == SourceEventLog {
		return "event_log"
	}
	return "episodic_memory"
}

// ItemKind is the MemoryItem variant stored in the data source.
func (d DataSource) ItemKind() Kind {
	if d == SourceEventLog {
		return KindEventLog
	}
	return KindEpisode
}

// ParseDataSource accepts the canonical names plus common aliases.
func ParseDataSource(s string) (DataSource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "memcell", "episode", "episodic", "episodic_memory":
		return SourceMemCell, nil
	case "event_log", "eventlog", "atomic_fact":
		return SourceEventLog, nil
	}
	return 0, fmt.Errorf("unknown data source %q (want memcell or event_log)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (d DataSource) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *DataSource) UnmarshalText(b []byte) error {
	v, err := ParseDataSource(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// DataSources lists every data source, in declaration order.
func DataSources() []DataSource { return []DataSource{SourceMemCell, SourceEventLog} }

// Modes lists every retrieval mode, in declaration order.
func Modes() []RetrievalMode { return []RetrievalMode{ModeEmbedding, ModeBM25, ModeRRF} }
