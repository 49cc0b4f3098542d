package store

import (
	"fmt"
	"strings"
)

// BM25Backend names a lexical index implementation.
type BM25Backend string

const (
	// BM25BackendSQLite uses SQLite FTS5 (default).
	BM25BackendSQLite BM25Backend = "sqlite"

	// BM25BackendBleve uses Bleve v2. BoltDB locks the index to one process.
	BM25BackendBleve BM25Backend = "bleve"
)

// ParseBM25Backend validates a backend name. Empty means sqlite.
func ParseBM25Backend(s string) (BM25Backend, error) {
	switch BM25Backend(strings.ToLower(strings.TrimSpace(s))) {
	case "", BM25BackendSQLite:
		return BM25BackendSQLite, nil
	case BM25BackendBleve:
		return BM25BackendBleve, nil
	}
	return "", fmt.Errorf("unknown BM25 backend: %s (valid options: sqlite, bleve)", s)
}

// BM25Path returns the on-disk location for basePath under backend.
func BM25Path(basePath string, backend BM25Backend) string {
	if basePath == "" {
		return ""
	}
	if backend == BM25BackendBleve {
		return basePath + ".bleve"
	}
	return basePath + ".db"
}

// NewBM25Index opens the index for backend at basePath plus the backend's
// extension. An empty basePath gives an in-memory index.
func NewBM25Index(basePath string, config BM25Config, backend BM25Backend) (BM25Index, error) {
	switch backend {
	case BM25BackendSQLite, "":
		return NewSQLiteBM25Index(BM25Path(basePath, BM25BackendSQLite), config)
	case BM25BackendBleve:
		return NewBleveBM25Index(BM25Path(basePath, BM25BackendBleve), config)
	}
	return nil, fmt.Errorf("unknown BM25 backend: %s (valid options: sqlite, bleve)", backend)
}
