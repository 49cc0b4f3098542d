package preflight

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zhisenyang/EverMemOS-sub003/internal/config"
)

// MarkerFile is the name of the file that indicates preflight checks have passed.
const MarkerFile = ".preflight-passed"

type marker struct {
	PassedAt    time.Time `json:"passed_at"`
	Fingerprint string    `json:"fingerprint"`
}

// Fingerprint identifies the settings a passed check depends on. Changing
// a provider, model or backend invalidates the marker.
func Fingerprint(cfg *config.Config) string {
	parts := []string{
		cfg.Embeddings.Provider, cfg.Embeddings.Model, cfg.Embeddings.BaseURL,
		cfg.Storage.BM25Backend,
	}
	if cfg.Agentic.EnableMultiQuery {
		parts = append(parts, cfg.LLM.Provider, cfg.LLM.Model, cfg.LLM.BaseURL)
	}
	return strings.Join(parts, "|")
}

// NeedsCheck returns true if no check passed in dataDir for fingerprint.
func NeedsCheck(dataDir, fingerprint string) bool {
	m, err := readMarker(dataDir)
	if err != nil {
		return true
	}
	return m.Fingerprint != fingerprint
}

// MarkPassed records that preflight checks passed for fingerprint.
func MarkPassed(dataDir, fingerprint string) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create marker directory: %w", err)
	}

	data, err := json.Marshal(marker{PassedAt: time.Now().UTC(), Fingerprint: fingerprint})
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}
	return os.WriteFile(filepath.Join(dataDir, MarkerFile), data, 0644)
}

// ClearMarker removes the marker file, forcing a re-check on next run.
func ClearMarker(dataDir string) error {
	err := os.Remove(filepath.Join(dataDir, MarkerFile))
	if os.IsNotExist(err) {
		return nil // Already gone
	}
	if err != nil {
		return fmt.Errorf("remove marker file: %w", err)
	}
	return nil
}

// MarkerAge returns how long ago the preflight check passed.
// Returns zero if marker doesn't exist.
func MarkerAge(dataDir string) time.Duration {
	m, err := readMarker(dataDir)
	if err != nil {
		return 0
	}
	return time.Since(m.PassedAt)
}

func readMarker(dataDir string) (marker, error) {
	var m marker
	data, err := os.ReadFile(filepath.Join(dataDir, MarkerFile))
	if err != nil {
		return m, err
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode marker: %w", err)
	}
	return m, nil
}
