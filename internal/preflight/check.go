package preflight

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/zhisenyang/EverMemOS-sub003/internal/config"
	"github.com/zhisenyang/EverMemOS-sub003/internal/embed"
	"github.com/zhisenyang/EverMemOS-sub003/internal/llm"
)

// DefaultTimeout bounds each online provider probe.
const DefaultTimeout = 15 * time.Second

// CheckStatus represents the result of a preflight check.
type CheckStatus int

const (
	// StatusPass indicates the check passed successfully.
	StatusPass CheckStatus = iota
	// StatusWarn indicates a non-critical warning.
	StatusWarn
	// StatusFail indicates the check failed.
	StatusFail
)

// String returns the string representation of a CheckStatus.
func (s CheckStatus) String() string {
	switch s {
	case StatusPass:
		return "PASS"
	case StatusWarn:
		return "WARN"
	case StatusFail:
		return "FAIL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the status by name.
func (s CheckStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CheckResult holds the result of a single preflight check.
type CheckResult struct {
	Name     string      `json:"name"`
	Status   CheckStatus `json:"status"`
	Message  string      `json:"message"`
	Details  string      `json:"details,omitempty"`
	Required bool        `json:"required"`
}

// IsCritical returns true if this is a required check that failed.
func (r CheckResult) IsCritical() bool {
	return r.Required && r.Status == StatusFail
}

// Checker performs preflight validation checks.
type Checker struct {
	cfg     *config.Config
	online  bool
	verbose bool
	timeout time.Duration
	output  io.Writer

	embedder  embed.Embedder
	completer llm.ChatCompleter
}

// Option configures a Checker.
type Option func(*Checker)

// WithOnline makes provider checks send one request each.
func WithOnline(online bool) Option {
	return func(c *Checker) {
		c.online = online
	}
}

// WithVerbose enables verbose output.
func WithVerbose(verbose bool) Option {
	return func(c *Checker) {
		c.verbose = verbose
	}
}

// WithOutput sets the output writer.
func WithOutput(w io.Writer) Option {
	return func(c *Checker) {
		c.output = w
	}
}

// WithTimeout bounds each online probe.
func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithEmbedder checks e instead of building one from the config.
func WithEmbedder(e embed.Embedder) Option {
	return func(c *Checker) {
		c.embedder = e
	}
}

// WithCompleter checks cc instead of building one from the config.
func WithCompleter(cc llm.ChatCompleter) Option {
	return func(c *Checker) {
		c.completer = cc
	}
}

// New creates a Checker for cfg with the given options.
func New(cfg *config.Config, opts ...Option) *Checker {
	c := &Checker{
		cfg:     cfg,
		timeout: DefaultTimeout,
		output:  os.Stdout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunAll runs every check that needs no open index and returns the
// results in a stable order.
func (c *Checker) RunAll(ctx context.Context) []CheckResult {
	dataDir := c.cfg.Storage.DataDir
	return []CheckResult{
		c.CheckConfig(),
		c.CheckWritePermissions(dataDir),
		c.CheckDiskSpace(dataDir),
		c.CheckFileDescriptors(),
		c.CheckEmbedder(ctx),
		c.CheckLLM(ctx),
	}
}

// CheckConfig validates the configuration.
func (c *Checker) CheckConfig() CheckResult {
	result := CheckResult{
		Name:     "config",
		Required: true,
	}
	if err := c.cfg.Validate(); err != nil {
		result.Status = StatusFail
		result.Message = err.Error()
		result.Details = "Run 'evermem config show' to see the effective configuration"
		return result
	}
	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s over %s, top_k %d", c.cfg.Retrieval.Mode, c.cfg.Retrieval.DataSource, c.cfg.Retrieval.TopK)
	return result
}

// CheckWritePermissions checks that the data directory can be created and
// written.
func (c *Checker) CheckWritePermissions(path string) CheckResult {
	result := CheckResult{
		Name:     "write_permissions",
		Required: true,
		Details:  fmt.Sprintf("Data directory: %s", path),
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	f, err := os.CreateTemp(path, ".evermem-preflight-*")
	if err != nil {
		result.Status = StatusFail
		result.Message = fmt.Sprintf("permission denied: %v", err)
		return result
	}
	_ = f.Close()
	_ = os.Remove(f.Name())

	result.Status = StatusPass
	result.Message = "OK"
	return result
}

// CheckIndex reports the memory counts per collection. An index that
// cannot be opened or holds nothing is a warning: search still answers,
// with no results.
func CheckIndex(counts map[string]int, openErr error) CheckResult {
	result := CheckResult{
		Name:     "index",
		Required: false,
	}
	if openErr != nil {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("cannot open index: %v", openErr)
		return result
	}

	total := 0
	names := make([]string, 0, len(counts))
	for name, n := range counts {
		total += n
		names = append(names, name)
	}
	if total == 0 {
		result.Status = StatusWarn
		result.Message = "index is empty"
		result.Details = "Run 'evermem import <file>' to load memories"
		return result
	}

	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, counts[name])
	}
	result.Status = StatusPass
	result.Message = strings.Join(parts, ", ")
	return result
}

// HasCriticalFailures returns true if any required check failed.
func (c *Checker) HasCriticalFailures(results []CheckResult) bool {
	for _, r := range results {
		if r.IsCritical() {
			return true
		}
	}
	return false
}

// SummaryStatus returns a summary status string for the results.
func (c *Checker) SummaryStatus(results []CheckResult) string {
	hasWarnings := false
	hasCriticalFailure := false

	for _, r := range results {
		if r.IsCritical() {
			hasCriticalFailure = true
		}
		if r.Status == StatusWarn || (r.Status == StatusFail && !r.Required) {
			hasWarnings = true
		}
	}

	if hasCriticalFailure {
		return "failed"
	}
	if hasWarnings {
		return "ready_with_warnings"
	}
	return "ready"
}

// PrintResults prints check results to the configured output.
func (c *Checker) PrintResults(results []CheckResult) {
	_, _ = fmt.Fprintln(c.output, "evermem doctor")
	_, _ = fmt.Fprintln(c.output, "==============")
	_, _ = fmt.Fprintln(c.output)

	for _, r := range results {
		_, _ = fmt.Fprintf(c.output, "[%s] %s: %s\n", r.Status, r.Name, r.Message)
		if c.verbose && r.Details != "" {
			_, _ = fmt.Fprintf(c.output, "      %s\n", r.Details)
		}
	}

	_, _ = fmt.Fprintln(c.output)
	_, _ = fmt.Fprintf(c.output, "Status: %s\n", strings.ToUpper(c.SummaryStatus(results)))

	var warnings, errors []string
	for _, r := range results {
		if r.IsCritical() {
			errors = append(errors, r.Name+": "+r.Message)
		} else if r.Status != StatusPass {
			warnings = append(warnings, r.Name+": "+r.Message)
		}
	}
	printList(c.output, "error(s)", errors)
	printList(c.output, "warning(s)", warnings)
}

func printList(w io.Writer, label string, items []string) {
	if len(items) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintf(w, "%d %s:\n", len(items), label)
	for _, item := range items {
		_, _ = fmt.Fprintf(w, "  - %s\n", item)
	}
}

// dataDirRoot returns the closest existing ancestor of path, so free
// space can be read before the data directory exists.
func dataDirRoot(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
