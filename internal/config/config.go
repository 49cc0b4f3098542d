package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	amerrors "github.com/zhisenyang/EverMemOS-sub003/internal/errors"
	"github.com/zhisenyang/EverMemOS-sub003/internal/memory"
)

// Project config file names, in lookup order.
const (
	ProjectConfigFile    = ".evermem.yaml"
	ProjectConfigFileAlt = ".evermem.yml"
)

// Config is the complete engine configuration.
type Config struct {
	Version    int              `yaml:"version" json:"version"`
	Retrieval  RetrievalConfig  `yaml:"retrieval" json:"retrieval"`
	Agentic    AgenticConfig    `yaml:"agentic" json:"agentic"`
	Batch      BatchConfig      `yaml:"batch" json:"batch"`
	LLM        LLMConfig        `yaml:"llm" json:"llm"`
	Embeddings EmbeddingsConfig `yaml:"embeddings" json:"embeddings"`
	Storage    StorageConfig    `yaml:"storage" json:"storage"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" json:"telemetry"`
}

// RetrievalConfig configures a single retrieval pass.
// RRFK is configurable via:
//  1. User config (~/.config/evermem/config.yaml)
//  2. Project config (.evermem.yaml)
//  3. EVERMEM_RRF_K, highest priority
type RetrievalConfig struct {
	// Mode is embedding, bm25 or rrf.
	Mode string `yaml:"mode" json:"mode"`
	// DataSource is memcell (episodes) or event_log (atomic facts).
	DataSource string `yaml:"data_source" json:"data_source"`
	TopK       int    `yaml:"top_k" json:"top_k"`

	// RRFK is the fusion smoothing constant. Must be positive.
	RRFK int `yaml:"rrf_k" json:"rrf_k"`

	// EfSearch is the HNSW search width. It also caps a vector pass.
	EfSearch int `yaml:"ef_search" json:"ef_search"`

	// MaxLimit caps any single pass (default 100).
	MaxLimit int `yaml:"max_limit" json:"max_limit"`

	// ScoreThreshold drops fused candidates scoring below it. 0 disables.
	ScoreThreshold float64 `yaml:"score_threshold" json:"score_threshold"`
}

// AgenticConfig configures the two-round orchestrator.
type AgenticConfig struct {
	Round1TopN           int           `yaml:"round1_top_n" json:"round1_top_n"`
	Round2PerQueryTopN   int           `yaml:"round2_per_query_top_n" json:"round2_per_query_top_n"`
	UseReranker          bool          `yaml:"use_reranker" json:"use_reranker"`
	EnableMultiQuery     bool          `yaml:"enable_multi_query" json:"enable_multi_query"`
	MaxRounds            int           `yaml:"max_rounds" json:"max_rounds"`
	MaxDocsInJudgePrompt int           `yaml:"max_docs_in_judge_prompt" json:"max_docs_in_judge_prompt"`
	MaxRewrittenQueries  int           `yaml:"max_rewritten_queries" json:"max_rewritten_queries"`
	JudgeTimeout         time.Duration `yaml:"judge_timeout" json:"judge_timeout"`
}

// BatchConfig configures batch runs.
type BatchConfig struct {
	Concurrency    int           `yaml:"concurrency" json:"concurrency"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
	RetryDelay     time.Duration `yaml:"retry_delay" json:"retry_delay"`

	// CheckpointBackend is file (JSON under a lock) or sqlite.
	CheckpointBackend string `yaml:"checkpoint_backend" json:"checkpoint_backend"`
	// CheckpointDir defaults to <data_dir>/checkpoints.
	CheckpointDir string `yaml:"checkpoint_dir" json:"checkpoint_dir"`

	// ScopeToConversation restricts each query to its own conversation.
	ScopeToConversation bool `yaml:"scope_to_conversation" json:"scope_to_conversation"`
}

// LLMConfig configures the judge and rewriter model.
type LLMConfig struct {
	Provider          string        `yaml:"provider" json:"provider"`
	Model             string        `yaml:"model" json:"model"`
	BaseURL           string        `yaml:"base_url" json:"base_url"`
	APIKey            string        `yaml:"api_key,omitempty" json:"-"`
	Temperature       float32       `yaml:"temperature" json:"temperature"`
	MaxTokens         int           `yaml:"max_tokens" json:"max_tokens"`
	RequestsPerSecond float64       `yaml:"requests_per_second" json:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout" json:"timeout"`
}

// EmbeddingsConfig configures the query embedder.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider" json:"provider"`
	Model      string `yaml:"model" json:"model"`
	BaseURL    string `yaml:"base_url" json:"base_url"`
	APIKey     string `yaml:"api_key,omitempty" json:"-"`
	Dimensions int    `yaml:"dimensions" json:"dimensions"` // 0 detects from the first response
	BatchSize  int    `yaml:"batch_size" json:"batch_size"`
	// CacheSize is the LRU entry count; 0 disables caching.
	CacheSize int           `yaml:"cache_size" json:"cache_size"`
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`
}

// StorageConfig locates the memory index.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir" json:"data_dir"`
	BM25Backend string `yaml:"bm25_backend" json:"bm25_backend"`
}

// LoggingConfig configures the rotating log file.
type LoggingConfig struct {
	Level     string `yaml:"level" json:"level"`
	MaxSizeMB int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" json:"max_files"`
}

// TelemetryConfig configures local query telemetry.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// MaxTerms bounds the distinct query terms counted per run.
	MaxTerms int `yaml:"max_terms" json:"max_terms"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Retrieval: RetrievalConfig{
			Mode:       "rrf",
			DataSource: "memcell",
			TopK:       20,
			RRFK:       60,
			EfSearch:   64,
			MaxLimit:   100,
		},
		Agentic: AgenticConfig{
			Round1TopN:           20,
			Round2PerQueryTopN:   50,
			UseReranker:          false,
			EnableMultiQuery:     true,
			MaxRounds:            2,
			MaxDocsInJudgePrompt: 10,
			MaxRewrittenQueries:  3,
			JudgeTimeout:         60 * time.Second,
		},
		Batch: BatchConfig{
			Concurrency:         20,
			MaxAttempts:         3,
			AttemptTimeout:      120 * time.Second,
			RetryDelay:          2 * time.Second,
			CheckpointBackend:   "file",
			ScopeToConversation: true,
		},
		LLM: LLMConfig{
			Provider:          "openai",
			Model:             "gpt-4o-mini",
			Temperature:       0,
			MaxTokens:         500,
			RequestsPerSecond: 10,
			Timeout:           60 * time.Second,
		},
		Embeddings: EmbeddingsConfig{
			Provider:  "static", // offline default; set ollama or openai for real vectors
			BatchSize: 32,
			CacheSize: 1000,
			Timeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:     DefaultDataDir(),
			BM25Backend: "sqlite",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Telemetry: TelemetryConfig{
			Enabled:  true,
			MaxTerms: 1000,
		},
	}
}

// DefaultDataDir returns ~/.evermem/data.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".evermem", "data")
	}
	return filepath.Join(home, ".evermem", "data")
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/evermem/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/evermem/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "evermem", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "evermem", "config.yaml")
	}
	return filepath.Join(home, ".config", "evermem", "config.yaml")
}

// GetUserConfigDir returns the directory containing the user configuration.
func GetUserConfigDir() string {
	return filepath.Dir(GetUserConfigPath())
}

// UserConfigExists returns true if the user configuration file exists.
func UserConfigExists() bool {
	return fileExists(GetUserConfigPath())
}

// Load loads configuration for dir.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/evermem/config.yaml)
//  3. Project config (.evermem.yaml in dir)
//  4. Environment variables (EVERMEM_*)
func Load(dir string) (*Config, error) {
	cfg := NewConfig()

	if path := GetUserConfigPath(); fileExists(path) {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	if path := ProjectConfigPath(dir); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads defaults overlaid with the single file at path, then env
// overrides. It backs the --config flag.
func LoadFile(path string) (*Config, error) {
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, err
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile returns defaults overlaid with path alone, without env
// overrides or validation. It backs config upgrades, which must not copy
// environment secrets into the file.
func ReadFile(path string) (*Config, error) {
	cfg := NewConfig()
	if err := cfg.loadYAML(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProjectConfigPath returns the project config in dir, or "" when absent.
// .yaml wins over .yml.
func ProjectConfigPath(dir string) string {
	for _, name := range []string{ProjectConfigFile, ProjectConfigFileAlt} {
		if path := filepath.Join(dir, name); fileExists(path) {
			return path
		}
	}
	return ""
}

// loadYAML decodes path on top of c. Keys absent from the file keep their
// current values, so booleans can be turned off explicitly. Unknown keys
// are rejected.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return amerrors.New(amerrors.ErrCodeConfigNotFound, fmt.Sprintf("failed to read config file %s", path), err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return amerrors.ConfigError(fmt.Sprintf("failed to parse config file %s", path), err).
			WithDetail("path", path)
	}
	return nil
}

// applyEnvOverrides applies EVERMEM_* environment variable overrides.
// Malformed numbers are reported rather than ignored.
func (c *Config) applyEnvOverrides() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"EVERMEM_LLM_PROVIDER", &c.LLM.Provider},
		{"EVERMEM_LLM_API_KEY", &c.LLM.APIKey},
		{"EVERMEM_LLM_BASE_URL", &c.LLM.BaseURL},
		{"EVERMEM_LLM_MODEL", &c.LLM.Model},
		{"EVERMEM_EMBEDDINGS_PROVIDER", &c.Embeddings.Provider},
		{"EVERMEM_EMBEDDINGS_MODEL", &c.Embeddings.Model},
		{"EVERMEM_EMBEDDINGS_BASE_URL", &c.Embeddings.BaseURL},
		{"EVERMEM_EMBEDDINGS_API_KEY", &c.Embeddings.APIKey},
		{"EVERMEM_BM25_BACKEND", &c.Storage.BM25Backend},
		{"EVERMEM_LOG_LEVEL", &c.Logging.Level},
		{"EVERMEM_DATA_DIR", &c.Storage.DataDir},
	}
	for _, s := range strs {
		if v := strings.TrimSpace(os.Getenv(s.key)); v != "" {
			*s.dst = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"EVERMEM_RRF_K", &c.Retrieval.RRFK},
		{"EVERMEM_BATCH_CONCURRENCY", &c.Batch.Concurrency},
	}
	if v := strings.TrimSpace(os.Getenv("EVERMEM_TELEMETRY")); v != "" {
		on, err := strconv.ParseBool(v)
		if err != nil {
			return amerrors.ConfigError(fmt.Sprintf("EVERMEM_TELEMETRY must be a boolean, got %q", v), err)
		}
		c.Telemetry.Enabled = on
	}

	for _, s := range ints {
		v := strings.TrimSpace(os.Getenv(s.key))
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return amerrors.ConfigError(fmt.Sprintf("%s must be an integer, got %q", s.key, v), err)
		}
		*s.dst = n
	}
	return nil
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	var problems []string
	addf := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := memory.ParseRetrievalMode(c.Retrieval.Mode); err != nil {
		addf("retrieval.mode: %v", err)
	}
	if _, err := memory.ParseDataSource(c.Retrieval.DataSource); err != nil {
		addf("retrieval.data_source: %v", err)
	}
	if c.Retrieval.TopK < 0 {
		addf("retrieval.top_k must be non-negative, got %d", c.Retrieval.TopK)
	}
	if c.Retrieval.RRFK <= 0 {
		addf("retrieval.rrf_k must be positive, got %d", c.Retrieval.RRFK)
	}
	if c.Retrieval.EfSearch < 0 || c.Retrieval.MaxLimit < 0 {
		addf("retrieval.ef_search and retrieval.max_limit must be non-negative")
	}
	if c.Retrieval.ScoreThreshold < 0 {
		addf("retrieval.score_threshold must be non-negative, got %g", c.Retrieval.ScoreThreshold)
	}

	a := c.Agentic
	if a.Round1TopN < 0 || a.Round2PerQueryTopN < 0 || a.MaxDocsInJudgePrompt < 0 {
		addf("agentic top-n and max_docs_in_judge_prompt must be non-negative")
	}
	if a.MaxRounds < 1 || a.MaxRounds > 2 {
		addf("agentic.max_rounds must be 1 or 2, got %d", a.MaxRounds)
	}
	if a.MaxRewrittenQueries < 1 || a.MaxRewrittenQueries > 3 {
		addf("agentic.max_rewritten_queries must be between 1 and 3, got %d", a.MaxRewrittenQueries)
	}
	if a.JudgeTimeout < 0 {
		addf("agentic.judge_timeout must be non-negative")
	}

	b := c.Batch
	if b.Concurrency < 1 {
		addf("batch.concurrency must be at least 1, got %d", b.Concurrency)
	}
	if b.MaxAttempts < 1 {
		addf("batch.max_attempts must be at least 1, got %d", b.MaxAttempts)
	}
	if b.AttemptTimeout <= 0 || b.RetryDelay < 0 {
		addf("batch.attempt_timeout must be positive and batch.retry_delay non-negative")
	}
	if !oneOf(b.CheckpointBackend, "file", "sqlite") {
		addf("batch.checkpoint_backend must be 'file' or 'sqlite', got %s", b.CheckpointBackend)
	}

	if !oneOf(c.LLM.Provider, "openai", "deepseek", "siliconflow", "vllm", "ollama") {
		addf("llm.provider must be 'openai' (or an OpenAI-compatible name) or 'ollama', got %s", c.LLM.Provider)
	}
	if c.LLM.MaxTokens < 0 || c.LLM.RequestsPerSecond < 0 || c.LLM.Timeout < 0 {
		addf("llm.max_tokens, llm.requests_per_second and llm.timeout must be non-negative")
	}

	if !oneOf(c.Embeddings.Provider, "static", "ollama", "openai", "siliconflow", "vllm") {
		addf("embeddings.provider must be 'static', 'ollama' or 'openai', got %s", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimensions < 0 || c.Embeddings.CacheSize < 0 || c.Embeddings.BatchSize < 0 {
		addf("embeddings.dimensions, embeddings.cache_size and embeddings.batch_size must be non-negative")
	}

	if !oneOf(c.Storage.BM25Backend, "sqlite", "bleve") {
		addf("storage.bm25_backend must be 'sqlite' or 'bleve', got %s", c.Storage.BM25Backend)
	}

	if !oneOf(c.Logging.Level, "debug", "info", "warn", "error") {
		addf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}
	if c.Logging.MaxSizeMB < 0 || c.Logging.MaxFiles < 0 {
		addf("logging.max_size_mb and logging.max_files must be non-negative")
	}

	if c.Telemetry.MaxTerms < 0 {
		addf("telemetry.max_terms must be non-negative, got %d", c.Telemetry.MaxTerms)
	}

	if len(problems) == 0 {
		return nil
	}
	err := amerrors.New(amerrors.ErrCodeConfigInvalid, "invalid configuration: "+strings.Join(problems, "; "), nil)
	return err.WithSuggestion("Run 'evermem config show' to see the effective configuration")
}

// CheckpointDir returns the batch checkpoint directory.
func (c *Config) CheckpointDir() string {
	if c.Batch.CheckpointDir != "" {
		return c.Batch.CheckpointDir
	}
	return filepath.Join(c.Storage.DataDir, "checkpoints")
}

// TelemetryPath returns the query telemetry database.
func (c *Config) TelemetryPath() string {
	return filepath.Join(c.Storage.DataDir, "telemetry.db")
}

// WriteYAML writes the configuration to a YAML file readable only by the
// owner. Empty API keys are omitted.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Redacted returns a copy safe to print.
func (c *Config) Redacted() *Config {
	out := *c
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = "****"
	}
	if out.Embeddings.APIKey != "" {
		out.Embeddings.APIKey = "****"
	}
	return &out
}

func oneOf(v string, options ...string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	for _, o := range options {
		if v == o {
			return true
		}
	}
	return false
}

// fileExists checks if a file exists and is not a directory.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
