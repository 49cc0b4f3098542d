package preflight

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhisenyang/EverMemOS-sub003/internal/config"
	"github.com/zhisenyang/EverMemOS-sub003/internal/embed"
	"github.com/zhisenyang/EverMemOS-sub003/internal/llm"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewConfig()
	cfg.Storage.DataDir = filepath.Join(t.TempDir(), "data")
	return cfg
}

type failingEmbedder struct {
	*embed.StaticEmbedder
}

func (failingEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, errors.New("connection refused")
}

func TestCheckStatus_String(t *testing.T) {
	tests := []struct {
		status CheckStatus
		want   string
	}{
		{StatusPass, "PASS"},
		{StatusWarn, "WARN"},
		{StatusFail, "FAIL"},
		{CheckStatus(9), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestCheckResult_JSON(t *testing.T) {
	data, err := json.Marshal(CheckResult{Name: "index", Status: StatusWarn, Message: "index is empty"})

	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"index","status":"WARN","message":"index is empty","required":false}`, string(data))
}

func TestCheckResult_IsCritical(t *testing.T) {
	tests := []struct {
		name     string
		result   CheckResult
		expected bool
	}{
		{"required pass is not critical", CheckResult{Status: StatusPass, Required: true}, false},
		{"required fail is critical", CheckResult{Status: StatusFail, Required: true}, true},
		{"optional fail is not critical", CheckResult{Status: StatusFail, Required: false}, false},
		{"required warn is not critical", CheckResult{Status: StatusWarn, Required: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.result.IsCritical())
		})
	}
}

func TestChecker_NewWithOptions(t *testing.T) {
	// Given: custom options
	buf := &bytes.Buffer{}
	checker := New(testConfig(t), WithOnline(true), WithVerbose(true), WithOutput(buf), WithTimeout(0))

	// Then: options are applied and a zero timeout keeps the default
	assert.True(t, checker.online)
	assert.True(t, checker.verbose)
	assert.Equal(t, buf, checker.output)
	assert.Equal(t, DefaultTimeout, checker.timeout)
}

func TestChecker_CheckConfig(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		result := New(testConfig(t)).CheckConfig()

		assert.Equal(t, StatusPass, result.Status)
		assert.Contains(t, result.Message, "rrf over memcell")
	})

	t.Run("invalid", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Retrieval.RRFK = 0

		result := New(cfg).CheckConfig()

		assert.True(t, result.IsCritical())
		assert.Contains(t, result.Message, "rrf_k")
	})
}

func TestChecker_CheckWritePermissions(t *testing.T) {
	t.Run("creates the data dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "data")

		result := New(testConfig(t)).CheckWritePermissions(dir)

		assert.Equal(t, StatusPass, result.Status)
		assert.DirExists(t, dir)
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Empty(t, entries, "probe file removed")
	})

	t.Run("read-only", func(t *testing.T) {
		if os.Getuid() == 0 {
			t.Skip("Skipping read-only test when running as root")
		}
		readOnlyDir := filepath.Join(t.TempDir(), "readonly")
		require.NoError(t, os.Mkdir(readOnlyDir, 0555))
		defer func() { _ = os.Chmod(readOnlyDir, 0755) }()

		result := New(testConfig(t)).CheckWritePermissions(readOnlyDir)

		assert.Equal(t, StatusFail, result.Status)
		assert.Contains(t, result.Message, "permission denied")
	})
}

func TestChecker_CheckDiskSpace_MissingDir(t *testing.T) {
	// Given: a data dir that does not exist yet
	dir := filepath.Join(t.TempDir(), "not", "yet")

	// When
	result := New(testConfig(t)).CheckDiskSpace(dir)

	// Then: the parent is measured
	assert.Contains(t, result.Message, "free")
}

func TestChecker_CheckEmbedder(t *testing.T) {
	ctx := context.Background()

	t.Run("offline static", func(t *testing.T) {
		result := New(testConfig(t)).CheckEmbedder(ctx)

		assert.Equal(t, StatusPass, result.Status)
		assert.Contains(t, result.Message, "not contacted")
	})

	t.Run("online static", func(t *testing.T) {
		result := New(testConfig(t), WithOnline(true)).CheckEmbedder(ctx)

		assert.Equal(t, StatusPass, result.Status)
		assert.Contains(t, result.Message, "256 dimensions")
	})

	t.Run("online unreachable", func(t *testing.T) {
		e := failingEmbedder{embed.NewStaticEmbedder()}

		result := New(testConfig(t), WithOnline(true), WithEmbedder(e)).CheckEmbedder(ctx)

		assert.Equal(t, StatusWarn, result.Status)
		assert.Contains(t, result.Message, "connection refused")
		assert.False(t, result.IsCritical())
	})

	t.Run("openai without key", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Embeddings.Provider = "openai"

		result := New(cfg).CheckEmbedder(ctx)

		assert.Equal(t, StatusWarn, result.Status)
	})
}

func TestChecker_CheckLLM(t *testing.T) {
	ctx := context.Background()

	t.Run("single-pass", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Agentic.EnableMultiQuery = false

		result := New(cfg).CheckLLM(ctx)

		assert.Equal(t, StatusPass, result.Status)
		assert.False(t, result.Required)
	})

	t.Run("missing key is critical", func(t *testing.T) {
		result := New(testConfig(t)).CheckLLM(ctx)

		assert.True(t, result.IsCritical())
	})

	t.Run("online reply", func(t *testing.T) {
		var prompts []string
		cc := llm.CompleterFunc(func(_ context.Context, prompt string) (string, error) {
			prompts = append(prompts, prompt)
			return "OK", nil
		})

		result := New(testConfig(t), WithOnline(true), WithCompleter(cc)).CheckLLM(ctx)

		assert.Equal(t, StatusPass, result.Status)
		assert.Equal(t, []string{probePrompt}, prompts)
	})

	t.Run("online empty reply", func(t *testing.T) {
		cc := llm.CompleterFunc(func(context.Context, string) (string, error) { return "  ", nil })

		result := New(testConfig(t), WithOnline(true), WithCompleter(cc)).CheckLLM(ctx)

		assert.Equal(t, StatusWarn, result.Status)
	})

	t.Run("online failure", func(t *testing.T) {
		cc := llm.CompleterFunc(func(context.Context, string) (string, error) { return "", errors.New("401 unauthorized") })

		result := New(testConfig(t), WithOnline(true), WithCompleter(cc)).CheckLLM(ctx)

		assert.True(t, result.IsCritical())
		assert.Contains(t, result.Message, "401")
	})
}

func TestCheckIndex(t *testing.T) {
	t.Run("counts", func(t *testing.T) {
		result := CheckIndex(map[string]int{"event_log": 1, "episodic_memory": 3}, nil)

		assert.Equal(t, StatusPass, result.Status)
		assert.Equal(t, "episodic_memory=3, event_log=1", result.Message)
	})

	t.Run("empty", func(t *testing.T) {
		result := CheckIndex(map[string]int{"episodic_memory": 0}, nil)

		assert.Equal(t, StatusWarn, result.Status)
		assert.Contains(t, result.Details, "evermem import")
	})

	t.Run("open error", func(t *testing.T) {
		result := CheckIndex(nil, errors.New("lock held"))

		assert.Equal(t, StatusWarn, result.Status)
		assert.Contains(t, result.Message, "lock held")
	})
}

func TestChecker_RunAll(t *testing.T) {
	// Given: a single-pass config
	cfg := testConfig(t)
	cfg.Agentic.EnableMultiQuery = false
	checker := New(cfg)

	// When: running all checks
	results := checker.RunAll(context.Background())

	// Then: every check ran in order and none is critical
	names := make([]string, len(results))
	for i, r := range results {
		names[i] = r.Name
	}
	assert.Equal(t, []string{"config", "write_permissions", "disk_space", "file_descriptors", "embedder", "llm"}, names)
	assert.False(t, checker.HasCriticalFailures(results))
}

func TestChecker_PrintResults(t *testing.T) {
	// Given: some check results
	results := []CheckResult{
		{Name: "disk_space", Status: StatusPass, Message: "50 GB free"},
		{Name: "index", Status: StatusWarn, Message: "index is empty", Details: "Run 'evermem import <file>'"},
		{Name: "llm", Status: StatusFail, Message: "missing api key", Required: true},
	}

	buf := &bytes.Buffer{}
	checker := New(testConfig(t), WithOutput(buf), WithVerbose(true))

	// When: printing results
	checker.PrintResults(results)

	// Then: output contains formatted results
	output := buf.String()
	assert.Contains(t, output, "[PASS] disk_space: 50 GB free")
	assert.Contains(t, output, "[WARN] index")
	assert.Contains(t, output, "[FAIL] llm")
	assert.Contains(t, output, "evermem import")
	assert.Contains(t, output, "Status: FAILED")
	assert.Contains(t, output, "1 error(s):")
	assert.Contains(t, output, "1 warning(s):")
}

func TestChecker_SummaryStatus(t *testing.T) {
	checker := New(testConfig(t))

	tests := []struct {
		name     string
		results  []CheckResult
		expected string
	}{
		{"all pass", []CheckResult{{Status: StatusPass}, {Status: StatusPass}}, "ready"},
		{"with warnings", []CheckResult{{Status: StatusPass}, {Status: StatusWarn}}, "ready_with_warnings"},
		{"with critical failure", []CheckResult{{Status: StatusPass}, {Status: StatusFail, Required: true}}, "failed"},
		{"with optional failure", []CheckResult{{Status: StatusPass}, {Status: StatusFail}}, "ready_with_warnings"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, checker.SummaryStatus(tt.results))
		})
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{512, "512 B"},
		{1536, "1.5 KB"},
		{100 * 1024 * 1024, "100.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, formatBytes(tt.n))
		})
	}
}

func TestDirSize(t *testing.T) {
	// Given: two files, one nested
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "items.db"), make([]byte, 100), 0600))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "event_log"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "event_log", "vectors.hnsw"), make([]byte, 28), 0600))

	// Then
	assert.Equal(t, uint64(128), dirSize(dir))
	assert.Zero(t, dirSize(filepath.Join(dir, "missing")))
}
