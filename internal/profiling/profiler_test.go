package profiling

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nonEmpty(t *testing.T, path string) {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0), path)
}

func TestSession_AllProfiles(t *testing.T) {
	// Given all three outputs requested
	dir := t.TempDir()
	opts := Options{
		CPU:   filepath.Join(dir, "cpu.prof"),
		Heap:  filepath.Join(dir, "heap.prof"),
		Trace: filepath.Join(dir, "trace.out"),
	}
	require.True(t, opts.Enabled())

	// When a session runs some work
	s, err := Start(opts)
	require.NoError(t, err)
	sum := 0
	for i := range 1_000_000 {
		sum += i
	}
	_ = sum
	require.NoError(t, s.Stop())

	// Then every file has content and a second Stop is a no-op
	nonEmpty(t, opts.CPU)
	nonEmpty(t, opts.Heap)
	nonEmpty(t, opts.Trace)
	require.NoError(t, os.Remove(opts.Heap))
	require.NoError(t, s.Stop())
	assert.NoFileExists(t, opts.Heap)
}

func TestSession_Nothing(t *testing.T) {
	assert.False(t, Options{}.Enabled())
	s, err := Start(Options{})
	require.NoError(t, err)
	assert.NoError(t, s.Stop())
}

func TestStart_BadPath(t *testing.T) {
	dir := t.TempDir()

	t.Run("cpu", func(t *testing.T) {
		_, err := Start(Options{CPU: filepath.Join(dir, "missing", "cpu.prof")})
		assert.Error(t, err)
	})

	t.Run("trace stops cpu", func(t *testing.T) {
		cpu := filepath.Join(dir, "cpu.prof")
		_, err := Start(Options{CPU: cpu, Trace: filepath.Join(dir, "missing", "trace.out")})
		require.Error(t, err)

		// CPU profiling was released, so a new session can start it.
		s, err := Start(Options{CPU: cpu})
		require.NoError(t, err)
		require.NoError(t, s.Stop())
	})
}
