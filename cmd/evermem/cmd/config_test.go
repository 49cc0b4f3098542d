package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhisenyang/EverMemOS-sub003/internal/config"
)

func TestConfigInit(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(env.root, "work", config.ProjectConfigFile)

	t.Run("creates the project file", func(t *testing.T) {
		out, _, err := env.run(t, "config", "init")

		require.NoError(t, err)
		assert.Contains(t, out, "Created configuration")
		cfg, err := config.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, config.NewConfig().Retrieval, cfg.Retrieval)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "# evermem configuration", "annotated template")
	})

	t.Run("leaves an existing file alone", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("retrieval:\n  top_k: 5\n"), 0600))

		out, _, err := env.run(t, "config", "init")

		require.NoError(t, err)
		assert.Contains(t, out, "already exists")
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "retrieval:\n  top_k: 5\n", string(data))
	})

	t.Run("force upgrades and keeps settings", func(t *testing.T) {
		out, _, err := env.run(t, "config", "init", "--force")

		require.NoError(t, err)
		assert.Contains(t, out, "Backup: ")
		cfg, err := config.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Retrieval.TopK)
		assert.Equal(t, 60, cfg.Retrieval.RRFK)

		backups, err := config.ListBackups(path)
		require.NoError(t, err)
		assert.Len(t, backups, 1)
	})

	t.Run("restore brings the old file back", func(t *testing.T) {
		_, _, err := env.run(t, "config", "restore")

		require.NoError(t, err)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "retrieval:\n  top_k: 5\n", string(data))
	})

	t.Run("user config", func(t *testing.T) {
		_, _, err := env.run(t, "config", "init", "--user")

		require.NoError(t, err)
		assert.FileExists(t, config.GetUserConfigPath())
	})
}

func TestConfigRestore_NoBackups(t *testing.T) {
	env := newTestEnv(t)

	_, _, err := env.run(t, "config", "restore")

	assert.ErrorContains(t, err, "no backups")
}

func TestConfigShow(t *testing.T) {
	env := newTestEnv(t)
	t.Setenv("EVERMEM_LLM_API_KEY", "sk-secret")
	env.write(t, filepath.Join("work", config.ProjectConfigFile), "retrieval:\n  mode: bm25\n")

	t.Run("merged yaml masks keys", func(t *testing.T) {
		out, _, err := env.run(t, "config", "show")

		require.NoError(t, err)
		assert.Contains(t, out, "mode: bm25")
		assert.Contains(t, out, "api_key: '****'")
		assert.NotContains(t, out, "sk-secret")
		assert.Contains(t, out, "data_dir: "+env.dataDir)
	})

	t.Run("json omits keys", func(t *testing.T) {
		out, _, err := env.run(t, "config", "show", "--json")

		require.NoError(t, err)
		assert.Contains(t, out, `"mode": "bm25"`)
		assert.NotContains(t, out, "sk-secret")
	})

	t.Run("defaults", func(t *testing.T) {
		out, _, err := env.run(t, "config", "show", "--defaults")

		require.NoError(t, err)
		assert.Contains(t, out, "mode: rrf")
	})
}

func TestConfigPath(t *testing.T) {
	env := newTestEnv(t)

	out, _, err := env.run(t, "config", "path")

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env.root, "xdg", "evermem", "config.yaml")+"\n", out)
}
