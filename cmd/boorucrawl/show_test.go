package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigCommandPrintsYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"site: yandere\nexport:\n  postgres:\n    dsn: postgres://crawler:hunter2@db/booru\n"), 0o600))

	var stdout bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"config", "--config", path})
	require.NoError(t, cmd.Execute())

	out := stdout.String()
	assert.Contains(t, out, "site: yandere")
	assert.Contains(t, out, "concurrency: 50")
	assert.Contains(t, out, "crawler:xxxxx@db")
	assert.NotContains(t, out, "hunter2")
}

func TestConfigCommandRejectsArgs(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer
	assert.Equal(t, 1, execute(t.Context(), []string{"config", "extra"}, &stderr))
}
