package cli

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cascade.yaml")
	content := fmt.Sprintf(`
log:
  level: warn
stream:
  backend: sqlite
  sqlite:
    dir: %q
processor:
  default_partitions: 2
topology:
  computations:
    - name: generator
      kind: generator
      bindings: ["o1:input"]
    - name: forward
      kind: forward
      bindings: ["i1:input", "o1:output"]
`, filepath.Join(dir, "data"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTopologyPlantUML(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "topology", "--config", cfg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "@startuml"))
	assert.Contains(t, out, "generator")
	assert.Contains(t, out, "forward")
	assert.Contains(t, out, "@enduml")
}

func TestTopologyYAML(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "topology", "--config", cfg, "--format", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "name: forward")
	assert.Contains(t, out, "name: input")
}

func TestTopologyInvalidFormat(t *testing.T) {
	cfg := writeConfig(t)

	_, err := execute(t, "topology", "--config", cfg, "--format", "dot")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestStreamCommands(t *testing.T) {
	cfg := writeConfig(t)

	out, err := execute(t, "stream", "create", "events", "--partitions", "2", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "created events with 2 partition(s)")

	out, err = execute(t, "stream", "create", "events", "--partitions", "5", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "already exists with 2 partition(s)")

	for i := 0; i < 3; i++ {
		_, err := execute(t, "stream", "append", "events", fmt.Sprintf("key-%d", i), fmt.Sprintf("data-%d", i), "--config", cfg)
		require.NoError(t, err)
	}

	out, err = execute(t, "stream", "lag", "events", "--group", "g1", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "total\t0\t3\t3")

	out, err = execute(t, "stream", "tail", "events", "--group", "g1", "--timeout", "200ms", "--commit", "--config", cfg)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.Contains(t, out, fmt.Sprintf("key-%d", i))
		assert.Contains(t, out, fmt.Sprintf("data-%d", i))
	}

	out, err = execute(t, "stream", "lag", "events", "--group", "g1", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "total\t3\t3\t0")

	out, err = execute(t, "stream", "delete", "events", "--config", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted events")
}

func TestStreamAppendUnknownStream(t *testing.T) {
	cfg := writeConfig(t)

	_, err := execute(t, "stream", "append", "missing", "k", "--config", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stream")
}
