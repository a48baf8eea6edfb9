package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cliConfig = `
slos:
  - name: checkout
    target: 99
    window: 1h
    thresholds: {catastrophic: 50, critical: 90, major: 95, warning: 98}
breakers:
  - name: payments
auth:
  jwt_secret: cli-secret
`

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bulwark.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestValidateCommand(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		out, err := execute(t, "validate", "--config", writeConfig(t, cliConfig))
		require.NoError(t, err)
		assert.Contains(t, out, "is valid")
		assert.Contains(t, out, "slos:      1")
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := execute(t, "validate", "--config", writeConfig(t, "slos:\n  - name: x\n    target: 101\n"))
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "validate", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestRunbooksCommand(t *testing.T) {
	out, err := execute(t, "runbooks", "list")
	require.NoError(t, err)
	assert.NotEmpty(t, out)

	out, err = execute(t, "runbooks", "show", "circuit-open")
	require.NoError(t, err)
	assert.Contains(t, out, "Dependency Circuit Open")

	_, err = execute(t, "runbooks", "show", "does-not-exist")
	assert.Error(t, err)
}

func TestTokenCommand(t *testing.T) {
	out, err := execute(t, "token", "alice", "--config", writeConfig(t, cliConfig))
	require.NoError(t, err)
	assert.Regexp(t, `^[\w-]+\.[\w-]+\.[\w-]+\n$`, out)

	_, err = execute(t, "token", "alice", "--config", writeConfig(t, "slos: []\n"))
	assert.Error(t, err)
}
