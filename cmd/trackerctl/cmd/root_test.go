package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testYAML = `
brokers:
  oanda:
    enabled: true
    token: tok
    account_id: 101-001
    practice: true
logging:
  level: error
`

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("OANDA_API_TOKEN", "")
	t.Setenv("TRACKER_DB_PATH", "")

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(testYAML), 0o600))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", cfgPath, "--db", filepath.Join(dir, "ctl.db")}, args...))
	err := Execute(context.Background())
	return out.String(), err
}

func TestTradesOnEmptyDatabase(t *testing.T) {
	out, err := run(t, "trades", "--open")
	require.NoError(t, err)
	assert.Contains(t, out, "INSTRUMENT")
}

func TestCloseAllWithNothingOpen(t *testing.T) {
	out, err := run(t, "closeall", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, "No open trades.")
}

func TestOpenRejectsUnknownDirection(t *testing.T) {
	_, err := run(t, "open", "--instrument", "EUR_USD", "--direction", "sideways", "--sl", "1.07")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown direction")
}
