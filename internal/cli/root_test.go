package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommands(t *testing.T) {
	assert.Equal(t, "vigil", rootCmd.Name())

	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "status", "upgrade", "stop", "send", "broadcast", "reload"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}

func TestStatus_Uninstalled(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "vigil.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
observability:
  log_level: error
profiles:
  - id: island
    install_dir: `+filepath.Join(dir, "island")+`
    query_port: 27015
`), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", cfgPath, "status"})
	defer rootCmd.SetArgs(nil)

	require.NoError(t, rootCmd.ExecuteContext(context.Background()))
	assert.Contains(t, out.String(), "island")
	assert.Contains(t, out.String(), "UNINSTALLED")
	assert.Contains(t, out.String(), "0/0")
}

func TestUpgrade_RequiresProfile(t *testing.T) {
	rootCmd.SetArgs([]string{"upgrade"})
	defer rootCmd.SetArgs(nil)
	assert.Error(t, rootCmd.ExecuteContext(context.Background()))
}

func TestConsoleProgress(t *testing.T) {
	var out bytes.Buffer
	p := consoleProgress(&out)
	p(-1, "Updating server...", false)
	p(10, "downloading 10.00%", true)
	p(90, "downloading 90.00%", true)
	p(-1, "Server is up to date.", false)

	assert.Equal(t, "Updating server...\n\rdownloading 10.00%\rdownloading 90.00%\nServer is up to date.\n", out.String())
}
