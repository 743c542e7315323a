package settings

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Addr     string        `koanf:"addr"`
	APIKey   string        `koanf:"api_key"`
	Pending  int           `koanf:"max_pending"`
	Interval time.Duration `koanf:"ping_interval"`
	Origins  []string      `koanf:"cors_origins"`
}

func source() Source {
	return Source{
		EnvPrefix: "SETTINGS_TEST_",
		Defaults: map[string]any{
			"addr":          ":8081",
			"max_pending":   8,
			"ping_interval": 20 * time.Second,
		},
		Aliases: map[string]string{"SETTINGS_TEST_KEY_ALIAS": "api_key"},
	}
}

func newCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String(ConfigFlag, "", "")
	cmd.Flags().String("addr", ":8081", "")
	cmd.Flags().Int("max-pending", 8, "")
	return cmd
}

func TestLoad_Defaults(t *testing.T) {
	var out sample
	require.NoError(t, Load(nil, source(), &out))
	assert.Equal(t, ":8081", out.Addr)
	assert.Equal(t, 8, out.Pending)
	assert.Equal(t, 20*time.Second, out.Interval)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: \":9000\"\nmax_pending: 16\nping_interval: 5s\ncors_origins:\n  - http://localhost:3000\n"), 0o600))

	t.Setenv("SETTINGS_TEST_MAX_PENDING", "32")
	t.Setenv("SETTINGS_TEST_KEY_ALIAS", "sk-test")

	cmd := newCmd()
	require.NoError(t, cmd.Flags().Set(ConfigFlag, path))
	require.NoError(t, cmd.Flags().Set("max-pending", "64"))

	var out sample
	require.NoError(t, Load(cmd, source(), &out))
	assert.Equal(t, ":9000", out.Addr, "unchanged flag must not override the file")
	assert.Equal(t, 64, out.Pending)
	assert.Equal(t, 5*time.Second, out.Interval)
	assert.Equal(t, "sk-test", out.APIKey)
	assert.Equal(t, []string{"http://localhost:3000"}, out.Origins)
}

func TestLoad_MissingFile(t *testing.T) {
	cmd := newCmd()
	require.NoError(t, cmd.Flags().Set(ConfigFlag, filepath.Join(t.TempDir(), "missing.yaml")))
	var out sample
	assert.Error(t, Load(cmd, source(), &out))
}

func TestFlagKey(t *testing.T) {
	assert.Equal(t, "max_pending", FlagKey("max-pending"))
	assert.Equal(t, "addr", FlagKey("addr"))
}

func TestLoad_EmptyEnvKeepsDefault(t *testing.T) {
	t.Setenv("SETTINGS_TEST_ADDR", "  ")
	var out sample
	require.NoError(t, Load(nil, source(), &out))
	assert.Equal(t, ":8081", out.Addr)
}
