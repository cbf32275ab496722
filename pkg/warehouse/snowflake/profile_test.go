package snowflake

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryanwith/melchi/pkg/config"
)

func writeConnectionsFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "connections.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestMergeConnectionProfileFillsBlanks(t *testing.T) {
	path := writeConnectionsFile(t, `
[default]
account = "xy12345"
user = "melchi"
password = "secret"
role = "SYNCER"
warehouse = "SYNC_WH"
`)

	cfg := config.SourceConfig{
		ConnectionFilePath: path,
		User:               "override",
	}
	require.NoError(t, mergeConnectionProfile(&cfg))
	assert.Equal(t, "xy12345", cfg.Account)
	assert.Equal(t, "override", cfg.User)
	assert.Equal(t, "secret", cfg.Password)
	assert.Equal(t, "SYNCER", cfg.Role)
	assert.Equal(t, "SYNC_WH", cfg.Warehouse)
}

func TestMergeConnectionProfileNamedProfile(t *testing.T) {
	path := writeConnectionsFile(t, `
[prod]
account = "prod-account"
`)

	cfg := config.SourceConfig{ConnectionFilePath: path, ConnectionProfileName: "prod"}
	require.NoError(t, mergeConnectionProfile(&cfg))
	assert.Equal(t, "prod-account", cfg.Account)
}

func TestMergeConnectionProfileMissingProfile(t *testing.T) {
	path := writeConnectionsFile(t, "[default]\naccount = \"a\"\n")

	cfg := config.SourceConfig{ConnectionFilePath: path, ConnectionProfileName: "staging"}
	err := mergeConnectionProfile(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "staging")
}

func TestMergeConnectionProfileNoFileConfigured(t *testing.T) {
	cfg := config.SourceConfig{Account: "a"}
	require.NoError(t, mergeConnectionProfile(&cfg))
	assert.Equal(t, "a", cfg.Account)
}
