package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/marmos91/rpccore/internal/posix/tcpoptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithNoFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "stdout", cfg.Logging.Output)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := `
logging:
  level: debug
tcp:
  read_chunk_size: 4096
  zerocopy_enabled: true
cluster:
  eds_service_name: my-service
  connection_idle_timeout: 45s
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.Logging.Level)
	assert.Equal(t, 4096, cfg.TCP.ReadChunkSize)
	assert.True(t, cfg.TCP.ZerocopyEnabled)
	assert.Equal(t, "my-service", cfg.Cluster.EDSServiceName)

	opts := cfg.TCP.ToOptions()
	assert.Equal(t, 4096, opts.ReadChunkSize)
	assert.Equal(t, tcpoptions.DefaultMinReadChunkSize, opts.MinReadChunkSize)
	require.NoError(t, opts.Validate())

	resource := cfg.Cluster.ToClusterResource()
	assert.EqualValues(t, 1024, resource.MaxConcurrentRequests)
	assert.EqualValues(t, 45_000, resource.ConnectionIdleTimeout)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600))

	t.Setenv("RPCCORE_LOGGING_LEVEL", "warn")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "WARN", cfg.Logging.Level)
}
