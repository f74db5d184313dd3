package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8980", cfg.Server.ListenAddr)
	assert.Equal(t, "./data", cfg.Storage.DataDir)
	assert.Equal(t, "local", cfg.Blob.Backend)
	assert.Equal(t, 32, cfg.Cache.CapacityMB)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listenAddr: 0.0.0.0:8980
storage:
  dataDir: /var/lib/jmap
  syncWrites: true
cluster:
  listenAddr: 0.0.0.0:7700
  secret: hunter2
  peers:
    - 10.0.0.2:7700
    - 10.0.0.3:7700
  heartbeatInterval: 250ms
logging:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8980", cfg.Server.ListenAddr)
	assert.Equal(t, "/var/lib/jmap", cfg.Storage.DataDir)
	assert.True(t, cfg.Storage.SyncWrites)
	assert.Equal(t, []string{"10.0.0.2:7700", "10.0.0.3:7700"}, cfg.Cluster.Peers)
	assert.Equal(t, 250*time.Millisecond, cfg.Cluster.HeartbeatInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)

	secret, err := cfg.ClusterSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), secret)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("JMAP_LISTEN_ADDR", "0.0.0.0:9980")
	t.Setenv("JMAP_DATA_DIR", "/srv/jmap")
	t.Setenv("JMAP_CLUSTER_ADDR", "0.0.0.0:7800")
	t.Setenv("JMAP_CLUSTER_SECRET", "from-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9980", cfg.Server.ListenAddr)
	assert.Equal(t, "/srv/jmap", cfg.Storage.DataDir)
	assert.Equal(t, "0.0.0.0:7800", cfg.Cluster.ListenAddr)

	secret, err := cfg.ClusterSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("from-env"), secret)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing listen addr",
			mutate:  func(c *Config) { c.Server.ListenAddr = "" },
			wantErr: "listenAddr",
		},
		{
			name:    "missing data dir",
			mutate:  func(c *Config) { c.Storage.DataDir = "" },
			wantErr: "dataDir",
		},
		{
			name:    "unknown blob backend",
			mutate:  func(c *Config) { c.Blob.Backend = "ftp" },
			wantErr: "blob backend",
		},
		{
			name:    "s3 without endpoint",
			mutate:  func(c *Config) { c.Blob.Backend = "s3" },
			wantErr: "blob.endpoint",
		},
		{
			name:    "cluster without secret",
			mutate:  func(c *Config) { c.Cluster.ListenAddr = ":7700" },
			wantErr: "cluster.secret",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging level",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSecretFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(path, []byte("  file-secret\n"), 0o600))

	cfg := Default()
	cfg.Cluster.SecretFile = path
	secret, err := cfg.ClusterSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("file-secret"), secret)
}
