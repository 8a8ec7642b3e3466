package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_RequiresSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("CONFIG_FILE", "")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoadConfig_EnvDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("STAGE_TIMEOUT", "45s")
	t.Setenv("RECORD_STORE", "memory")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.ServicePort)
	assert.Equal(t, 45*time.Second, cfg.StageTimeout)
	assert.Equal(t, "memory", cfg.RecordStore)
	assert.Equal(t, int64(256*1024), cfg.GetStreamChunkBytes())
}

func TestLoadConfig_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
service_port: "9090"
blob_store: minio
stage_timeout: 10s
notifier: redis
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("SERVICE_PORT", "7070")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.ServicePort, "env wins over yaml")
	assert.Equal(t, "minio", cfg.BlobStore)
	assert.Equal(t, 10*time.Second, cfg.StageTimeout)
	assert.Equal(t, "redis", cfg.Notifier)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service_port: [unclosed"), 0600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("JWT_SECRET", "test-secret")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestValidate_UnknownBackends(t *testing.T) {
	cfg := Defaults()
	cfg.JWTSecret = "s"
	require.NoError(t, cfg.Validate())

	cfg.BlobStore = "ftp"
	assert.Error(t, cfg.Validate())

	cfg = Defaults()
	cfg.JWTSecret = "s"
	cfg.Dispatcher = "kafka"
	assert.Error(t, cfg.Validate())
}

func TestGetDSN(t *testing.T) {
	cfg := Defaults()
	assert.Contains(t, cfg.GetDSN(), "@tcp(localhost:4000)/vidstream")

	cfg.RecordStore = "postgres"
	assert.Contains(t, cfg.GetDSN(), "host=localhost port=4000")
}
