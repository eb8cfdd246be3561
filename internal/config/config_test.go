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
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, StorageMemory, cfg.Storage.Type)
	assert.Equal(t, SigningFile, cfg.Signing.Mode)
	assert.Equal(t, 30*time.Second, cfg.Timestamper.InitialDelay)
	assert.Equal(t, 5*time.Minute, cfg.Timestamper.MaxDelay)
	assert.Equal(t, 30*time.Minute, cfg.Timestamper.AcceptableFailurePeriod)
	assert.Equal(t, 10*time.Minute, cfg.GlobalConf.OCSPFreshness)
	assert.Equal(t, int64(1<<20), cfg.Codec.MemoryThreshold)
	assert.Equal(t, "/metrics", cfg.Metrics.Metrics.Path)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileWithEnv(t *testing.T) {
	t.Setenv("SECGW_TEST_MONGO", "mongodb://db:27017")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  addr: ":9443"
admission:
  maxParallel: 2
  queueSize: 5
  maxCpuLoad: 0.9
storage:
  type: mongodb
  mongodb:
    uri: ${SECGW_TEST_MONGO}
timestamper:
  enabled: true
  interval: 30s
  authorities:
    - name: primary
      url: http://tsa.example.com
archive:
  enabled: true
  archiveAfter: 1h
  purgeAfter: 2h
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9443", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Admission.MaxParallel)
	assert.Equal(t, 5, cfg.Admission.QueueSize)
	assert.Equal(t, 0.9, cfg.Admission.MaxCPULoad)
	assert.Equal(t, "mongodb://db:27017", cfg.Storage.MongoDB.URI)
	assert.Equal(t, "secgw", cfg.Storage.MongoDB.Database)
	assert.Equal(t, 30*time.Second, cfg.Timestamper.Interval)
	require.Len(t, cfg.Timestamper.Authorities, 1)
	assert.Equal(t, "primary", cfg.Timestamper.Authorities[0].Name)
	assert.Equal(t, time.Hour, cfg.Archive.ArchiveAfter)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"MongoWithoutURI", "storage: {type: mongodb}", "storage.mongodb.uri"},
		{"UnknownStorage", "storage: {type: redis}", "storage.type"},
		{"UnknownSigning", "signing: {mode: prf}", "signing.mode"},
		{"PKCS11WithoutModule", "signing: {mode: pkcs11}", "modulePath"},
		{"TLSWithoutFiles", "server: {tls: {enabled: true}}", "server.tls"},
		{"CPUOutOfRange", "admission: {maxCpuLoad: 2}", "maxCpuLoad"},
		{"TimestamperWithoutTSA", "timestamper: {enabled: true}", "authorities"},
		{"TSAWithoutURL", "timestamper: {enabled: true, authorities: [{name: a}]}", "url"},
		{"BackoffInverted", "timestamper: {enabled: true, initialDelay: 10m, maxDelay: 1m, authorities: [{url: http://x}]}", "maxDelay"},
		{"PurgeBeforeArchive", "archive: {enabled: true, archiveAfter: 2h, purgeAfter: 1h}", "purgeAfter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
