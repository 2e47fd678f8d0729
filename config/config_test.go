package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "insights.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_FillsDefaults(t *testing.T) {
	c, err := LoadConfig(writeConfig(t, `
storage:
  dir: /var/lib/insights
  minio:
    endpoint_url: http://localhost:9000
    access_key_id: key
    secret_access_key: secret
worker:
  workers: 2
  poll_interval_millis: 250
scan:
  disabled_drivers: [CatalogDataToCsv]
  auto_update: true
  update_interval_seconds: 900
`))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/insights", c.Storage.Dir)
	assert.Equal(t, "http://localhost:9000", c.Storage.Minio.EndpointURL)
	assert.Equal(t, 2, c.Worker.Workers)
	assert.Equal(t, 250*time.Millisecond, c.Worker.PollInterval())
	assert.Equal(t, []string{"CatalogDataToCsv"}, c.Scan.DisabledDrivers)

	assert.Equal(t, "https://api.nuget.org/v3/catalog0/index.json", c.Catalog.IndexURL)
	assert.Equal(t, 16, c.Worker.BatchSize)
	assert.Equal(t, 5*time.Minute, c.Worker.VisibilityTimeout())
	assert.Equal(t, 16, c.Scan.BucketCount)
	assert.Equal(t, time.Minute, c.Scan.StartLeaseDuration())
	assert.True(t, c.Scan.AutoUpdate)
	assert.Equal(t, 15*time.Minute, c.Scan.UpdateInterval())
	assert.Equal(t, 5*time.Minute, c.Scan.UpdateLeaseDuration())
	assert.Equal(t, "info", c.Log.Level)
}

func TestLoadConfig_EmptyFileIsDefault(t *testing.T) {
	c, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadConfig_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":    "worker:\n  wokers: 3\n",
		"bad batch":      "worker:\n  batch_size: 64\n",
		"bad level":      "log:\n  level: verbose\n",
		"negative rate":  "catalog:\n  rate_limit: -1\n",
		"too many parts": "scan:\n  bucket_count: 5000\n",
		"short lease":    "scan:\n  update_lease_seconds: 1\n",
		"not yaml":       "worker: [",
	}
	for name, body := range cases {
		_, err := LoadConfig(writeConfig(t, body))
		assert.Error(t, err, name)
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
