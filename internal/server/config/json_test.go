package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempJSON(t *testing.T, data map[string]any) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cfg.json")
	b, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, b, 0o600))
	return path
}

func Test_parseJSON_LoadsFromFile(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := writeTempJSON(t, map[string]any{
		"database_dsn":            "postgres://vault",
		"s3_bucket":               "bucket",
		"s3_replica_bucket":       "bucket-replica",
		"kms_key_id":              "alias/prod",
		"redis_addr":              "redis:6379",
		"cache_ttl":               "1h",
		"cache_operation_timeout": "250ms",
		"retry_base":              "100ms",
		"max_retries":             uint64(5),
		"breaker_failures":        uint32(7),
		"breaker_cooldown":        "45s",
		"min_confidence":          0.9,
		"analysis_deadline":       "5m",
		"poll_initial":            "1s",
		"processing_budget":       "2s",
	})
	os.Args = []string{"testbin", "-config", path}

	cfg := &Config{}
	cfg.LoadDefaults()
	parseJSON(cfg)

	assert.Equal(t, "postgres://vault", cfg.DatabaseDSN)
	assert.Equal(t, "bucket", cfg.S3Bucket)
	assert.Equal(t, "bucket-replica", cfg.S3ReplicaBucket)
	assert.Equal(t, "alias/prod", cfg.KMSKeyID)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, time.Hour, cfg.CacheTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.CacheOperationTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.RetryBase)
	assert.Equal(t, uint64(5), cfg.MaxRetries)
	assert.Equal(t, uint32(7), cfg.BreakerFailures)
	assert.Equal(t, 45*time.Second, cfg.BreakerCooldown)
	assert.Equal(t, 0.9, cfg.MinConfidence)
	assert.Equal(t, 5*time.Minute, cfg.AnalysisDeadline)
	assert.Equal(t, time.Second, cfg.PollInitial)
	assert.Equal(t, 2*time.Second, cfg.ProcessingBudget)
}

func Test_parseJSON_OmittedFieldsKeepDefaults(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := writeTempJSON(t, map[string]any{
		"s3_bucket": "only-this",
	})
	os.Args = []string{"testbin", "-c", path}

	cfg := &Config{}
	cfg.LoadDefaults()
	parseJSON(cfg)

	assert.Equal(t, "only-this", cfg.S3Bucket)
	assert.Equal(t, "admin", cfg.S3RootUser)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 0.98, cfg.MinConfidence)
}

func Test_parseJSON_NoFlagNoChanges(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	os.Args = []string{"testbin"}

	cfg := &Config{S3Bucket: "untouched"}
	parseJSON(cfg)

	assert.Equal(t, "untouched", cfg.S3Bucket)
}
