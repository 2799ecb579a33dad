package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/docvault/internal/flagx"
	"github.com/dmitrijs2005/docvault/internal/timex"
)

// JSONConfig is an intermediate DTO for reading JSON configuration files.
// Duration fields use timex.Duration, which accepts both string values such
// as "1s" and integer nanoseconds. After unmarshalling, non-zero fields are
// copied into the runtime Config.
type JSONConfig struct {
	DatabaseDSN string `json:"database_dsn"`

	S3RootUser     string `json:"s3_root_user"`
	S3RootPassword string `json:"s3_root_password"`
	S3Bucket       string `json:"s3_bucket"`
	S3Region       string `json:"s3_region"`
	S3BaseEndpoint string `json:"s3_base_endpoint"`

	S3ReplicaBucket       string `json:"s3_replica_bucket"`
	S3ReplicaBaseEndpoint string `json:"s3_replica_base_endpoint"`

	KMSKeyID                string `json:"kms_key_id"`
	KMSBaseEndpoint         string `json:"kms_base_endpoint"`
	KeyServiceMaxConcurrent int64  `json:"key_service_max_concurrent"`

	TextractBaseEndpoint string `json:"textract_base_endpoint"`

	RedisAddr             string         `json:"redis_addr"`
	RedisPassword         string         `json:"redis_password"`
	RedisDB               int            `json:"redis_db"`
	CacheTTL              timex.Duration `json:"cache_ttl"`
	CacheOperationTimeout timex.Duration `json:"cache_operation_timeout"`
	CompressionThreshold  int            `json:"compression_threshold"`

	OperationTimeout timex.Duration `json:"operation_timeout"`
	RetryBase        timex.Duration `json:"retry_base"`
	RetryCap         timex.Duration `json:"retry_cap"`
	MaxRetries       uint64         `json:"max_retries"`
	BreakerFailures  uint32         `json:"breaker_failures"`
	BreakerCooldown  timex.Duration `json:"breaker_cooldown"`

	PollInitial      timex.Duration `json:"poll_initial"`
	PollCap          timex.Duration `json:"poll_cap"`
	MinConfidence    float64        `json:"min_confidence"`
	ProcessingBudget timex.Duration `json:"processing_budget"`
	AnalysisDeadline timex.Duration `json:"analysis_deadline"`
}

// parseJSON loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c or -config command-line
// flags; when neither is set, no JSON file is loaded. Fields absent from
// the file keep their current (default) values. Unreadable files and
// invalid JSON panic: a misconfigured server must not start.
func parseJSON(config *Config) {

	jsonConfigFile := flagx.JSONConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JSONConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	setString(&config.DatabaseDSN, c.DatabaseDSN)

	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)

	setString(&config.S3ReplicaBucket, c.S3ReplicaBucket)
	setString(&config.S3ReplicaBaseEndpoint, c.S3ReplicaBaseEndpoint)

	setString(&config.KMSKeyID, c.KMSKeyID)
	setString(&config.KMSBaseEndpoint, c.KMSBaseEndpoint)
	if c.KeyServiceMaxConcurrent > 0 {
		config.KeyServiceMaxConcurrent = c.KeyServiceMaxConcurrent
	}

	setString(&config.TextractBaseEndpoint, c.TextractBaseEndpoint)

	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.RedisPassword, c.RedisPassword)
	if c.RedisDB > 0 {
		config.RedisDB = c.RedisDB
	}
	setDuration(&config.CacheTTL, c.CacheTTL)
	setDuration(&config.CacheOperationTimeout, c.CacheOperationTimeout)
	if c.CompressionThreshold > 0 {
		config.CompressionThreshold = c.CompressionThreshold
	}

	setDuration(&config.OperationTimeout, c.OperationTimeout)
	setDuration(&config.RetryBase, c.RetryBase)
	setDuration(&config.RetryCap, c.RetryCap)
	if c.MaxRetries > 0 {
		config.MaxRetries = c.MaxRetries
	}
	if c.BreakerFailures > 0 {
		config.BreakerFailures = c.BreakerFailures
	}
	setDuration(&config.BreakerCooldown, c.BreakerCooldown)

	setDuration(&config.PollInitial, c.PollInitial)
	setDuration(&config.PollCap, c.PollCap)
	if c.MinConfidence > 0 {
		config.MinConfidence = c.MinConfidence
	}
	setDuration(&config.ProcessingBudget, c.ProcessingBudget)
	setDuration(&config.AnalysisDeadline, c.AnalysisDeadline)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v timex.Duration) {
	if v.Duration > 0 {
		*dst = v.Duration
	}
}
