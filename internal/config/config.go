// Package config holds the viper-backed runtime configuration.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Global configuration variables resolved once at startup.
var (
	// DatabaseURL is the Postgres connection string shared by all instances.
	DatabaseURL string
	// RedisAddr is the address of the quota counter store.
	RedisAddr string
	// OpenAIAPIKey is the key for the candidate generation service.
	OpenAIAPIKey string
	// DryRun disables external calls and uses the fixed generator.
	DryRun bool
)

// InitConfig initializes the global configuration from viper.
func InitConfig() {
	viper.SetDefault("database.url", "postgres://localhost:5432/bibfill?sslmode=disable")
	viper.SetDefault("redis.addr", "localhost:6379")

	viper.SetDefault("backfill.max_retries", 5)
	viper.SetDefault("backfill.stale_claim_timeout", "30m")
	viper.SetDefault("backfill.failure_backoff", "30s")
	viper.SetDefault("backfill.workers", 3)

	viper.SetDefault("quota.isbndb.daily_limit", 5000)
	viper.SetDefault("quota.isbndb.safety_buffer", 2000)
	viper.SetDefault("quota.googlebooks.daily_limit", 1000)
	viper.SetDefault("quota.googlebooks.safety_buffer", 100)

	// Timeouts keyed by expected response size, not one constant.
	viper.SetDefault("timeouts.small", "10s")
	viper.SetDefault("timeouts.large", "30s")
	viper.SetDefault("timeouts.mega", "90s")

	DatabaseURL = viper.GetString("database.url")
	RedisAddr = viper.GetString("redis.addr")
	OpenAIAPIKey = viper.GetString("openai.api_key")
	DryRun = viper.GetBool("dryrun")
}

// MaxRetries returns the retry bound before a unit fails terminally.
func MaxRetries() int {
	n := viper.GetInt("backfill.max_retries")
	if n <= 0 {
		return 5
	}
	return n
}

// StaleClaimTimeout returns how long a claim may sit unfinished before the
// sweep reverts it to pending.
func StaleClaimTimeout() time.Duration {
	d := viper.GetDuration("backfill.stale_claim_timeout")
	if d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// FailureBackoff returns how long the scheduler waits after a failed unit
// before claiming again, so retries of the same unit are spread out.
func FailureBackoff() time.Duration {
	d := viper.GetDuration("backfill.failure_backoff")
	if d < 0 {
		return 0
	}
	return d
}

// Workers returns the orchestrator worker pool cap.
func Workers() int {
	n := viper.GetInt("backfill.workers")
	if n <= 0 {
		return 3
	}
	return n
}

// DailyLimit returns the configured hard daily call limit for a provider.
func DailyLimit(provider string) int64 {
	return viper.GetInt64("quota." + provider + ".daily_limit")
}

// SafetyBuffer returns the unusable headroom reserved below the hard limit.
func SafetyBuffer(provider string) int64 {
	return viper.GetInt64("quota." + provider + ".safety_buffer")
}

// TimeoutForTier returns the request timeout for a response size tier.
// Unknown tiers fall back to the small tier.
func TimeoutForTier(tier string) time.Duration {
	d := viper.GetDuration("timeouts." + tier)
	if d <= 0 {
		d = viper.GetDuration("timeouts.small")
	}
	if d <= 0 {
		d = 10 * time.Second
	}
	return d
}

// SetDryRun sets the DryRun flag from the CLI.
func SetDryRun(dry bool) {
	DryRun = dry
	viper.Set("dryrun", dry)
}
