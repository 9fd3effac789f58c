package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// GetRedisConfig reads the cache-store breaker tuning from CB_REDIS_*
// environment variables, falling back to defaults sized for a cache that
// should shed load quickly and recover fast.
func GetRedisConfig() Config {
	return Config{
		FailureThreshold: getEnvUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		Cooldown:         getEnvDuration("CB_REDIS_COOLDOWN", 15*time.Second),
		ProbeBudget:      getEnvUint32("CB_REDIS_PROBE_BUDGET", 5),
		ProbeSuccesses:   getEnvUint32("CB_REDIS_PROBE_SUCCESSES", 2),
		ResetInterval:    getEnvDuration("CB_REDIS_RESET_INTERVAL", 30*time.Second),
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
