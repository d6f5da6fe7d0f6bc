package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// RedisSettings returns the breaker tuning for the memory backend,
// overridable through environment variables.
func RedisSettings() Settings {
	return Settings{
		ProbeRequests:    getEnvUint32("CB_REDIS_MAX_REQUESTS", 5),
		Window:           getEnvDuration("CB_REDIS_INTERVAL", 30*time.Second),
		CoolOff:          getEnvDuration("CB_REDIS_TIMEOUT", 15*time.Second),
		FailureThreshold: getEnvUint32("CB_REDIS_FAILURE_THRESHOLD", 3),
		SuccessThreshold: getEnvUint32("CB_REDIS_SUCCESS_THRESHOLD", 2),
	}
}

// GenerationSettings returns the breaker tuning for the generation backend.
// The thresholds are loose: model calls are slow and a single long-running
// request is not a failure.
func GenerationSettings() Settings {
	return Settings{
		ProbeRequests:    getEnvUint32("CB_GENERATION_MAX_REQUESTS", 3),
		Window:           getEnvDuration("CB_GENERATION_INTERVAL", 120*time.Second),
		CoolOff:          getEnvDuration("CB_GENERATION_TIMEOUT", 30*time.Second),
		FailureThreshold: getEnvUint32("CB_GENERATION_FAILURE_THRESHOLD", 5),
		SuccessThreshold: getEnvUint32("CB_GENERATION_SUCCESS_THRESHOLD", 2),
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
