// Package config holds explicit, nil-vs-zero-aware environment variable
// parsing. A missing variable uses the default; a present-but-zero
// variable is a real zero. This is the fix for the `||` vs `??` pitfall
// called out in spec.md's redesign notes: MAX_CONCURRENT=0 must disable a
// worker, not fall back to a positive default.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/alephauto/alephauto/internal/logger"
)

func GetEnv(key, defaultVal string, log *logger.Logger) string {
	if log != nil {
		log = log.With("env_var", key)
	}
	val, ok := os.LookupEnv(key)
	if !ok {
		if log != nil {
			log.Debug("environment variable not set, using default", "default", defaultVal)
		}
		return defaultVal
	}
	return val
}

func GetEnvAsInt(key string, defaultVal int, log *logger.Logger) int {
	if log != nil {
		log = log.With("env_var", key)
	}
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	i, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		if log != nil {
			log.Warn("environment variable not a valid int, using default", "value", raw, "default", defaultVal)
		}
		return defaultVal
	}
	return i
}

func GetEnvAsBool(key string, defaultVal bool, log *logger.Logger) bool {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		if log != nil {
			log.With("env_var", key).Warn("environment variable not a valid bool, using default", "value", raw, "default", defaultVal)
		}
		return defaultVal
	}
	return b
}

// GetEnvAsDuration parses a duration either as a Go duration string
// ("30s") or a bare integer number of milliseconds, matching the two
// shapes configuration in this domain tends to show up as.
func GetEnvAsDuration(key string, defaultVal time.Duration, log *logger.Logger) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	raw = strings.TrimSpace(raw)
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if log != nil {
		log.With("env_var", key).Warn("environment variable not a valid duration, using default", "value", raw, "default", defaultVal)
	}
	return defaultVal
}
