package utils

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// GetEnv retrieves an environment variable or returns a default value if not set
func GetEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// ExpandEnvVars expands ${VAR} references, e.g. secrets in config files.
func ExpandEnvVars(s string) string {
	return os.ExpandEnv(s)
}

// BoolFromEnv converts an environment variable to a boolean
// "true", "yes", "1", "on" are considered true (case-insensitive)
// Any other value is considered false
func BoolFromEnv(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	val = strings.ToLower(val)
	return val == "true" || val == "yes" || val == "1" || val == "on"
}

// IntFromEnv parses an integer variable. ok is false when the variable is
// set but malformed, so callers can warn.
func IntFromEnv(key string, defaultVal int) (val int, ok bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, true
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return defaultVal, false
	}
	return n, true
}

// DurationFromEnv parses a duration like "30s" or "5m".
func DurationFromEnv(key string, defaultVal time.Duration) (val time.Duration, ok bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal, true
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return defaultVal, false
	}
	return d, true
}

// ListFromEnv splits a comma-separated variable, dropping empty items.
func ListFromEnv(key string, defaultVal []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}
