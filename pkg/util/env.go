package util

import (
	"os"
	"strings"
)

// EnvOr returns the trimmed value of the environment variable key, or
// fallback when it is unset or blank.
func EnvOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return fallback
}
