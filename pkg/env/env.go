package env

import "os"

// Process-level switches read before config is loaded.
const (
	LogFormat     = "LOG_FORMAT"
	MigrationsDir = "VAULTFLOW_MIGRATIONS_DIR"
)

// Get returns the value of the given environment variable or a fallback.
func Get(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
