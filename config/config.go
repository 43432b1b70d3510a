/*
Package config loads server configuration from the environment.

PURPOSE:
  One place for the handful of knobs the server has. A local .env file
  is honored when present so development setups need no exported
  variables; a missing .env is not an error.

PRECEDENCE:
  explicit env var > .env file > default.

SEE ALSO:
  - cmd/server/main.go: Merges flags over this configuration
*/
package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Port the HTTP server listens on.
	Port string

	// DBPath is the SQLite database file. ":memory:" for ephemeral runs.
	DBPath string

	// AllowedOrigins for CORS, comma separated in the environment.
	AllowedOrigins []string

	// DefaultUser is the identity assumed when a request carries none.
	DefaultUser string

	// ChargePolicy selects which action consumes free quota, "create"
	// or "send".
	ChargePolicy string

	Env string
}

// Load reads configuration from the environment, loading a .env file
// first when one exists.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		Port:           getEnv("PORT", "8080"),
		DBPath:         getEnv("DB_PATH", "quotes.db"),
		AllowedOrigins: splitCSV(getEnv("ALLOWED_ORIGINS", "*")),
		DefaultUser:    getEnv("DEFAULT_USER", "anon"),
		ChargePolicy:   getEnv("CHARGE_POLICY", "send"),
		Env:            getEnv("APP_ENV", "development"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
