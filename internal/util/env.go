package util

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/OFFIS-RIT/tabgraph/pkg/logger"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file from the working directory if there is one.
// Variables already set in the environment win.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using system environment variables")
	}
}

// GetEnv returns the variable or "".
func GetEnv(key string) string {
	return os.Getenv(key)
}

// envOr parses key with parse, falling back to def when the variable is
// unset, empty or unparsable.
func envOr[T any](key string, def T, parse func(string) (T, bool)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, ok := parse(raw)
	if !ok {
		logger.Warn("Ignoring invalid environment value", "key", key, "value", raw)
		return def
	}
	return v
}

func GetEnvString(key string, defaultValue string) string {
	return envOr(key, defaultValue, func(s string) (string, bool) { return s, true })
}

func GetEnvInt(key string, defaultValue int) int {
	return envOr(key, defaultValue, func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil
	})
}

// GetEnvDuration accepts Go duration strings ("5s", "250ms") as well as a
// bare number of seconds.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return envOr(key, defaultValue, func(s string) (time.Duration, bool) {
		if d, err := time.ParseDuration(s); err == nil {
			return d, true
		}
		secs, err := strconv.ParseFloat(s, 64)
		return time.Duration(secs * float64(time.Second)), err == nil
	})
}

func GetEnvBool(key string, defaultValue bool) bool {
	return envOr(key, defaultValue, func(s string) (bool, bool) {
		switch strings.ToLower(s) {
		case "true", "1", "yes", "on":
			return true, true
		case "false", "0", "no", "off":
			return false, true
		}
		return false, false
	})
}
