// Package config provides configuration for the lode commands.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds the configuration shared by the controller, the engine, and
// the serve command.
type Config struct {
	// Data locations
	Home    string
	RunsDir string
	DBPath  string

	// Provider settings
	APIBase string
	APIKey  string
	Model   string
	Mode    string

	// Run defaults; zero values defer to RunConfig.Normalize
	SearchCount   int
	MaxIterations int
	Parallelism   int

	// Timeouts and retries
	InvokeTimeout time.Duration
	RetryMax      int
	RetryBase     time.Duration
	CancelGrace   time.Duration

	// Component wiring
	PolicyFile string
	EngineBin  string
	ServeAddr  string

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables.
func Load() *Config {
	home := getEnv("LODE_HOME", defaultHome())

	return &Config{
		Home:          home,
		RunsDir:       getEnv("LODE_RUNS_DIR", filepath.Join(home, "runs")),
		DBPath:        getEnv("LODE_DB_PATH", filepath.Join(home, "lode.db")),
		APIBase:       getEnv("LODE_API_BASE", "https://api.openai.com"),
		APIKey:        getEnv("LODE_API_KEY", os.Getenv("OPENAI_API_KEY")),
		Model:         getEnv("LODE_MODEL", ""),
		Mode:          getEnv("LODE_MODE", "live"),
		SearchCount:   getEnvInt("LODE_SEARCH_COUNT", 0),
		MaxIterations: getEnvInt("LODE_MAX_ITERATIONS", 0),
		Parallelism:   getEnvInt("LODE_PARALLELISM", 0),
		InvokeTimeout: time.Duration(getEnvInt("LODE_INVOKE_TIMEOUT_MS", 120000)) * time.Millisecond,
		RetryMax:      getEnvInt("LODE_RETRY_MAX", 3),
		RetryBase:     time.Duration(getEnvInt("LODE_RETRY_BASE_MS", 500)) * time.Millisecond,
		CancelGrace:   time.Duration(getEnvInt("LODE_CANCEL_GRACE_MS", 5000)) * time.Millisecond,
		PolicyFile:    getEnv("LODE_POLICY_FILE", ""),
		EngineBin:     getEnv("LODE_ENGINE_BIN", ""),
		ServeAddr:     getEnv("LODE_SERVE_ADDR", ":8080"),
		LogLevel:      getEnv("LODE_LOG_LEVEL", "info"),
	}
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".lode"
	}
	return filepath.Join(home, ".lode")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
