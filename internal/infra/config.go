package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pbnjay/memory"
)

// Engine kinds accepted in ENGINE_KIND.
const (
	EngineWASM      = "wasm"
	EngineProcess   = "process"
	EngineSynthetic = "synthetic"
)

const (
	minCacheBytes = 64 << 20
	maxCacheBytes = 1 << 30
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	DatabaseURL      string
	LogFile          string
	LogLevel         string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string

	EngineKind                 string
	EngineModulePath           string
	EngineCommand              string
	EngineArgs                 []string
	EnginePoolSize             int
	EngineRequestTimeout       time.Duration
	EngineInitTimeout          time.Duration
	EngineRestartAfterTimeouts int
	EngineMemoryLimitMB        int

	QueueMaxDepth   int
	CacheMaxEntries int
	CacheMaxBytes   int64
	CacheTTL        time.Duration
	UploadTTL       time.Duration
	UploadMaxBytes  int
	RetryImageBytes int64
	ImageMaxPixels  int
	PresetsFile     string
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	modulePath := os.Getenv("ENGINE_MODULE_PATH")
	defaultKind := EngineSynthetic
	if modulePath != "" {
		defaultKind = EngineWASM
	}

	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             getEnv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		LogFile:          os.Getenv("LOG_FILE"),
		LogLevel:         os.Getenv("LOG_LEVEL"),
		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT_SECONDS", 15*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT_SECONDS", 120*time.Second),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT_SECONDS", 60*time.Second),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 60),
		CORSOrigins:      getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),

		EngineKind:                 strings.ToLower(getEnv("ENGINE_KIND", defaultKind)),
		EngineModulePath:           modulePath,
		EngineCommand:              getEnv("ENGINE_COMMAND", "vec2art-enginehost"),
		EngineArgs:                 getEnvList("ENGINE_ARGS", nil),
		EnginePoolSize:             getEnvInt("ENGINE_POOL_SIZE", 1),
		EngineRequestTimeout:       getEnvDuration("ENGINE_REQUEST_TIMEOUT_SECONDS", 60*time.Second),
		EngineInitTimeout:          getEnvDuration("ENGINE_INIT_TIMEOUT_SECONDS", 30*time.Second),
		EngineRestartAfterTimeouts: getEnvInt("ENGINE_RESTART_AFTER_TIMEOUTS", 3),
		EngineMemoryLimitMB:        getEnvInt("ENGINE_MEMORY_LIMIT_MB", 1024),

		QueueMaxDepth:   getEnvInt("QUEUE_MAX_DEPTH", 64),
		CacheMaxEntries: getEnvInt("CACHE_MAX_ENTRIES", 128),
		CacheMaxBytes:   int64(getEnvInt("CACHE_MAX_BYTES", int(defaultCacheBytes(memory.TotalMemory())))),
		CacheTTL:        getEnvDuration("CACHE_TTL_SECONDS", 30*time.Minute),
		UploadTTL:       getEnvDuration("UPLOAD_TTL_SECONDS", 15*time.Minute),
		UploadMaxBytes:  getEnvInt("UPLOAD_MAX_BYTES", 32<<20),
		RetryImageBytes: int64(getEnvInt("RETRY_IMAGE_BYTES", 256<<20)),
		ImageMaxPixels:  getEnvInt("IMAGE_MAX_PIXELS", 40_000_000),
		PresetsFile:     os.Getenv("PRESETS_FILE"),
	}

	switch cfg.EngineKind {
	case EngineWASM:
		if cfg.EngineModulePath == "" {
			return nil, fmt.Errorf("ENGINE_MODULE_PATH is required when ENGINE_KIND=wasm")
		}
	case EngineProcess:
		if cfg.EngineCommand == "" {
			return nil, fmt.Errorf("ENGINE_COMMAND is required when ENGINE_KIND=process")
		}
	case EngineSynthetic:
	default:
		return nil, fmt.Errorf("ENGINE_KIND %q is not one of wasm, process, synthetic", cfg.EngineKind)
	}

	if cfg.EnginePoolSize < 1 {
		return nil, fmt.Errorf("ENGINE_POOL_SIZE must be at least 1")
	}
	if cfg.EngineRestartAfterTimeouts < 0 {
		return nil, fmt.Errorf("ENGINE_RESTART_AFTER_TIMEOUTS must not be negative")
	}

	return cfg, nil
}

// EngineMemoryPages converts the engine memory limit to 64 KiB wasm pages.
func (c *Config) EngineMemoryPages() uint32 {
	if c.EngineMemoryLimitMB <= 0 {
		return 0
	}
	return uint32(c.EngineMemoryLimitMB) * 16
}

// defaultCacheBytes reserves a sixteenth of host memory for cached results.
func defaultCacheBytes(total uint64) int64 {
	if total == 0 {
		return 256 << 20
	}
	return min(max(int64(total/16), minCacheBytes), maxCacheBytes)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

// getEnvDuration reads a whole number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return time.Duration(i) * time.Second
		}
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
