// Package config loads runtime settings from the environment, with an
// optional .env file for development.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config carries every tunable the bot reads at startup. Out-of-range
// values are clamped, not rejected.
type Config struct {
	DiscordToken string
	MetingAPIURL string
	MetricsAddr  string
	LogLevel     string
	TempDir      string

	DefaultSource     string
	SearchResultCount int

	SegmentDuration time.Duration
	SendInterval    time.Duration

	MaxFileSize         int64
	MaxRedirects        int
	MaxRetries          int
	RetryBackoff        time.Duration
	DownloadConcurrency int
	StrictContentType   bool
	StrictFormat        bool

	SessionTTL    time.Duration
	SweepInterval time.Duration
	FileMaxAge    time.Duration
}

// Load reads the environment, consulting .env when one exists.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	token := os.Getenv("DISCORD_TOKEN")
	if token == "" {
		return nil, errors.New("DISCORD_TOKEN is not set")
	}

	cfg := &Config{
		DiscordToken: token,
		MetingAPIURL: getEnv("METING_API_URL", "https://meting.example.com"),
		MetricsAddr:  os.Getenv("METRICS_ADDR"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		TempDir:      getEnv("TEMP_DIR", os.TempDir()),

		DefaultSource:     getEnv("DEFAULT_SOURCE", "netease"),
		SearchResultCount: clampInt(getInt("SEARCH_RESULT_COUNT", 10), 5, 30),

		SegmentDuration: clampDuration(getSeconds("SEGMENT_DURATION_SECONDS", 120), 30*time.Second, 600*time.Second),
		SendInterval:    getSeconds("SEND_INTERVAL_SECONDS", 1),

		MaxFileSize:         getInt64("MAX_FILE_SIZE_BYTES", 50*1024*1024),
		MaxRedirects:        getInt("MAX_REDIRECTS", 5),
		MaxRetries:          getInt("MAX_RETRIES", 3),
		RetryBackoff:        getSeconds("RETRY_BACKOFF_SECONDS", 1),
		DownloadConcurrency: getInt("DOWNLOAD_CONCURRENCY", 3),
		StrictContentType:   getBool("STRICT_CONTENT_TYPE", false),
		StrictFormat:        getBool("STRICT_FORMAT", false),

		SessionTTL:    getSeconds("SESSION_TTL_SECONDS", 3600),
		SweepInterval: getSeconds("SWEEP_INTERVAL_SECONDS", 3600),
		FileMaxAge:    getSeconds("FILE_MAX_AGE_SECONDS", 3600),
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getSeconds(key string, fallback int) time.Duration {
	return time.Duration(getInt(key, fallback)) * time.Second
}

func clampInt(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
