package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr          string
	LogLevel          string
	LogFormat         string
	UpstreamURL       string
	UpstreamTimeout   time.Duration
	StreamCacheTTL    time.Duration
	StreamCacheMax    int
	AccessLogCapacity int
	FFmpegPath        string
	StreamUserAgent   string
	StreamReferer     string
	StreamBitrate     string
	RedisURL          string
	StatsDiskPath     string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:          getEnv("HTTP_ADDR", "0.0.0.0:5000"),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "text")),
		UpstreamURL:       normalizeBaseURL(getEnv("ZING_API_URL", "http://zing-api:5555")),
		UpstreamTimeout:   time.Duration(getEnvInt("UPSTREAM_TIMEOUT_SECONDS", 10)) * time.Second,
		StreamCacheTTL:    time.Duration(getEnvInt("STREAM_CACHE_TTL_SECONDS", 1800)) * time.Second,
		StreamCacheMax:    getEnvInt("STREAM_CACHE_MAX_ENTRIES", 4096),
		AccessLogCapacity: getEnvInt("ACCESS_LOG_CAPACITY", 30),
		FFmpegPath:        getEnv("FFMPEG_PATH", "ffmpeg"),
		StreamUserAgent:   getEnv("STREAM_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"),
		StreamReferer:     getEnv("STREAM_REFERER", "https://zingmp3.vn/"),
		StreamBitrate:     getEnv("STREAM_BITRATE", "128k"),
		RedisURL:          getEnv("REDIS_URL", ""),
		StatsDiskPath:     getEnv("STATS_DISK_PATH", "/"),
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func normalizeBaseURL(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
		value = "http://" + value
	}
	return strings.TrimRight(value, "/")
}
