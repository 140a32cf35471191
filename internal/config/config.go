// Package config loads and validates the process-scoped configuration
// described in spec.md §3, from a .env file (if present) and the process
// environment, matching original_source/src/config.py's load_config.
package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Error reports a missing or invalid configuration value. Every error Load
// returns is an *Error; main exits with code 1 on any of them before the
// accept loop ever starts, per spec.md §7.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func errorf(msg string) error { return &Error{msg: msg} }

// Config is the immutable, process-scoped configuration from spec.md §3.
type Config struct {
	ProxyPassword string
	ProxyHost     string
	ProxyPort     int
	ProxyIPv6     bool

	UpstreamHost     string
	UpstreamPort     int
	UpstreamUsername string
	UpstreamPassword string

	PoolMax             int
	PoolConnectTimeout  time.Duration
	PoolPrewarm         int
	PoolKeepaliveOn     bool
	PoolKeepaliveIdle   time.Duration
	PoolKeepaliveInterv time.Duration
	PoolKeepaliveProbes int

	MetricsPort int
	LogLevel    string
}

// Load reads .env (non-fatal if absent) then the process environment,
// applying the same defaults and REDIS_URL-fills-gaps precedence as
// original_source/src/config.py.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ProxyPassword: os.Getenv("PROXY_PASSWORD"),
		ProxyHost:     getEnv("PROXY_HOST", "::"),
		ProxyPort:     getEnvInt("PROXY_PORT", 6379),
		ProxyIPv6:     getEnvBool("PROXY_IPV6", true),

		UpstreamUsername: os.Getenv("REDIS_USERNAME"),
		UpstreamPassword: os.Getenv("REDIS_PASSWORD"),

		PoolMax:             getEnvInt("REDIS_POOL_SIZE", 1000),
		PoolConnectTimeout:  time.Duration(getEnvInt("REDIS_POOL_TIMEOUT", 30)) * time.Second,
		PoolPrewarm:         getEnvInt("REDIS_POOL_PREWARM", 50),
		PoolKeepaliveOn:     getEnvBool("REDIS_POOL_KEEPALIVE", true),
		PoolKeepaliveIdle:   time.Duration(getEnvInt("REDIS_POOL_KEEPALIVE_IDLE", 1)) * time.Second,
		PoolKeepaliveInterv: time.Duration(getEnvInt("REDIS_POOL_KEEPALIVE_INTERVAL", 3)) * time.Second,
		PoolKeepaliveProbes: getEnvInt("REDIS_POOL_KEEPALIVE_COUNT", 5),

		MetricsPort: getEnvInt("METRICS_PORT", 9090),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
	}

	redisURL := os.Getenv("REDIS_URL")
	redisHost := os.Getenv("REDIS_HOST")
	redisPortStr := os.Getenv("REDIS_PORT")

	if redisURL != "" {
		parsed, err := url.Parse(redisURL)
		if err != nil {
			return nil, errorf("REDIS_URL is not a valid URL: " + err.Error())
		}
		if redisHost == "" {
			redisHost = parsed.Hostname()
		}
		if redisPortStr == "" {
			if p := parsed.Port(); p != "" {
				redisPortStr = p
			} else {
				redisPortStr = "6379"
			}
		}
		if cfg.UpstreamUsername == "" {
			if u := parsed.User.Username(); u != "" {
				cfg.UpstreamUsername = u
			} else {
				cfg.UpstreamUsername = "default"
			}
		}
		if cfg.UpstreamPassword == "" {
			if p, ok := parsed.User.Password(); ok {
				cfg.UpstreamPassword = p
			}
		}
	}
	if cfg.UpstreamUsername == "" {
		cfg.UpstreamUsername = "default"
	}

	if cfg.ProxyPassword == "" {
		return nil, errorf("PROXY_PASSWORD environment variable is missing")
	}
	if redisURL == "" && (redisHost == "" || redisPortStr == "") {
		return nil, errorf("redis upstream credentials are missing: set REDIS_URL or REDIS_HOST and REDIS_PORT")
	}

	redisPort, err := strconv.Atoi(redisPortStr)
	if err != nil {
		return nil, errorf("REDIS_PORT/REDIS_URL port is not a valid integer: " + redisPortStr)
	}

	cfg.UpstreamHost = redisHost
	cfg.UpstreamPort = redisPort
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
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

func getEnvBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return fallback
	}
	switch v {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
