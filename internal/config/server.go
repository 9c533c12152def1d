package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds configuration for the genpool server.
type ServerConfig struct {
	Port           int           `yaml:"port"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	APIKey         string        `yaml:"api_key"`
	WorkerKey      string        `yaml:"worker_key"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
	ConfigFile     string        `yaml:"-"`
	RedisAddr      string        `yaml:"redis_addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	DrainTimeout   time.Duration `yaml:"drain_timeout"`

	AcquireTimeout      time.Duration  `yaml:"acquire_timeout"`
	DefaultConcurrency  int            `yaml:"default_concurrency"`
	UserConcurrency     map[string]int `yaml:"user_concurrency"`
	OrderingThreshold   int            `yaml:"ordering_threshold"`
	OrderingDelay       time.Duration  `yaml:"ordering_delay"`
	MaxRedirects        int            `yaml:"max_redirects"`
	DisregardedFeatures []string       `yaml:"disregarded_features"`
	MaxImagePixels      int            `yaml:"max_image_pixels"`
	OutputTTL           time.Duration  `yaml:"output_ttl"`
	HeartbeatExpiry     time.Duration  `yaml:"heartbeat_expiry"`
	SessionIdleExpiry   time.Duration  `yaml:"session_idle_expiry"`
}

// SetDefaults initializes c with built-in defaults.
func (c *ServerConfig) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "console"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = fmt.Sprintf(":%d", c.Port)
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Minute
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = 5 * time.Minute
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 5 * time.Minute
	}
	if c.DefaultConcurrency == 0 {
		c.DefaultConcurrency = 2
	}
	if c.OrderingThreshold == 0 {
		c.OrderingThreshold = 3
	}
	if c.OrderingDelay == 0 {
		c.OrderingDelay = 50 * time.Millisecond
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = 1
	}
	if c.DisregardedFeatures == nil {
		c.DisregardedFeatures = []string{"sdxl", "sd3", "flux-1"}
	}
	if c.MaxImagePixels == 0 {
		c.MaxImagePixels = 4096 * 4096
	}
	if c.OutputTTL == 0 {
		c.OutputTTL = time.Hour
	}
	if c.HeartbeatExpiry == 0 {
		c.HeartbeatExpiry = 45 * time.Second
	}
	if c.SessionIdleExpiry == 0 {
		c.SessionIdleExpiry = 30 * time.Minute
	}
	if c.ConfigFile == "" {
		c.ConfigFile = DefaultConfigPath("server.yaml")
	}
}

// ApplyEnv overlays environment variables onto the current config values.
func (c *ServerConfig) ApplyEnv() {
	if v := getEnv("CONFIG_FILE", ""); v != "" {
		c.ConfigFile = v
	}
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.LogLevel = v
	}
	if v := getEnv("LOG_FORMAT", ""); v != "" {
		c.LogFormat = v
	}
	if v := getEnv("PORT", ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := getEnv("METRICS_PORT", ""); v != "" {
		if strings.Contains(v, ":") {
			c.MetricsAddr = v
		} else {
			c.MetricsAddr = ":" + v
		}
	}
	if v := getEnv("API_KEY", ""); v != "" {
		c.APIKey = v
	}
	if v := getEnv("WORKER_KEY", ""); v != "" {
		c.WorkerKey = v
	}
	if v := getEnv("REDIS_ADDR", ""); v != "" {
		c.RedisAddr = v
	}
	if v := getEnv("ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitComma(v)
	}
	if v := getEnv("DISREGARDED_FEATURES", ""); v != "" {
		c.DisregardedFeatures = splitComma(v)
	}
	if v := getEnv("USER_CONCURRENCY", ""); v != "" {
		if m, err := parseUserConcurrency(v); err == nil {
			c.UserConcurrency = m
		}
	}
	envInt("DEFAULT_CONCURRENCY", &c.DefaultConcurrency)
	envInt("ORDERING_THRESHOLD", &c.OrderingThreshold)
	envInt("MAX_REDIRECTS", &c.MaxRedirects)
	envInt("MAX_IMAGE_PIXELS", &c.MaxImagePixels)
	envDuration("REQUEST_TIMEOUT", &c.RequestTimeout)
	envDuration("DRAIN_TIMEOUT", &c.DrainTimeout)
	envDuration("ACQUIRE_TIMEOUT", &c.AcquireTimeout)
	envDuration("ORDERING_DELAY", &c.OrderingDelay)
	envDuration("OUTPUT_TTL", &c.OutputTTL)
	envDuration("HEARTBEAT_EXPIRY", &c.HeartbeatExpiry)
	envDuration("SESSION_IDLE_EXPIRY", &c.SessionIdleExpiry)
}

func envInt(key string, dst *int) {
	if v := getEnv(key, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := getEnv(key, ""); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

// BindFlagsFromCurrent binds command line flags using the current config values as defaults.
func (c *ServerConfig) BindFlagsFromCurrent() {
	flag.StringVar(&c.ConfigFile, "config", c.ConfigFile, "server config file path")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log verbosity (all, debug, info, warn, error, fatal, none)")
	flag.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log output format (console, json)")
	flag.IntVar(&c.Port, "port", c.Port, "HTTP listen port for the public API")
	flag.StringVar(&c.MetricsAddr, "metrics-port", c.MetricsAddr, "Prometheus metrics listen address or port; defaults to the value of --port")
	flag.StringVar(&c.APIKey, "api-key", c.APIKey, "client API key required for HTTP requests; leave empty to disable auth")
	flag.StringVar(&c.WorkerKey, "worker-key", c.WorkerKey, "shared key workers must present when registering")
	flag.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "redis connection URL for server state and outputs")
	flag.Func("allowed-origins", "comma separated list of allowed CORS origins", func(v string) error {
		c.AllowedOrigins = splitComma(v)
		return nil
	})
	flag.Func("disregarded-features", "comma separated feature flags ignored during backend matching", func(v string) error {
		c.DisregardedFeatures = splitComma(v)
		return nil
	})
	flag.Func("user-concurrency", "per-user concurrency overrides as user=n,user=n", func(v string) error {
		m, err := parseUserConcurrency(v)
		if err != nil {
			return err
		}
		c.UserConcurrency = m
		return nil
	})
	flag.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "maximum duration of one generate request")
	flag.DurationVar(&c.DrainTimeout, "drain-timeout", c.DrainTimeout, "time to wait for in-flight requests on shutdown (-1 to wait indefinitely, 0 to exit immediately)")
	flag.DurationVar(&c.AcquireTimeout, "acquire-timeout", c.AcquireTimeout, "how long a job waits for an eligible backend")
	flag.IntVar(&c.DefaultConcurrency, "default-concurrency", c.DefaultConcurrency, "concurrent jobs per request for users without an override")
	flag.IntVar(&c.OrderingThreshold, "ordering-threshold", c.OrderingThreshold, "pool wait depth below which job starts are staggered")
	flag.DurationVar(&c.OrderingDelay, "ordering-delay", c.OrderingDelay, "delay between job starts while below the ordering threshold")
	flag.IntVar(&c.MaxRedirects, "max-redirects", c.MaxRedirects, "transparent retries after a backend redirect (-1 disables)")
	flag.IntVar(&c.MaxImagePixels, "max-image-pixels", c.MaxImagePixels, "largest width*height accepted per image (0 disables)")
	flag.DurationVar(&c.OutputTTL, "output-ttl", c.OutputTTL, "how long generated images stay retrievable")
	flag.DurationVar(&c.HeartbeatExpiry, "heartbeat-expiry", c.HeartbeatExpiry, "drop workers silent for longer than this")
	flag.DurationVar(&c.SessionIdleExpiry, "session-idle-expiry", c.SessionIdleExpiry, "drop idle sessions after this long")
}

func splitComma(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}

func parseUserConcurrency(v string) (map[string]int, error) {
	out := map[string]int{}
	for _, part := range splitComma(v) {
		if part == "" {
			continue
		}
		user, n, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("user concurrency %q: want user=n", part)
		}
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return nil, fmt.Errorf("user concurrency %q: %w", part, err)
		}
		out[strings.TrimSpace(user)] = i
	}
	return out, nil
}

// LoadFile populates the config from a YAML file.
func (c *ServerConfig) LoadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(b, c)
}
