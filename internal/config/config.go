package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration required by the call-tracker processes.
// Values come from an optional YAML file named by CONFIG_FILE, overridden by
// environment variables. No business logic should depend on raw environment
// variables.
type Config struct {
	App       AppConfig       `yaml:"app"`
	DB        DBConfig        `yaml:"db"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type AppConfig struct {
	Env  string `yaml:"env"`
	Port int    `yaml:"port"`
}

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string `yaml:"sslmode"`

	// QueryTimeout bounds every ledger statement.
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// RedisConfig is optional. Without a host the API runs without rate limiting.
type RedisConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// RateLimit requests per RateWindow per API key.
	RateLimit  int           `yaml:"rate_limit"`
	RateWindow time.Duration `yaml:"rate_window"`
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	JWTIssuer       string        `yaml:"jwt_issuer"`
	JWTAudience     string        `yaml:"jwt_audience"`
	AccessTokenTTL  time.Duration `yaml:"access_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_ttl"`

	// APIKey gates the webhook, cron and monitor endpoints.
	APIKey string `yaml:"api_key"`
}

// MQTTConfig is optional. Without a broker no notifications are published.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

type ReconcileConfig struct {
	// Interval of the in-process sweep loop. Zero leaves sweeping to an
	// external scheduler.
	Interval       time.Duration `yaml:"interval"`
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

type MetricsConfig struct {
	RetryAttempts  int           `yaml:"retry_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
}

func Load() (Config, error) {
	c := Config{}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		c = fc
	}

	if err := c.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadFile reads a YAML config file without applying env or validation.
func LoadFile(path string) (Config, error) {
	var c Config
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return c, nil
}

// applyEnv overrides c with every environment variable that is set.
func (c *Config) applyEnv() error {
	var parseErrs []error

	envString(&c.App.Env, "APP_ENV")
	parseErrs = envInt(parseErrs, &c.App.Port, "APP_PORT")

	envString(&c.DB.Host, "DB_HOST")
	parseErrs = envInt(parseErrs, &c.DB.Port, "DB_PORT")
	envString(&c.DB.User, "DB_USER")
	envSecret(&c.DB.Password, "DB_PASSWORD")
	envString(&c.DB.Name, "DB_NAME")
	envString(&c.DB.SSLMode, "DB_SSLMODE")
	parseErrs = envDuration(parseErrs, &c.DB.QueryTimeout, "DB_QUERY_TIMEOUT")

	envString(&c.Redis.Host, "REDIS_HOST")
	parseErrs = envInt(parseErrs, &c.Redis.Port, "REDIS_PORT")
	parseErrs = envInt(parseErrs, &c.Redis.RateLimit, "RATE_LIMIT")
	parseErrs = envDuration(parseErrs, &c.Redis.RateWindow, "RATE_LIMIT_WINDOW")

	envSecret(&c.Auth.JWTSecret, "JWT_SECRET")
	envString(&c.Auth.JWTIssuer, "JWT_ISSUER")
	envString(&c.Auth.JWTAudience, "JWT_AUDIENCE")
	parseErrs = envDuration(parseErrs, &c.Auth.AccessTokenTTL, "JWT_ACCESS_TTL")
	parseErrs = envDuration(parseErrs, &c.Auth.RefreshTokenTTL, "JWT_REFRESH_TTL")
	envSecret(&c.Auth.APIKey, "API_KEY")

	envString(&c.MQTT.Broker, "MQTT_BROKER")
	envString(&c.MQTT.ClientID, "MQTT_CLIENT_ID")
	envString(&c.MQTT.TopicPrefix, "MQTT_TOPIC_PREFIX")
	parseErrs = envInt(parseErrs, &c.MQTT.QoS, "MQTT_QOS")

	parseErrs = envDuration(parseErrs, &c.Reconcile.Interval, "RECONCILE_INTERVAL")
	parseErrs = envInt(parseErrs, &c.Reconcile.RetryAttempts, "RECONCILE_RETRY_ATTEMPTS")
	parseErrs = envDuration(parseErrs, &c.Reconcile.RetryBaseDelay, "RECONCILE_RETRY_BASE_DELAY")

	parseErrs = envInt(parseErrs, &c.Metrics.RetryAttempts, "METRICS_RETRY_ATTEMPTS")
	parseErrs = envDuration(parseErrs, &c.Metrics.RetryBaseDelay, "METRICS_RETRY_BASE_DELAY")

	return joinErrors(parseErrs)
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	if c.DB.QueryTimeout < 0 {
		errs = append(errs, errors.New("DB_QUERY_TIMEOUT must not be negative"))
	} else if c.DB.QueryTimeout == 0 {
		c.DB.QueryTimeout = 5 * time.Second
	}

	if c.RedisEnabled() && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	// The limit is advertised on every response even without Redis.
	if c.Redis.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("RATE_LIMIT must not be negative, got %d", c.Redis.RateLimit))
	} else if c.Redis.RateLimit == 0 {
		c.Redis.RateLimit = 100
	}
	if c.Redis.RateWindow <= 0 {
		c.Redis.RateWindow = time.Minute
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Auth.APIKey == "" {
		errs = append(errs, errors.New("API_KEY is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.MQTTEnabled() {
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			errs = append(errs, fmt.Errorf("MQTT_QOS must be 0, 1 or 2, got %d", c.MQTT.QoS))
		}
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = "call-tracker"
		}
	}

	if c.Reconcile.Interval < 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must not be negative"))
	}
	errs = retryDefaults(errs, "RECONCILE", &c.Reconcile.RetryAttempts, &c.Reconcile.RetryBaseDelay)
	errs = retryDefaults(errs, "METRICS", &c.Metrics.RetryAttempts, &c.Metrics.RetryBaseDelay)

	return joinErrors(errs)
}

func retryDefaults(errs []error, prefix string, attempts *int, base *time.Duration) []error {
	if *attempts < 0 {
		errs = append(errs, fmt.Errorf("%s_RETRY_ATTEMPTS must not be negative, got %d", prefix, *attempts))
	} else if *attempts == 0 {
		*attempts = 3
	}
	if *base < 0 {
		errs = append(errs, fmt.Errorf("%s_RETRY_BASE_DELAY must not be negative", prefix))
	} else if *base == 0 {
		*base = time.Second
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) RedisEnabled() bool { return c.Redis.Host != "" }

func (c Config) MQTTEnabled() bool { return c.MQTT.Broker != "" }

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func envString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

// envSecret is envString without trimming.
func envSecret(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(errs []error, dst *int, key string) []error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	*dst = n
	return errs
}

func envDuration(errs []error, dst *time.Duration, key string) []error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	*dst = d
	return errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
