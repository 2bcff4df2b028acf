// Package config loads and validates mail-laser's configuration from
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Govcraft/mail-laser/internal/set"
)

// Environment variable names, per spec.
const (
	envTargetEmails    = "MAIL_LASER_TARGET_EMAILS"
	envWebhookURL      = "MAIL_LASER_WEBHOOK_URL"
	envBindAddress     = "MAIL_LASER_BIND_ADDRESS"
	envPort            = "MAIL_LASER_PORT"
	envHealthBindAddr  = "MAIL_LASER_HEALTH_BIND_ADDRESS"
	envHealthPort      = "MAIL_LASER_HEALTH_PORT"
	envHeaderPrefix    = "MAIL_LASER_HEADER_PREFIX"
	envWebhookTimeout  = "MAIL_LASER_WEBHOOK_TIMEOUT"
	envWebhookRetries  = "MAIL_LASER_WEBHOOK_MAX_RETRIES"
	envBreakerThresh   = "MAIL_LASER_CIRCUIT_BREAKER_THRESHOLD"
	envBreakerResetSec = "MAIL_LASER_CIRCUIT_BREAKER_RESET"
)

// Defaults, per spec §6.
const (
	defaultBindAddress    = "0.0.0.0"
	defaultPort           = 2525
	defaultHealthBindAddr = "0.0.0.0"
	defaultHealthPort     = 8080
	defaultWebhookTimeout = 30 * time.Second
	defaultMaxRetries     = 3
	defaultBreakerThresh  = 5
	defaultBreakerReset   = 60 * time.Second
)

// Config holds mail-laser's full runtime configuration, immutable once
// loaded and validated.
type Config struct {
	// TargetEmails is the allow-list of recipients this server accepts
	// mail for, matched case-insensitively.
	TargetEmails *set.CaseInsensitive

	// WebhookURL is the HTTPS endpoint every accepted message is POSTed to.
	WebhookURL string

	// SMTPBindAddress and SMTPPort are where the SMTP listener binds.
	SMTPBindAddress string
	SMTPPort        uint16

	// HealthBindAddress and HealthPort are where the health/metrics
	// endpoint binds.
	HealthBindAddress string
	HealthPort        uint16

	// HeaderPrefixes are the (ordered, case-insensitive) header-name
	// prefixes captured into MessagePayload.Headers. Empty disables
	// capture entirely.
	HeaderPrefixes []string

	// WebhookTimeout bounds each individual delivery attempt.
	WebhookTimeout time.Duration

	// WebhookMaxRetries is the number of *additional* attempts allowed
	// after the first.
	WebhookMaxRetries int

	// CircuitBreakerThreshold is the number of consecutive failures that
	// trips the breaker open.
	CircuitBreakerThreshold int

	// CircuitBreakerReset is how long the breaker stays open before
	// admitting a half-open probe.
	CircuitBreakerReset time.Duration
}

// Load reads configuration from the environment, first merging in the
// contents of envFile if it exists (a local key/value file loaded into the
// environment before the real read, per spec). envFile may be empty, in
// which case only the ambient environment is used.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		// Intentionally ignore a missing file: the env file is optional
		// sugar, not a requirement. godotenv.Load only overrides variables
		// that aren't already set in the environment.
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: error reading env file %q: %w", envFile, err)
		}
	}

	targets, err := parseTargetEmails(os.Getenv(envTargetEmails))
	if err != nil {
		return nil, err
	}

	webhookURL := strings.TrimSpace(os.Getenv(envWebhookURL))
	if webhookURL == "" {
		return nil, fmt.Errorf("config: %s is required", envWebhookURL)
	}

	port, err := parsePort(envPort, defaultPort)
	if err != nil {
		return nil, err
	}
	healthPort, err := parsePort(envHealthPort, defaultHealthPort)
	if err != nil {
		return nil, err
	}

	webhookTimeout, err := parseSeconds(envWebhookTimeout, defaultWebhookTimeout)
	if err != nil {
		return nil, err
	}
	breakerReset, err := parseSeconds(envBreakerResetSec, defaultBreakerReset)
	if err != nil {
		return nil, err
	}

	maxRetries, err := parseNonNegativeInt(envWebhookRetries, defaultMaxRetries)
	if err != nil {
		return nil, err
	}
	threshold, err := parseNonNegativeInt(envBreakerThresh, defaultBreakerThresh)
	if err != nil {
		return nil, err
	}
	if threshold < 1 {
		return nil, fmt.Errorf("config: %s must be at least 1", envBreakerThresh)
	}

	cfg := &Config{
		TargetEmails:            targets,
		WebhookURL:              webhookURL,
		SMTPBindAddress:         envOrDefault(envBindAddress, defaultBindAddress),
		SMTPPort:                port,
		HealthBindAddress:       envOrDefault(envHealthBindAddr, defaultHealthBindAddr),
		HealthPort:              healthPort,
		HeaderPrefixes:          parseHeaderPrefixes(os.Getenv(envHeaderPrefix)),
		WebhookTimeout:          webhookTimeout,
		WebhookMaxRetries:       maxRetries,
		CircuitBreakerThreshold: threshold,
		CircuitBreakerReset:     breakerReset,
	}
	return cfg, nil
}

func envOrDefault(name, def string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return def
}

func parseTargetEmails(raw string) (*set.CaseInsensitive, error) {
	var addrs []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			addrs = append(addrs, part)
		}
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("config: %s must contain at least one recipient address", envTargetEmails)
	}
	return set.NewCaseInsensitive(addrs...), nil
}

func parseHeaderPrefixes(raw string) []string {
	var prefixes []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			prefixes = append(prefixes, part)
		}
	}
	return prefixes
}

func parsePort(name string, def uint16) (uint16, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a valid port number (0-65535): %w", name, err)
	}
	return uint16(n), nil
}

func parseSeconds(name string, def time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a non-negative integer number of seconds: %w", name, err)
	}
	return time.Duration(n) * time.Second, nil
}

func parseNonNegativeInt(name string, def int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a non-negative integer: %w", name, err)
	}
	return int(n), nil
}

// LogSummary returns a one-line, secret-free description of cfg suitable
// for logging once at startup.
func (c *Config) LogSummary() string {
	return fmt.Sprintf(
		"targets=%d webhook=%s listen=%s:%d health=%s:%d headerPrefixes=%v timeout=%s maxRetries=%d breakerThreshold=%d breakerReset=%s",
		c.TargetEmails.Len(), c.WebhookURL, c.SMTPBindAddress, c.SMTPPort,
		c.HealthBindAddress, c.HealthPort, c.HeaderPrefixes, c.WebhookTimeout,
		c.WebhookMaxRetries, c.CircuitBreakerThreshold, c.CircuitBreakerReset)
}
