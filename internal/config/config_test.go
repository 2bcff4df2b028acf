package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		envTargetEmails, envWebhookURL, envBindAddress, envPort,
		envHealthBindAddr, envHealthPort, envHeaderPrefix, envWebhookTimeout,
		envWebhookRetries, envBreakerThresh, envBreakerResetSec,
	} {
		os.Unsetenv(name)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv(envTargetEmails, "target@example.com")
	os.Setenv(envWebhookURL, "https://example.com/hook")
	defer clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.TargetEmails.Has("TARGET@EXAMPLE.COM") {
		t.Errorf("target email not recognised case-insensitively")
	}
	if cfg.SMTPPort != defaultPort {
		t.Errorf("expected default port %d, got %d", defaultPort, cfg.SMTPPort)
	}
	if cfg.WebhookMaxRetries != defaultMaxRetries {
		t.Errorf("expected default max retries %d, got %d", defaultMaxRetries, cfg.WebhookMaxRetries)
	}
	if cfg.CircuitBreakerThreshold != defaultBreakerThresh {
		t.Errorf("expected default breaker threshold %d, got %d", defaultBreakerThresh, cfg.CircuitBreakerThreshold)
	}
	if len(cfg.HeaderPrefixes) != 0 {
		t.Errorf("expected no header prefixes by default, got %v", cfg.HeaderPrefixes)
	}
}

func TestLoadMissingTargetEmails(t *testing.T) {
	clearEnv(t)
	os.Setenv(envWebhookURL, "https://example.com/hook")
	defer clearEnv(t)

	if _, err := Load(""); err == nil {
		t.Fatalf("expected an error when %s is unset", envTargetEmails)
	}
}

func TestLoadTargetEmailsOnlyCommasAndWhitespace(t *testing.T) {
	clearEnv(t)
	os.Setenv(envTargetEmails, " , ,  ,")
	os.Setenv(envWebhookURL, "https://example.com/hook")
	defer clearEnv(t)

	if _, err := Load(""); err == nil {
		t.Fatalf("expected an error for a target list with no real entries")
	}
}

func TestLoadMissingWebhookURL(t *testing.T) {
	clearEnv(t)
	os.Setenv(envTargetEmails, "target@example.com")
	defer clearEnv(t)

	if _, err := Load(""); err == nil {
		t.Fatalf("expected an error when %s is unset", envWebhookURL)
	}
}

func TestLoadInvalidPort(t *testing.T) {
	clearEnv(t)
	os.Setenv(envTargetEmails, "target@example.com")
	os.Setenv(envWebhookURL, "https://example.com/hook")
	os.Setenv(envPort, "not-a-port")
	defer clearEnv(t)

	if _, err := Load(""); err == nil {
		t.Fatalf("expected an error for a non-numeric port")
	}
}

func TestLoadPortOutOfRange(t *testing.T) {
	clearEnv(t)
	os.Setenv(envTargetEmails, "target@example.com")
	os.Setenv(envWebhookURL, "https://example.com/hook")
	os.Setenv(envHealthPort, "99999")
	defer clearEnv(t)

	if _, err := Load(""); err == nil {
		t.Fatalf("expected an error for an out-of-range health port")
	}
}

func TestLoadHeaderPrefixes(t *testing.T) {
	clearEnv(t)
	os.Setenv(envTargetEmails, "target@example.com")
	os.Setenv(envWebhookURL, "https://example.com/hook")
	os.Setenv(envHeaderPrefix, " X-Custom , X-Other ")
	defer clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"X-Custom", "X-Other"}
	if len(cfg.HeaderPrefixes) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.HeaderPrefixes)
	}
	for i, p := range want {
		if cfg.HeaderPrefixes[i] != p {
			t.Errorf("prefix %d: expected %q, got %q", i, p, cfg.HeaderPrefixes[i])
		}
	}
}

func TestLoadZeroBreakerThresholdRejected(t *testing.T) {
	clearEnv(t)
	os.Setenv(envTargetEmails, "target@example.com")
	os.Setenv(envWebhookURL, "https://example.com/hook")
	os.Setenv(envBreakerThresh, "0")
	defer clearEnv(t)

	if _, err := Load(""); err == nil {
		t.Fatalf("expected an error for a zero circuit breaker threshold")
	}
}
