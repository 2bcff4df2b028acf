// mail-laser is an inbound SMTP server that accepts mail for a configured
// set of addresses and forwards each message to a webhook endpoint as
// JSON, with retrying and a circuit breaker protecting the endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blitiri.com.ar/go/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Govcraft/mail-laser/internal/acceptor"
	"github.com/Govcraft/mail-laser/internal/certs"
	"github.com/Govcraft/mail-laser/internal/config"
	"github.com/Govcraft/mail-laser/internal/health"
	"github.com/Govcraft/mail-laser/internal/webhook"
)

// version is overridden at build time using -ldflags="-X main.version=...".
var version = "dev"

var envFile = flag.String("env_file", ".env",
	"optional key/value file to load into the environment before reading configuration")

// shutdownGrace bounds how long the supervisor waits for in-flight
// sessions and webhook deliveries to finish once a termination signal
// arrives.
const shutdownGrace = 30 * time.Second

func main() {
	flag.Parse()
	log.Init()

	log.Infof("mail-laser starting (version %s)", version)

	os.Exit(run())
}

// run wires up C4, C5 and the health endpoint, waits for a termination
// signal, and drains cleanly. It returns the process exit status.
func run() int {
	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Errorf("error loading configuration: %v", err)
		return 1
	}
	log.Infof("%s", cfg.LogSummary())

	cert, err := certs.GenerateSelfSigned()
	if err != nil {
		log.Errorf("error generating TLS certificate: %v", err)
		return 1
	}
	tlsConfig := certs.ServerConfig(cert)

	reg := prometheus.NewRegistry()

	dispatcher := webhook.New(webhook.Config{
		WebhookURL:              cfg.WebhookURL,
		Timeout:                 cfg.WebhookTimeout,
		MaxRetries:              cfg.WebhookMaxRetries,
		CircuitBreakerThreshold: cfg.CircuitBreakerThreshold,
		CircuitBreakerReset:     cfg.CircuitBreakerReset,
		UserAgent:               fmt.Sprintf("mail-laser/%s", version),
		Registerer:              reg,
	})
	dispatcher.Start()

	acc, err := acceptor.New(acceptor.Config{
		BindAddress:    cfg.SMTPBindAddress,
		Port:           cfg.SMTPPort,
		Hostname:       hostnameOrDefault(),
		TargetEmails:   cfg.TargetEmails,
		HeaderPrefixes: cfg.HeaderPrefixes,
		Dispatcher:     dispatcher,
		TLSConfig:      tlsConfig,
	})
	if err != nil {
		log.Errorf("error starting SMTP listener: %v", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	go acc.Run(ctx)
	log.Infof("SMTP server listening on %s", acc.Addr())

	healthSrv := health.New(cfg.HealthBindAddress, cfg.HealthPort, reg)
	healthErrCh := make(chan error, 1)
	go func() { healthErrCh <- healthSrv.Run() }()

	sig := waitForSignal()
	log.Infof("received %s, shutting down", sig)

	// Stop accepting new connections first; in-flight sessions are left to
	// finish naturally.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()

	if err := acc.Shutdown(shutdownCtx); err != nil {
		log.Errorf("error draining SMTP sessions: %v", err)
	}

	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("error stopping health endpoint: %v", err)
	}

	// Drain C4 last: sessions may have submitted deliveries right up until
	// the acceptor finished draining.
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		log.Errorf("webhook dispatcher did not drain cleanly: %v", err)
		return 1
	}

	log.Infof("shutdown complete")
	return 0
}

// waitForSignal blocks until SIGINT or SIGTERM arrives.
func waitForSignal() os.Signal {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	return <-signals
}

func hostnameOrDefault() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "mail-laser"
	}
	return h
}
