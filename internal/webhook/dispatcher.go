// Package webhook implements C4: a single-owner dispatcher that serializes
// MessagePayloads to JSON and delivers them to a configured HTTPS endpoint,
// with a per-attempt timeout, bounded exponential-backoff retry, and a
// consecutive-failure circuit breaker (spec §4.4, §5, §9).
//
// Dispatcher owns its state exclusively. Callers never touch it directly;
// they send a Deliver through Submit, and the dispatcher's own goroutine
// mutates consecutive-failure counts and the breaker state in response to
// a self-addressed result message, so there are no locks on the hot path.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Govcraft/mail-laser/internal/trace"
)

// Config configures a Dispatcher. All fields are read once at
// construction; Dispatcher never mutates them.
type Config struct {
	WebhookURL              string
	Timeout                 time.Duration
	MaxRetries              int
	CircuitBreakerThreshold int
	CircuitBreakerReset     time.Duration
	UserAgent               string

	// Registerer receives the dispatcher's Prometheus instruments. If nil,
	// prometheus.DefaultRegisterer is used.
	Registerer prometheus.Registerer

	// inboxSize bounds the Submit backlog; overridable by tests. Zero means
	// the default.
	inboxSize int
}

// Stats is a point-in-time snapshot of DispatcherState (spec §3).
type Stats struct {
	ConsecutiveFailures uint32
	CircuitOpen         bool
	CircuitOpenedAt     time.Time
	TotalForwarded      uint64
	TotalFailed         uint64
}

const defaultInboxSize = 256

// Dispatcher is C4. Create one with New, call Start once, and Stop it
// during shutdown to drain outstanding deliveries.
type Dispatcher struct {
	cfg     Config
	client  *http.Client
	metrics *metrics

	deliverCh chan *Payload
	resultCh  chan deliveryResult
	statsCh   chan chan Stats
	draining  chan struct{}
	stopped   chan struct{}

	wg sync.WaitGroup

	closeOnce sync.Once
}

type deliveryResult struct {
	success  bool
	attempts int
}

// New constructs a Dispatcher. Call Start to begin processing.
func New(cfg Config) *Dispatcher {
	if cfg.inboxSize == 0 {
		cfg.inboxSize = defaultInboxSize
	}
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	return &Dispatcher{
		cfg:     cfg,
		client:  &http.Client{},
		metrics: newMetrics(reg),

		deliverCh: make(chan *Payload, cfg.inboxSize),
		resultCh:  make(chan deliveryResult),
		statsCh:   make(chan chan Stats),
		draining:  make(chan struct{}),
		stopped:   make(chan struct{}),
	}
}

// Start spawns the dispatcher's owning goroutine. Call it once.
func (d *Dispatcher) Start() {
	go d.run()
}

// Submit hands a payload to the dispatcher. It never blocks beyond an O(1)
// channel send; if the inbox is full or the dispatcher is draining, the
// payload is dropped (and, for a full inbox, counted as a failure, since
// it will never be attempted).
func (d *Dispatcher) Submit(p *Payload) {
	select {
	case <-d.draining:
		return
	default:
	}

	select {
	case d.deliverCh <- p:
	default:
		d.metrics.totalFailed.Inc()
	}
}

// Stats returns a snapshot of the dispatcher's current counters.
func (d *Dispatcher) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case d.statsCh <- reply:
		return <-reply
	case <-d.stopped:
		return Stats{}
	}
}

// Stop stops accepting new submissions and waits for all outstanding
// deliveries (including their retries) to finish, or for ctx to expire.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.draining) })

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(d.stopped)
		return nil
	case <-ctx.Done():
		close(d.stopped)
		return ctx.Err()
	}
}

// run is the dispatcher's single owning loop. All DispatcherState fields
// (consecutive failures, breaker state, counters) are read and written
// only here.
func (d *Dispatcher) run() {
	var state Stats

	for {
		select {
		case p, ok := <-d.deliverCh:
			if !ok {
				return
			}
			d.admit(p, &state)

		case res := <-d.resultCh:
			d.reduce(res, &state)

		case reply := <-d.statsCh:
			snapshot := state
			reply <- snapshot
		}
	}
}

// admit decides whether p is attempted now, dropped by an open circuit, or
// let through as a half-open probe.
func (d *Dispatcher) admit(p *Payload, state *Stats) {
	now := time.Now()

	if state.CircuitOpen {
		if now.Sub(state.CircuitOpenedAt) < d.cfg.CircuitBreakerReset {
			// Breaker open and still cooling down: drop without attempting.
			state.TotalFailed++
			d.metrics.totalFailed.Inc()
			return
		}
		// Reset window elapsed: admit this one as the half-open probe.
		// Its outcome is handled in reduce like any other; a failure
		// re-opens the circuit only once consecutive failures reach the
		// threshold again, counting from zero.
		state.CircuitOpen = false
		state.ConsecutiveFailures = 0
		d.metrics.circuitOpen.Set(boolToFloat(false))
		d.metrics.consecutiveFailures.Set(0)
	}

	d.wg.Add(1)
	go d.deliver(p)
}

// reduce applies the outcome of one delivery to DispatcherState.
func (d *Dispatcher) reduce(res deliveryResult, state *Stats) {
	if res.success {
		state.ConsecutiveFailures = 0
		state.TotalForwarded++
		d.metrics.consecutiveFailures.Set(0)
		d.metrics.totalForwarded.Inc()
		return
	}

	state.ConsecutiveFailures++
	state.TotalFailed++
	d.metrics.consecutiveFailures.Set(float64(state.ConsecutiveFailures))
	d.metrics.totalFailed.Inc()

	if state.ConsecutiveFailures >= uint32(d.cfg.CircuitBreakerThreshold) {
		state.CircuitOpen = true
		state.CircuitOpenedAt = time.Now()
		d.metrics.circuitOpen.Set(boolToFloat(true))
	}
}

// deliver runs entirely off the owning goroutine: it performs the HTTP
// attempt(s) with backoff, then reports the outcome back through resultCh
// so state mutation stays single-owned.
func (d *Dispatcher) deliver(p *Payload) {
	defer d.wg.Done()

	tr := trace.New("Webhook.Deliver", d.cfg.WebhookURL)
	defer tr.Finish()

	body, err := json.Marshal(p)
	if err != nil {
		tr.Errorf("marshalling payload: %v", err)
		d.resultCh <- deliveryResult{success: false}
		return
	}

	maxAttempts := 1 + d.cfg.MaxRetries
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := backoffFor(attempt)
			tr.Debugf("retrying in %s (attempt %d/%d)", backoff, attempt+1, maxAttempts)
			time.Sleep(backoff)
		}

		if err := d.attempt(body); err != nil {
			lastErr = err
			tr.Debugf("attempt %d/%d failed: %v", attempt+1, maxAttempts, err)
			continue
		}

		tr.Printf("delivered on attempt %d/%d", attempt+1, maxAttempts)
		d.resultCh <- deliveryResult{success: true, attempts: attempt + 1}
		return
	}

	tr.Errorf("delivery failed after %d attempts: %v", maxAttempts, lastErr)
	d.resultCh <- deliveryResult{success: false, attempts: maxAttempts}
}

// backoffFor returns the delay before the given retry attempt (1-indexed:
// attempt 1 is the first retry). Per spec §4.4: 100ms * 2^n where n is the
// zero-indexed retry number, so the first retry waits 100ms, the second
// 200ms, and so on.
func backoffFor(attempt int) time.Duration {
	retryIndex := attempt - 1
	return 100 * time.Millisecond * time.Duration(1<<uint(retryIndex))
}

// attempt performs a single HTTPS POST of body, under the configured
// per-attempt timeout. A non-2xx response is treated the same as a
// transport error or timeout: all three count as a failed attempt.
func (d *Dispatcher) attempt(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", d.cfg.UserAgent)

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx response: %d", resp.StatusCode)
	}
	return nil
}
