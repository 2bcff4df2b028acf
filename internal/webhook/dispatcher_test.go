package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func testConfig(url string) Config {
	return Config{
		WebhookURL:              url,
		Timeout:                 2 * time.Second,
		MaxRetries:              3,
		CircuitBreakerThreshold: 3,
		CircuitBreakerReset:     200 * time.Millisecond,
		UserAgent:               "mail-laser-test/0",
		Registerer:              prometheus.NewRegistry(),
		inboxSize:               16,
	}
}

func waitForStats(t *testing.T, d *Dispatcher, timeout time.Duration, ok func(Stats) bool) Stats {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		s := d.Stats()
		if ok(s) {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for expected stats; last: %+v", s)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// S1: a healthy endpoint accepts the first attempt.
func TestDispatcherDeliversOnFirstAttempt(t *testing.T) {
	var received int32
	var body Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(testConfig(srv.URL))
	d.Start()
	defer d.Stop(context.Background())

	d.Submit(&Payload{Sender: "a@example.com", Recipient: "b@example.com", Subject: "hi", Body: "hello"})

	waitForStats(t, d, time.Second, func(s Stats) bool { return s.TotalForwarded == 1 })

	if atomic.LoadInt32(&received) != 1 {
		t.Errorf("expected exactly one request, got %d", received)
	}
	if body.Subject != "hi" {
		t.Errorf("decoded payload subject: got %q", body.Subject)
	}
}

// S2: the endpoint fails twice then succeeds; delivery must eventually
// succeed with backoff delays of approximately 100ms then 200ms.
func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	var timestamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timestamps = append(timestamps, time.Now())
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(testConfig(srv.URL))
	d.Start()
	defer d.Stop(context.Background())

	d.Submit(&Payload{Sender: "a@example.com", Recipient: "b@example.com"})

	waitForStats(t, d, 2*time.Second, func(s Stats) bool { return s.TotalForwarded == 1 })

	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if len(timestamps) != 3 {
		t.Fatalf("expected 3 recorded timestamps, got %d", len(timestamps))
	}
	firstGap := timestamps[1].Sub(timestamps[0])
	secondGap := timestamps[2].Sub(timestamps[1])
	if firstGap < 80*time.Millisecond {
		t.Errorf("first retry gap too short: %s", firstGap)
	}
	if secondGap < firstGap {
		t.Errorf("second retry gap (%s) should be larger than the first (%s)", secondGap, firstGap)
	}
}

// S3: once consecutive failures reach the configured threshold, the
// circuit opens and further submissions are dropped without reaching the
// downstream endpoint, until the reset window elapses.
func TestDispatcherCircuitBreakerOpensAndResets(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.MaxRetries = 0 // one attempt per submission, so failures accrue one per Submit
	d := New(cfg)
	d.Start()
	defer d.Stop(context.Background())

	for i := 0; i < 3; i++ {
		d.Submit(&Payload{Sender: "a@example.com", Recipient: "b@example.com"})
		waitForStats(t, d, time.Second, func(s Stats) bool { return s.TotalFailed == uint64(i+1) })
	}

	s := d.Stats()
	if !s.CircuitOpen {
		t.Fatalf("expected circuit to be open after %d consecutive failures", s.ConsecutiveFailures)
	}

	reqsBeforeDrop := atomic.LoadInt32(&requests)
	d.Submit(&Payload{Sender: "a@example.com", Recipient: "b@example.com"})
	waitForStats(t, d, time.Second, func(s Stats) bool { return s.TotalFailed == 4 })

	if atomic.LoadInt32(&requests) != reqsBeforeDrop {
		t.Errorf("expected the dropped submission not to reach the downstream endpoint")
	}

	// After the reset window, the next submission is admitted as a
	// half-open probe and reaches the downstream endpoint again.
	time.Sleep(cfg.CircuitBreakerReset + 50*time.Millisecond)
	d.Submit(&Payload{Sender: "a@example.com", Recipient: "b@example.com"})
	waitForStats(t, d, time.Second, func(s Stats) bool { return atomic.LoadInt32(&requests) > reqsBeforeDrop })
}

func TestBackoffForDoubles(t *testing.T) {
	cases := map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
	}
	for attempt, want := range cases {
		if got := backoffFor(attempt); got != want {
			t.Errorf("backoffFor(%d) = %s, want %s", attempt, got, want)
		}
	}
}

func TestDispatcherStopDrainsOutstanding(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(testConfig(srv.URL))
	d.Start()
	d.Submit(&Payload{Sender: "a@example.com", Recipient: "b@example.com"})

	stopDone := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		stopDone <- d.Stop(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
	close(release)

	if err := <-stopDone; err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
