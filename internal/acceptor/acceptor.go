// Package acceptor implements C5: the TCP accept loop that turns each
// inbound connection into a session task.
package acceptor

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"blitiri.com.ar/go/log"

	"github.com/Govcraft/mail-laser/internal/session"
	"github.com/Govcraft/mail-laser/internal/set"
)

// Config holds everything the acceptor needs to bind a listener and spawn
// sessions on it.
type Config struct {
	BindAddress    string
	Port           uint16
	Hostname       string
	TargetEmails   *set.CaseInsensitive
	HeaderPrefixes []string
	Dispatcher     session.Dispatcher
	TLSConfig      *tls.Config
}

// Acceptor owns a single TCP listener and the session tasks it spawns.
type Acceptor struct {
	cfg      Config
	listener net.Listener
	wg       sync.WaitGroup
}

// New binds the listener described by cfg. The caller must call Run to
// start accepting, and cancel the context passed to Run to stop.
func New(cfg Config) (*Acceptor, error) {
	addr := net.JoinHostPort(cfg.BindAddress, strconv.Itoa(int(cfg.Port)))
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Acceptor{cfg: cfg, listener: l}, nil
}

// Addr returns the address the acceptor is bound to, useful for tests that
// bind to port 0.
func (a *Acceptor) Addr() net.Addr {
	return a.listener.Addr()
}

// Run accepts connections until ctx is cancelled or the listener is
// closed. Each accepted connection is handled in its own goroutine, which
// Run does not wait for — Shutdown does that.
func (a *Acceptor) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()

	for {
		conn, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				log.Infof("acceptor: accept loop stopped: %v", ctx.Err())
				return
			default:
			}
			log.Errorf("acceptor: accept error: %v", err)
			// A listener that's misbehaving but not yet closed shouldn't
			// spin hot; give it a brief pause before retrying.
			time.Sleep(50 * time.Millisecond)
			continue
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handle(conn)
		}()
	}
}

// handle runs one session to completion.
func (a *Acceptor) handle(conn net.Conn) {
	s := session.New(conn, session.Config{
		Hostname:       a.cfg.Hostname,
		TargetEmails:   a.cfg.TargetEmails,
		HeaderPrefixes: a.cfg.HeaderPrefixes,
		Dispatcher:     a.cfg.Dispatcher,
		TLSConfig:      a.cfg.TLSConfig,
	})
	s.Handle()
}

// Shutdown waits for all in-flight sessions spawned before the accept loop
// stopped to finish, or for ctx to expire. The accept loop itself must
// already have been stopped (by cancelling the context passed to Run).
func (a *Acceptor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

