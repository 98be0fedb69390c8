// Package gateway accepts Wayland clients and runs one relay session per
// client against a fresh compositor connection.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"wlrelay/internal/endpoint"
	"wlrelay/internal/metrics"
	"wlrelay/internal/ratelimit"
	"wlrelay/internal/relay"
)

// ErrRateLimited is the handoff error for clients refused by the accept
// limiter.
var ErrRateLimited = errors.New("accept rate exceeded")

// Acceptor yields client connections. *endpoint.Listener implements it.
type Acceptor interface {
	Accept() (*net.UnixConn, error)
	Close() error
}

type Config struct {
	// Relay is the template for every session.
	Relay    relay.Config
	Upstream endpoint.Connector
	// UpstreamName labels sessions in the status API.
	UpstreamName  string
	AcceptLimiter *ratelimit.Limiter
	Logger        zerolog.Logger
}

// Handoff is the outcome of one accepted connection: either a running
// session or the reason the client was turned away.
type Handoff struct {
	Session *relay.Session
	Err     error
}

type Gateway struct {
	cfg      Config
	log      zerolog.Logger
	mu       sync.Mutex
	sessions map[uint64]*relay.Session
	wg       sync.WaitGroup
	limiter  atomic.Pointer[ratelimit.Limiter]
	// OnHandoff, when set, observes every handoff.
	OnHandoff func(Handoff)
}

func New(cfg Config) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "gateway").Logger(),
		sessions: make(map[uint64]*relay.Session),
	}
	g.limiter.Store(cfg.AcceptLimiter)
	return g
}

// SetAcceptLimiter replaces the accept limiter; nil admits everyone.
func (g *Gateway) SetAcceptLimiter(l *ratelimit.Limiter) {
	g.limiter.Store(l)
}

// Serve accepts clients from ln until ctx ends or accepting fails. A failed
// handoff is logged and never stops the loop. On return ln and every
// session are closed.
func (g *Gateway) Serve(ctx context.Context, ln Acceptor) error {
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	eg.Go(func() error {
		var delay time.Duration
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if !temporary(err) {
					return fmt.Errorf("accept: %w", err)
				}
				delay = nextDelay(delay)
				metrics.IncAcceptRetries()
				g.log.Warn().Err(err).Dur("retry_in", delay).Msg("accept failed")
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil
				}
			}
			delay = 0
			h := g.handoff(ctx, conn)
			if h.Err != nil {
				metrics.IncHandoffFailures()
				g.log.Warn().Err(h.Err).Msg("client turned away")
			}
			if g.OnHandoff != nil {
				g.OnHandoff(h)
			}
		}
	})
	err := eg.Wait()
	g.closeSessions()
	g.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

func nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	return min(2*d, maxAcceptDelay)
}

// temporary reports whether an accept error clears up on its own, such as
// running out of descriptors or a client hanging up before accept.
func temporary(err error) bool {
	switch {
	case errors.Is(err, syscall.EMFILE), errors.Is(err, syscall.ENFILE),
		errors.Is(err, syscall.ENOBUFS), errors.Is(err, syscall.ENOMEM),
		errors.Is(err, syscall.ECONNABORTED), errors.Is(err, syscall.EINTR):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (g *Gateway) handoff(ctx context.Context, conn *net.UnixConn) Handoff {
	if !g.limiter.Load().Admit(ctx) {
		conn.Close()
		return Handoff{Err: ErrRateLimited}
	}
	up, err := g.cfg.Upstream.Connect(ctx)
	if err != nil {
		conn.Close()
		return Handoff{Err: err}
	}

	sess := relay.New(conn, up, g.cfg.Relay)
	info := &metrics.SessionInfo{
		ID:        sess.ID(),
		Upstream:  g.cfg.UpstreamName,
		Started:   time.Now().UTC().Format(time.RFC3339),
		StateFunc: func() string { return sess.State().String() },
	}
	if cred, err := endpoint.PeerCred(conn); err == nil {
		info.ClientPID = cred.Pid
	}
	g.log.Info().Uint64("session", sess.ID()).Int32("pid", info.ClientPID).Msg("client connected")

	g.mu.Lock()
	g.sessions[sess.ID()] = sess
	g.mu.Unlock()
	metrics.SetSessionInfo(sess.ID(), info)

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.run(sess)
	}()
	return Handoff{Session: sess}
}

func (g *Gateway) run(sess *relay.Session) {
	err := sess.Run()

	g.mu.Lock()
	delete(g.sessions, sess.ID())
	g.mu.Unlock()
	metrics.RemoveSessionInfo(sess.ID())

	var re *relay.Error
	switch {
	case err == nil:
		g.log.Debug().Uint64("session", sess.ID()).Msg("client disconnected")
	case errors.As(err, &re) && !re.Fatal():
		g.log.Info().Uint64("session", sess.ID()).Err(err).Msg("session ended")
	default:
		g.log.Warn().Uint64("session", sess.ID()).Err(err).Msg("session failed")
	}
}

// Sessions returns the number of running sessions.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *Gateway) closeSessions() {
	g.mu.Lock()
	live := make([]*relay.Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		live = append(live, s)
	}
	g.mu.Unlock()
	for _, s := range live {
		_ = s.Close()
	}
}
