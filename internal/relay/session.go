// Package relay pumps Wayland messages between one client and the
// compositor.
//
// Each Session runs two read loops and two write loops. A read loop decodes
// what its peer sends, passes every message through the hook, records the
// hook's output in the session registry and queues the encoded result for
// the write loop of the opposite socket. Queues are bounded, so a slow
// reader on one side throttles only the read loop feeding it.
package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"wlrelay/internal/hook"
	"wlrelay/internal/metrics"
	"wlrelay/internal/protocol"
	"wlrelay/internal/registry"
	"wlrelay/internal/wire"
)

const (
	DefaultQueueDepth   = 256
	DefaultDrainTimeout = 2 * time.Second
)

// State is the lifecycle stage of a session.
type State int32

const (
	StateHandshaking State = iota
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Config tunes a session.
type Config struct {
	// Protocol resolves interfaces; nil means protocol.Core().
	Protocol *protocol.Set
	// Hook inspects every message; nil forwards everything unchanged.
	Hook hook.Hook
	// MaxMessageSize bounds decoded messages; zero means wire.DefaultMaxSize.
	MaxMessageSize int
	// QueueDepth bounds the frames queued per direction.
	QueueDepth int
	// DrainTimeout bounds the flush toward the live side after the other
	// side went away.
	DrainTimeout time.Duration
	// AllowOpaque forwards messages of unknown interfaces unchecked.
	AllowOpaque bool
	Logger      zerolog.Logger
}

// Stats are the counters of one session.
type Stats struct {
	MessagesIn   int64
	MessagesOut  int64
	BytesOut     int64
	FdsReceived  int64
	FdsForwarded int64
	FdsClosed    int64
	Dropped      int64
	Injected     int64
}

// frame is the encoded hook output for one inbound message.
type frame struct {
	data []byte
	fds  []int
	msgs int
}

type event struct {
	err *Error
}

var nextID atomic.Uint64

// Session relays one client connection. It owns both sockets.
type Session struct {
	id       uint64
	cfg      Config
	conns    [2]Conn
	log      zerolog.Logger
	reg      *registry.Registry
	hook     hook.Hook
	mu       sync.Mutex
	queues   [2]chan frame
	fdqs     [2]wire.FdQueue
	flushed  [2]chan struct{}
	events   chan event
	done     chan struct{}
	state    atomic.Int32
	closing  atomic.Bool
	stopOnce sync.Once
	wg       sync.WaitGroup

	messagesIn, messagesOut, bytesOut    atomic.Int64
	fdsReceived, fdsForwarded, fdsClosed atomic.Int64
	dropped, injected                    atomic.Int64
}

// New creates a session relaying between client and upstream. It takes
// ownership of both connections.
func New(client, upstream Conn, cfg Config) *Session {
	if cfg.Protocol == nil {
		cfg.Protocol = protocol.Core()
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	id := nextID.Add(1)
	s := &Session{
		id:     id,
		cfg:    cfg,
		conns:  [2]Conn{protocol.Client: client, protocol.Server: upstream},
		log:    cfg.Logger.With().Uint64("session", id).Logger(),
		reg:    registry.New(cfg.Protocol, registry.WithOpaque(cfg.AllowOpaque)),
		hook:   cfg.Hook,
		events: make(chan event, 4),
		done:   make(chan struct{}),
	}
	for i := range s.queues {
		s.queues[i] = make(chan frame, cfg.QueueDepth)
		s.flushed[i] = make(chan struct{})
	}
	s.state.Store(int32(StateHandshaking))
	return s
}

func (s *Session) ID() uint64 { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	if old := State(s.state.Swap(int32(st))); old != st {
		s.log.Debug().Stringer("from", old).Stringer("to", st).Msg("session state")
	}
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		MessagesIn:   s.messagesIn.Load(),
		MessagesOut:  s.messagesOut.Load(),
		BytesOut:     s.bytesOut.Load(),
		FdsReceived:  s.fdsReceived.Load(),
		FdsForwarded: s.fdsForwarded.Load(),
		FdsClosed:    s.fdsClosed.Load(),
		Dropped:      s.dropped.Load(),
		Injected:     s.injected.Load(),
	}
}

// Close tears the session down from outside. Run then returns nil.
func (s *Session) Close() error {
	s.closing.Store(true)
	s.stop()
	return nil
}

// stop closes both sockets once, which unblocks every loop.
func (s *Session) stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		for _, c := range s.conns {
			_ = c.Close()
		}
	})
}

// Run relays until the session ends and returns the error that ended it,
// or nil for an orderly close. Both sockets are closed and every queued
// descriptor is released when Run returns.
func (s *Session) Run() error {
	metrics.IncSessions()
	defer metrics.DecSessions()

	s.setState(StateActive)
	s.wg.Add(4)
	for _, side := range []protocol.Side{protocol.Client, protocol.Server} {
		go s.readLoop(side)
		go s.writeLoop(side)
	}

	ev := <-s.events
	var result *Error
	switch {
	case s.closing.Load():
	case ev.err.Fatal():
		result = ev.err
		s.log.Warn().Err(ev.err).Stringer("side", ev.err.Side).Stringer("kind", ev.err.Kind).Msg("closing session")
	default:
		s.setState(StateDraining)
		s.drain(ev.err)
		if !errors.Is(ev.err, io.EOF) {
			result = ev.err
		}
	}
	s.setState(StateClosed)
	s.stop()
	s.wg.Wait()

	s.mu.Lock()
	s.reg.Release()
	s.mu.Unlock()

	st := s.Stats()
	s.log.Info().Int64("in", st.MessagesIn).Int64("out", st.MessagesOut).
		Int64("fds_forwarded", st.FdsForwarded).Int64("fds_closed", st.FdsClosed).Msg("session closed")
	if result == nil {
		return nil
	}
	metrics.IncSessionError(result.Kind.String())
	return result
}

// drain flushes what was already decoded toward the side that is still
// open. Both read loops are stopped; new input is not accepted.
func (s *Session) drain(cause *Error) {
	gone := cause.Side
	live := gone.Peer()
	if errors.Is(cause.Err, io.EOF) {
		s.log.Debug().Stringer("side", gone).Msg("peer closed, draining")
	} else {
		s.log.Debug().Err(cause).Msg("draining")
	}
	now := time.Now()
	for _, c := range s.conns {
		_ = c.SetReadDeadline(now)
	}

	timer := time.NewTimer(s.cfg.DrainTimeout)
	defer timer.Stop()
	// Messages toward the live side come from the side that went away.
	select {
	case <-s.flushed[gone]:
	case <-timer.C:
		s.log.Warn().Stringer("side", live).Dur("timeout", s.cfg.DrainTimeout).Msg("drain timed out")
	}
}

func (s *Session) report(err *Error) {
	select {
	case s.events <- event{err: err}:
	default:
	}
}

func (s *Session) readLoop(side protocol.Side) {
	defer s.wg.Done()
	out := s.queues[side]
	fdq := &s.fdqs[side]
	defer func() {
		close(out)
		s.closeFds(int64(fdq.CloseAll()))
	}()

	conn := s.conns[side]
	bufp := readPool.Get().(*[]byte)
	defer readPool.Put(bufp)
	rbuf := *bufp
	oob := make([]byte, oobSize)
	dec := &wire.Decoder{
		MaxSize:     s.cfg.MaxMessageSize,
		Lookup:      s.reg.Lookup(side),
		AllowOpaque: s.cfg.AllowOpaque,
	}

	var pending []byte
	for {
		queued := fdq.Len()
		n, err := readMsg(conn, rbuf, oob, fdq)
		s.fdsReceived.Add(int64(fdq.Len() - queued))
		if n > 0 {
			pending = append(pending, rbuf[:n]...)
			used, perr := s.pump(side, dec, pending, fdq, out)
			pending = pending[:copy(pending, pending[used:])]
			if perr != nil {
				s.report(classify(side, perr))
				return
			}
		}
		if fdq.Full() {
			s.report(&Error{Side: side, Kind: KindFdTransfer,
				Err: fmt.Errorf("%w: %d descriptors queued without a message", ErrFdTransfer, fdq.Len())})
			return
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				err = io.EOF
			}
			s.report(classify(side, err))
			return
		}
	}
}

// pump relays every complete message in buf and returns the bytes used.
func (s *Session) pump(side protocol.Side, dec *wire.Decoder, buf []byte, fdq *wire.FdQueue, out chan<- frame) (int, error) {
	off := 0
	for {
		f, used, err := s.relayOne(side, dec, buf[off:], fdq)
		if errors.Is(err, wire.ErrIncomplete) {
			return off, nil
		}
		if err != nil {
			return off, err
		}
		off += used
		if len(f.data) == 0 {
			continue
		}
		select {
		case out <- f:
		case <-s.done:
			s.closeFds(int64(len(f.fds)))
			wire.CloseFds(f.fds)
			return off, net.ErrClosed
		}
	}
}

// relayOne decodes one message, runs the hook and records the output.
func (s *Session) relayOne(side protocol.Side, dec *wire.Decoder, buf []byte, fdq *wire.FdQueue) (frame, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, used, err := dec.Decode(buf, fdq)
	if err != nil {
		return frame{}, 0, err
	}
	s.messagesIn.Add(1)

	outs := []wire.Message{msg}
	if s.hook != nil {
		iface, def := s.reg.Describe(side, msg.Sender, msg.Opcode)
		hm := hook.Message{Message: msg, Interface: iface, Session: s.id}
		if def != nil {
			hm.Name = def.Name
		}
		act := s.hook.Inspect(side, hm)
		outs = act.Flatten()
		injected := len(outs)
		if act.Forwards() {
			injected--
		} else {
			s.dropped.Add(1)
			metrics.AddHookDropped(1)
		}
		s.injected.Add(int64(injected))
		metrics.AddHookInjected(int64(injected))
	}
	for _, m := range outs {
		s.log.Trace().Stringer("from", side).Stringer("msg", m).Msg("relay")
	}
	f, err := s.encode(side, msg, outs)
	return f, used, err
}

// encode takes ownership of the descriptors of in and of outs. Descriptors
// of in that no output carries are closed.
func (s *Session) encode(side protocol.Side, in wire.Message, outs []wire.Message) (frame, error) {
	owned := make(map[int]bool)
	for _, fd := range in.Fds() {
		owned[fd] = true
	}
	var fds []int
	var dup error
	carried := make(map[int]bool)
	for _, m := range outs {
		for _, fd := range m.Fds() {
			if carried[fd] {
				dup = fmt.Errorf("descriptor %d forwarded twice", fd)
				continue
			}
			carried[fd] = true
			fds = append(fds, fd)
			if !owned[fd] {
				// created by the hook
				s.fdsReceived.Add(1)
				owned[fd] = true
			}
		}
	}
	fail := func(err *Error) (frame, error) {
		all := make([]int, 0, len(owned))
		for fd := range owned {
			all = append(all, fd)
		}
		s.closeFds(int64(len(all)))
		wire.CloseFds(all)
		return frame{}, err
	}
	if dup != nil {
		return fail(&Error{Side: side, Kind: KindHook, Err: dup})
	}

	for _, m := range outs {
		if err := s.reg.Observe(side, m); err != nil {
			return fail(classify(side, err))
		}
	}
	var data []byte
	for _, m := range outs {
		var err error
		if data, _, err = wire.AppendMessage(data, m); err != nil {
			return fail(&Error{Side: side, Kind: KindHook, Err: err})
		}
	}

	var unused []int
	for fd := range owned {
		if !carried[fd] {
			unused = append(unused, fd)
		}
	}
	s.closeFds(int64(len(unused)))
	wire.CloseFds(unused)
	return frame{data: data, fds: fds, msgs: len(outs)}, nil
}

func (s *Session) closeFds(n int64) {
	if n > 0 {
		s.fdsClosed.Add(n)
		metrics.AddFdsClosed(n)
	}
}

type batch struct {
	data []byte
	fds  []int
	msgs int
}

func (b *batch) reset() {
	b.data, b.fds, b.msgs = b.data[:0], b.fds[:0], 0
}

func (b *batch) add(f frame) {
	b.data = append(b.data, f.data...)
	b.fds = append(b.fds, f.fds...)
	b.msgs += f.msgs
}

func (b *batch) fits(f frame) bool {
	return len(b.data)+len(f.data) <= maxBatch && len(b.fds)+len(f.fds) <= maxFdsOut
}

// writeLoop sends frames produced by the read loop of side from to the
// opposite socket. After a write error it keeps consuming the queue and
// closes the descriptors, so the producer never blocks on a dead socket.
func (s *Session) writeLoop(from protocol.Side) {
	defer s.wg.Done()
	defer close(s.flushed[from])
	to := from.Peer()
	conn := s.conns[to]
	in := s.queues[from]

	var (
		b      batch
		held   *frame
		closed bool
		broken bool
	)
	for {
		if held == nil {
			f, ok := <-in
			if !ok {
				return
			}
			held = &f
		}
		b.reset()
		b.add(*held)
		held = nil
	fill:
		for !closed {
			select {
			case f, ok := <-in:
				if !ok {
					closed = true
					break fill
				}
				if !b.fits(f) {
					held = &f
					break fill
				}
				b.add(f)
			default:
				break fill
			}
		}

		if !broken {
			if err := sendMsg(conn, b.data, b.fds); err != nil {
				broken = true
				if errors.Is(err, net.ErrClosed) {
					err = io.EOF
				}
				s.report(classify(to, err))
			} else {
				n := int64(len(b.fds))
				s.messagesOut.Add(int64(b.msgs))
				s.bytesOut.Add(int64(len(b.data)))
				s.fdsForwarded.Add(n)
				metrics.AddWritten(to == protocol.Client, int64(b.msgs), int64(len(b.data)))
				metrics.AddFdsForwarded(n)
				wire.CloseFds(b.fds)
				if closed && held == nil {
					return
				}
				continue
			}
		}
		s.closeFds(int64(len(b.fds)))
		wire.CloseFds(b.fds)
		if closed && held == nil {
			return
		}
	}
}
