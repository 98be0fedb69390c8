// Package capture records relayed messages to a file.
//
// A Recorder is a hook.Hook that never alters traffic. Inspect copies the
// message into a bounded queue and returns at once; a background goroutine
// formats the records and writes them through an optional compressor. When
// the queue is full the record is dropped and counted.
package capture

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"wlrelay/internal/compression"
	"wlrelay/internal/hook"
	"wlrelay/internal/metrics"
	"wlrelay/internal/protocol"
	"wlrelay/internal/wire"
)

type Format string

const (
	FormatText Format = "text"
	FormatPcap Format = "pcap"
)

const (
	DefaultBuffer = 1024
	flushInterval = time.Second
)

// Record is one captured message.
type Record struct {
	Time      time.Time
	Session   uint64
	From      protocol.Side
	Interface string
	Name      string
	Message   wire.Message
}

// sink turns records into bytes.
type sink interface {
	write(w io.Writer, rec Record) error
}

type Options struct {
	Path        string
	Format      Format
	Compression compression.Algorithm
	// Buffer is the number of queued records before new ones are dropped.
	Buffer int
	Logger zerolog.Logger
}

type Recorder struct {
	file    io.Closer
	out     *compression.CountingWriter
	buf     *bufio.Writer
	sink    sink
	log     zerolog.Logger
	records chan Record
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	err     error

	written atomic.Int64
	dropped atomic.Int64
}

// Open creates the capture file and starts the writer goroutine.
func Open(opts Options) (*Recorder, error) {
	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open capture: %w", err)
	}
	r, err := NewRecorder(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.file = f
	return r, nil
}

// NewRecorder writes records to w. Close does not close w.
func NewRecorder(w io.Writer, opts Options) (*Recorder, error) {
	var s sink
	switch opts.Format {
	case FormatText, "":
		s = textSink{}
	case FormatPcap:
		s = &pcapSink{}
	default:
		return nil, fmt.Errorf("unknown capture format %q", opts.Format)
	}
	alg := opts.Compression
	if alg == "" {
		alg = compression.None
	}
	out, err := compression.NewCountingWriter(w, alg, compression.LevelDefault)
	if err != nil {
		return nil, fmt.Errorf("capture compressor: %w", err)
	}
	depth := opts.Buffer
	if depth <= 0 {
		depth = DefaultBuffer
	}
	r := &Recorder{
		out:     out,
		buf:     bufio.NewWriterSize(out, 64*1024),
		sink:    s,
		log:     opts.Logger,
		records: make(chan Record, depth),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r, nil
}

// Inspect queues a copy of msg and forwards it unchanged.
func (r *Recorder) Inspect(from protocol.Side, msg hook.Message) hook.Action {
	rec := Record{
		Time:      time.Now(),
		Session:   msg.Session,
		From:      from,
		Interface: msg.Interface,
		Name:      msg.Name,
		Message:   cloneMessage(msg.Message),
	}
	select {
	case <-r.stop:
	case r.records <- rec:
	default:
		r.dropped.Add(1)
		metrics.IncCaptureDropped()
	}
	return hook.Forward(msg.Message)
}

// Dropped returns the number of records lost to a full queue.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Written returns the number of records written.
func (r *Recorder) Written() int64 { return r.written.Load() }

// Stats reports uncompressed and compressed byte counts.
func (r *Recorder) Stats() compression.Stats { return r.out.Stats() }

// Close writes the queued records, finishes the compressed stream and closes
// the file opened by Open. It is safe to call more than once.
func (r *Recorder) Close() error {
	r.once.Do(func() {
		close(r.stop)
		<-r.done
		if err := r.buf.Flush(); err != nil && r.err == nil {
			r.err = err
		}
		if err := r.out.Close(); err != nil && r.err == nil {
			r.err = err
		}
		if r.file != nil {
			if err := r.file.Close(); err != nil && r.err == nil {
				r.err = err
			}
		}
		st := r.out.Stats()
		r.log.Info().
			Int64("records", r.written.Load()).
			Int64("dropped", r.dropped.Load()).
			Int64("bytes", st.BytesIn).
			Float64("ratio", st.Ratio()).
			Msg("capture closed")
	})
	return r.err
}

func (r *Recorder) loop() {
	defer close(r.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case rec := <-r.records:
			r.writeRecord(rec)
		case <-ticker.C:
			r.flush()
		case <-r.stop:
			for {
				select {
				case rec := <-r.records:
					r.writeRecord(rec)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) writeRecord(rec Record) {
	if r.err != nil {
		return
	}
	if err := r.sink.write(r.buf, rec); err != nil {
		r.err = err
		r.log.Error().Err(err).Msg("capture write failed, recording stopped")
		return
	}
	r.written.Add(1)
}

func (r *Recorder) flush() {
	if r.err != nil {
		return
	}
	if err := r.buf.Flush(); err != nil {
		r.err = err
		return
	}
	if err := r.out.Flush(); err != nil {
		r.err = err
	}
}

// cloneMessage detaches msg from the relay's read buffer.
func cloneMessage(m wire.Message) wire.Message {
	out := m
	if m.Args != nil {
		out.Args = make([]wire.Arg, len(m.Args))
		copy(out.Args, m.Args)
		for i, a := range out.Args {
			if a.Array != nil {
				out.Args[i].Array = append([]byte(nil), a.Array...)
			}
		}
	}
	if m.Raw != nil {
		out.Raw = append([]byte(nil), m.Raw...)
	}
	return out
}
