// Package compression wraps capture streams in zstd, gzip, zlib or lz4
// framing and detects the framing of existing files.
package compression

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm names a stream format.
type Algorithm string

const (
	None Algorithm = "none"
	Zstd Algorithm = "zstd"
	Gzip Algorithm = "gzip"
	Zlib Algorithm = "zlib"
	LZ4  Algorithm = "lz4"
)

// Parse resolves an algorithm name; the empty name means None.
func Parse(name string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(name))); a {
	case "":
		return None, nil
	case None, Zstd, Gzip, Zlib, LZ4:
		return a, nil
	}
	return "", fmt.Errorf("unknown compression %q", name)
}

// Extension returns the conventional file suffix, including the dot.
func (a Algorithm) Extension() string {
	switch a {
	case Zstd:
		return ".zst"
	case Gzip:
		return ".gz"
	case Zlib:
		return ".zz"
	case LZ4:
		return ".lz4"
	}
	return ""
}

// Level is a coarse compression level mapped onto each codec.
type Level int

const (
	LevelFastest Level = iota
	LevelDefault
	LevelBest
)

// WriteFlusher is a compressing writer. Flush pushes buffered data to the
// underlying writer in a decodable state; Close finishes the stream
// without closing the underlying writer.
type WriteFlusher interface {
	io.WriteCloser
	Flush() error
}

// NewWriter returns a writer compressing into w.
func NewWriter(w io.Writer, a Algorithm, level Level) (WriteFlusher, error) {
	switch a {
	case None, "":
		return &plainWriter{w: w}, nil
	case Zstd:
		zl := zstd.SpeedDefault
		switch level {
		case LevelFastest:
			zl = zstd.SpeedFastest
		case LevelBest:
			zl = zstd.SpeedBestCompression
		}
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zl))
	case Gzip:
		return gzip.NewWriterLevel(w, flateLevel(level))
	case Zlib:
		return zlib.NewWriterLevel(w, flateLevel(level))
	case LZ4:
		lw := lz4.NewWriter(w)
		ll := lz4.Fast
		switch level {
		case LevelDefault:
			ll = lz4.Level4
		case LevelBest:
			ll = lz4.Level9
		}
		if err := lw.Apply(lz4.CompressionLevelOption(ll)); err != nil {
			return nil, err
		}
		return lw, nil
	}
	return nil, fmt.Errorf("unknown compression %q", a)
}

func flateLevel(level Level) int {
	switch level {
	case LevelFastest:
		return gzip.BestSpeed
	case LevelBest:
		return gzip.BestCompression
	}
	return gzip.DefaultCompression
}

type plainWriter struct {
	w io.Writer
}

func (p *plainWriter) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *plainWriter) Flush() error                { return nil }
func (p *plainWriter) Close() error                { return nil }

// NewReader returns a reader decompressing r.
func NewReader(r io.Reader, a Algorithm) (io.ReadCloser, error) {
	switch a {
	case None, "":
		return io.NopCloser(r), nil
	case Zstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case Gzip:
		return gzip.NewReader(r)
	case Zlib:
		return zlib.NewReader(r)
	case LZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	}
	return nil, fmt.Errorf("unknown compression %q", a)
}

var magics = []struct {
	alg   Algorithm
	magic []byte
}{
	{Zstd, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{LZ4, []byte{0x04, 0x22, 0x4d, 0x18}},
	{Gzip, []byte{0x1f, 0x8b}},
}

// Detect peeks at the start of r and returns the detected algorithm with a
// reader that still yields every byte.
func Detect(r io.Reader) (Algorithm, io.Reader, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return "", nil, err
	}
	for _, m := range magics {
		if bytes.HasPrefix(head, m.magic) {
			return m.alg, br, nil
		}
	}
	// zlib: CMF 0x78 with a header checksum divisible by 31
	if len(head) >= 2 && head[0] == 0x78 && (uint16(head[0])<<8|uint16(head[1]))%31 == 0 {
		return Zlib, br, nil
	}
	return None, br, nil
}

// Stats provides compression statistics.
type Stats struct {
	BytesIn  int64
	BytesOut int64
}

// Ratio returns BytesOut/BytesIn, or 1 before any input.
func (s Stats) Ratio() float64 {
	if s.BytesIn == 0 {
		return 1
	}
	return float64(s.BytesOut) / float64(s.BytesIn)
}

// CountingWriter counts bytes on both sides of a compressing writer.
type CountingWriter struct {
	mu    sync.Mutex
	zw    WriteFlusher
	out   *countWriter
	bytes int64
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// NewCountingWriter compresses into w with a and counts the traffic.
func NewCountingWriter(w io.Writer, a Algorithm, level Level) (*CountingWriter, error) {
	out := &countWriter{w: w}
	zw, err := NewWriter(out, a, level)
	if err != nil {
		return nil, err
	}
	return &CountingWriter{zw: zw, out: out}, nil
}

func (c *CountingWriter) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.zw.Write(p)
	c.bytes += int64(n)
	return n, err
}

func (c *CountingWriter) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zw.Flush()
}

func (c *CountingWriter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.zw.Close()
}

// Stats returns the bytes written so far and the compressed bytes produced.
func (c *CountingWriter) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{BytesIn: c.bytes, BytesOut: c.out.n}
}
