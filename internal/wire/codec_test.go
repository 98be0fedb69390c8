package wire

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func sigLookup(sig Signature) SignatureLookup {
	return LookupFunc(func(uint32, uint16) (Signature, bool) { return sig, true })
}

func drawArg(t *rapid.T, label string) Arg {
	switch rapid.SampledFrom([]ArgType{ArgInt, ArgUint, ArgFixed, ArgString, ArgObject, ArgNewID, ArgArray, ArgFd}).Draw(t, label+"/type") {
	case ArgInt:
		return Int(rapid.Int32().Draw(t, label))
	case ArgUint:
		return Uint(rapid.Uint32().Draw(t, label))
	case ArgFixed:
		return FixedArg(Fixed(rapid.Int32().Draw(t, label)))
	case ArgString:
		if rapid.Bool().Draw(t, label+"/null") {
			return NullString()
		}
		return String(rapid.StringN(0, 64, -1).Draw(t, label))
	case ArgObject:
		return Object(rapid.Uint32().Draw(t, label))
	case ArgNewID:
		return NewID(rapid.Uint32().Draw(t, label))
	case ArgArray:
		return Array(rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(t, label))
	default:
		return Fd(rapid.IntRange(3, 1<<20).Draw(t, label))
	}
}

func drawMessage(t *rapid.T) Message {
	n := rapid.IntRange(0, 12).Draw(t, "nargs")
	m := Message{
		Sender: rapid.Uint32().Draw(t, "sender"),
		Opcode: rapid.Uint16().Draw(t, "opcode"),
	}
	for i := 0; i < n; i++ {
		m.Args = append(m.Args, drawArg(t, "arg"))
	}
	return m
}

func TestRoundTrip_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := drawMessage(t)
		b, fds, err := Encode(in)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		var q FdQueue
		q.Push(fds...)

		d := Decoder{MaxSize: MaxSize, Lookup: sigLookup(in.Signature())}
		out, n, err := d.Decode(b, &q)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if n != len(b) || int(out.Size) != len(b) {
			t.Fatalf("consumed %d size %d, encoded %d", n, out.Size, len(b))
		}
		if !out.Equal(in) {
			t.Fatalf("round trip mismatch:\n in=%v\nout=%v", in, out)
		}
		if q.Len() != 0 {
			t.Fatalf("%d descriptors left in queue", q.Len())
		}
	})
}

func TestIncomplete_Property(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		in := drawMessage(t)
		b, fds, err := Encode(in)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		var q FdQueue
		q.Push(fds...)
		d := Decoder{MaxSize: MaxSize, Lookup: sigLookup(in.Signature())}

		cut := rapid.IntRange(0, len(b)-1).Draw(t, "cut")
		_, n, err := d.Decode(b[:cut], &q)
		if !errors.Is(err, ErrIncomplete) || n != 0 {
			t.Fatalf("prefix of %d/%d bytes: n=%d err=%v", cut, len(b), n, err)
		}
		if q.Len() != len(fds) {
			t.Fatalf("incomplete decode consumed descriptors")
		}

		buf := append(append([]byte(nil), b[:cut]...), b[cut:]...)
		out, n, err := d.Decode(buf, &q)
		if err != nil || n != len(b) || !out.Equal(in) {
			t.Fatalf("after remainder: n=%d err=%v out=%v", n, err, out)
		}
	})
}

func TestDecodeStream(t *testing.T) {
	a := Message{Sender: 1, Opcode: 0, Args: []Arg{NewID(2)}}
	b := Message{Sender: 2, Opcode: 0, Args: []Arg{Uint(7), String("wl_compositor"), Uint(4)}}
	ba, _, err := Encode(a)
	require.NoError(t, err)
	bb, _, err := Encode(b)
	require.NoError(t, err)
	buf := append(ba, bb...)

	sigs := map[uint32]Signature{1: a.Signature(), 2: b.Signature()}
	d := Decoder{Lookup: LookupFunc(func(s uint32, _ uint16) (Signature, bool) {
		sig, ok := sigs[s]
		return sig, ok
	})}

	got, n, err := d.Decode(buf, nil)
	require.NoError(t, err)
	assert.True(t, got.Equal(a))
	buf = buf[n:]
	got, n, err = d.Decode(buf, nil)
	require.NoError(t, err)
	assert.True(t, got.Equal(b))
	assert.Len(t, buf[n:], 0)
}

func TestDecodeWireLayout(t *testing.T) {
	// wl_registry.bind(7, "wl_seat", 5, new id 12)
	raw := []byte{
		2, 0, 0, 0, // sender 2
		0, 0, 32, 0, // opcode 0, size 32
		7, 0, 0, 0,
		8, 0, 0, 0, 'w', 'l', '_', 's', 'e', 'a', 't', 0,
		5, 0, 0, 0,
		12, 0, 0, 0,
	}
	sig := Signature{{Type: ArgUint}, {Type: ArgString}, {Type: ArgUint}, {Type: ArgNewID}}
	d := Decoder{Lookup: sigLookup(sig)}
	m, n, err := d.Decode(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, 32, n)
	assert.Equal(t, uint32(2), m.Sender)
	assert.Equal(t, "wl_seat", m.Args[1].Str)
	assert.Equal(t, uint32(12), m.Args[3].Uint)

	out, _, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestDecodeMalformedHeader(t *testing.T) {
	d := Decoder{Lookup: sigLookup(nil)}
	for name, size := range map[string]uint16{"below header": 4, "unaligned": 10, "above max": DefaultMaxSize + 4} {
		t.Run(name, func(t *testing.T) {
			b := AppendHeader(nil, Header{Sender: 1, Size: size})
			_, n, err := d.Decode(b, nil)
			assert.ErrorIs(t, err, ErrMalformedHeader)
			assert.Zero(t, n)
		})
	}
}

func TestDecodeMalformedPayload(t *testing.T) {
	sig := Signature{{Type: ArgString}}
	d := Decoder{Lookup: sigLookup(sig)}

	t.Run("missing terminator", func(t *testing.T) {
		b := AppendHeader(nil, Header{Sender: 1, Size: 16})
		b = binary.LittleEndian.AppendUint32(b, 4)
		b = append(b, 'a', 'b', 'c', 'd')
		_, _, err := d.Decode(b, nil)
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})
	t.Run("length overrun", func(t *testing.T) {
		b := AppendHeader(nil, Header{Sender: 1, Size: 12})
		b = binary.LittleEndian.AppendUint32(b, 100)
		_, _, err := d.Decode(b, nil)
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})
	t.Run("trailing bytes", func(t *testing.T) {
		b := AppendHeader(nil, Header{Sender: 1, Size: 16})
		b = binary.LittleEndian.AppendUint32(b, 0)
		b = binary.LittleEndian.AppendUint32(b, 0)
		_, _, err := d.Decode(b, nil)
		assert.ErrorIs(t, err, ErrMalformedMessage)
	})
}

func TestDecodeFds(t *testing.T) {
	in := Message{Sender: 5, Opcode: 0, Args: []Arg{Uint(1), Fd(40), Uint(4096), Fd(41)}}
	b, fds, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, []int{40, 41}, fds)
	d := Decoder{Lookup: sigLookup(in.Signature())}

	var q FdQueue
	q.Push(40)
	_, n, err := d.Decode(b, &q)
	assert.ErrorIs(t, err, ErrMissingFd)
	assert.Zero(t, n)
	assert.Equal(t, 1, q.Len(), "a failed decode must not consume descriptors")

	q.Push(41, 42)
	out, _, err := d.Decode(b, &q)
	require.NoError(t, err)
	assert.Equal(t, []int{40, 41}, out.Fds())
	assert.Equal(t, 1, q.Len())
}

func TestDecodeOpaque(t *testing.T) {
	b := AppendHeader(nil, Header{Sender: 9, Opcode: 3, Size: 16})
	b = append(b, 1, 2, 3, 4, 5, 6, 7, 8)

	strict := Decoder{}
	_, _, err := strict.Decode(b, nil)
	assert.ErrorIs(t, err, ErrUnknownMessage)

	lenient := Decoder{AllowOpaque: true}
	m, n, err := lenient.Decode(b, nil)
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, m.Raw)

	out, _, err := Encode(m)
	require.NoError(t, err)
	assert.Equal(t, b, out)
}

func TestDecodeOpaqueWithQueuedFds(t *testing.T) {
	b := AppendHeader(nil, Header{Sender: 9, Opcode: 7, Size: 12})
	b = append(b, 0, 0, 0, 0)

	var q FdQueue
	q.Push(40)
	lenient := Decoder{AllowOpaque: true}
	_, n, err := lenient.Decode(b, &q)
	assert.ErrorIs(t, err, ErrUnclaimedFd)
	assert.Zero(t, n)
	assert.Equal(t, 1, q.Len())

	// the descriptor must not move on to the next known message either
	q.Pop(1)
	m, n, err := lenient.Decode(b, &q)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Empty(t, m.Fds())
}

func TestFdQueueFull(t *testing.T) {
	var q FdQueue
	q.Push(make([]int, MaxQueuedFds)...)
	assert.False(t, q.Full())
	q.Push(0)
	assert.True(t, q.Full())
	assert.Len(t, q.Pop(MaxQueuedFds+1), MaxQueuedFds+1)
	assert.False(t, q.Full())
}

func TestEncodeTooLarge(t *testing.T) {
	_, _, err := Encode(Message{Sender: 1, Args: []Arg{Array(make([]byte, MaxSize))}})
	assert.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestFixed(t *testing.T) {
	assert.Equal(t, 1.5, FixedFromFloat(1.5).Float64())
	assert.Equal(t, -2.25, FixedFromFloat(-2.25).Float64())
}
