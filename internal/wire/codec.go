package wire

import (
	"encoding/binary"
	"fmt"
)

// Header is the fixed prefix of every message.
type Header struct {
	Sender uint32
	Opcode uint16
	Size   uint16
}

// DecodeHeader parses the fixed header at the start of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrIncomplete
	}
	word := binary.LittleEndian.Uint32(b[4:8])
	return Header{
		Sender: binary.LittleEndian.Uint32(b[0:4]),
		Opcode: uint16(word),
		Size:   uint16(word >> 16),
	}, nil
}

// AppendHeader appends the wire form of h to dst.
func AppendHeader(dst []byte, h Header) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, h.Sender)
	return binary.LittleEndian.AppendUint32(dst, uint32(h.Size)<<16|uint32(h.Opcode))
}

// A Decoder splits a byte stream into messages.
type Decoder struct {
	// MaxSize bounds the size field; zero means DefaultMaxSize.
	MaxSize int
	// Lookup resolves argument signatures.
	Lookup SignatureLookup
	// AllowOpaque makes messages without a known signature decode into
	// Message.Raw instead of failing with ErrUnknownMessage.
	AllowOpaque bool
}

func (d *Decoder) maxSize() int {
	switch {
	case d.MaxSize <= 0:
		return DefaultMaxSize
	case d.MaxSize > MaxSize:
		return MaxSize
	}
	return d.MaxSize
}

// Decode decodes the first message in buf, taking one descriptor from fds
// per fd argument. It returns the message and the number of bytes consumed.
// On any error no bytes and no descriptors are consumed.
func (d *Decoder) Decode(buf []byte, fds *FdQueue) (Message, int, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Message{}, 0, err
	}
	if h.Size < HeaderSize || int(h.Size) > d.maxSize() || h.Size%4 != 0 {
		return Message{}, 0, fmt.Errorf("%w: object %d opcode %d size %d", ErrMalformedHeader, h.Sender, h.Opcode, h.Size)
	}
	if len(buf) < int(h.Size) {
		return Message{}, 0, ErrIncomplete
	}
	payload := buf[HeaderSize:h.Size]
	msg := Message{Sender: h.Sender, Opcode: h.Opcode, Size: h.Size}

	var sig Signature
	var ok bool
	if d.Lookup != nil {
		sig, ok = d.Lookup.Signature(h.Sender, h.Opcode)
	}
	if !ok {
		if !d.AllowOpaque {
			return Message{}, 0, fmt.Errorf("%w: object %d opcode %d", ErrUnknownMessage, h.Sender, h.Opcode)
		}
		if n := fds.Len(); n > 0 {
			return Message{}, 0, fmt.Errorf("%w: object %d opcode %d, %d queued", ErrUnclaimedFd, h.Sender, h.Opcode, n)
		}
		msg.Raw = append([]byte(nil), payload...)
		return msg, int(h.Size), nil
	}

	args, err := decodeArgs(payload, sig)
	if err != nil {
		return Message{}, 0, fmt.Errorf("%w: object %d opcode %d: %v", ErrMalformedMessage, h.Sender, h.Opcode, err)
	}
	if n := sig.FdCount(); n > 0 {
		got := fds.Pop(n)
		if got == nil {
			return Message{}, 0, fmt.Errorf("%w: object %d opcode %d wants %d, have %d", ErrMissingFd, h.Sender, h.Opcode, n, fds.Len())
		}
		i := 0
		for j := range args {
			if args[j].Type == ArgFd {
				args[j].Fd = got[i]
				i++
			}
		}
	}
	msg.Args = args
	return msg, int(h.Size), nil
}

func decodeArgs(p []byte, sig Signature) ([]Arg, error) {
	args := make([]Arg, 0, len(sig))
	off := 0
	word := func() (uint32, error) {
		if len(p)-off < 4 {
			return 0, fmt.Errorf("payload ends at byte %d", off)
		}
		v := binary.LittleEndian.Uint32(p[off:])
		off += 4
		return v, nil
	}
	for i, spec := range sig {
		switch spec.Type {
		case ArgFd:
			args = append(args, Arg{Type: ArgFd, Fd: -1})
			continue
		case ArgInt, ArgUint, ArgFixed, ArgObject, ArgNewID:
			v, err := word()
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			a := Arg{Type: spec.Type}
			switch spec.Type {
			case ArgInt:
				a.Int = int32(v)
			case ArgFixed:
				a.Fixed = Fixed(int32(v))
			default:
				a.Uint = v
			}
			args = append(args, a)
		case ArgString, ArgArray:
			n, err := word()
			if err != nil {
				return nil, fmt.Errorf("arg %d: %w", i, err)
			}
			if int64(n) > int64(len(p)-off) {
				return nil, fmt.Errorf("arg %d: length %d overruns payload", i, n)
			}
			padded := pad4(int(n))
			if len(p)-off < padded {
				return nil, fmt.Errorf("arg %d: length %d overruns payload", i, n)
			}
			body := p[off : off+int(n)]
			off += padded
			if spec.Type == ArgArray {
				args = append(args, Arg{Type: ArgArray, Array: append([]byte(nil), body...)})
				continue
			}
			if n == 0 {
				args = append(args, Arg{Type: ArgString, Null: true})
				continue
			}
			if body[n-1] != 0 {
				return nil, fmt.Errorf("arg %d: string not NUL terminated", i)
			}
			args = append(args, Arg{Type: ArgString, Str: string(body[:n-1])})
		default:
			return nil, fmt.Errorf("arg %d: unsupported type %s", i, spec.Type)
		}
	}
	if off != len(p) {
		return nil, fmt.Errorf("%d trailing bytes", len(p)-off)
	}
	return args, nil
}

// Encode returns the wire bytes of m and the descriptors that must travel
// with them, in argument order.
func Encode(m Message) ([]byte, []int, error) {
	return AppendMessage(nil, m)
}

// AppendMessage appends the wire form of m to dst.
func AppendMessage(dst []byte, m Message) ([]byte, []int, error) {
	size := HeaderSize + len(m.Raw)
	for _, a := range m.Args {
		size += argSize(a)
	}
	if size > MaxSize {
		return dst, nil, fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	start := len(dst)
	dst = AppendHeader(dst, Header{Sender: m.Sender, Opcode: m.Opcode, Size: uint16(size)})
	var fds []int
	for _, a := range m.Args {
		switch a.Type {
		case ArgInt:
			dst = binary.LittleEndian.AppendUint32(dst, uint32(a.Int))
		case ArgFixed:
			dst = binary.LittleEndian.AppendUint32(dst, uint32(a.Fixed))
		case ArgUint, ArgObject, ArgNewID:
			dst = binary.LittleEndian.AppendUint32(dst, a.Uint)
		case ArgString:
			if a.Null {
				dst = binary.LittleEndian.AppendUint32(dst, 0)
				continue
			}
			dst = appendBlob(dst, append([]byte(a.Str), 0))
		case ArgArray:
			dst = appendBlob(dst, a.Array)
		case ArgFd:
			fds = append(fds, a.Fd)
		default:
			return dst[:start], nil, fmt.Errorf("wire: cannot encode %s", a.Type)
		}
	}
	dst = append(dst, m.Raw...)
	return dst, fds, nil
}

func appendBlob(dst, b []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(b)))
	dst = append(dst, b...)
	for i := len(b); i < pad4(len(b)); i++ {
		dst = append(dst, 0)
	}
	return dst
}

func argSize(a Arg) int {
	switch a.Type {
	case ArgString:
		if a.Null {
			return 4
		}
		return 4 + pad4(len(a.Str)+1)
	case ArgArray:
		return 4 + pad4(len(a.Array))
	case ArgFd:
		return 0
	}
	return 4
}

func pad4(n int) int { return (n + 3) &^ 3 }
