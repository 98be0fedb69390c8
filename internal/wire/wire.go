// Package wire implements the Wayland message framing: the fixed 8-byte
// header, the argument encoding and the association of file descriptors
// received out of band with fd-typed arguments. It performs no I/O.
package wire

import (
	"bytes"
	"fmt"
	"strconv"
)

const (
	// HeaderSize is the size of the fixed message header.
	HeaderSize = 8
	// DefaultMaxSize matches the historical libwayland connection buffer.
	DefaultMaxSize = 4096
	// MaxSize is the largest size expressible in the header, rounded down to
	// the 4-byte argument alignment.
	MaxSize = 0xfffc
)

// ArgType is the wire kind of one message argument.
type ArgType uint8

const (
	ArgInt ArgType = iota + 1
	ArgUint
	ArgFixed
	ArgString
	ArgObject
	ArgNewID
	ArgArray
	ArgFd
)

var argTypeNames = map[ArgType]string{
	ArgInt:    "int",
	ArgUint:   "uint",
	ArgFixed:  "fixed",
	ArgString: "string",
	ArgObject: "object",
	ArgNewID:  "new_id",
	ArgArray:  "array",
	ArgFd:     "fd",
}

func (t ArgType) String() string {
	if s, ok := argTypeNames[t]; ok {
		return s
	}
	return "argtype(" + strconv.Itoa(int(t)) + ")"
}

// Fixed is a signed 24.8 fixed-point number.
type Fixed int32

func FixedFromFloat(f float64) Fixed { return Fixed(int32(f * 256)) }

func (f Fixed) Float64() float64 { return float64(f) / 256 }

// Arg is one decoded argument. Only the field matching Type is meaningful.
type Arg struct {
	Type ArgType
	// Int carries ArgInt values.
	Int int32
	// Uint carries ArgUint values and the id of ArgObject and ArgNewID.
	Uint uint32
	// Fixed carries ArgFixed values.
	Fixed Fixed
	// Str and Null carry ArgString values; Null marks the null string.
	Str  string
	Null bool
	// Array carries ArgArray contents.
	Array []byte
	// Fd carries the descriptor of an ArgFd argument.
	Fd int
}

func Int(v int32) Arg      { return Arg{Type: ArgInt, Int: v} }
func Uint(v uint32) Arg    { return Arg{Type: ArgUint, Uint: v} }
func FixedArg(v Fixed) Arg { return Arg{Type: ArgFixed, Fixed: v} }
func String(s string) Arg  { return Arg{Type: ArgString, Str: s} }
func NullString() Arg      { return Arg{Type: ArgString, Null: true} }
func Object(id uint32) Arg { return Arg{Type: ArgObject, Uint: id} }
func NewID(id uint32) Arg  { return Arg{Type: ArgNewID, Uint: id} }
func Array(b []byte) Arg   { return Arg{Type: ArgArray, Array: b} }
func Fd(fd int) Arg        { return Arg{Type: ArgFd, Fd: fd} }

// Equal reports whether a and b carry the same typed value. Empty and nil
// arrays compare equal.
func (a Arg) Equal(b Arg) bool {
	if a.Type != b.Type {
		return false
	}
	switch a.Type {
	case ArgInt:
		return a.Int == b.Int
	case ArgUint, ArgObject, ArgNewID:
		return a.Uint == b.Uint
	case ArgFixed:
		return a.Fixed == b.Fixed
	case ArgString:
		if a.Null || b.Null {
			return a.Null == b.Null
		}
		return a.Str == b.Str
	case ArgArray:
		return bytes.Equal(a.Array, b.Array)
	case ArgFd:
		return a.Fd == b.Fd
	}
	return false
}

func (a Arg) String() string {
	switch a.Type {
	case ArgInt:
		return strconv.FormatInt(int64(a.Int), 10)
	case ArgUint:
		return strconv.FormatUint(uint64(a.Uint), 10)
	case ArgFixed:
		return strconv.FormatFloat(a.Fixed.Float64(), 'f', -1, 64)
	case ArgString:
		if a.Null {
			return "nil"
		}
		return strconv.Quote(a.Str)
	case ArgObject:
		if a.Uint == 0 {
			return "nil"
		}
		return "@" + strconv.FormatUint(uint64(a.Uint), 10)
	case ArgNewID:
		return "new id @" + strconv.FormatUint(uint64(a.Uint), 10)
	case ArgArray:
		return "array[" + strconv.Itoa(len(a.Array)) + "]"
	case ArgFd:
		return "fd " + strconv.Itoa(a.Fd)
	}
	return a.Type.String()
}

// ArgSpec declares one argument of a message signature.
type ArgSpec struct {
	Type     ArgType
	Nullable bool
	// Interface names the object type of ArgObject and ArgNewID arguments.
	// Empty means any interface; for ArgNewID it marks the untyped form whose
	// interface and version travel as the preceding string and uint.
	Interface string
}

// Signature is the ordered argument list of one request or event.
type Signature []ArgSpec

// FdCount returns the number of fd arguments in s.
func (s Signature) FdCount() int {
	n := 0
	for _, a := range s {
		if a.Type == ArgFd {
			n++
		}
	}
	return n
}

// SignatureLookup resolves the signature of a message from its sender id and
// opcode.
type SignatureLookup interface {
	Signature(sender uint32, opcode uint16) (Signature, bool)
}

// LookupFunc adapts a function to SignatureLookup.
type LookupFunc func(sender uint32, opcode uint16) (Signature, bool)

func (f LookupFunc) Signature(sender uint32, opcode uint16) (Signature, bool) {
	return f(sender, opcode)
}

// Message is one framed Wayland message.
type Message struct {
	Sender uint32
	Opcode uint16
	// Size is the header size field as read off the wire. Encode ignores it.
	Size uint16
	Args []Arg
	// Raw holds the undecoded payload of a message whose signature is unknown.
	Raw []byte
}

// Fds returns the descriptors carried by m in argument order.
func (m Message) Fds() []int {
	var fds []int
	for _, a := range m.Args {
		if a.Type == ArgFd {
			fds = append(fds, a.Fd)
		}
	}
	return fds
}

// Equal compares everything but Size.
func (m Message) Equal(o Message) bool {
	if m.Sender != o.Sender || m.Opcode != o.Opcode || len(m.Args) != len(o.Args) {
		return false
	}
	if !bytes.Equal(m.Raw, o.Raw) {
		return false
	}
	for i := range m.Args {
		if !m.Args[i].Equal(o.Args[i]) {
			return false
		}
	}
	return true
}

// Signature derives the signature describing m's arguments.
func (m Message) Signature() Signature {
	sig := make(Signature, len(m.Args))
	for i, a := range m.Args {
		sig[i] = ArgSpec{Type: a.Type, Nullable: (a.Type == ArgString && a.Null) || (a.Type == ArgObject && a.Uint == 0)}
	}
	return sig
}

func (m Message) String() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "@%d.%d(", m.Sender, m.Opcode)
	for i, a := range m.Args {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.String())
	}
	if m.Raw != nil {
		fmt.Fprintf(&b, "raw[%d]", len(m.Raw))
	}
	b.WriteByte(')')
	return b.String()
}
