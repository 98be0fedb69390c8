// Package registry tracks the object id namespace of one relay session.
//
// A Registry observes every message the relay forwards, allocating records
// for new_id arguments and retiring them on destructor messages, so that it
// always mirrors what the two peers believe is alive. It is owned by exactly
// one session and is not safe for concurrent use.
package registry

import (
	"errors"
	"fmt"

	"wlrelay/internal/protocol"
	"wlrelay/internal/wire"
)

const (
	// ClientMinID and ClientMaxID bound ids allocated by clients.
	ClientMinID uint32 = 1
	ClientMaxID uint32 = 0xfeffffff
	// ServerMinID is the first id in the server's range.
	ServerMinID uint32 = 0xff000000
)

// ErrProtocolViolation is matched by every error returned from Observe.
var ErrProtocolViolation = errors.New("protocol violation")

// ViolationError describes a message that breaks the object lifecycle.
type ViolationError struct {
	Side   protocol.Side
	Sender uint32
	Opcode uint16
	ID     uint32
	Reason string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("protocol violation from %s in @%d.%d: object %d: %s", e.Side, e.Sender, e.Opcode, e.ID, e.Reason)
}

func (e *ViolationError) Unwrap() error { return ErrProtocolViolation }

// Record is the registry's view of one object.
type Record struct {
	ID        uint32
	Interface string
	Version   uint32
	CreatedBy protocol.Side
	Alive     bool
}

// Registry maps object ids to records.
type Registry struct {
	set         *protocol.Set
	objects     map[uint32]*Record
	allowOpaque bool
}

// Option configures a Registry.
type Option func(*Registry)

// WithOpaque lets messages on objects of unknown interfaces, and on ids the
// registry never saw allocated, through without argument checks. Such
// messages cannot allocate ids or carry descriptors.
func WithOpaque(allow bool) Option {
	return func(r *Registry) { r.allowOpaque = allow }
}

// New returns a registry holding only the wl_display singleton.
func New(set *protocol.Set, opts ...Option) *Registry {
	r := &Registry{set: set}
	for _, opt := range opts {
		opt(r)
	}
	r.Reset()
	return r
}

// Reset drops every record and restores the initial wl_display object.
func (r *Registry) Reset() {
	r.objects = map[uint32]*Record{
		protocol.Display: {ID: protocol.Display, Interface: "wl_display", Version: 1, CreatedBy: protocol.Client, Alive: true},
	}
}

// Release drops every record, including wl_display.
func (r *Registry) Release() {
	r.objects = map[uint32]*Record{}
}

// Len returns the number of records, alive or not.
func (r *Registry) Len() int { return len(r.objects) }

// IsLive reports whether id names a live object.
func (r *Registry) IsLive(id uint32) bool {
	rec, ok := r.objects[id]
	return ok && rec.Alive
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id uint32) (Record, bool) {
	rec, ok := r.objects[id]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Describe resolves the interface name and message definition of a message
// sent by side. The message definition is nil when the interface or opcode
// is unknown.
func (r *Registry) Describe(side protocol.Side, sender uint32, opcode uint16) (string, *protocol.Message) {
	rec, ok := r.objects[sender]
	if !ok || !rec.Alive {
		return "", nil
	}
	m, ok := r.set.Message(rec.Interface, side, opcode)
	if !ok {
		return rec.Interface, nil
	}
	return rec.Interface, m
}

// Lookup returns the signature resolver for messages sent by side.
func (r *Registry) Lookup(side protocol.Side) wire.SignatureLookup {
	return wire.LookupFunc(func(sender uint32, opcode uint16) (wire.Signature, bool) {
		_, m := r.Describe(side, sender, opcode)
		if m == nil {
			return nil, false
		}
		return m.Args, true
	})
}

// InRange reports whether id lies in the allocation range of side.
func InRange(side protocol.Side, id uint32) bool {
	if side == protocol.Client {
		return id >= ClientMinID && id <= ClientMaxID
	}
	return id >= ServerMinID
}

// Observe applies msg, sent by side, to the namespace. The message is
// checked completely before any record changes, so a rejected message
// leaves the registry untouched.
func (r *Registry) Observe(side protocol.Side, msg wire.Message) error {
	violation := func(id uint32, format string, args ...any) error {
		return &ViolationError{Side: side, Sender: msg.Sender, Opcode: msg.Opcode, ID: id, Reason: fmt.Sprintf(format, args...)}
	}

	sender, ok := r.objects[msg.Sender]
	switch {
	case !ok && r.allowOpaque && len(msg.Args) == 0:
		// Objects created through messages of unknown interfaces are never
		// recorded, so their traffic shows up with unknown senders.
		return nil
	case !ok:
		return violation(msg.Sender, "unknown sender")
	case !sender.Alive:
		return violation(msg.Sender, "sender already destroyed")
	}

	def, ok := r.set.Message(sender.Interface, side, msg.Opcode)
	if !ok {
		if r.allowOpaque && len(msg.Args) == 0 {
			return nil
		}
		return violation(msg.Sender, "%s has no %s opcode %d", sender.Interface, side, msg.Opcode)
	}
	if len(msg.Args) != len(def.Args) || msg.Raw != nil {
		return violation(msg.Sender, "%s.%s: %d arguments, signature has %d", sender.Interface, def.Name, len(msg.Args), len(def.Args))
	}

	var created []*Record
	for i, spec := range def.Args {
		arg := msg.Args[i]
		if arg.Type != spec.Type {
			return violation(msg.Sender, "%s.%s: argument %d is %s, want %s", sender.Interface, def.Name, i, arg.Type, spec.Type)
		}
		switch spec.Type {
		case wire.ArgString:
			if arg.Null && !spec.Nullable {
				return violation(msg.Sender, "%s.%s: argument %d is a null string", sender.Interface, def.Name, i)
			}
		case wire.ArgObject:
			if arg.Uint == 0 {
				if !spec.Nullable {
					return violation(0, "%s.%s: argument %d is null", sender.Interface, def.Name, i)
				}
				continue
			}
			if sender.ID == protocol.Display && side == protocol.Server && def.Name == "error" {
				// wl_display.error may name an object the client has
				// already destroyed.
				continue
			}
			obj, ok := r.objects[arg.Uint]
			if !ok || !obj.Alive {
				return violation(arg.Uint, "%s.%s: argument %d references a dead or unknown object", sender.Interface, def.Name, i)
			}
			if spec.Interface != "" && obj.Interface != spec.Interface {
				return violation(arg.Uint, "%s.%s: argument %d is %s, want %s", sender.Interface, def.Name, i, obj.Interface, spec.Interface)
			}
		case wire.ArgNewID:
			id := arg.Uint
			if !InRange(side, id) {
				return violation(id, "new id outside the %s range", side)
			}
			if r.IsLive(id) {
				return violation(id, "new id is still alive")
			}
			for _, c := range created {
				if c.ID == id {
					return violation(id, "new id allocated twice in one message")
				}
			}
			rec := &Record{ID: id, Interface: spec.Interface, Version: sender.Version, CreatedBy: side, Alive: true}
			if spec.Interface == "" {
				name, version, err := untypedInterface(msg.Args[:i])
				if err != nil {
					return violation(id, "%s.%s: %v", sender.Interface, def.Name, err)
				}
				rec.Interface, rec.Version = name, version
			}
			created = append(created, rec)
		}
	}

	for _, rec := range created {
		r.objects[rec.ID] = rec
	}
	if def.Destructor {
		sender.Alive = false
	}
	if sender.ID == protocol.Display && side == protocol.Server && def.Name == "delete_id" {
		r.deleteID(msg.Args[0].Uint)
	}
	return nil
}

// untypedInterface extracts the interface name and version that precede an
// untyped new_id argument.
func untypedInterface(prev []wire.Arg) (string, uint32, error) {
	if len(prev) < 2 || prev[len(prev)-2].Type != wire.ArgString || prev[len(prev)-1].Type != wire.ArgUint {
		return "", 0, errors.New("untyped new id without interface and version")
	}
	name := prev[len(prev)-2]
	if name.Null || name.Str == "" {
		return "", 0, errors.New("untyped new id with empty interface name")
	}
	return name.Str, prev[len(prev)-1].Uint, nil
}

// deleteID forgets a destroyed object once the server confirms the id is
// free. Live ids are left alone.
func (r *Registry) deleteID(id uint32) {
	if rec, ok := r.objects[id]; ok && !rec.Alive {
		delete(r.objects, id)
	}
}
