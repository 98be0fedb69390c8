// Package protocol holds the request and event signatures of Wayland
// interfaces. The relay needs them to know the wire width of each argument
// and which arguments carry object ids or file descriptors.
package protocol

import (
	"fmt"
	"sort"
	"sync"

	"wlrelay/internal/wire"
)

// Side identifies the peer that sent a message.
type Side uint8

const (
	// Client messages are requests.
	Client Side = iota
	// Server messages are events.
	Server
)

func (s Side) String() string {
	if s == Client {
		return "client"
	}
	return "server"
}

// Peer returns the opposite side.
func (s Side) Peer() Side { return 1 - s }

// ParseSide accepts "client", "request", "server" and "event".
func ParseSide(v string) (Side, error) {
	switch v {
	case "client", "request", "requests":
		return Client, nil
	case "server", "event", "events":
		return Server, nil
	}
	return 0, fmt.Errorf("unknown side %q", v)
}

// Message describes one request or event.
type Message struct {
	Name       string
	Args       wire.Signature
	Destructor bool
	Since      uint32
}

// Interface describes one protocol interface.
type Interface struct {
	Name     string
	Version  uint32
	Requests []Message
	Events   []Message
}

// Messages returns the requests or events sent by side.
func (i *Interface) Messages(side Side) []Message {
	if side == Client {
		return i.Requests
	}
	return i.Events
}

// Set is a collection of interfaces. It is safe for concurrent use.
type Set struct {
	mu     sync.RWMutex
	ifaces map[string]*Interface
}

// NewSet returns a set holding ifaces.
func NewSet(ifaces ...*Interface) *Set {
	s := &Set{ifaces: make(map[string]*Interface, len(ifaces))}
	for _, i := range ifaces {
		s.ifaces[i.Name] = i
	}
	return s
}

// Add inserts or replaces interfaces.
func (s *Set) Add(ifaces ...*Interface) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, i := range ifaces {
		s.ifaces[i.Name] = i
	}
}

// Interface returns the interface called name.
func (s *Set) Interface(name string) (*Interface, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.ifaces[name]
	return i, ok
}

// Message returns the message of iface sent by side with the given opcode.
func (s *Set) Message(iface string, side Side, opcode uint16) (*Message, bool) {
	i, ok := s.Interface(iface)
	if !ok {
		return nil, false
	}
	msgs := i.Messages(side)
	if int(opcode) >= len(msgs) {
		return nil, false
	}
	return &msgs[opcode], true
}

// Names returns the sorted interface names.
func (s *Set) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.ifaces))
	for name := range s.ifaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// MarkDestructor flags a message as destroying its sender object. It is how
// interface-specific destroy semantics are configured for protocols whose
// definitions do not declare them.
func (s *Set) MarkDestructor(iface string, side Side, opcode uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.ifaces[iface]
	if !ok {
		return fmt.Errorf("protocol: unknown interface %q", iface)
	}
	msgs := i.Requests
	if side == Server {
		msgs = i.Events
	}
	if int(opcode) >= len(msgs) {
		return fmt.Errorf("protocol: %s has no %s opcode %d", iface, side, opcode)
	}
	msgs[opcode].Destructor = true
	return nil
}

// MessageByName returns the opcode of the message called name.
func (s *Set) MessageByName(iface string, side Side, name string) (uint16, bool) {
	i, ok := s.Interface(iface)
	if !ok {
		return 0, false
	}
	for op, m := range i.Messages(side) {
		if m.Name == name {
			return uint16(op), true
		}
	}
	return 0, false
}
