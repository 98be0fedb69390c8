package relay

import (
	"errors"
	"fmt"

	"wlrelay/internal/protocol"
	"wlrelay/internal/registry"
	"wlrelay/internal/wire"
)

// ErrFdTransfer reports descriptors that could not be received or sent.
var ErrFdTransfer = errors.New("fd transfer failed")

// Kind classifies the error that ended a session.
type Kind uint8

const (
	// KindIO covers socket errors, including end of stream.
	KindIO Kind = iota
	KindMalformed
	KindViolation
	KindFdTransfer
	// KindHook marks hook output the relay could not forward.
	KindHook
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindMalformed:
		return "malformed"
	case KindViolation:
		return "violation"
	case KindFdTransfer:
		return "fd_transfer"
	case KindHook:
		return "hook"
	}
	return "unknown"
}

// Error is returned by Session.Run. Side is the peer whose traffic or
// socket failed.
type Error struct {
	Side protocol.Side
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Side, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Fatal reports whether the error invalidates the session's object
// namespace. Fatal errors close the session without draining.
func (e *Error) Fatal() bool { return e.Kind != KindIO }

func classify(side protocol.Side, err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	kind := KindIO
	switch {
	case errors.Is(err, wire.ErrMalformedHeader), errors.Is(err, wire.ErrMalformedMessage):
		kind = KindMalformed
	case errors.Is(err, wire.ErrUnknownMessage), errors.Is(err, registry.ErrProtocolViolation):
		kind = KindViolation
	case errors.Is(err, wire.ErrMissingFd), errors.Is(err, wire.ErrUnclaimedFd), errors.Is(err, ErrFdTransfer):
		kind = KindFdTransfer
	}
	return &Error{Side: side, Kind: kind, Err: err}
}
