// Package hook defines the interception point of the relay.
//
// A Hook sees every decoded message before it is forwarded and answers with
// an Action. Hooks run synchronously on the relay's per-direction path while
// the session lock is held, so they must not block.
package hook

import (
	"wlrelay/internal/protocol"
	"wlrelay/internal/wire"
)

// Message is a decoded message plus the names the relay resolved for it.
type Message struct {
	wire.Message
	// Interface of the sender object, empty if unknown.
	Interface string
	// Name of the request or event, empty if unknown.
	Name string
	// Session identifies the relay session the message belongs to.
	Session uint64
}

// Kind enumerates the possible verdicts.
type Kind uint8

const (
	KindForward Kind = iota
	KindDrop
	KindInject
)

func (k Kind) String() string {
	switch k {
	case KindForward:
		return "forward"
	case KindDrop:
		return "drop"
	case KindInject:
		return "inject"
	}
	return "unknown"
}

// Action is a hook verdict.
type Action struct {
	Kind Kind
	// Message is the message to forward for KindForward.
	Message wire.Message
	// Inject lists messages sent ahead of Then for KindInject.
	Inject []wire.Message
	Then   *Action
}

// Forward sends m, which may differ from the inspected message.
func Forward(m wire.Message) Action { return Action{Kind: KindForward, Message: m} }

// Drop discards the inspected message.
func Drop() Action { return Action{Kind: KindDrop} }

// Inject sends msgs in order, then applies then.
func Inject(msgs []wire.Message, then Action) Action {
	return Action{Kind: KindInject, Inject: msgs, Then: &then}
}

// Flatten returns the messages the action sends, in order.
func (a Action) Flatten() []wire.Message {
	var out []wire.Message
	for cur := &a; cur != nil; {
		switch cur.Kind {
		case KindForward:
			return append(out, cur.Message)
		case KindDrop:
			return out
		case KindInject:
			out = append(out, cur.Inject...)
			cur = cur.Then
		default:
			return out
		}
	}
	return out
}

// Forwards reports whether the action ends by forwarding a message, as
// opposed to dropping the inspected one.
func (a Action) Forwards() bool {
	cur := &a
	for cur.Kind == KindInject && cur.Then != nil {
		cur = cur.Then
	}
	return cur.Kind == KindForward
}

// Hook inspects one message travelling from side from.
type Hook interface {
	Inspect(from protocol.Side, msg Message) Action
}

// Func adapts a function to Hook.
type Func func(from protocol.Side, msg Message) Action

func (f Func) Inspect(from protocol.Side, msg Message) Action { return f(from, msg) }

// Passthrough forwards every message unchanged.
var Passthrough Hook = Func(func(_ protocol.Side, msg Message) Action {
	return Forward(msg.Message)
})

// Chain runs hooks in order. Each hook sees the message forwarded by the
// previous one; messages injected by earlier hooks are kept ahead of it and
// are not inspected again. A drop ends the chain.
func Chain(hooks ...Hook) Hook {
	switch len(hooks) {
	case 0:
		return Passthrough
	case 1:
		return hooks[0]
	}
	return Func(func(from protocol.Side, msg Message) Action {
		var injected []wire.Message
		for _, h := range hooks {
			act := h.Inspect(from, msg)
			for act.Kind == KindInject {
				injected = append(injected, act.Inject...)
				if act.Then == nil {
					act = Drop()
					break
				}
				act = *act.Then
			}
			if act.Kind != KindForward {
				return wrap(injected, Drop())
			}
			msg.Message = act.Message
		}
		return wrap(injected, Forward(msg.Message))
	})
}

func wrap(injected []wire.Message, then Action) Action {
	if len(injected) == 0 {
		return then
	}
	return Inject(injected, then)
}
