package hook

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"wlrelay/internal/protocol"
)

// Rule matches messages by side, interface and message name. Empty fields
// match anything.
type Rule struct {
	Side      string `yaml:"side" toml:"side"`
	Interface string `yaml:"interface" toml:"interface"`
	Message   string `yaml:"message" toml:"message"`
	// Action is "drop" or "log".
	Action string `yaml:"action" toml:"action"`
}

// Validate checks the rule's fields.
func (r Rule) Validate() error {
	if r.Side != "" {
		if _, err := protocol.ParseSide(r.Side); err != nil {
			return err
		}
	}
	switch strings.ToLower(r.Action) {
	case "drop", "log":
	default:
		return fmt.Errorf("rule action must be drop or log, got %q", r.Action)
	}
	if r.Interface == "" && r.Message == "" {
		return fmt.Errorf("rule needs an interface or a message name")
	}
	return nil
}

type compiledRule struct {
	anySide bool
	side    protocol.Side
	iface   string
	message string
	drop    bool
}

func (c compiledRule) match(from protocol.Side, msg Message) bool {
	if !c.anySide && c.side != from {
		return false
	}
	if c.iface != "" && c.iface != msg.Interface {
		return false
	}
	return c.message == "" || c.message == msg.Name
}

// Rules is a hook applying the first matching rule. The rule set can be
// replaced at any time, which is how config reloads take effect on live
// sessions.
type Rules struct {
	rules atomic.Pointer[[]compiledRule]
	log   zerolog.Logger
}

// NewRules compiles rules.
func NewRules(rules []Rule, log zerolog.Logger) (*Rules, error) {
	r := &Rules{log: log}
	if err := r.Update(rules); err != nil {
		return nil, err
	}
	return r, nil
}

// Update swaps the active rule set.
func (r *Rules) Update(rules []Rule) error {
	compiled := make([]compiledRule, 0, len(rules))
	for i, rule := range rules {
		if err := rule.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		c := compiledRule{
			anySide: rule.Side == "",
			iface:   rule.Interface,
			message: rule.Message,
			drop:    strings.EqualFold(rule.Action, "drop"),
		}
		if !c.anySide {
			c.side, _ = protocol.ParseSide(rule.Side)
		}
		compiled = append(compiled, c)
	}
	r.rules.Store(&compiled)
	return nil
}

// Len returns the number of active rules.
func (r *Rules) Len() int { return len(*r.rules.Load()) }

func (r *Rules) Inspect(from protocol.Side, msg Message) Action {
	for _, c := range *r.rules.Load() {
		if !c.match(from, msg) {
			continue
		}
		if c.drop {
			r.log.Debug().Uint64("session", msg.Session).Str("from", from.String()).
				Str("message", msg.Interface+"."+msg.Name).Msg("rule dropped message")
			return Drop()
		}
		r.log.Info().Uint64("session", msg.Session).Str("from", from.String()).
			Str("message", msg.Interface+"."+msg.Name).Stringer("args", msg.Message).Msg("rule matched")
		break
	}
	return Forward(msg.Message)
}
