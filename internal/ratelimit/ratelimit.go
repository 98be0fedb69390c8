// Package ratelimit throttles connection admission.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

const (
	ModeDrop = "drop"
	ModePace = "pace"
)

// Limiter admits events at a steady rate with bursts. In drop mode events
// over the rate are refused, in pace mode they wait. A nil Limiter admits
// everything.
type Limiter struct {
	lim  *rate.Limiter
	mode string
}

// New returns a limiter for perSecond events, or nil when perSecond is not
// positive.
func New(perSecond float64, burst int, mode string) *Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(perSecond)
		if burst <= 0 {
			burst = 1
		}
	}
	if mode == "" {
		mode = ModeDrop
	}
	return &Limiter{lim: rate.NewLimiter(rate.Limit(perSecond), burst), mode: mode}
}

// Admit reports whether one event may proceed. In pace mode it blocks until
// the event fits the rate or ctx ends.
func (l *Limiter) Admit(ctx context.Context) bool {
	if l == nil {
		return true
	}
	if l.mode == ModeDrop {
		return l.lim.Allow()
	}
	return l.lim.Wait(ctx) == nil
}

// Mode returns the limiter mode.
func (l *Limiter) Mode() string {
	if l == nil {
		return ""
	}
	return l.mode
}
