// Package ratelimit enforces a minimum interval between calls against a
// resource class without ever blocking the caller.
package ratelimit

import (
	"sync"
	"time"
)

// Common resource classes.
const (
	ClassAgentCall  = "external-agent-call"
	ClassExtraction = "external-agent-extract"
)

// Decision is the result of TryAcquire.
type Decision struct {
	Allowed bool
	// Wait is how long the caller should wait before trying again. Zero when Allowed.
	Wait time.Duration
}

// State is the per-class bookkeeping. It is only mutated by the Limiter.
type State struct {
	LastInvocation time.Time
	MinInterval    time.Duration
	// CooldownUntil is set by ReportRateLimitSignal and may lie past
	// LastInvocation+MinInterval.
	CooldownUntil time.Time
}

// nextAllowed returns the earliest instant at which a new call may proceed.
func (s State) nextAllowed() time.Time {
	next := s.LastInvocation.Add(s.MinInterval)
	if s.CooldownUntil.After(next) {
		return s.CooldownUntil
	}
	return next
}

func (s *State) extendCooldown(until time.Time) {
	if until.After(s.CooldownUntil) {
		s.CooldownUntil = until
	}
}

// Limiter tracks the last invocation per resource class.
type Limiter struct {
	mu              sync.Mutex
	states          map[string]*State
	defaultInterval time.Duration
	now             func() time.Time
	// peers maps a class to the classes that share its provider cooldown.
	peers map[string][]string
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithInterval sets the minimum interval for a single class.
func WithInterval(class string, interval time.Duration) Option {
	return func(l *Limiter) { l.states[class] = &State{MinInterval: interval} }
}

// WithSharedCooldown links classes that call the same provider: a rate limit
// signal on any of them cools all of them down. Intervals stay per class.
func WithSharedCooldown(classes ...string) Option {
	return func(l *Limiter) {
		for _, c := range classes {
			for _, p := range classes {
				if p != c {
					l.peers[c] = append(l.peers[c], p)
				}
			}
		}
	}
}

// New creates a Limiter. Classes without an explicit interval use defaultInterval.
func New(defaultInterval time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		states:          make(map[string]*State),
		defaultInterval: defaultInterval,
		now:             time.Now,
		peers:           make(map[string][]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure sets (or replaces) the minimum interval of a class, keeping its history.
func (l *Limiter) Configure(class string, interval time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stateLocked(class).MinInterval = interval
}

// TryAcquire reports whether a call against class may proceed now. An allowed
// call is recorded immediately, so a second caller right behind it is denied.
func (l *Limiter) TryAcquire(class string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	st := l.stateLocked(class)
	if !st.LastInvocation.IsZero() || !st.CooldownUntil.IsZero() {
		if next := st.nextAllowed(); now.Before(next) {
			return Decision{Wait: next.Sub(now)}
		}
	}
	st.LastInvocation = now
	return Decision{Allowed: true}
}

// ReportRateLimitSignal pushes the next allowed call for class, and for every
// class sharing its cooldown, at least extraCooldown past now. Used when the
// provider throttled a call that the local limiter had approved.
func (l *Limiter) ReportRateLimitSignal(class string, extraCooldown time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	until := now.Add(extraCooldown)
	st := l.stateLocked(class)
	st.LastInvocation = now
	st.extendCooldown(until)
	for _, peer := range l.peers[class] {
		l.stateLocked(peer).extendCooldown(until)
	}
}

// Remaining reports how long until class would be allowed again, without
// reserving anything.
func (l *Limiter) Remaining(class string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := l.stateLocked(class)
	if st.LastInvocation.IsZero() && st.CooldownUntil.IsZero() {
		return 0
	}
	if wait := st.nextAllowed().Sub(l.now()); wait > 0 {
		return wait
	}
	return 0
}

// Snapshot returns a copy of the state of class.
func (l *Limiter) Snapshot(class string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.stateLocked(class)
}

func (l *Limiter) stateLocked(class string) *State {
	st, ok := l.states[class]
	if !ok {
		st = &State{MinInterval: l.defaultInterval}
		l.states[class] = st
	}
	return st
}
