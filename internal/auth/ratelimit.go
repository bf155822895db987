package auth

import (
	"sync"
	"time"
)

// LoginLimiter throttles password guessing. Failures are tracked per
// username+address pair; reaching maxAttempts within the window blocks
// the pair for one full window. Only definitive rejections should be
// recorded, never transient verifier failures.
type LoginLimiter struct {
	mu          sync.Mutex
	maxAttempts int
	window      time.Duration
	entries     map[string]*limiterEntry

	now func() time.Time
}

type limiterEntry struct {
	failures     []time.Time
	blockedUntil time.Time
}

func NewLoginLimiter(maxAttempts int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		entries:     make(map[string]*limiterEntry),
		now:         time.Now,
	}
}

func limiterKey(username, addr string) string {
	return username + "|" + addr
}

// Blocked reports whether the pair is locked out and for how much longer.
func (l *LoginLimiter) Blocked(username, addr string) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[limiterKey(username, addr)]
	if !ok {
		return 0, false
	}
	now := l.now()
	if e.blockedUntil.After(now) {
		return e.blockedUntil.Sub(now), true
	}
	return 0, false
}

// RecordFailure counts a rejected attempt and starts a lockout once the
// pair reaches maxAttempts recent failures.
func (l *LoginLimiter) RecordFailure(username, addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := limiterKey(username, addr)
	e, ok := l.entries[key]
	if !ok {
		e = &limiterEntry{}
		l.entries[key] = e
	}
	now := l.now()
	e.failures = append(l.recent(e.failures, now), now)
	if len(e.failures) >= l.maxAttempts {
		e.blockedUntil = now.Add(l.window)
		e.failures = nil
	}
}

// ClearOnSuccess forgets the pair after a successful login.
func (l *LoginLimiter) ClearOnSuccess(username, addr string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, limiterKey(username, addr))
}

// RemainingAttempts reports how many more failures the pair can absorb
// before lockout. Zero while locked out.
func (l *LoginLimiter) RemainingAttempts(username, addr string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[limiterKey(username, addr)]
	if !ok {
		return l.maxAttempts
	}
	now := l.now()
	if e.blockedUntil.After(now) {
		return 0
	}
	remaining := l.maxAttempts - len(l.recent(e.failures, now))
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Sweep drops pairs with no recent failures and no active lockout.
func (l *LoginLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, e := range l.entries {
		if e.blockedUntil.After(now) {
			continue
		}
		if len(l.recent(e.failures, now)) > 0 {
			continue
		}
		delete(l.entries, key)
		removed++
	}
	return removed
}

// recent filters out failures that fell off the sliding window.
func (l *LoginLimiter) recent(failures []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	kept := failures[:0]
	for _, t := range failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
