// Package limits implements per-client sliding-window admission control
// with a per-minute and a per-day horizon.
package limits

import (
	"math"
	"sync"
	"time"
)

const (
	CodeMinuteLimitExceeded = "RATE_LIMIT_RPM_EXCEEDED"
	CodeDayLimitExceeded    = "RATE_LIMIT_RPD_EXCEEDED"
)

const (
	minuteWindow = time.Minute
	dayWindow    = 24 * time.Hour

	rateStateSweepInterval = 2 * time.Minute
)

type Config struct {
	RequestsPerMinute int
	RequestsPerDay    int
}

// Decision reports the admission outcome for one request. A rejected
// request is not recorded against either window.
type Decision struct {
	Allowed           bool
	Code              string
	Message           string
	RetryAfterSeconds int
}

type Limiter struct {
	cfg   Config
	nowFn func() time.Time

	mu           sync.Mutex
	minuteEvents map[string][]time.Time
	dayEvents    map[string][]time.Time
	lastSweep    time.Time
}

func NewLimiter(cfg Config) *Limiter {
	return &Limiter{
		cfg:          cfg,
		nowFn:        func() time.Time { return time.Now().UTC() },
		minuteEvents: map[string][]time.Time{},
		dayEvents:    map[string][]time.Time{},
	}
}

func (l *Limiter) Enabled() bool {
	if l == nil {
		return false
	}
	return l.cfg.RequestsPerMinute > 0 || l.cfg.RequestsPerDay > 0
}

// Allow admits or rejects one request for clientID. The minute horizon is
// checked before the day horizon, and prune-check-append runs as a single
// critical section so concurrent callers cannot interleave between the
// count and the append.
func (l *Limiter) Allow(clientID string) Decision {
	if l == nil || !l.Enabled() {
		return Decision{Allowed: true}
	}

	now := time.Now().UTC()
	if l.nowFn != nil {
		now = l.nowFn().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.maybeSweepRateState(now)

	minute := pruneOldRequests(l.minuteEvents[clientID], now, minuteWindow)
	day := pruneOldRequests(l.dayEvents[clientID], now, dayWindow)

	if limit := l.cfg.RequestsPerMinute; limit > 0 && len(minute) >= limit {
		l.minuteEvents[clientID] = minute
		l.dayEvents[clientID] = day
		return Decision{
			Code:              CodeMinuteLimitExceeded,
			Message:           "per-minute request limit exceeded",
			RetryAfterSeconds: retryAfterSeconds(minute, now, minuteWindow),
		}
	}
	if limit := l.cfg.RequestsPerDay; limit > 0 && len(day) >= limit {
		l.minuteEvents[clientID] = minute
		l.dayEvents[clientID] = day
		return Decision{
			Code:              CodeDayLimitExceeded,
			Message:           "daily request limit exceeded",
			RetryAfterSeconds: retryAfterSeconds(day, now, dayWindow),
		}
	}

	l.minuteEvents[clientID] = append(minute, now)
	l.dayEvents[clientID] = append(day, now)
	return Decision{Allowed: true}
}

func (l *Limiter) maybeSweepRateState(now time.Time) {
	if !l.lastSweep.IsZero() && now.Sub(l.lastSweep) < rateStateSweepInterval {
		return
	}

	for key, events := range l.minuteEvents {
		pruned := pruneOldRequests(events, now, minuteWindow)
		if len(pruned) == 0 {
			delete(l.minuteEvents, key)
			continue
		}
		l.minuteEvents[key] = pruned
	}
	for key, events := range l.dayEvents {
		pruned := pruneOldRequests(events, now, dayWindow)
		if len(pruned) == 0 {
			delete(l.dayEvents, key)
			continue
		}
		l.dayEvents[key] = pruned
	}
	l.lastSweep = now
}

func pruneOldRequests(events []time.Time, now time.Time, window time.Duration) []time.Time {
	if len(events) == 0 {
		return nil
	}
	cutoff := now.Add(-window)
	keepIdx := 0
	for keepIdx < len(events) && !events[keepIdx].After(cutoff) {
		keepIdx++
	}
	if keepIdx >= len(events) {
		return nil
	}
	out := make([]time.Time, len(events)-keepIdx)
	copy(out, events[keepIdx:])
	return out
}

func retryAfterSeconds(events []time.Time, now time.Time, window time.Duration) int {
	if len(events) == 0 {
		return 1
	}
	wait := events[0].Add(window).Sub(now).Seconds()
	if wait <= 1 {
		return 1
	}
	return int(math.Ceil(wait))
}
