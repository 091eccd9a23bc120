package llm

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Budget window durations.
const (
	hourWindow   = time.Hour
	minuteWindow = time.Minute
)

// Ledger is a sliding-window record of LLM call timestamps with two
// admission windows: per-hour and per-minute. It is the sole authority
// on whether a call may be made; no call is admitted when either
// window is full. Single writer: the extractor.
type Ledger struct {
	mu          sync.Mutex
	hourlyLimit int
	minuteLimit int
	calls       []time.Time
	logger      *zerolog.Logger
	now         func() time.Time
}

// NewLedger creates a budget ledger with the given window limits.
func NewLedger(hourlyLimit, minuteLimit int, logger *zerolog.Logger) *Ledger {
	return &Ledger{
		hourlyLimit: hourlyLimit,
		minuteLimit: minuteLimit,
		calls:       make([]time.Time, 0, hourlyLimit),
		logger:      logger,
		now:         time.Now,
	}
}

// Admit records one call if both windows have remaining capacity and
// reports whether the call was admitted.
func (l *Ledger) Admit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.calls) >= l.hourlyLimit {
		l.logger.Warn().Int("used", len(l.calls)).Int("limit", l.hourlyLimit).Msg("hourly LLM budget exhausted")

		return false
	}

	if l.lastMinute(now) >= l.minuteLimit {
		l.logger.Debug().Int("limit", l.minuteLimit).Msg("per-minute LLM limit reached")

		return false
	}

	l.calls = append(l.calls, now)

	return true
}

// NextFree returns the earliest instant at which an admission could
// succeed. When capacity is already available it returns now.
func (l *Ledger) NextFree() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	var next time.Time

	if len(l.calls) >= l.hourlyLimit {
		next = l.calls[len(l.calls)-l.hourlyLimit].Add(hourWindow)
	}

	if minuteUsed := l.lastMinute(now); minuteUsed >= l.minuteLimit {
		free := l.calls[len(l.calls)-l.minuteLimit].Add(minuteWindow)
		if free.After(next) {
			next = free
		}
	}

	if next.IsZero() || next.Before(now) {
		return now
	}

	return next
}

// Used returns the calls consumed in the rolling hour and minute.
func (l *Ledger) Used() (hourly, minute int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	return len(l.calls), l.lastMinute(now)
}

// prune discards timestamps older than the hourly window. Calls are
// appended in order, so the slice stays sorted.
func (l *Ledger) prune(now time.Time) {
	cutoff := now.Add(-hourWindow)

	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}

	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}

func (l *Ledger) lastMinute(now time.Time) int {
	cutoff := now.Add(-minuteWindow)
	n := 0

	for i := len(l.calls) - 1; i >= 0; i-- {
		if !l.calls[i].After(cutoff) {
			break
		}

		n++
	}

	return n
}
