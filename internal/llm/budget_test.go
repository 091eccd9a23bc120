package llm

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(hourly, minute int) (*Ledger, *time.Time) {
	logger := zerolog.Nop()
	l := NewLedger(hourly, minute, &logger)

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	return l, &now
}

func TestLedgerMinuteWindow(t *testing.T) {
	l, now := newTestLedger(100, 3)

	for i := 0; i < 3; i++ {
		require.True(t, l.Admit())
	}

	assert.False(t, l.Admit(), "fourth call within the minute must be refused")

	free := l.NextFree()
	assert.Equal(t, now.Add(time.Minute), free)

	*now = now.Add(61 * time.Second)
	assert.True(t, l.Admit())
}

func TestLedgerHourlyWindow(t *testing.T) {
	l, now := newTestLedger(5, 100)

	for i := 0; i < 5; i++ {
		require.True(t, l.Admit())
		*now = now.Add(2 * time.Minute)
	}

	assert.False(t, l.Admit())

	hourly, _ := l.Used()
	assert.Equal(t, 5, hourly)

	// The oldest call frees its slot an hour after it was made.
	first := now.Add(-10 * time.Minute)
	assert.Equal(t, first.Add(time.Hour), l.NextFree())

	*now = now.Add(51 * time.Minute)
	assert.True(t, l.Admit())
}

func TestLedgerNextFreeWhenIdle(t *testing.T) {
	l, now := newTestLedger(10, 10)

	assert.Equal(t, *now, l.NextFree())
}

func TestLedgerNeverOverAdmits(t *testing.T) {
	l, now := newTestLedger(14, 14)

	admitted := 0

	// Hammer the ledger over a simulated rolling hour.
	for i := 0; i < 600; i++ {
		if l.Admit() {
			admitted++
		}

		*now = now.Add(6 * time.Second)
	}

	hourly, minute := l.Used()
	assert.LessOrEqual(t, hourly, 14)
	assert.LessOrEqual(t, minute, 14)
	assert.Greater(t, admitted, 0)
}
