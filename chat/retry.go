package chat

import "time"

const (
	// MaxRetries bounds both bootstrap attempts and automatic stream
	// re-subscriptions.
	MaxRetries = 3

	// DefaultRetryUnit is the base of the linear backoff:
	// delay(i) = (i+1) * unit.
	DefaultRetryUnit = 2 * time.Second
)

// Delay returns the linear backoff delay for a zero-based attempt.
func Delay(attempt int, unit time.Duration) time.Duration {
	return time.Duration(attempt+1) * unit
}

// Schedule tracks retry attempts. Not safe for concurrent use, the
// controller serializes access.
type Schedule struct {
	unit    time.Duration
	max     int
	attempt int
}

func NewSchedule(unit time.Duration, max int) *Schedule {
	if unit <= 0 {
		unit = DefaultRetryUnit
	}
	if max <= 0 {
		max = MaxRetries
	}
	return &Schedule{unit: unit, max: max}
}

// Next returns the delay before the next attempt and advances the
// counter. ok=false once the budget is exhausted; the counter never
// exceeds the maximum.
func (s *Schedule) Next() (time.Duration, bool) {
	if s.attempt >= s.max {
		return 0, false
	}
	d := Delay(s.attempt, s.unit)
	s.attempt++
	return d, true
}

// Reset rewinds the counter: called on manual retry and on successful
// stream establishment.
func (s *Schedule) Reset() {
	s.attempt = 0
}

func (s *Schedule) Attempt() int {
	return s.attempt
}
