package sync

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// MaxBackoffUnits caps the retry wait.
const MaxBackoffUnits = 300

// retrySchedule doubles the wait on every failure, starting from one unit
// and capped at MaxBackoffUnits, so after N consecutive failures the wait is
// min(2^N, 300) units. Success resets it to one unit.
type retrySchedule struct {
	unit    time.Duration
	exp     *backoff.ExponentialBackOff
	current time.Duration
	fails   int
}

func newRetrySchedule(unit time.Duration) *retrySchedule {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 2 * unit
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = MaxBackoffUnits * unit
	exp.MaxElapsedTime = 0
	exp.Reset()

	return &retrySchedule{unit: unit, exp: exp, current: unit}
}

// Failure records a failed cycle and returns the new backoff.
func (r *retrySchedule) Failure() time.Duration {
	r.fails++
	r.current = r.exp.NextBackOff()
	return r.current
}

// Success resets the schedule.
func (r *retrySchedule) Success() {
	r.fails = 0
	r.exp.Reset()
	r.current = r.unit
}

func (r *retrySchedule) Current() time.Duration { return r.current }

func (r *retrySchedule) Failures() int { return r.fails }
