// Package retry holds the retry and dead-letter policy shared by both queue processors.
package retry

import (
	"errors"
	"time"

	"github.com/cardops/cardflow/pkg/businesshours"
	"github.com/cardops/cardflow/pkg/config"
)

// PermanentError marks a semantic failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so IsPermanent reports true. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var permanent *PermanentError

	return errors.As(err, &permanent)
}

type Decision int

const (
	// Retry schedules the row again at NextAttempt.
	Retry Decision = iota
	// DeadLetter parks the row as failed.
	DeadLetter
	// FailInstance fails the instance immediately without retrying.
	FailInstance
)

type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	calc      *businesshours.Calculator
}

func NewPolicy(cfg config.Queue, calc *businesshours.Calculator) Policy {
	return Policy{
		BaseDelay: cfg.RetryBaseDelay,
		MaxDelay:  cfg.RetryMaxDelay,
		calc:      calc,
	}
}

// Decide classifies a failed attempt. attempts counts the attempt that just failed.
func (p Policy) Decide(err error, attempts, maxAttempts int) Decision {
	if IsPermanent(err) {
		return FailInstance
	}

	if attempts >= maxAttempts {
		return DeadLetter
	}

	return Retry
}

// Backoff doubles BaseDelay per attempt, capped at MaxDelay.
func (p Policy) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempts; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}

	return delay
}

// NextAttempt is now plus the backoff, rolled into the next business window.
func (p Policy) NextAttempt(now time.Time, attempts int) time.Time {
	next := now.Add(p.Backoff(attempts))
	if p.calc == nil {
		return next
	}

	return p.calc.RollForward(next)
}
