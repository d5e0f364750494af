package retry

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cardops/cardflow/pkg/businesshours"
	"github.com/cardops/cardflow/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestPermanent(t *testing.T) {
	base := errors.New("no matching edge")

	assert.Nil(t, Permanent(nil))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.True(t, IsPermanent(fmt.Errorf("node cond: %w", Permanent(base))))
	assert.ErrorIs(t, Permanent(base), base)
	assert.False(t, IsPermanent(base))
}

func TestPolicy_Decide(t *testing.T) {
	policy := NewPolicy(config.Default().Queue, nil)

	assert.Equal(t, Retry, policy.Decide(errors.New("timeout"), 1, 3))
	assert.Equal(t, Retry, policy.Decide(errors.New("timeout"), 2, 3))
	assert.Equal(t, DeadLetter, policy.Decide(errors.New("timeout"), 3, 3))
	assert.Equal(t, FailInstance, policy.Decide(Permanent(errors.New("bad")), 1, 3))
}

func TestPolicy_Backoff(t *testing.T) {
	policy := Policy{BaseDelay: time.Minute, MaxDelay: 10 * time.Minute}

	assert.Equal(t, time.Minute, policy.Backoff(0))
	assert.Equal(t, time.Minute, policy.Backoff(1))
	assert.Equal(t, 2*time.Minute, policy.Backoff(2))
	assert.Equal(t, 8*time.Minute, policy.Backoff(4))
	assert.Equal(t, 10*time.Minute, policy.Backoff(5))
	assert.Equal(t, 10*time.Minute, policy.Backoff(60))
}

func TestPolicy_NextAttemptRollsIntoBusinessHours(t *testing.T) {
	calc := businesshours.Default()
	policy := NewPolicy(config.Default().Queue, calc)

	loc := calc.Location()
	now := time.Date(2024, 3, 1, 17, 59, 0, 0, loc)

	next := policy.NextAttempt(now, 2)

	assert.True(t, time.Date(2024, 3, 4, 9, 0, 0, 0, loc).Equal(next), "got %s", next)
}
