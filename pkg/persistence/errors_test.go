package persistence_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/stretchr/testify/assert"
)

func TestStandardizedErrors(t *testing.T) {
	t.Parallel()

	t.Run("instance errors unwrap to sentinels", func(t *testing.T) {
		err := persistence.NewInstanceError("GetByID", "inst-1", persistence.ErrInstanceNotFound)

		assert.True(t, persistence.IsInstanceNotFound(err))
		assert.True(t, errors.Is(fmt.Errorf("load: %w", err), persistence.ErrInstanceNotFound))
		assert.Contains(t, err.Error(), "GetByID")
		assert.Contains(t, err.Error(), "inst-1")
	})

	t.Run("duplicate instance error names card and definition", func(t *testing.T) {
		err := persistence.NewDuplicateInstanceError("Create", "cadence-1", "card-9")

		assert.True(t, persistence.IsActiveInstanceExists(err))
		assert.Contains(t, err.Error(), "card-9")
		assert.Contains(t, err.Error(), "cadence-1")
	})

	t.Run("queue error contains context", func(t *testing.T) {
		err := persistence.NewQueueError("Complete", "workflow", "row-1", persistence.ErrNotClaimed)

		assert.ErrorIs(t, err, persistence.ErrNotClaimed)
		assert.Contains(t, err.Error(), "workflow queue item row-1")
	})

	t.Run("workflow not found", func(t *testing.T) {
		assert.True(t, persistence.IsWorkflowNotFound(fmt.Errorf("x: %w", persistence.ErrWorkflowNotFound)))
		assert.False(t, persistence.IsWorkflowNotFound(persistence.ErrInstanceNotFound))
	})
}
