package sqlbase_test

import (
	"testing"

	"github.com/cardops/cardflow/pkg/log"
	"github.com/cardops/cardflow/pkg/persistence/sqlbase"
	"github.com/stretchr/testify/assert"
)

func TestMigrationManager_PendingIsOrdered(t *testing.T) {
	manager := sqlbase.NewMigrationManager(log.Discard(), nil, map[int]string{
		3: "SELECT 3",
		1: "SELECT 1",
		4: "SELECT 4",
		2: "SELECT 2",
	})

	assert.Equal(t, 4, manager.LatestVersion())
	assert.Equal(t, []int{1, 2, 3, 4}, manager.Pending(0))
	assert.Equal(t, []int{3, 4}, manager.Pending(2))
	assert.Empty(t, manager.Pending(4))
}
