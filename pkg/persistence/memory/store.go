// Package memory provides an in-memory persistence and CRM implementation with
// the same claim semantics as the PostgreSQL store. It backs tests and local runs.
package memory

import (
	"cmp"
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Store keeps every table in maps guarded by one mutex. Values are copied on
// the way in and out so callers never share state with the store.
type Store struct {
	mu    sync.Mutex
	clock clockwork.Clock

	workflows         map[string]*models.Workflow
	workflowInstances map[string]*models.WorkflowInstance
	workflowQueue     map[string]*models.WorkflowQueueItem
	templates         map[string]*models.CadenceTemplate
	entryTriggers     map[string]*models.EntryTrigger
	cadenceInstances  map[string]*models.CadenceInstance
	cadenceQueue      map[string]*models.CadenceQueueItem
	entryQueue        map[string]*models.EntryQueueItem
	logs              []*models.LogEntry
	deadLetters       []*models.DeadLetter

	cards     map[string]*models.Card
	tasks     map[string]*models.Task
	taskByKey map[string]string
}

var _ persistence.Persistence = (*Store)(nil)

func New(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Store{
		clock:             clock,
		workflows:         make(map[string]*models.Workflow),
		workflowInstances: make(map[string]*models.WorkflowInstance),
		workflowQueue:     make(map[string]*models.WorkflowQueueItem),
		templates:         make(map[string]*models.CadenceTemplate),
		entryTriggers:     make(map[string]*models.EntryTrigger),
		cadenceInstances:  make(map[string]*models.CadenceInstance),
		cadenceQueue:      make(map[string]*models.CadenceQueueItem),
		entryQueue:        make(map[string]*models.EntryQueueItem),
		cards:             make(map[string]*models.Card),
		tasks:             make(map[string]*models.Task),
		taskByKey:         make(map[string]string),
	}
}

func (s *Store) Workflows() persistence.WorkflowRepository                 { return workflowRepo{s} }
func (s *Store) WorkflowInstances() persistence.WorkflowInstanceRepository { return workflowInstanceRepo{s} }
func (s *Store) WorkflowQueue() persistence.WorkflowQueueRepository        { return workflowQueueRepo{s} }
func (s *Store) Cadences() persistence.CadenceRepository                   { return cadenceRepo{s} }
func (s *Store) CadenceInstances() persistence.CadenceInstanceRepository   { return cadenceInstanceRepo{s} }
func (s *Store) CadenceQueue() persistence.CadenceQueueRepository          { return cadenceQueueRepo{s} }
func (s *Store) EntryQueue() persistence.EntryQueueRepository              { return entryQueueRepo{s} }
func (s *Store) Audit() persistence.AuditRepository                        { return auditRepo{s} }
func (s *Store) DeadLetters() persistence.DeadLetterRepository             { return deadLetterRepo{s} }

func (s *Store) HealthCheck(ctx context.Context) error {
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	return nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}

	return id.String()
}

// clone deep-copies v through JSON, matching what a round trip through the
// database columns produces.
func clone[T any](v *T) *T {
	if v == nil {
		return nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}

	return &out
}

func sortTasks(tasks []*models.Task) {
	slices.SortFunc(tasks, func(a, b *models.Task) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
}
