package workflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cardops/cardflow/pkg/audit"
	"github.com/cardops/cardflow/pkg/businesshours"
	"github.com/cardops/cardflow/pkg/config"
	"github.com/cardops/cardflow/pkg/crm"
	"github.com/cardops/cardflow/pkg/log"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/cardops/cardflow/pkg/persistence/memory"
	"github.com/cardops/cardflow/pkg/workflow"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tuesday 2024-03-12 10:00 in São Paulo (UTC-3).
var tuesdayMorning = time.Date(2024, 3, 12, 13, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (n *recordingNotifier) Notify(ctx context.Context, notification crm.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.calls++

	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.calls
}

type harness struct {
	service  *workflow.Service
	store    *memory.Store
	clock    *clockwork.FakeClock
	notifier *recordingNotifier
}

// flakyStore swaps selected repositories of the memory store.
type flakyStore struct {
	*memory.Store
	instances persistence.WorkflowInstanceRepository
	queue     persistence.WorkflowQueueRepository
}

func (f *flakyStore) WorkflowInstances() persistence.WorkflowInstanceRepository {
	if f.instances != nil {
		return f.instances
	}

	return f.Store.WorkflowInstances()
}

func (f *flakyStore) WorkflowQueue() persistence.WorkflowQueueRepository {
	if f.queue != nil {
		return f.queue
	}

	return f.Store.WorkflowQueue()
}

// failingUpdates fails the next failures writes of running instances.
type failingUpdates struct {
	persistence.WorkflowInstanceRepository
	mu       sync.Mutex
	failures int
}

func (r *failingUpdates) Update(ctx context.Context, instance *models.WorkflowInstance, from models.InstanceStatus) error {
	r.mu.Lock()
	fail := from == models.InstanceRunning && r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()

	if fail {
		return errors.New("connection reset by peer")
	}

	return r.WorkflowInstanceRepository.Update(ctx, instance, from)
}

type failingEnqueue struct {
	persistence.WorkflowQueueRepository
	mu       sync.Mutex
	failures int
}

func (r *failingEnqueue) Enqueue(ctx context.Context, item *models.WorkflowQueueItem) error {
	r.mu.Lock()
	fail := r.failures > 0
	if fail {
		r.failures--
	}
	r.mu.Unlock()

	if fail {
		return errors.New("queue unavailable")
	}

	return r.WorkflowQueueRepository.Enqueue(ctx, item)
}

func newHarness(t *testing.T, notifyErr error) *harness {
	t.Helper()

	return newHarnessWith(t, notifyErr, func(store *memory.Store) persistence.Persistence { return store })
}

func newHarnessWith(t *testing.T, notifyErr error, wrap func(*memory.Store) persistence.Persistence) *harness {
	t.Helper()

	clock := clockwork.NewFakeClockAt(tuesdayMorning)
	store := memory.New(clock)
	cfg := config.Default()

	calc, err := cfg.Calculator()
	require.NoError(t, err)

	notifier := &recordingNotifier{err: notifyErr}

	service := workflow.NewService(cfg, workflow.Dependencies{
		Store:         wrap(store),
		Collaborators: crm.Collaborators{Cards: store, Tasks: store, Notifier: notifier},
		Recorder:      audit.NewRecorder(store.Audit(), nil, clock, log.Discard()),
		Calculator:    calc,
		Clock:         clock,
		Logger:        log.Discard(),
	})

	store.PutCard(&models.Card{
		ID:         "card-1",
		PipelineID: "pipe-1",
		StageID:    "prospecting",
		OwnerID:    "owner-1",
		Fields:     map[string]any{"segment": "VIP"},
	})

	return &harness{service: service, store: store, clock: clock, notifier: notifier}
}

func (h *harness) save(t *testing.T, wf *models.Workflow) string {
	t.Helper()

	require.NoError(t, h.service.SaveDefinition(context.Background(), wf))

	return wf.ID
}

func (h *harness) stageEnter(t *testing.T) *workflow.EventResult {
	t.Helper()

	result, err := h.service.HandleCardEvent(context.Background(), models.CardEvent{
		Type:       models.CardEventStageEnter,
		CardID:     "card-1",
		PipelineID: "pipe-1",
		StageID:    "prospecting",
	})
	require.NoError(t, err)

	return result
}

func (h *harness) sweep(t *testing.T) workflow.SweepResult {
	t.Helper()

	result, err := h.service.Sweep(context.Background())
	require.NoError(t, err)

	return result
}

func (h *harness) instance(t *testing.T, id string) *models.WorkflowInstance {
	t.Helper()

	instance, err := h.store.WorkflowInstances().GetByID(context.Background(), id)
	require.NoError(t, err)

	return instance
}

// visited lists the nodes an instance entered, in order.
func (h *harness) visited(t *testing.T, instanceID string) []string {
	t.Helper()

	logs, err := h.service.Logs(context.Background(), instanceID)
	require.NoError(t, err)

	nodes := make([]string, 0)

	for _, entry := range logs {
		if entry.Event == models.LogNodeEntered {
			nodes = append(nodes, entry.NodeID)
		}
	}

	return nodes
}

func (h *harness) events(t *testing.T, instanceID string) []models.LogEvent {
	t.Helper()

	logs, err := h.service.Logs(context.Background(), instanceID)
	require.NoError(t, err)

	events := make([]models.LogEvent, 0, len(logs))
	for _, entry := range logs {
		events = append(events, entry.Event)
	}

	return events
}

func (h *harness) stage(t *testing.T) string {
	t.Helper()

	card, err := h.store.Card(context.Background(), "card-1")
	require.NoError(t, err)

	return card.StageID
}

func trigger() *models.Node {
	return &models.Node{ID: "trigger", Type: models.NodeTypeTrigger}
}

func end(id string) *models.Node {
	return &models.Node{ID: id, Type: models.NodeTypeEnd}
}

func createTask(id, taskType string, waitForOutcome bool) *models.Node {
	return &models.Node{
		ID:   id,
		Type: models.NodeTypeAction,
		Action: &models.ActionConfig{
			Type: models.ActionCreateTask,
			CreateTask: &models.CreateTaskAction{
				TaskSpec: models.TaskSpec{Type: taskType, Title: "Follow up", Priority: models.PriorityHigh, WaitForOutcome: waitForOutcome},
			},
		},
	}
}

func moveCard(id, stageID string) *models.Node {
	return &models.Node{
		ID:     id,
		Type:   models.NodeTypeAction,
		Action: &models.ActionConfig{Type: models.ActionMoveCard, MoveCard: &models.MoveCardAction{StageID: stageID}},
	}
}

func timeWait(id string, delay businesshours.Delay, stageGuard bool) *models.Node {
	return &models.Node{
		ID:   id,
		Type: models.NodeTypeWait,
		Wait: &models.WaitConfig{Kind: models.WaitTime, Delay: delay, StopIfStageChanged: stageGuard},
	}
}

func edge(source, target string) *models.Edge {
	return &models.Edge{Source: source, Target: target}
}

func definition(nodes []*models.Node, edges ...*models.Edge) *models.Workflow {
	return &models.Workflow{
		Name:          "prospecting follow-up",
		TriggerType:   models.CardEventStageEnter,
		TriggerConfig: models.TriggerConfig{StageID: "prospecting"},
		Active:        true,
		Nodes:         nodes,
		Edges:         edges,
	}
}

// vipWorkflow routes VIP cards to a dedicated task type; everyone else gets the default.
func vipWorkflow() *models.Workflow {
	return definition(
		[]*models.Node{
			trigger(),
			{ID: "segment", Type: models.NodeTypeCondition, Condition: &models.ConditionConfig{Field: "segment"}},
			createTask("vip-call", "vip_call", false),
			createTask("call", "call", false),
			end("end"),
		},
		edge("trigger", "segment"),
		&models.Edge{Source: "segment", Target: "vip-call", Order: 1, Guard: &models.Guard{Operator: models.GuardEquals, Value: "VIP"}},
		&models.Edge{Source: "segment", Target: "call", Order: 2},
		edge("vip-call", "end"),
		edge("call", "end"),
	)
}

func TestWorkflow_ConditionRoutesByGuardAndDefault(t *testing.T) {
	tests := []struct {
		name     string
		segment  string
		taskType string
		path     []string
	}{
		{name: "guarded edge", segment: "VIP", taskType: "vip_call", path: []string{"trigger", "segment", "vip-call", "end"}},
		{name: "default edge", segment: "SMB", taskType: "call", path: []string{"trigger", "segment", "call", "end"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.store.PutCard(&models.Card{ID: "card-1", PipelineID: "pipe-1", StageID: "prospecting", OwnerID: "owner-1", Fields: map[string]any{"segment": tt.segment}})
			h.save(t, vipWorkflow())

			started := h.stageEnter(t)
			require.Len(t, started.Started, 1)

			result := h.sweep(t)
			assert.Equal(t, 1, result.Dispatch.Dispatched)

			instance := h.instance(t, started.Started[0])
			assert.Equal(t, models.InstanceCompleted, instance.Status)
			assert.NotNil(t, instance.CompletedAt)
			assert.Equal(t, tt.path, h.visited(t, instance.ID))

			tasks := h.store.Tasks("card-1")
			require.Len(t, tasks, 1)
			assert.Equal(t, tt.taskType, tasks[0].Type)
			assert.Equal(t, "owner-1", tasks[0].AssigneeID)
		})
	}
}

func TestWorkflow_SecondTriggerWhileActiveIsIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, vipWorkflow())

	first := h.stageEnter(t)
	require.Len(t, first.Started, 1)

	second := h.stageEnter(t)
	assert.Empty(t, second.Started)
	assert.Equal(t, 1, second.Ignored)

	waiting, err := h.store.WorkflowInstances().Waiting(context.Background(), "card-1", models.WaitTime)
	require.NoError(t, err)
	assert.Len(t, waiting, 1)

	// Once finished, the card may run the workflow again.
	h.sweep(t)

	third := h.stageEnter(t)
	assert.Len(t, third.Started, 1)
}

func TestWorkflow_TriggerTestMatchesLiveRunWithoutSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	id := h.save(t, definition(
		[]*models.Node{
			trigger(),
			{ID: "segment", Type: models.NodeTypeCondition, Condition: &models.ConditionConfig{Field: "segment"}},
			createTask("vip-call", "vip_call", false),
			timeWait("pause", businesshours.BusinessMinutes(30), false),
			moveCard("qualify", "qualified"),
			end("end"),
			end("skip"),
		},
		edge("trigger", "segment"),
		&models.Edge{Source: "segment", Target: "vip-call", Order: 1, Guard: &models.Guard{Operator: models.GuardEquals, Value: "VIP"}},
		&models.Edge{Source: "segment", Target: "skip", Order: 2},
		edge("vip-call", "pause"),
		edge("pause", "qualify"),
		edge("qualify", "end"),
	))

	test, err := h.service.TriggerTest(ctx, id, "card-1")
	require.NoError(t, err)
	assert.Empty(t, test.Error)
	assert.Equal(t, models.InstanceCompleted, test.Status)
	assert.Equal(t, []string{"trigger", "segment", "vip-call", "pause", "qualify", "end"}, test.Visited)

	assert.Empty(t, h.store.Tasks("card-1"))
	assert.Equal(t, "prospecting", h.stage(t))

	rows, err := h.store.WorkflowQueue().ByInstance(ctx, test.InstanceID)
	require.NoError(t, err)
	assert.Empty(t, rows)

	var dryTask, skipped bool

	for _, entry := range test.Logs {
		assert.True(t, entry.DryRun)

		if entry.Event == models.LogActionExecuted && entry.NodeID == "vip-call" {
			dryTask = entry.Output["task_id"] == workflow.DryRunTaskID
		}

		if entry.Event == models.LogWaitSkipped {
			skipped = true
		}
	}

	assert.True(t, dryTask)
	assert.True(t, skipped)

	// The live run visits the same nodes across its suspension.
	started := h.stageEnter(t)
	require.Len(t, started.Started, 1)

	h.sweep(t)
	assert.Equal(t, models.InstanceWaiting, h.instance(t, started.Started[0]).Status)

	h.clock.Advance(30 * time.Minute)
	h.sweep(t)

	live := h.instance(t, started.Started[0])
	assert.Equal(t, models.InstanceCompleted, live.Status)
	assert.Equal(t, test.Visited, h.visited(t, live.ID))
	assert.Len(t, h.store.Tasks("card-1"), 1)
	assert.Equal(t, "qualified", h.stage(t))
}

func TestWorkflow_TimeWaitSuspendsUntilDue(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.save(t, definition(
		[]*models.Node{trigger(), timeWait("pause", businesshours.BusinessMinutes(60), false), createTask("call", "call", false), end("end")},
		edge("trigger", "pause"),
		edge("pause", "call"),
		edge("call", "end"),
	))

	started := h.stageEnter(t)
	require.Len(t, started.Started, 1)
	id := started.Started[0]

	result := h.sweep(t)
	assert.Equal(t, 1, result.Dispatch.Dispatched)

	resumeAt := time.Date(2024, 3, 12, 14, 0, 0, 0, time.UTC)

	instance := h.instance(t, id)
	assert.Equal(t, models.InstanceWaiting, instance.Status)
	assert.Equal(t, models.WaitTime, instance.WaitingFor)
	assert.Equal(t, "pause", instance.CurrentNodeID)
	require.NotNil(t, instance.ResumeAt)
	assert.True(t, instance.ResumeAt.Equal(resumeAt), "got %s", instance.ResumeAt)

	rows, err := h.store.WorkflowQueue().ByInstance(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.QueueCompleted, rows[0].Status)
	assert.Equal(t, models.QueuePending, rows[1].Status)
	assert.Equal(t, "call", rows[1].NodeID)
	assert.Equal(t, models.PriorityWait, rows[1].Priority)

	h.clock.Advance(59 * time.Minute)
	result = h.sweep(t)
	assert.Zero(t, result.Dispatch.Dispatched)
	assert.Empty(t, h.store.Tasks("card-1"))

	h.clock.Advance(time.Minute)
	result = h.sweep(t)
	assert.Equal(t, 1, result.Dispatch.Dispatched)
	assert.Equal(t, models.InstanceCompleted, h.instance(t, id).Status)
	assert.Len(t, h.store.Tasks("card-1"), 1)
}

func TestWorkflow_StageGuardCancelsWhenCardMoved(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.save(t, definition(
		[]*models.Node{trigger(), timeWait("pause", businesshours.BusinessMinutes(60), true), createTask("call", "call", false), end("end")},
		edge("trigger", "pause"),
		edge("pause", "call"),
		edge("call", "end"),
	))

	started := h.stageEnter(t)
	id := started.Started[0]

	h.sweep(t)
	assert.Equal(t, "prospecting", h.instance(t, id).WaitStageID)

	require.NoError(t, h.store.MoveCard(ctx, "card-1", "lost"))

	h.clock.Advance(time.Hour)
	result := h.sweep(t)
	assert.Equal(t, 1, result.Dispatch.Skipped)

	instance := h.instance(t, id)
	assert.Equal(t, models.InstanceCancelled, instance.Status)
	assert.Equal(t, workflow.ReasonStageChanged, instance.ErrorMessage)
	assert.Empty(t, h.store.Tasks("card-1"))
	assert.Contains(t, h.events(t, id), models.LogCancelled)
}

func TestWorkflow_TaskOutcomeResumesWaitingInstance(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.save(t, definition(
		[]*models.Node{
			trigger(),
			createTask("call", "call", true),
			{ID: "outcome", Type: models.NodeTypeCondition, Condition: &models.ConditionConfig{Field: "last_task_outcome"}},
			moveCard("qualify", "qualified"),
			end("won"),
			end("lost"),
		},
		edge("trigger", "call"),
		edge("call", "outcome"),
		&models.Edge{Source: "outcome", Target: "qualify", Order: 1, Guard: &models.Guard{Operator: models.GuardEquals, Value: "won"}},
		&models.Edge{Source: "outcome", Target: "lost", Order: 2},
		edge("qualify", "won"),
	))

	started := h.stageEnter(t)
	id := started.Started[0]

	h.sweep(t)

	tasks := h.store.Tasks("card-1")
	require.Len(t, tasks, 1)

	instance := h.instance(t, id)
	assert.Equal(t, models.InstanceWaiting, instance.Status)
	assert.Equal(t, models.WaitTaskOutcome, instance.WaitingFor)
	assert.Equal(t, tasks[0].ID, instance.WaitingTaskID)

	// Time passing does not resume an event wait.
	h.clock.Advance(24 * time.Hour)
	result := h.sweep(t)
	assert.Zero(t, result.Dispatch.Dispatched)

	require.NoError(t, h.store.CompleteTask(ctx, tasks[0].ID, "won"))

	event, err := h.service.HandleCardEvent(ctx, models.CardEvent{
		Type:     models.CardEventTaskOutcome,
		CardID:   "card-1",
		TaskID:   tasks[0].ID,
		TaskType: "call",
		Outcome:  "won",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, event.Resumed)

	instance = h.instance(t, id)
	assert.Equal(t, models.InstanceCompleted, instance.Status)
	assert.Equal(t, "qualified", h.stage(t))
	assert.Equal(t, []string{"trigger", "call", "outcome", "qualify", "won"}, h.visited(t, id))

	_, err = h.service.Resume(ctx, id, nil)
	require.ErrorIs(t, err, workflow.ErrNotWaiting)
}

func TestWorkflow_TransientFailureIsRetriedThenDeadLettered(t *testing.T) {
	h := newHarness(t, errors.New("smtp unavailable"))
	ctx := context.Background()

	h.save(t, definition(
		[]*models.Node{
			trigger(),
			{ID: "notify", Type: models.NodeTypeAction, Action: &models.ActionConfig{
				Type:   models.ActionNotify,
				Notify: &models.NotifyAction{Channel: "email", Recipient: "owner-1", Message: "new lead"},
			}},
			end("end"),
		},
		edge("trigger", "notify"),
		edge("notify", "end"),
	))

	started := h.stageEnter(t)
	id := started.Started[0]

	for attempt := 1; attempt <= 3; attempt++ {
		result := h.sweep(t)
		assert.Equal(t, 1, result.Dispatch.Failed, "attempt %d", attempt)
		assert.Equal(t, attempt, h.notifier.count())

		h.clock.Advance(24 * time.Hour)
	}

	result := h.sweep(t)
	assert.Zero(t, result.Dispatch.Dispatched)
	assert.Zero(t, result.Dispatch.Failed)
	assert.Equal(t, 3, h.notifier.count())

	instance := h.instance(t, id)
	assert.Equal(t, models.InstanceFailed, instance.Status)
	assert.Contains(t, instance.ErrorMessage, "retries exhausted after 3 attempts")

	rows, err := h.store.WorkflowQueue().ByInstance(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueFailed, rows[0].Status)
	assert.Equal(t, 3, rows[0].Attempts)
	assert.Equal(t, "notify", rows[0].NodeID)

	letters, err := h.store.DeadLetters().List(ctx, models.QueueKindWorkflow, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].InstanceID)

	assert.Contains(t, h.events(t, id), models.LogRetryScheduled)
	assert.Contains(t, h.events(t, id), models.LogDeadLettered)
}

func TestWorkflow_NoMatchingEdgeFailsWithoutRetry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.save(t, definition(
		[]*models.Node{
			trigger(),
			{ID: "segment", Type: models.NodeTypeCondition, Condition: &models.ConditionConfig{Field: "segment"}},
			end("end"),
		},
		edge("trigger", "segment"),
		&models.Edge{Source: "segment", Target: "end", Guard: &models.Guard{Operator: models.GuardEquals, Value: "SMB"}},
	))

	started := h.stageEnter(t)
	id := started.Started[0]

	result := h.sweep(t)
	assert.Equal(t, 1, result.Dispatch.Failed)

	instance := h.instance(t, id)
	assert.Equal(t, models.InstanceFailed, instance.Status)
	assert.Contains(t, instance.ErrorMessage, workflow.ErrNoMatchingEdge.Error())

	rows, err := h.store.WorkflowQueue().ByInstance(ctx, id)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueFailed, rows[0].Status)
	assert.Equal(t, 1, rows[0].Attempts)

	h.clock.Advance(24 * time.Hour)
	result = h.sweep(t)
	assert.Zero(t, result.Dispatch.Failed)
	assert.Contains(t, h.events(t, id), models.LogFailed)
}

func TestWorkflow_CancelTurnsQueuedRowsIntoNoOps(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.save(t, definition(
		[]*models.Node{trigger(), timeWait("pause", businesshours.BusinessMinutes(60), false), createTask("call", "call", false), end("end")},
		edge("trigger", "pause"),
		edge("pause", "call"),
		edge("call", "end"),
	))

	id := h.stageEnter(t).Started[0]
	h.sweep(t)

	cancelled, err := h.service.Cancel(ctx, id, "")
	require.NoError(t, err)
	assert.True(t, cancelled)

	instance := h.instance(t, id)
	assert.Equal(t, models.InstanceCancelled, instance.Status)
	assert.Equal(t, "manual", instance.ErrorMessage)

	h.clock.Advance(2 * time.Hour)
	result := h.sweep(t)
	assert.Zero(t, result.Dispatch.Dispatched)
	assert.Empty(t, h.store.Tasks("card-1"))

	cancelled, err = h.service.Cancel(ctx, id, "")
	require.NoError(t, err)
	assert.False(t, cancelled)
}

func TestWorkflow_ConcurrentDispatchersRunARowOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.save(t, vipWorkflow())

	id := h.stageEnter(t).Started[0]

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []workflow.DispatchResult
	)

	for range 2 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			result, err := h.service.Dispatcher().DispatchDue(context.Background(), 10)
			assert.NoError(t, err)

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}()
	}

	wg.Wait()

	dispatched := 0
	for _, result := range results {
		dispatched += result.Dispatched
	}

	assert.Equal(t, 1, dispatched)
	assert.Len(t, h.store.Tasks("card-1"), 1)
	assert.Equal(t, models.InstanceCompleted, h.instance(t, id).Status)
}

func TestService_StartRejectsInactiveAndUnknownWorkflows(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	inactive := vipWorkflow()
	inactive.Active = false
	id := h.save(t, inactive)

	_, err := h.service.Start(ctx, id, "card-1")
	require.ErrorIs(t, err, workflow.ErrWorkflowInactive)

	_, err = h.service.Start(ctx, "missing", "card-1")
	require.Error(t, err)
	assert.True(t, workflow.IsNotFound(err))

	// Inactive workflows ignore card events.
	assert.Empty(t, h.stageEnter(t).Started)
}

func TestService_SaveDefinitionRejectsInvalidGraph(t *testing.T) {
	h := newHarness(t, nil)

	wf := vipWorkflow()
	wf.Nodes = wf.Nodes[:len(wf.Nodes)-1]

	err := h.service.SaveDefinition(context.Background(), wf)
	require.ErrorIs(t, err, workflow.ErrInvalidGraph)

	_, err = h.service.Definition(context.Background(), wf.ID)
	assert.True(t, workflow.IsNotFound(err))
}

func TestService_HandleRoutesActions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	id := h.save(t, vipWorkflow())

	resp, err := h.service.Handle(ctx, workflow.Request{Action: workflow.ActionTriggerTest, WorkflowID: id, CardID: "card-1"})
	require.NoError(t, err)
	require.NotNil(t, resp.Test)
	assert.Equal(t, models.InstanceCompleted, resp.Test.Status)

	_, err = h.service.Handle(ctx, workflow.Request{Action: workflow.ActionStart, WorkflowID: id})
	require.ErrorIs(t, err, workflow.ErrMissingField)

	resp, err = h.service.Handle(ctx, workflow.Request{Action: workflow.ActionStart, WorkflowID: id, CardID: "card-1"})
	require.NoError(t, err)
	instanceID := resp.InstanceID
	require.NotEmpty(t, instanceID)

	resp, err = h.service.Handle(ctx, workflow.Request{})
	require.NoError(t, err)
	require.NotNil(t, resp.Sweep)
	assert.Equal(t, 1, resp.Sweep.Dispatch.Dispatched)
	assert.Equal(t, models.InstanceCompleted, h.instance(t, instanceID).Status)

	_, err = h.service.Handle(ctx, workflow.Request{Action: "explode"})
	require.ErrorIs(t, err, workflow.ErrUnknownAction)
}

func TestWorkflow_FieldChangeWaitResumesOnMatchingField(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.save(t, definition(
		[]*models.Node{
			trigger(),
			{ID: "await-budget", Type: models.NodeTypeWait, Wait: &models.WaitConfig{Kind: models.WaitFieldChange, Field: "budget"}},
			moveCard("qualify", "qualified"),
			end("end"),
		},
		edge("trigger", "await-budget"),
		edge("await-budget", "qualify"),
		edge("qualify", "end"),
	))

	id := h.stageEnter(t).Started[0]
	h.sweep(t)

	instance := h.instance(t, id)
	assert.Equal(t, models.InstanceWaiting, instance.Status)
	assert.Equal(t, models.WaitFieldChange, instance.WaitingFor)
	assert.Equal(t, "budget", instance.WaitingField)

	event, err := h.service.HandleCardEvent(ctx, models.CardEvent{
		Type:   models.CardEventFieldChanged,
		CardID: "card-1",
		Field:  "segment",
		Value:  "SMB",
	})
	require.NoError(t, err)
	assert.Empty(t, event.Resumed)
	assert.Equal(t, models.InstanceWaiting, h.instance(t, id).Status)

	event, err = h.service.HandleCardEvent(ctx, models.CardEvent{
		Type:   models.CardEventFieldChanged,
		CardID: "card-1",
		Field:  "budget",
		Value:  5000,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{id}, event.Resumed)

	instance = h.instance(t, id)
	assert.Equal(t, models.InstanceCompleted, instance.Status)
	assert.Equal(t, "qualified", h.stage(t))
	assert.Equal(t, []string{"trigger", "await-budget", "qualify", "end"}, h.visited(t, id))
}

func TestService_TriggerTestFailsOnTriggerMismatch(t *testing.T) {
	h := newHarness(t, nil)

	wf := definition([]*models.Node{trigger(), createTask("call", "call", false), end("end")},
		edge("trigger", "call"),
		edge("call", "end"),
	)
	wf.PipelineID = "pipe-2"
	id := h.save(t, wf)

	result, err := h.service.TriggerTest(context.Background(), id, "card-1")
	require.NoError(t, err)

	assert.Equal(t, models.InstanceFailed, result.Status)
	assert.Contains(t, result.Error, workflow.ErrTriggerMismatch.Error())
	assert.Equal(t, []string{"trigger"}, result.Visited)
	assert.Equal(t, models.InstanceFailed, h.instance(t, result.InstanceID).Status)
	assert.Empty(t, h.store.Tasks("card-1"))
}

func TestWorkflow_InstanceWriteFailureIsRetried(t *testing.T) {
	updates := &failingUpdates{failures: 1}

	h := newHarnessWith(t, nil, func(store *memory.Store) persistence.Persistence {
		updates.WorkflowInstanceRepository = store.WorkflowInstances()

		return &flakyStore{Store: store, instances: updates}
	})

	h.save(t, definition([]*models.Node{trigger(), createTask("call", "call", false), end("end")},
		edge("trigger", "call"),
		edge("call", "end"),
	))

	id := h.stageEnter(t).Started[0]

	result := h.sweep(t)
	assert.Equal(t, 1, result.Dispatch.Failed)

	instance := h.instance(t, id)
	assert.Equal(t, models.InstanceWaiting, instance.Status)
	assert.Equal(t, models.WaitTime, instance.WaitingFor)
	assert.Equal(t, "trigger", instance.CurrentNodeID)
	assert.Contains(t, instance.ErrorMessage, "connection reset by peer")

	h.clock.Advance(24 * time.Hour)

	result = h.sweep(t)
	assert.Equal(t, 1, result.Dispatch.Dispatched)
	assert.Equal(t, models.InstanceCompleted, h.instance(t, id).Status)
	assert.Len(t, h.store.Tasks("card-1"), 1)

	// The card is free for the next run.
	assert.Len(t, h.stageEnter(t).Started, 1)
}

func TestWorkflow_UnparkedInstanceIsDeadLettered(t *testing.T) {
	ctx := context.Background()
	updates := &failingUpdates{failures: 2}

	h := newHarnessWith(t, nil, func(store *memory.Store) persistence.Persistence {
		updates.WorkflowInstanceRepository = store.WorkflowInstances()

		return &flakyStore{Store: store, instances: updates}
	})

	h.save(t, definition([]*models.Node{trigger(), createTask("call", "call", false), end("end")},
		edge("trigger", "call"),
		edge("call", "end"),
	))

	id := h.stageEnter(t).Started[0]

	h.sweep(t)
	assert.Equal(t, models.InstanceRunning, h.instance(t, id).Status)

	for attempt := 2; attempt <= 3; attempt++ {
		h.clock.Advance(24 * time.Hour)

		result := h.sweep(t)
		assert.Equal(t, 1, result.Dispatch.Failed, "attempt %d", attempt)
	}

	instance := h.instance(t, id)
	assert.Equal(t, models.InstanceFailed, instance.Status)
	assert.Contains(t, instance.ErrorMessage, "retries exhausted after 3 attempts")
	assert.Contains(t, instance.ErrorMessage, workflow.ErrInstanceStillRunning.Error())

	letters, err := h.store.DeadLetters().List(ctx, models.QueueKindWorkflow, 0)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].InstanceID)

	assert.Empty(t, h.store.Tasks("card-1"))
	assert.Len(t, h.stageEnter(t).Started, 1)
}

func TestService_StartReleasesInstanceWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	queue := &failingEnqueue{failures: 1}

	h := newHarnessWith(t, nil, func(store *memory.Store) persistence.Persistence {
		queue.WorkflowQueueRepository = store.WorkflowQueue()

		return &flakyStore{Store: store, queue: queue}
	})

	id := h.save(t, definition([]*models.Node{trigger(), end("end")}, edge("trigger", "end")))

	_, err := h.service.Start(ctx, id, "card-1")
	require.ErrorContains(t, err, "queue unavailable")

	started, err := h.service.Start(ctx, id, "card-1")
	require.NoError(t, err)
	assert.False(t, started.AlreadyActive)
	require.NotNil(t, started.Instance)

	h.sweep(t)
	assert.Equal(t, models.InstanceCompleted, h.instance(t, started.Instance.ID).Status)
}
