package cadence_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cardops/cardflow/pkg/audit"
	"github.com/cardops/cardflow/pkg/businesshours"
	"github.com/cardops/cardflow/pkg/cadence"
	"github.com/cardops/cardflow/pkg/config"
	"github.com/cardops/cardflow/pkg/crm"
	"github.com/cardops/cardflow/pkg/log"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/cardops/cardflow/pkg/otelhelper"
	"github.com/cardops/cardflow/pkg/persistence"
	"github.com/cardops/cardflow/pkg/persistence/memory"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// Friday 2024-03-08 17:30 in São Paulo (UTC-3).
var fridayEvening = time.Date(2024, 3, 8, 20, 30, 0, 0, time.UTC)

type harness struct {
	engine *cadence.Engine
	store  *memory.Store
	clock  *clockwork.FakeClock
	cfg    config.Config
}

func newHarness(t *testing.T, wrapTasks func(*memory.Store) crm.Tasks) *harness {
	t.Helper()

	return newHarnessWith(t, func(deps *cadence.Dependencies, store *memory.Store) {
		if wrapTasks != nil {
			deps.Tasks = wrapTasks(store)
		}
	})
}

func newHarnessWith(t *testing.T, configure func(*cadence.Dependencies, *memory.Store)) *harness {
	t.Helper()

	clock := clockwork.NewFakeClockAt(fridayEvening)
	store := memory.New(clock)
	cfg := config.Default()

	calc, err := cfg.Calculator()
	require.NoError(t, err)

	deps := cadence.Dependencies{
		Store:      store,
		Cards:      store,
		Tasks:      store,
		Recorder:   audit.NewRecorder(store.Audit(), nil, clock, log.Discard()),
		Calculator: calc,
		Clock:      clock,
		Logger:     log.Discard(),
	}

	configure(&deps, store)

	store.PutCard(&models.Card{ID: "card-1", PipelineID: "pipe-1", StageID: "prospecting", OwnerID: "owner-1"})

	return &harness{engine: cadence.NewEngine(cfg, deps), store: store, clock: clock, cfg: cfg}
}

func (h *harness) saveTemplate(t *testing.T, steps ...models.CadenceStep) string {
	t.Helper()

	template := &models.CadenceTemplate{Name: "outreach", Active: true, Steps: steps}
	require.NoError(t, h.store.Cadences().SaveTemplate(context.Background(), template))

	return template.ID
}

func taskStep(key string, order int, delay businesshours.Delay, taskType string) models.CadenceStep {
	return models.CadenceStep{
		Key:   key,
		Order: order,
		Type:  models.CadenceStepTask,
		Delay: delay,
		Task:  &models.TaskSpec{Type: taskType, Title: key, Priority: models.PriorityHigh},
	}
}

func (h *harness) instance(t *testing.T, id string) *models.CadenceInstance {
	t.Helper()

	instance, err := h.store.CadenceInstances().GetByID(context.Background(), id)
	require.NoError(t, err)

	return instance
}

func TestCadence_FridayEveningStartSkipsWeekendAndRechecksOpenPrerequisite(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	email := taskStep("email", 2, businesshours.BusinessDays(1), "email")
	email.RequiresPreviousCompleted = true

	cadenceID := h.saveTemplate(t, taskStep("call", 1, businesshours.BusinessDays(2), "call"), email)

	started, err := h.engine.Start(ctx, cadenceID, "card-1")
	require.NoError(t, err)
	assert.False(t, started.AlreadyActive)

	rows, err := h.store.CadenceQueue().ByInstance(ctx, started.Instance.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	tuesdayNine := time.Date(2024, 3, 12, 12, 0, 0, 0, time.UTC)
	assert.True(t, rows[0].DueAt.Equal(tuesdayNine), "got %s", rows[0].DueAt)

	// Nothing is due over the weekend.
	h.clock.Advance(24 * time.Hour)
	result, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Queue.Processed)

	h.clock.Advance(tuesdayNine.Sub(h.clock.Now()))
	result, err = h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Queue.Processed)

	tasks := h.store.Tasks("card-1")
	require.Len(t, tasks, 1)
	assert.Equal(t, "call", tasks[0].Type)
	assert.Equal(t, "owner-1", tasks[0].AssigneeID)
	assert.Equal(t, models.TaskPriorityHigh, tasks[0].Priority)

	instance := h.instance(t, started.Instance.ID)
	assert.Equal(t, 1, instance.CurrentStep)
	assert.Equal(t, 1, instance.TotalContacts)
	assert.Equal(t, tasks[0].ID, instance.LastTaskID)

	// The call task is still open when the email step comes due.
	wednesdayNine := time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)
	h.clock.Advance(wednesdayNine.Sub(h.clock.Now()))

	result, err = h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Queue.Processed)
	assert.Len(t, h.store.Tasks("card-1"), 1)

	rows, err = h.store.CadenceQueue().ByInstance(ctx, started.Instance.ID)
	require.NoError(t, err)

	recheck := rows[len(rows)-1]
	assert.Equal(t, models.QueuePending, recheck.Status)
	assert.Equal(t, "email", recheck.StepKey)
	assert.Equal(t, 1, recheck.Rechecks)
	assert.True(t, recheck.DueAt.Equal(wednesdayNine.Add(30*time.Minute)), "got %s", recheck.DueAt)

	require.NoError(t, h.store.CompleteTask(ctx, tasks[0].ID, "sem_resposta"))
	h.clock.Advance(30 * time.Minute)

	result, err = h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Queue.Processed)

	tasks = h.store.Tasks("card-1")
	require.Len(t, tasks, 2)
	assert.Equal(t, "email", tasks[1].Type)

	instance = h.instance(t, started.Instance.ID)
	assert.Equal(t, models.CadenceCompleted, instance.Status)
	assert.Equal(t, 2, instance.TotalContacts)
	assert.NotNil(t, instance.CompletedAt)

	entries, err := h.store.Audit().ByInstance(ctx, started.Instance.ID)
	require.NoError(t, err)

	events := make([]models.LogEvent, 0, len(entries))
	for _, entry := range entries {
		events = append(events, entry.Event)
	}

	assert.Contains(t, events, models.LogStarted)
	assert.Contains(t, events, models.LogPrerequisitePending)
	assert.Contains(t, events, models.LogCompleted)
}

func TestStart_SecondStartReturnsActiveInstance(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cadenceID := h.saveTemplate(t, taskStep("call", 1, businesshours.Minutes(0), "call"))

	first, err := h.engine.Start(ctx, cadenceID, "card-1")
	require.NoError(t, err)

	second, err := h.engine.Start(ctx, cadenceID, "card-1")
	require.NoError(t, err)

	assert.True(t, second.AlreadyActive)
	assert.Equal(t, first.Instance.ID, second.Instance.ID)

	rows, err := h.store.CadenceQueue().ByInstance(ctx, first.Instance.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestStart_RejectsInactiveAndEmptyTemplates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	inactive := &models.CadenceTemplate{Name: "off", Steps: []models.CadenceStep{taskStep("call", 1, businesshours.Minutes(0), "call")}}
	require.NoError(t, h.store.Cadences().SaveTemplate(ctx, inactive))

	_, err := h.engine.Start(ctx, inactive.ID, "card-1")
	assert.ErrorIs(t, err, cadence.ErrCadenceInactive)

	empty := &models.CadenceTemplate{Name: "empty", Active: true}
	require.NoError(t, h.store.Cadences().SaveTemplate(ctx, empty))

	_, err = h.engine.Start(ctx, empty.ID, "card-1")
	assert.ErrorIs(t, err, cadence.ErrEmptyTemplate)

	_, err = h.engine.Start(ctx, "missing", "card-1")
	assert.True(t, cadence.IsNotFound(err))
}

func TestCancel_TurnsQueuedStepsIntoNoOps(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cadenceID := h.saveTemplate(t, taskStep("call", 1, businesshours.Minutes(0), "call"))

	started, err := h.engine.Start(ctx, cadenceID, "card-1")
	require.NoError(t, err)

	cancelled, err := h.engine.Cancel(ctx, started.Instance.ID, "lost")
	require.NoError(t, err)
	assert.True(t, cancelled)

	// A row enqueued concurrently with the cancellation.
	require.NoError(t, h.store.CadenceQueue().Enqueue(ctx, &models.CadenceQueueItem{
		InstanceID: started.Instance.ID,
		CadenceID:  cadenceID,
		CardID:     "card-1",
		StepKey:    "call",
		DueAt:      h.clock.Now(),
	}))

	h.clock.Advance(3 * 24 * time.Hour)

	result, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Queue.Skipped)
	assert.Zero(t, result.Queue.Processed)
	assert.Empty(t, h.store.Tasks("card-1"))

	again, err := h.engine.Cancel(ctx, started.Instance.ID, "lost")
	require.NoError(t, err)
	assert.False(t, again)

	instance := h.instance(t, started.Instance.ID)
	assert.Equal(t, models.CadenceCancelled, instance.Status)
	assert.Equal(t, "lost", instance.Result)
}

func TestProcessQueue_ConcurrentProcessorsRunRowOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cadenceID := h.saveTemplate(t, taskStep("call", 1, businesshours.Minutes(0), "call"))

	_, err := h.engine.Start(ctx, cadenceID, "card-1")
	require.NoError(t, err)

	h.clock.Advance(3 * 24 * time.Hour)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []cadence.QueueResult
	)

	for range 2 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			result, err := h.engine.Processor().ProcessQueue(ctx, 10)
			assert.NoError(t, err)

			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}()
	}

	wg.Wait()

	processed := 0
	for _, result := range results {
		processed += result.Processed
	}

	assert.Equal(t, 1, processed)
	assert.Len(t, h.store.Tasks("card-1"), 1)
}

type flakyTasks struct {
	*memory.Store
	calls int
}

func (f *flakyTasks) CreateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	f.calls++

	return nil, errors.New("crm unavailable")
}

func TestProcessQueue_DeadLettersAfterMaxAttempts(t *testing.T) {
	flaky := &flakyTasks{}
	h := newHarness(t, func(store *memory.Store) crm.Tasks {
		flaky.Store = store

		return flaky
	})
	ctx := context.Background()

	cadenceID := h.saveTemplate(t, taskStep("call", 1, businesshours.Minutes(0), "call"))

	started, err := h.engine.Start(ctx, cadenceID, "card-1")
	require.NoError(t, err)

	h.clock.Advance(3*24*time.Hour + 12*time.Hour)

	for attempt := 1; attempt <= h.cfg.Queue.MaxAttempts; attempt++ {
		result, err := h.engine.Sweep(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Queue.Failed, "attempt %d", attempt)

		h.clock.Advance(24 * time.Hour)
	}

	result, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, result.Queue.Failed+result.Queue.Processed+result.Queue.Skipped)
	assert.Equal(t, h.cfg.Queue.MaxAttempts, flaky.calls)

	rows, err := h.store.CadenceQueue().ByInstance(ctx, started.Instance.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.QueueFailed, rows[0].Status)
	assert.Equal(t, h.cfg.Queue.MaxAttempts, rows[0].Attempts)

	letters, err := h.store.DeadLetters().List(ctx, models.QueueKindCadence, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, rows[0].ID, letters[0].ItemID)

	instance := h.instance(t, started.Instance.ID)
	assert.Equal(t, models.CadenceFailed, instance.Status)
	assert.Contains(t, instance.ErrorMessage, "retries exhausted")
}

// queueStore swaps the cadence queue of the memory store.
type queueStore struct {
	*memory.Store
	queue persistence.CadenceQueueRepository
}

func (s *queueStore) CadenceQueue() persistence.CadenceQueueRepository { return s.queue }

type failingStepQueue struct {
	persistence.CadenceQueueRepository
	failures int
}

func (q *failingStepQueue) Enqueue(ctx context.Context, item *models.CadenceQueueItem) error {
	if q.failures > 0 {
		q.failures--

		return errors.New("queue unavailable")
	}

	return q.CadenceQueueRepository.Enqueue(ctx, item)
}

func TestStart_EnqueueFailureReleasesInstance(t *testing.T) {
	queue := &failingStepQueue{failures: 1}
	h := newHarnessWith(t, func(deps *cadence.Dependencies, store *memory.Store) {
		queue.CadenceQueueRepository = store.CadenceQueue()
		deps.Store = &queueStore{Store: store, queue: queue}
	})
	ctx := context.Background()

	cadenceID := h.saveTemplate(t, taskStep("call", 1, businesshours.Minutes(0), "call"))

	_, err := h.engine.Start(ctx, cadenceID, "card-1")
	require.ErrorContains(t, err, "queue unavailable")

	_, err = h.store.CadenceInstances().ActiveByCard(ctx, "card-1", cadenceID)
	assert.ErrorIs(t, err, persistence.ErrCadenceInstanceNotFound)

	started, err := h.engine.Start(ctx, cadenceID, "card-1")
	require.NoError(t, err)
	assert.False(t, started.AlreadyActive)
	assert.Equal(t, models.CadenceActive, h.instance(t, started.Instance.ID).Status)
}

func TestProcessQueue_MissingCardFailsInstanceWithoutRetry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cadenceID := h.saveTemplate(t, taskStep("call", 1, businesshours.Minutes(0), "call"))

	started, err := h.engine.Start(ctx, cadenceID, "ghost")
	require.NoError(t, err)

	h.clock.Advance(3 * 24 * time.Hour)

	result, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Queue.Failed)

	instance := h.instance(t, started.Instance.ID)
	assert.Equal(t, models.CadenceFailed, instance.Status)

	letters, err := h.store.DeadLetters().List(ctx, models.QueueKindCadence, 10)
	require.NoError(t, err)
	assert.Empty(t, letters)
}

func TestProcessTaskOutcome_ResumesWaitingInstance(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	call := taskStep("call", 1, businesshours.Minutes(0), "call")
	call.Task.WaitForOutcome = true

	end := models.CadenceStep{Key: "won", Order: 3, Type: models.CadenceStepEnd, End: &models.CadenceEnd{MoveToStageID: "qualified", Result: "qualified"}}

	cadenceID := h.saveTemplate(t, call, taskStep("email", 2, businesshours.Minutes(0), "email"), end)

	started, err := h.engine.Start(ctx, cadenceID, "card-1")
	require.NoError(t, err)

	h.clock.Advance(3 * 24 * time.Hour)

	_, err = h.engine.Sweep(ctx)
	require.NoError(t, err)

	instance := h.instance(t, started.Instance.ID)
	require.Equal(t, models.CadenceWaitingTask, instance.Status)

	tasks := h.store.Tasks("card-1")
	require.Len(t, tasks, 1)
	assert.Equal(t, tasks[0].ID, instance.WaitingTaskID)

	advanced, err := h.engine.ProcessTaskOutcome(ctx, cadence.TaskOutcome{TaskID: tasks[0].ID, Outcome: "respondido_pelo_cliente"})
	require.NoError(t, err)
	assert.Equal(t, 1, advanced)

	instance = h.instance(t, started.Instance.ID)
	assert.Equal(t, models.CadenceActive, instance.Status)
	assert.Equal(t, 1, instance.SuccessfulContacts)
	assert.Equal(t, 1, instance.CurrentStep)

	// Nobody waits on the task anymore.
	advanced, err = h.engine.ProcessTaskOutcome(ctx, cadence.TaskOutcome{TaskID: tasks[0].ID, Outcome: "respondido_pelo_cliente"})
	require.NoError(t, err)
	assert.Zero(t, advanced)

	for range 2 {
		_, err = h.engine.Sweep(ctx)
		require.NoError(t, err)
	}

	instance = h.instance(t, started.Instance.ID)
	assert.Equal(t, models.CadenceCompleted, instance.Status)
	assert.Equal(t, "qualified", instance.Result)
	assert.Equal(t, 2, instance.TotalContacts)

	card, err := h.store.Card(ctx, "card-1")
	require.NoError(t, err)
	assert.Equal(t, "qualified", card.StageID)
}

func TestTaskStep_OpenTaskOfSameTypeParksInstance(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	existing, err := h.store.CreateTask(ctx, &models.Task{CardID: "card-1", Type: "call", Title: "manual call"})
	require.NoError(t, err)

	cadenceID := h.saveTemplate(t, taskStep("call", 1, businesshours.Minutes(0), "call"))

	started, err := h.engine.Start(ctx, cadenceID, "card-1")
	require.NoError(t, err)

	h.clock.Advance(3 * 24 * time.Hour)

	_, err = h.engine.Sweep(ctx)
	require.NoError(t, err)

	assert.Len(t, h.store.Tasks("card-1"), 1)

	instance := h.instance(t, started.Instance.ID)
	assert.Equal(t, models.CadenceWaitingTask, instance.Status)
	assert.Equal(t, existing.ID, instance.WaitingTaskID)
	assert.Zero(t, instance.TotalContacts)
}

func TestAdvance_SchedulesNextStepNow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	call := taskStep("call", 1, businesshours.Minutes(0), "call")
	call.Task.WaitForOutcome = true

	cadenceID := h.saveTemplate(t, call, taskStep("email", 2, businesshours.BusinessDays(5), "email"))

	started, err := h.engine.Start(ctx, cadenceID, "card-1")
	require.NoError(t, err)

	h.clock.Advance(3 * 24 * time.Hour)

	_, err = h.engine.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, models.CadenceWaitingTask, h.instance(t, started.Instance.ID).Status)

	require.NoError(t, h.engine.Advance(ctx, started.Instance.ID, ""))

	result, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Queue.Processed)
	assert.Len(t, h.store.Tasks("card-1"), 2)
	assert.Equal(t, models.CadenceCompleted, h.instance(t, started.Instance.ID).Status)

	err = h.engine.Advance(ctx, started.Instance.ID, "")
	assert.ErrorIs(t, err, cadence.ErrInstanceNotActive)
}

func TestHandle_RoutesActions(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	cadenceID := h.saveTemplate(t, taskStep("call", 1, businesshours.Minutes(0), "call"))

	resp, err := h.engine.Handle(ctx, cadence.Request{Action: cadence.ActionStart, CadenceID: cadenceID, CardID: "card-1"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.InstanceID)

	instanceID := resp.InstanceID

	_, err = h.engine.Handle(ctx, cadence.Request{Action: cadence.ActionStart, CardID: "card-1"})
	assert.ErrorIs(t, err, cadence.ErrMissingField)

	_, err = h.engine.Handle(ctx, cadence.Request{Action: "pause_cadence"})
	assert.ErrorIs(t, err, cadence.ErrUnknownAction)

	h.clock.Advance(3 * 24 * time.Hour)

	resp, err = h.engine.Handle(ctx, cadence.Request{})
	require.NoError(t, err)
	require.NotNil(t, resp.Sweep)
	assert.Equal(t, 1, resp.Sweep.Queue.Processed)

	resp, err = h.engine.Handle(ctx, cadence.Request{Action: cadence.ActionCancel, InstanceID: instanceID})
	require.NoError(t, err)
	assert.False(t, resp.Cancelled)
}

func TestProcessQueue_SpanNamesQueueAndCadence(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))

	h := newHarnessWith(t, func(deps *cadence.Dependencies, store *memory.Store) {
		deps.Tracer = provider.Tracer("cadence-test")
	})
	ctx := context.Background()

	cadenceID := h.saveTemplate(t, taskStep("call", 1, businesshours.Minutes(0), "call"))

	started, err := h.engine.Start(ctx, cadenceID, "card-1")
	require.NoError(t, err)

	h.clock.Advance(3*24*time.Hour + 12*time.Hour)

	_, err = h.engine.Sweep(ctx)
	require.NoError(t, err)

	var attrs map[attribute.Key]attribute.Value

	for _, span := range spans.Ended() {
		if span.Name() != "cadence.process_row" {
			continue
		}

		attrs = make(map[attribute.Key]attribute.Value)
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value
		}
	}

	require.NotNil(t, attrs)
	assert.Equal(t, string(models.QueueKindCadence), attrs[otelhelper.QueueKindKey].AsString())
	assert.Equal(t, cadenceID, attrs[otelhelper.CadenceIDKey].AsString())
	assert.Equal(t, started.Instance.ID, attrs[otelhelper.InstanceIDKey].AsString())
	assert.Equal(t, "card-1", attrs[otelhelper.CardIDKey].AsString())
}
