package mocks

import (
	"context"

	"github.com/cardops/cardflow/pkg/crm"
	"github.com/cardops/cardflow/pkg/models"
	"github.com/stretchr/testify/mock"
)

type MockCards struct {
	mock.Mock
}

var _ crm.Cards = (*MockCards)(nil)

func (m *MockCards) Card(ctx context.Context, id string) (*models.Card, error) {
	args := m.Called(ctx, id)

	card, _ := args.Get(0).(*models.Card)

	return card, args.Error(1)
}

func (m *MockCards) MoveCard(ctx context.Context, cardID, stageID string) error {
	args := m.Called(ctx, cardID, stageID)

	return args.Error(0)
}

func (m *MockCards) UpdateField(ctx context.Context, cardID, field string, value any) error {
	args := m.Called(ctx, cardID, field, value)

	return args.Error(0)
}

type MockTasks struct {
	mock.Mock
}

var _ crm.Tasks = (*MockTasks)(nil)

func (m *MockTasks) CreateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	args := m.Called(ctx, task)

	created, _ := args.Get(0).(*models.Task)

	return created, args.Error(1)
}

func (m *MockTasks) Task(ctx context.Context, id string) (*models.Task, error) {
	args := m.Called(ctx, id)

	task, _ := args.Get(0).(*models.Task)

	return task, args.Error(1)
}

func (m *MockTasks) OpenTaskOfType(ctx context.Context, cardID, taskType string) (*models.Task, error) {
	args := m.Called(ctx, cardID, taskType)

	task, _ := args.Get(0).(*models.Task)

	return task, args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

var _ crm.Notifier = (*MockNotifier)(nil)

func (m *MockNotifier) Notify(ctx context.Context, notification crm.Notification) error {
	args := m.Called(ctx, notification)

	return args.Error(0)
}
