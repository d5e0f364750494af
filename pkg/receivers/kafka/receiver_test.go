package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/cardops/cardflow/pkg/log"
	"github.com/cardops/cardflow/pkg/mocks"
	"github.com/cardops/cardflow/pkg/receivers"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32                               { return nil }
func (s *fakeSession) MemberID() string                                         { return "member" }
func (s *fakeSession) GenerationID() int32                                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)                  {}
func (s *fakeSession) Commit()                                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string)                 {}
func (s *fakeSession) Context() context.Context                                 { return context.Background() }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) { s.marked = append(s.marked, msg.Offset) }

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func newClaim(values ...string) *fakeClaim {
	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, len(values))}

	for i, value := range values {
		claim.messages <- &sarama.ConsumerMessage{Topic: "card-events", Offset: int64(i), Value: []byte(value)}
	}

	close(claim.messages)

	return claim
}

func (c *fakeClaim) Topic() string                            { return "card-events" }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(cap(c.messages)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func newHandler(bus *mocks.MockEventBus) *consumerHandler {
	return &consumerHandler{
		publisher: receivers.NewPublisher(bus, clockwork.NewFakeClock()),
		logger:    log.Discard(),
	}
}

func TestNewReceiver_Validation(t *testing.T) {
	_, err := NewReceiver(Config{Topics: []string{"card-events"}}, nil, log.Discard())
	assert.ErrorIs(t, err, ErrNoBrokers)

	_, err = NewReceiver(Config{Brokers: []string{"localhost:9092"}}, nil, log.Discard())
	assert.ErrorIs(t, err, ErrNoTopics)

	receiver, err := NewReceiver(Config{Brokers: []string{"localhost:9092"}, Topics: []string{"card-events"}}, nil, log.Discard())
	require.NoError(t, err)
	assert.Equal(t, DefaultConsumerGroup, receiver.cfg.ConsumerGroup)
	assert.Positive(t, receiver.cfg.RetryDelay)
}

func TestConsumeClaim_MarksPublishedAndUndecodableMessages(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("GenerateID").Return("evt")
	bus.On("Publish", mock.Anything, "card-1", mock.Anything).Return(nil)

	session := &fakeSession{}
	claim := newClaim(
		`{"type":"stage_enter","card_id":"card-1","stage_id":"qualified"}`,
		`not an event`,
		`{"type":"stage_exit","card_id":"card-1","stage_id":"qualified"}`,
	)

	require.NoError(t, newHandler(bus).ConsumeClaim(session, claim))

	assert.Equal(t, []int64{0, 1, 2}, session.marked)
	bus.AssertNumberOfCalls(t, "Publish", 2)
}

func TestConsumeClaim_PublishFailureLeavesMessageUnmarked(t *testing.T) {
	bus := &mocks.MockEventBus{}
	bus.On("GenerateID").Return("evt")
	bus.On("Publish", mock.Anything, "card-1", mock.Anything).Return(errors.New("broker down"))

	session := &fakeSession{}
	claim := newClaim(
		`{"type":"stage_enter","card_id":"card-1","stage_id":"qualified"}`,
		`{"type":"stage_exit","card_id":"card-1","stage_id":"qualified"}`,
	)

	err := newHandler(bus).ConsumeClaim(session, claim)
	require.Error(t, err)

	assert.Empty(t, session.marked)
	bus.AssertNumberOfCalls(t, "Publish", 1)
}
