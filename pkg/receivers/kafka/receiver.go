// Package kafka consumes card lifecycle events from Kafka topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cardops/cardflow/pkg/receivers"
	"github.com/cardops/cardflow/pkg/retry"
)

const DefaultConsumerGroup = "cardflow-card-events"

var (
	ErrNoBrokers = errors.New("kafka receiver requires at least one broker")
	ErrNoTopics  = errors.New("kafka receiver requires at least one topic")
)

type Config struct {
	Brokers       []string
	Topics        []string
	ConsumerGroup string
	// RetryDelay is the pause after a failed consume session.
	RetryDelay time.Duration
}

type Receiver struct {
	cfg       Config
	publisher *receivers.Publisher
	logger    *slog.Logger

	consumer sarama.ConsumerGroup
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

var _ receivers.Receiver = (*Receiver)(nil)

func NewReceiver(cfg Config, publisher *receivers.Publisher, logger *slog.Logger) (*Receiver, error) {
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = DefaultConsumerGroup
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}

	receiver := &Receiver{
		cfg:       cfg,
		publisher: publisher,
		logger:    logger.With("module", "kafka_receiver", "consumer_group", cfg.ConsumerGroup),
	}

	if err := receiver.Validate(); err != nil {
		return nil, err
	}

	return receiver, nil
}

func (r *Receiver) Validate() error {
	if len(r.cfg.Brokers) == 0 {
		return ErrNoBrokers
	}

	if len(r.cfg.Topics) == 0 {
		return ErrNoTopics
	}

	return nil
}

func saramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Version = sarama.V2_6_0_0
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Return.Errors = true

	return config
}

func (r *Receiver) Start(ctx context.Context) error {
	consumer, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.ConsumerGroup, saramaConfig())
	if err != nil {
		return fmt.Errorf("failed to create Kafka consumer group %s: %w", r.cfg.ConsumerGroup, err)
	}

	r.consumer = consumer

	ctx, r.cancel = context.WithCancel(ctx)

	handler := &consumerHandler{publisher: r.publisher, logger: r.logger}

	r.wg.Add(2)

	go func() {
		defer r.wg.Done()

		for ctx.Err() == nil {
			if err := consumer.Consume(ctx, r.cfg.Topics, handler); err != nil {
				r.logger.ErrorContext(ctx, "Kafka consume session failed", "error", err)

				select {
				case <-ctx.Done():
				case <-time.After(r.cfg.RetryDelay):
				}
			}
		}
	}()

	go func() {
		defer r.wg.Done()

		for {
			select {
			case err, ok := <-consumer.Errors():
				if !ok {
					return
				}

				r.logger.ErrorContext(ctx, "Kafka consumer group error", "error", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	r.logger.InfoContext(ctx, "Kafka receiver started", "topics", r.cfg.Topics)

	return nil
}

func (r *Receiver) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	r.wg.Wait()

	if r.consumer == nil {
		return nil
	}

	if err := r.consumer.Close(); err != nil {
		return fmt.Errorf("failed to close Kafka consumer group: %w", err)
	}

	r.logger.InfoContext(ctx, "Kafka receiver stopped")

	return nil
}

// consumerHandler marks a message once it is published or known to be
// undeliverable. A publish failure ends the session without marking so the
// message is consumed again.
type consumerHandler struct {
	publisher *receivers.Publisher
	logger    *slog.Logger
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		logger := h.logger.With("topic", message.Topic, "partition", message.Partition, "offset", message.Offset)

		err := h.publisher.Receive(session.Context(), message.Value)

		switch {
		case err == nil:
			logger.Debug("card event published")
		case retry.IsPermanent(err):
			logger.Warn("dropping undecodable card event", "error", err)
		default:
			return err
		}

		session.MarkMessage(message, "")
	}

	return nil
}
