// Package redis consumes card lifecycle events from a Redis stream through a
// consumer group.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cardops/cardflow/pkg/receivers"
	"github.com/cardops/cardflow/pkg/retry"
	goredis "github.com/redis/go-redis/v9"
)

const (
	DefaultStream = "card-events"
	DefaultGroup  = "cardflow"
	// PayloadField is the stream entry field holding the JSON card event.
	PayloadField = "event"
)

var (
	ErrNoStream      = errors.New("redis receiver stream name is required")
	ErrMissingField  = errors.New("stream entry has no event field")
	errNothingToRead = errors.New("nothing to read")
)

type Config struct {
	Addr     string
	Password string
	DB       int

	Stream   string
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
}

type Receiver struct {
	cfg       Config
	client    goredis.UniversalClient
	ownClient bool
	publisher *receivers.Publisher
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ receivers.Receiver = (*Receiver)(nil)

// NewReceiver connects lazily on Start using cfg.Addr.
func NewReceiver(cfg Config, publisher *receivers.Publisher, logger *slog.Logger) (*Receiver, error) {
	return newReceiver(nil, cfg, publisher, logger)
}

// NewReceiverWithClient reads through an existing client. The caller keeps
// ownership of client.
func NewReceiverWithClient(client goredis.UniversalClient, cfg Config, publisher *receivers.Publisher, logger *slog.Logger) (*Receiver, error) {
	return newReceiver(client, cfg, publisher, logger)
}

func newReceiver(client goredis.UniversalClient, cfg Config, publisher *receivers.Publisher, logger *slog.Logger) (*Receiver, error) {
	if cfg.Addr == "" {
		cfg.Addr = "localhost:6379"
	}

	if cfg.Group == "" {
		cfg.Group = DefaultGroup
	}

	if cfg.Consumer == "" {
		cfg.Consumer = cfg.Group + "-1"
	}

	if cfg.Count <= 0 {
		cfg.Count = 50
	}

	if cfg.Block <= 0 {
		cfg.Block = 5 * time.Second
	}

	receiver := &Receiver{
		cfg:       cfg,
		client:    client,
		publisher: publisher,
		logger: logger.With(
			"module", "redis_receiver",
			"stream", cfg.Stream,
			"group", cfg.Group,
		),
	}

	if err := receiver.Validate(); err != nil {
		return nil, err
	}

	return receiver, nil
}

func (r *Receiver) Validate() error {
	if r.cfg.Stream == "" {
		return ErrNoStream
	}

	return nil
}

func (r *Receiver) Start(ctx context.Context) error {
	if r.client == nil {
		r.client = goredis.NewClient(&goredis.Options{
			Addr:     r.cfg.Addr,
			Password: r.cfg.Password,
			DB:       r.cfg.DB,
		})
		r.ownClient = true
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := r.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	err := r.client.XGroupCreateMkStream(ctx, r.cfg.Stream, r.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s: %w", r.cfg.Group, err)
	}

	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)

	go r.consume(ctx)

	r.logger.InfoContext(ctx, "Redis receiver started", "consumer", r.cfg.Consumer)

	return nil
}

// consume first replays entries this consumer read but never acknowledged,
// then follows new entries. A transient failure switches back to replay.
func (r *Receiver) consume(ctx context.Context) {
	defer r.wg.Done()

	replay := true

	for ctx.Err() == nil {
		id := ">"
		if replay {
			id = "0"
		}

		failed, err := r.ReadOnce(ctx, id)

		switch {
		case errors.Is(err, errNothingToRead):
			replay = false
		case err != nil:
			if ctx.Err() != nil {
				return
			}

			r.logger.ErrorContext(ctx, "failed to read card events", "error", err)
			pause(ctx)
		default:
			replay = failed > 0
			if replay {
				pause(ctx)
			}
		}
	}
}

func pause(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
}

// ReadOnce reads one batch starting at id ("0" for this consumer's pending
// entries, ">" for new ones) and acknowledges every entry that was published
// or can never be published. It returns how many entries stay pending.
func (r *Receiver) ReadOnce(ctx context.Context, id string) (int, error) {
	streams, err := r.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    r.cfg.Group,
		Consumer: r.cfg.Consumer,
		Streams:  []string{r.cfg.Stream, id},
		Count:    r.cfg.Count,
		Block:    r.cfg.Block,
	}).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, errNothingToRead
	}

	if err != nil {
		return 0, fmt.Errorf("failed to read stream %s: %w", r.cfg.Stream, err)
	}

	var (
		acked   []string
		pending int
		read    int
	)

	for _, stream := range streams {
		for _, message := range stream.Messages {
			read++

			if r.handle(ctx, message) {
				acked = append(acked, message.ID)
			} else {
				pending++
			}
		}
	}

	if read == 0 {
		return 0, errNothingToRead
	}

	if len(acked) > 0 {
		if err := r.client.XAck(ctx, r.cfg.Stream, r.cfg.Group, acked...).Err(); err != nil {
			return pending, fmt.Errorf("failed to acknowledge %d entries: %w", len(acked), err)
		}
	}

	return pending, nil
}

// handle reports whether message may be acknowledged.
func (r *Receiver) handle(ctx context.Context, message goredis.XMessage) bool {
	logger := r.logger.With("entry_id", message.ID)

	payload, ok := message.Values[PayloadField].(string)
	if !ok {
		logger.WarnContext(ctx, "dropping stream entry", "error", ErrMissingField)

		return true
	}

	err := r.publisher.Receive(ctx, []byte(payload))

	switch {
	case err == nil:
		return true
	case retry.IsPermanent(err):
		logger.WarnContext(ctx, "dropping undecodable card event", "error", err)

		return true
	default:
		logger.ErrorContext(ctx, "failed to publish card event", "error", err)

		return false
	}
}

func (r *Receiver) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	r.wg.Wait()

	if r.ownClient && r.client != nil {
		if err := r.client.Close(); err != nil {
			return fmt.Errorf("failed to close Redis client: %w", err)
		}
	}

	r.logger.InfoContext(ctx, "Redis receiver stopped")

	return nil
}
