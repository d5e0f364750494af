package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/cardops/cardflow/pkg/receivers"
	"github.com/cardops/cardflow/pkg/receivers/kafka"
	"github.com/cardops/cardflow/pkg/receivers/redis"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	cli "github.com/urfave/cli/v3"
)

func NewRunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Consume card events and sweep the queues on schedule",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "engine-id",
				Aliases: []string{"id"},
				Usage:   "Custom engine ID (auto-generated if not provided)",
				Sources: cli.EnvVars("ENGINE_ID"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers for the event bus and the Kafka receiver",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "kafka-topics",
				Usage:   "Comma separated Kafka topics carrying CRM card events; empty disables the Kafka receiver",
				Sources: cli.EnvVars("KAFKA_CARD_TOPICS"),
			},
			&cli.StringFlag{
				Name:    "kafka-group",
				Usage:   "Kafka consumer group for card events",
				Value:   kafka.DefaultConsumerGroup,
				Sources: cli.EnvVars("KAFKA_CONSUMER_GROUP"),
			},
			&cli.StringFlag{
				Name:    "redis-addr",
				Usage:   "Redis address of the card event stream; empty disables the Redis receiver",
				Sources: cli.EnvVars("REDIS_ADDR"),
			},
			&cli.StringFlag{
				Name:    "redis-stream",
				Usage:   "Redis stream carrying CRM card events",
				Value:   redis.DefaultStream,
				Sources: cli.EnvVars("REDIS_STREAM"),
			},
			&cli.StringFlag{
				Name:    "redis-group",
				Usage:   "Redis consumer group for card events",
				Value:   redis.DefaultGroup,
				Sources: cli.EnvVars("REDIS_GROUP"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			engineID := command.String("engine-id")
			if engineID == "" {
				engineID = fmt.Sprintf("engine-%s", uuid.New().String()[:8])
			}

			busProvider := command.String("event-bus")
			if busProvider == "" {
				busProvider = "gochannel"
			}

			rt, err := newRuntime(ctx, command, busProvider, command.String("kafka-brokers"))
			if err != nil {
				return err
			}
			defer rt.Close(ctx)

			logger := rt.logger.With("engine_id", engineID)
			logger.InfoContext(ctx, "Initializing cardflow engine")

			scheduler, err := newScheduler(rt.cfg, rt.engines, logger)
			if err != nil {
				return err
			}

			publisher := receivers.NewPublisher(rt.bus, clockwork.NewRealClock())

			var active []receivers.Receiver

			if topics := splitList(command.String("kafka-topics")); len(topics) > 0 {
				receiver, err := kafka.NewReceiver(kafka.Config{
					Brokers:       splitList(command.String("kafka-brokers")),
					Topics:        topics,
					ConsumerGroup: command.String("kafka-group"),
				}, publisher, logger)
				if err != nil {
					return err
				}

				active = append(active, receiver)
			}

			if addr := command.String("redis-addr"); addr != "" {
				receiver, err := redis.NewReceiver(redis.Config{
					Addr:     addr,
					Stream:   command.String("redis-stream"),
					Group:    command.String("redis-group"),
					Consumer: engineID,
				}, publisher, logger)
				if err != nil {
					return err
				}

				active = append(active, receiver)
			}

			return NewManager(rt.engines.Router, rt.bus, scheduler, active, logger).Run(ctx)
		},
	}
}

func splitList(value string) []string {
	var items []string

	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}

	return items
}
