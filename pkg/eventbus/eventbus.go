package eventbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"shareyoursales-ace/pkg/config"
)

var Module = fx.Module("eventbus", fx.Provide(ProvidePublisher))

// Topics carrying lifecycle events for downstream analytics.
const (
	TopicCommissionEvents = "ace.commission.events"
	TopicPayoutEvents     = "ace.payout.events"
	TopicClickEvents      = "ace.click.events"
)

// Publisher emits domain lifecycle events. Delivery is fire-and-forget:
// commerce state never depends on the bus being up.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any)
	Close()
}

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Config
}

func ProvidePublisher(p Params) (Publisher, error) {
	if p.Config.Kafka.Addrs == "" {
		zap.L().Info("kafka brokers not configured, event publishing disabled")
		return &noopPublisher{}, nil
	}

	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": p.Config.Kafka.Addrs,
		"acks":              "1",
	})
	if err != nil {
		return nil, err
	}

	pub := &kafkaPublisher{producer: producer}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go pub.drainDeliveryReports()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pub.Close()
			return nil
		},
	})

	return pub, nil
}

type kafkaPublisher struct {
	producer *kafka.Producer
}

func (p *kafkaPublisher) Publish(ctx context.Context, topic, key string, payload any) {
	value, err := json.Marshal(payload)
	if err != nil {
		zap.L().Error("eventbus marshal failed", zap.String("topic", topic), zap.Error(err))
		return
	}

	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          value,
		Timestamp:      time.Now().UTC(),
	}, nil)
	if err != nil {
		zap.L().Warn("eventbus produce failed",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err),
		)
	}
}

func (p *kafkaPublisher) drainDeliveryReports() {
	for e := range p.producer.Events() {
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			zap.L().Warn("eventbus delivery failed",
				zap.String("topic", *m.TopicPartition.Topic),
				zap.Error(m.TopicPartition.Error),
			)
		}
	}
}

func (p *kafkaPublisher) Close() {
	p.producer.Flush(5000)
	p.producer.Close()
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, string, any) {}
func (noopPublisher) Close()                                      {}
