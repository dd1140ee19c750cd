package events

import (
	"context"
	"errors"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/smallbiznis/cohere/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// KafkaRelay publishes outbox messages to a single topic, keyed for per-purchase ordering.
type KafkaRelay struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

func NewKafkaRelay(producer sarama.SyncProducer, topic string, log *zap.Logger) *KafkaRelay {
	return &KafkaRelay{producer: producer, topic: topic, log: log.Named("events.kafka")}
}

func (r *KafkaRelay) Publish(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	out := &sarama.ProducerMessage{
		Topic: r.topic,
		Value: sarama.ByteEncoder(msg.Payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(msg.Topic)},
			{Key: []byte("event-id"), Value: []byte(strconv.FormatInt(msg.ID, 10))},
		},
	}
	if msg.Key != "" {
		out.Key = sarama.StringEncoder(msg.Key)
	}
	partition, offset, err := r.producer.SendMessage(out)
	if err != nil {
		return err
	}
	r.log.Debug("relayed outbox event",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)
	return nil
}

func (r *KafkaRelay) Close() error {
	return r.producer.Close()
}

// LogRelay acknowledges messages by logging them. Used when no broker is configured.
type LogRelay struct {
	log *zap.Logger
}

func NewLogRelay(log *zap.Logger) *LogRelay {
	return &LogRelay{log: log.Named("events.log_relay")}
}

func (r *LogRelay) Publish(_ context.Context, msg Message) error {
	r.log.Info("outbox event",
		zap.Int64("event_id", msg.ID),
		zap.String("topic", msg.Topic),
		zap.String("key", msg.Key),
		zap.ByteString("payload", msg.Payload),
	)
	return nil
}

func newSaramaConfig(clientID string) *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = clientID
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Idempotent = true
	cfg.Producer.Retry.Max = 5
	cfg.Net.MaxOpenRequests = 1
	cfg.Version = sarama.V2_8_0_0
	return cfg
}

// ProvideRelay connects to Kafka when brokers are configured and falls back to logging.
func ProvideRelay(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (Relay, error) {
	if len(cfg.Relay.KafkaBrokers) == 0 {
		return NewLogRelay(log), nil
	}
	if cfg.Relay.KafkaTopic == "" {
		return nil, errors.New("kafka topic is empty")
	}
	producer, err := sarama.NewSyncProducer(cfg.Relay.KafkaBrokers, newSaramaConfig(cfg.AppName))
	if err != nil {
		return nil, err
	}
	relay := NewKafkaRelay(producer, cfg.Relay.KafkaTopic, log)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return relay.Close()
		},
	})
	return relay, nil
}
