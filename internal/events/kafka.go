package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/spec-kit/conversation-relay/internal/config"
)

// KafkaPublisher forwards domain events to a Kafka topic, keyed by
// conversation id so one conversation's events stay on one partition.
// Delivery is asynchronous; broker failures are logged, never returned to
// the request that produced the event.
type KafkaPublisher struct {
	producer sarama.AsyncProducer
	topic    string
	logger   *zap.Logger

	drained   sync.WaitGroup
	closeOnce sync.Once
}

// NewKafkaProducer dials the configured brokers.
func NewKafkaProducer(cfg config.KafkaConfig) (sarama.AsyncProducer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.ClientID
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = 3
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Return.Errors = true
	return sarama.NewAsyncProducer(cfg.Brokers, saramaCfg)
}

// NewKafkaPublisher wraps an existing producer and starts draining its
// result channels.
func NewKafkaPublisher(producer sarama.AsyncProducer, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &KafkaPublisher{producer: producer, topic: topic, logger: logger}
	p.drained.Add(2)
	go p.drainSuccesses()
	go p.drainErrors()
	return p
}

// Register subscribes the publisher to every event type.
func (p *KafkaPublisher) Register(dispatcher Dispatcher) {
	for _, eventType := range AllEventTypes {
		dispatcher.Subscribe(eventType, p.Handle)
	}
}

// Handle enqueues one event. It only blocks while the producer's input
// buffer is full, and gives up when ctx ends.
func (p *KafkaPublisher) Handle(ctx context.Context, event Event) error {
	value, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.ConversationID),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.Type)},
		},
		Metadata: event,
	}

	select {
	case p.producer.Input() <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *KafkaPublisher) drainSuccesses() {
	defer p.drained.Done()
	for msg := range p.producer.Successes() {
		event, _ := msg.Metadata.(Event)
		p.logger.Debug("event published to kafka",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID),
			zap.Int32("partition", msg.Partition),
			zap.Int64("offset", msg.Offset))
	}
}

func (p *KafkaPublisher) drainErrors() {
	defer p.drained.Done()
	for perr := range p.producer.Errors() {
		var event Event
		if perr.Msg != nil {
			event, _ = perr.Msg.Metadata.(Event)
		}
		p.logger.Warn("kafka publish failed",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID),
			zap.String("conversation_id", event.ConversationID),
			zap.Error(perr.Err))
	}
}

// Close flushes pending messages and waits until their results are logged.
// Delivery failures were already logged, so it always returns nil.
func (p *KafkaPublisher) Close() error {
	p.closeOnce.Do(func() {
		p.producer.AsyncClose()
		p.drained.Wait()
	})
	return nil
}
