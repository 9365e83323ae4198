// Package kafka provides a liveness transport over a single Kafka topic, for
// deployments where the probing process and the helper running the managed
// apps do not share a host. The signal name travels as the message key; the
// value is always empty.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/massimiliano76/AltStore/internal/infra/liveness"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
)

// Config contains settings for connecting to the Kafka brokers.
type Config struct {
	// Brokers is a list of Kafka broker addresses to connect to.
	Brokers []string
	// Topic carries every liveness signal.
	Topic string
	// ClientID uniquely identifies this client to the Kafka cluster.
	ClientID string
}

var errBusClosed = errors.New("bus closed")

var _ liveness.Transport = (*Bus)(nil)

// Bus implements liveness.Transport with a sync producer and one partition
// consumer per topic partition. Consumers start at the newest offset, so a
// listener only sees signals posted after it was installed.
type Bus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	mu        sync.Mutex
	closed    bool
	consumers []*partition

	logger *logger.Logger
	tracer trace.Tracer
}

// partition guards a partition consumer so that context cancellation and
// Close can both stop it.
type partition struct {
	sarama.PartitionConsumer
	once sync.Once
}

func (p *partition) stop() { p.once.Do(p.AsyncClose) }

// NewBus wraps an existing producer and consumer.
func NewBus(
	producer sarama.SyncProducer,
	consumer sarama.Consumer,
	topic string,
	logger *logger.Logger,
	tracer trace.Tracer,
) *Bus {
	return &Bus{
		producer: producer,
		consumer: consumer,
		topic:    topic,
		logger:   logger.With("component", "liveness_kafka_bus", "topic", topic),
		tracer:   tracer,
	}
}

// Connect establishes the producer and consumer with exponential backoff.
func Connect(cfg *Config, logger *logger.Logger, tracer trace.Tracer) (*Bus, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.ClientID = cfg.ClientID
	saramaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Consumer.Return.Errors = true
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaCfg.Version = sarama.V3_6_0_0

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = time.Minute
	expBackoff.InitialInterval = time.Second

	var bus *Bus
	operation := func() error {
		client, err := sarama.NewClient(cfg.Brokers, saramaCfg)
		if err != nil {
			return fmt.Errorf("creating client: %w", err)
		}

		producer, err := sarama.NewSyncProducerFromClient(client)
		if err != nil {
			client.Close()
			return fmt.Errorf("creating producer: %w", err)
		}

		consumer, err := sarama.NewConsumerFromClient(client)
		if err != nil {
			producer.Close()
			client.Close()
			return fmt.Errorf("creating consumer: %w", err)
		}

		bus = NewBus(producer, consumer, cfg.Topic, logger, tracer)
		return nil
	}

	if err := backoff.Retry(operation, expBackoff); err != nil {
		return nil, fmt.Errorf("failed to connect liveness bus after retries: %w", err)
	}
	return bus, nil
}

// Post produces one message keyed by name.
func (b *Bus) Post(ctx context.Context, name string) error {
	ctx, span := b.tracer.Start(ctx, "liveness_kafka_bus.post",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", b.topic),
			attribute.String("signal", name),
		))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return errBusClosed
	}

	part, offset, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(name),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to send signal")
		return fmt.Errorf("failed to send signal to kafka topic %s: %w", b.topic, err)
	}

	b.logger.Debug(ctx, "Posted signal", "signal", name, "partition", part, "offset", offset)
	return nil
}

// Listen consumes every partition of the topic from the newest offset.
func (b *Bus) Listen(ctx context.Context, deliver func(name string)) error {
	partitions, err := b.consumer.Partitions(b.topic)
	if err != nil {
		return fmt.Errorf("listing partitions for topic %s: %w", b.topic, err)
	}

	pcs := make([]*partition, 0, len(partitions))
	for _, p := range partitions {
		pc, err := b.consumer.ConsumePartition(b.topic, p, sarama.OffsetNewest)
		if err != nil {
			for _, started := range pcs {
				started.stop()
			}
			return fmt.Errorf("consuming partition %d of topic %s: %w", p, b.topic, err)
		}
		pcs = append(pcs, &partition{PartitionConsumer: pc})
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		for _, pc := range pcs {
			pc.stop()
		}
		return errBusClosed
	}
	b.consumers = append(b.consumers, pcs...)
	b.mu.Unlock()

	// Fan partitions into one goroutine so deliver is never called
	// concurrently.
	merged := make(chan string)
	var wg sync.WaitGroup
	for _, pc := range pcs {
		wg.Add(1)
		go func(pc *partition) {
			defer wg.Done()
			b.drain(ctx, pc, merged)
		}(pc)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				for _, pc := range pcs {
					pc.stop()
				}
				wg.Wait()
				return
			case name := <-merged:
				deliver(name)
			}
		}
	}()

	return nil
}

func (b *Bus) drain(ctx context.Context, pc *partition, out chan<- string) {
	for {
		select {
		case <-ctx.Done():
			return

		case msg, ok := <-pc.Messages():
			if !ok {
				return
			}
			if len(msg.Key) == 0 {
				continue
			}
			select {
			case out <- string(msg.Key):
			case <-ctx.Done():
				return
			}

		case err, ok := <-pc.Errors():
			if !ok {
				return
			}
			b.logger.Warn(ctx, "partition consumer error", "error", err)
		}
	}
}

// Close shuts down consumers and the producer.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	consumers := b.consumers
	b.consumers = nil
	b.mu.Unlock()

	var errs []error
	for _, pc := range consumers {
		pc.stop()
	}
	if err := b.consumer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing consumer: %w", err))
	}
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing producer: %w", err))
	}
	return errors.Join(errs...)
}
