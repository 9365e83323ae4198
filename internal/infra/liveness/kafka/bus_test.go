package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/massimiliano76/AltStore/internal/infra/liveness"
	"github.com/massimiliano76/AltStore/pkg/common/logger"
)

const testTopic = "altstore.liveness"

func newTestBus(t *testing.T, producer sarama.SyncProducer, consumer sarama.Consumer) *Bus {
	t.Helper()
	return NewBus(producer, consumer, testTopic, logger.Noop(), noop.NewTracerProvider().Tracer("test"))
}

func TestBusPostKeysMessageBySignalName(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != testTopic {
			return errors.New("unexpected topic " + msg.Topic)
		}
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != liveness.RequestAppState("com.example.app") {
			return errors.New("unexpected key " + string(key))
		}
		if msg.Value != nil {
			return errors.New("signals carry no payload")
		}
		return nil
	})

	bus := newTestBus(t, producer, mocks.NewConsumer(t, nil))
	require.NoError(t, bus.Post(context.Background(), liveness.RequestAppState("com.example.app")))
	require.NoError(t, bus.Close())
}

func TestBusPostPropagatesProducerError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	bus := newTestBus(t, producer, mocks.NewConsumer(t, nil))
	err := bus.Post(context.Background(), "signal")
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, bus.Close())
}

func TestBusPostAfterClose(t *testing.T) {
	bus := newTestBus(t, mocks.NewSyncProducer(t, nil), mocks.NewConsumer(t, nil))
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	assert.ErrorIs(t, bus.Post(context.Background(), "signal"), errBusClosed)
}

func TestBusListenDeliversKeysFromEveryPartition(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{testTopic: {0, 1}})
	p0 := consumer.ExpectConsumePartition(testTopic, 0, sarama.OffsetNewest)
	p1 := consumer.ExpectConsumePartition(testTopic, 1, sarama.OffsetNewest)

	bus := newTestBus(t, mocks.NewSyncProducer(t, nil), consumer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan string, 4)
	require.NoError(t, bus.Listen(ctx, func(name string) { received <- name }))

	p0.YieldMessage(&sarama.ConsumerMessage{Key: []byte(liveness.AppIsRunning("a"))})
	p1.YieldMessage(&sarama.ConsumerMessage{Key: []byte(liveness.AppIsRunning("b"))})
	// Keyless messages are not signals.
	p1.YieldMessage(&sarama.ConsumerMessage{Value: []byte("noise")})

	got := make(map[string]bool)
	for range 2 {
		select {
		case name := <-received:
			got[name] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for signals")
		}
	}
	assert.Equal(t, map[string]bool{
		liveness.AppIsRunning("a"): true,
		liveness.AppIsRunning("b"): true,
	}, got)

	select {
	case name := <-received:
		t.Fatalf("unexpected signal %q", name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBusListenUnknownTopic(t *testing.T) {
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{"other": {0}})

	bus := newTestBus(t, mocks.NewSyncProducer(t, nil), consumer)
	err := bus.Listen(context.Background(), func(string) {})
	assert.Error(t, err)
}
