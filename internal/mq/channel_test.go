package mq_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/mq/mqtest"
)

// collector собирает доставки и отменяет ctx после want сообщений.
type collector struct {
	mu     sync.Mutex
	msgs   []mq.Message
	want   int
	cancel context.CancelFunc
}

func (c *collector) handle(_ context.Context, msg mq.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.msgs = append(c.msgs, msg)
	if len(c.msgs) >= c.want {
		c.cancel()
	}
}

func (c *collector) bodies() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = string(m.Body)
	}
	return out
}

// consumeAsync запускает Consume в горутине и возвращает канал с результатом.
func consumeAsync(ctx context.Context, ch *mq.QueueChannel, queue string, h mq.Handler) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- ch.Consume(ctx, queue, h)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not return in time")
		return nil
	}
}

// --- DeclareQueue Tests ---

func TestDeclareQueue_Idempotent(t *testing.T) {
	broker := mqtest.NewBroker()
	ch := openTest(t, broker, mq.Config{}).Channel()
	ctx := context.Background()

	for _, opts := range []mq.QueueOptions{{}, {Durable: true}} {
		name := "idempotent"
		if opts.Durable {
			name = "idempotent-durable"
		}

		q, err := ch.DeclareQueue(ctx, name, opts)
		if err != nil {
			t.Fatalf("first declare of %s: %v", name, err)
		}
		if q.Name != name {
			t.Errorf("expected queue %s, got %s", name, q.Name)
		}

		if _, err := ch.DeclareQueue(ctx, name, opts); err != nil {
			t.Errorf("second declare of %s should succeed, got %v", name, err)
		}
	}

	if ch.State() != mq.StateDeclared {
		t.Errorf("expected DECLARED, got %s", ch.State())
	}
}

func TestDeclareQueue_Conflict(t *testing.T) {
	broker := mqtest.NewBroker()
	ch := openTest(t, broker, mq.Config{}).Channel()
	ctx := context.Background()

	if _, err := ch.DeclareQueue(ctx, "hello", mq.QueueOptions{}); err != nil {
		t.Fatalf("declare: %v", err)
	}

	_, err := ch.DeclareQueue(ctx, "hello", mq.QueueOptions{Durable: true})

	var declErr *mq.DeclarationError
	if !errors.As(err, &declErr) {
		t.Fatalf("expected DeclarationError, got %v", err)
	}
	if declErr.Queue != "hello" {
		t.Errorf("expected queue hello, got %s", declErr.Queue)
	}

	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) || amqpErr.Code != amqp.PreconditionFailed {
		t.Errorf("broker error should be propagated, got %v", err)
	}
}

func TestDeclareQueue_EmptyName(t *testing.T) {
	ch := openTest(t, mqtest.NewBroker(), mq.Config{}).Channel()

	_, err := ch.DeclareQueue(context.Background(), "", mq.QueueOptions{})
	if !errors.Is(err, mq.ErrEmptyQueueName) {
		t.Fatalf("expected ErrEmptyQueueName, got %v", err)
	}
	if ch.State() != mq.StateIdle {
		t.Errorf("failed declare should keep IDLE, got %s", ch.State())
	}
}

// --- Publish Tests ---

func TestPublish_EnqueuesMessage(t *testing.T) {
	broker := mqtest.NewBroker()
	ch := openTest(t, broker, mq.Config{}).Channel()
	ctx := context.Background()

	if _, err := ch.DeclareQueue(ctx, "hello", mq.QueueOptions{}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := ch.Publish(ctx, "hello", []byte("Hello World!")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if broker.Depth("hello") != 1 {
		t.Errorf("expected 1 message in queue, got %d", broker.Depth("hello"))
	}
}

func TestPublish_Errors(t *testing.T) {
	broker := mqtest.NewBroker()
	ch := openTest(t, broker, mq.Config{}).Channel()
	ctx := context.Background()

	err := ch.Publish(ctx, "", []byte("x"))
	if !errors.Is(err, mq.ErrEmptyQueueName) {
		t.Errorf("expected ErrEmptyQueueName, got %v", err)
	}

	broker.FailPublish(amqp.ErrClosed)
	err = ch.Publish(ctx, "hello", []byte("x"))

	var pubErr *mq.PublishError
	if !errors.As(err, &pubErr) {
		t.Fatalf("expected PublishError, got %v", err)
	}
	if pubErr.Queue != "hello" || pubErr.Host != "localhost:5672" {
		t.Errorf("unexpected error context: %+v", pubErr)
	}
}

// --- Consume Tests ---

func TestConsume_HelloWorld(t *testing.T) {
	broker := mqtest.NewBroker()
	ctx := context.Background()

	// Производитель отправляет до подключения потребителя.
	producer := openTest(t, broker, mq.Config{}).Channel()
	if _, err := producer.DeclareQueue(ctx, "hello", mq.QueueOptions{}); err != nil {
		t.Fatalf("declare: %v", err)
	}
	if err := producer.Publish(ctx, "hello", []byte("Hello World!")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	consumer := openTest(t, broker, mq.Config{}).Channel()
	if _, err := consumer.DeclareQueue(ctx, "hello", mq.QueueOptions{}); err != nil {
		t.Fatalf("declare: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := &collector{want: 1, cancel: cancel}

	if err := waitDone(t, consumeAsync(cctx, consumer, "hello", c.handle)); err != nil {
		t.Fatalf("consume should stop cleanly, got %v", err)
	}

	got := c.bodies()
	if len(got) != 1 || got[0] != "Hello World!" {
		t.Fatalf("expected exactly one 'Hello World!', got %v", got)
	}
	if c.msgs[0].Queue != "hello" {
		t.Errorf("expected queue hello, got %s", c.msgs[0].Queue)
	}
	if c.msgs[0].ID == "" {
		t.Error("message id should be set by publisher")
	}
	if consumer.State() != mq.StateStopped {
		t.Errorf("expected STOPPED, got %s", consumer.State())
	}
}

func TestConsume_PreservesOrder(t *testing.T) {
	broker := mqtest.NewBroker()
	ch := openTest(t, broker, mq.Config{}).Channel()
	ctx := context.Background()

	if _, err := ch.DeclareQueue(ctx, "hello", mq.QueueOptions{}); err != nil {
		t.Fatalf("declare: %v", err)
	}

	want := []string{"msg-1", "msg-2", "msg-3", "msg-4", "msg-5"}
	for _, body := range want {
		if err := ch.Publish(ctx, "hello", []byte(body)); err != nil {
			t.Fatalf("publish %s: %v", body, err)
		}
	}

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := &collector{want: len(want), cancel: cancel}

	if err := waitDone(t, consumeAsync(cctx, ch, "hello", c.handle)); err != nil {
		t.Fatalf("consume: %v", err)
	}

	got := c.bodies()
	if len(got) != len(want) {
		t.Fatalf("expected %d messages, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestConsume_DeliversMessagesPublishedWhileConsuming(t *testing.T) {
	broker := mqtest.NewBroker()
	ctx := context.Background()

	consumer := openTest(t, broker, mq.Config{}).Channel()
	producer := openTest(t, broker, mq.Config{}).Channel()

	cctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c := &collector{want: 2, cancel: cancel}

	// Consume объявит очередь сам.
	done := consumeAsync(cctx, consumer, "hello", c.handle)

	waitFor(t, func() bool { return consumer.State() == mq.StateConsuming })

	for _, body := range []string{"msg-1", "msg-2"} {
		if err := producer.Publish(ctx, "hello", []byte(body)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	if err := waitDone(t, done); err != nil {
		t.Fatalf("consume: %v", err)
	}

	got := c.bodies()
	if len(got) != 2 || got[0] != "msg-1" || got[1] != "msg-2" {
		t.Fatalf("expected [msg-1 msg-2], got %v", got)
	}
}

func TestConsume_CancelReleasesConnection(t *testing.T) {
	broker := mqtest.NewBroker()
	conn := openTest(t, broker, mq.Config{})
	ch := conn.Channel()

	ctx, cancel := context.WithCancel(context.Background())
	done := consumeAsync(ctx, ch, "hello", func(context.Context, mq.Message) {})

	waitFor(t, func() bool { return ch.State() == mq.StateConsuming })
	cancel()

	if err := waitDone(t, done); err != nil {
		t.Fatalf("cancel should not be an error, got %v", err)
	}
	if ch.State() != mq.StateStopped {
		t.Errorf("expected STOPPED, got %s", ch.State())
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if broker.OpenConnections() != 0 {
		t.Error("connection should be released")
	}
	if broker.DoubleCloses() != 0 {
		t.Error("connection closed twice")
	}
}

func TestConsume_TransportFailure(t *testing.T) {
	broker := mqtest.NewBroker()
	ch := openTest(t, broker, mq.Config{}).Channel()

	done := consumeAsync(context.Background(), ch, "hello", func(context.Context, mq.Message) {})
	waitFor(t, func() bool { return ch.State() == mq.StateConsuming })

	broker.Drop(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - shutdown"})

	err := waitDone(t, done)

	var consumeErr *mq.ConsumeError
	if !errors.As(err, &consumeErr) {
		t.Fatalf("expected ConsumeError, got %v", err)
	}
	if consumeErr.Queue != "hello" {
		t.Errorf("expected queue hello, got %s", consumeErr.Queue)
	}
	if ch.State() != mq.StateFailed {
		t.Errorf("expected FAILED, got %s", ch.State())
	}
}

func TestConsume_RestartNotSupported(t *testing.T) {
	broker := mqtest.NewBroker()
	ch := openTest(t, broker, mq.Config{}).Channel()

	ctx, cancel := context.WithCancel(context.Background())
	done := consumeAsync(ctx, ch, "hello", func(context.Context, mq.Message) {})
	waitFor(t, func() bool { return ch.State() == mq.StateConsuming })

	err := ch.Consume(context.Background(), "hello", func(context.Context, mq.Message) {})
	if !errors.Is(err, mq.ErrAlreadyConsuming) {
		t.Errorf("expected ErrAlreadyConsuming, got %v", err)
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("consume: %v", err)
	}

	err = ch.Consume(context.Background(), "hello", func(context.Context, mq.Message) {})
	if !errors.Is(err, mq.ErrConsumeFinished) {
		t.Errorf("expected ErrConsumeFinished, got %v", err)
	}
}

func TestConsume_InvalidArguments(t *testing.T) {
	ch := openTest(t, mqtest.NewBroker(), mq.Config{}).Channel()
	ctx := context.Background()

	tests := []struct {
		name    string
		queue   string
		handler mq.Handler
		want    error
	}{
		{"empty queue", "", func(context.Context, mq.Message) {}, mq.ErrEmptyQueueName},
		{"nil handler", "hello", nil, mq.ErrNilHandler},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ch.Consume(ctx, tt.queue, tt.handler)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if ch.State() != mq.StateIdle {
		t.Errorf("invalid arguments should not change state, got %s", ch.State())
	}
}

func TestConsume_HandlerPanicDoesNotStopConsumer(t *testing.T) {
	broker := mqtest.NewBroker()
	ch := openTest(t, broker, mq.Config{}).Channel()

	broker.Enqueue("hello", []byte("boom"))
	broker.Enqueue("hello", []byte("ok"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &collector{want: 2, cancel: cancel}

	handler := func(ctx context.Context, msg mq.Message) {
		c.handle(ctx, msg)
		if string(msg.Body) == "boom" {
			panic("handler exploded")
		}
	}

	if err := waitDone(t, consumeAsync(ctx, ch, "hello", handler)); err != nil {
		t.Fatalf("consume: %v", err)
	}

	got := c.bodies()
	if len(got) != 2 || got[1] != "ok" {
		t.Fatalf("consumer should continue after panic, got %v", got)
	}
}

func TestConsume_ManualAck(t *testing.T) {
	broker := mqtest.NewBroker()
	ch := openTest(t, broker, mq.Config{ManualAck: true, Prefetch: 5}).Channel()

	broker.Enqueue("hello", []byte("msg-1"))
	broker.Enqueue("hello", []byte("msg-2"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := &collector{want: 2, cancel: cancel}

	if err := waitDone(t, consumeAsync(ctx, ch, "hello", c.handle)); err != nil {
		t.Fatalf("consume: %v", err)
	}

	waitFor(t, func() bool { return broker.Acks() == 2 })
}

func TestState_String(t *testing.T) {
	tests := map[mq.State]string{
		mq.StateIdle:      "IDLE",
		mq.StateDeclared:  "DECLARED",
		mq.StateConsuming: "CONSUMING",
		mq.StateStopped:   "STOPPED",
		mq.StateFailed:    "FAILED",
		mq.State(42):      "State(42)",
	}

	for state, want := range tests {
		if state.String() != want {
			t.Errorf("expected %s, got %s", want, state.String())
		}
	}

	if !mq.StateStopped.IsTerminal() || !mq.StateFailed.IsTerminal() {
		t.Error("STOPPED and FAILED should be terminal")
	}
	if mq.StateConsuming.IsTerminal() {
		t.Error("CONSUMING should not be terminal")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
