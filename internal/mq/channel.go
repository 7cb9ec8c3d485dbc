package mq

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State — состояние сессии потребления канала.
type State int

// Состояния: IDLE -> DECLARED -> CONSUMING -> {STOPPED, FAILED}.
// STOPPED и FAILED — терминальные.
const (
	StateIdle State = iota
	StateDeclared
	StateConsuming
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateDeclared:
		return "DECLARED"
	case StateConsuming:
		return "CONSUMING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsTerminal сообщает, завершена ли сессия.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

// QueueChannel объявляет очереди, публикует и потребляет сообщения
// через канал своего Connection.
type QueueChannel struct {
	conn *Connection
	ch   Channel

	mu       sync.Mutex
	state    State
	declared map[string]QueueOptions
}

func newQueueChannel(conn *Connection, ch Channel) *QueueChannel {
	return &QueueChannel{
		conn:     conn,
		ch:       ch,
		declared: make(map[string]QueueOptions),
	}
}

// State возвращает текущее состояние сессии потребления.
func (q *QueueChannel) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// DeclareQueue объявляет очередь. Повторное объявление с теми же
// параметрами — no-op на стороне брокера.
func (q *QueueChannel) DeclareQueue(ctx context.Context, name string, opts QueueOptions) (Queue, error) {
	host := q.conn.addr.String()

	if name == "" {
		return Queue{}, &DeclarationError{Host: host, Queue: name, Err: ErrEmptyQueueName}
	}
	if err := ctx.Err(); err != nil {
		return Queue{}, &DeclarationError{Host: host, Queue: name, Err: err}
	}
	if err := q.conn.checkOpen(); err != nil {
		return Queue{}, err
	}

	aq, err := q.ch.QueueDeclare(
		name,
		opts.Durable,
		opts.AutoDelete,
		opts.Exclusive,
		false, // no-wait
		opts.Args,
	)
	if err != nil {
		q.conn.cfg.Metrics.incError("declare")
		return Queue{}, &DeclarationError{Host: host, Queue: name, Err: err}
	}

	q.mu.Lock()
	q.declared[name] = opts
	if q.state == StateIdle {
		q.state = StateDeclared
	}
	q.mu.Unlock()

	q.conn.logger.Debug("queue declared",
		"queue", aq.Name,
		"durable", opts.Durable,
		"messages", aq.Messages,
		"consumers", aq.Consumers,
	)

	return Queue{Name: aq.Name, Messages: aq.Messages, Consumers: aq.Consumers}, nil
}

// Publish отправляет одно сообщение в очередь через default exchange.
// Подтверждения брокера не ожидаются.
func (q *QueueChannel) Publish(ctx context.Context, queue string, payload []byte) error {
	host := q.conn.addr.String()

	if queue == "" {
		return &PublishError{Host: host, Queue: queue, Err: ErrEmptyQueueName}
	}
	if err := q.conn.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, q.conn.cfg.PublishTimeout)
	defer cancel()

	deliveryMode := amqp.Transient
	if q.conn.cfg.Persistent {
		deliveryMode = amqp.Persistent
	}

	msgID := uuid.New().String()
	err := q.ch.PublishWithContext(
		ctx,
		"",    // default exchange
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "text/plain",
			DeliveryMode: deliveryMode,
			MessageId:    msgID,
			Timestamp:    time.Now(),
			Body:         payload,
		},
	)
	if err != nil {
		q.conn.cfg.Metrics.incError("publish")
		return &PublishError{Host: host, Queue: queue, Err: err}
	}

	q.conn.cfg.Metrics.incPublished(queue)
	q.conn.logger.Debug("published message", "queue", queue, "message_id", msgID, "size", len(payload))

	return nil
}

// Consume вызывает handler на каждую доставку из очереди и блокируется,
// пока не отменён ctx (STOPPED, возвращает nil) или не упал транспорт
// (FAILED, возвращает *ConsumeError).
//
// Если очередь ещё не объявлена на этом канале, она объявляется
// с параметрами по умолчанию. Доставки обрабатываются по одной,
// в порядке брокера. Перезапуск после завершения не поддерживается.
func (q *QueueChannel) Consume(ctx context.Context, queue string, handler Handler) error {
	host := q.conn.addr.String()

	if queue == "" {
		return &ConsumeError{Host: host, Queue: queue, Err: ErrEmptyQueueName}
	}
	if handler == nil {
		return &ConsumeError{Host: host, Queue: queue, Err: ErrNilHandler}
	}

	q.mu.Lock()
	state := q.state
	opts, declared := q.declared[queue]
	q.mu.Unlock()

	switch {
	case state == StateConsuming:
		return &ConsumeError{Host: host, Queue: queue, Err: ErrAlreadyConsuming}
	case state.IsTerminal():
		return &ConsumeError{Host: host, Queue: queue, Err: ErrConsumeFinished}
	}

	if !declared {
		if _, err := q.DeclareQueue(ctx, queue, opts); err != nil {
			return err
		}
	}

	if err := q.conn.checkOpen(); err != nil {
		return err
	}

	closed := q.conn.notifyClose()

	deliveries, tag, err := q.subscribe(queue)
	if err != nil {
		q.conn.cfg.Metrics.incError("consume")
		q.setState(StateFailed)
		return &ConsumeError{Host: host, Queue: queue, Err: err}
	}

	if !q.transition(StateDeclared, StateConsuming) {
		q.ch.Cancel(tag, false)
		return &ConsumeError{Host: host, Queue: queue, Err: ErrAlreadyConsuming}
	}

	logger := q.conn.logger.With("queue", queue)
	logger.Info("consumer started", "consumer_tag", tag, "prefetch", q.conn.cfg.Prefetch)

	if err := q.process(ctx, queue, deliveries, closed, handler); err != nil {
		q.conn.cfg.Metrics.incError("consume")
		q.setState(StateFailed)
		logger.Error("consumer failed", "error", err)
		return &ConsumeError{Host: host, Queue: queue, Err: err}
	}

	if err := q.ch.Cancel(tag, false); err != nil {
		logger.Debug("cancel consumer", "error", err)
	}
	q.setState(StateStopped)
	logger.Info("consumer stopped")

	return nil
}

// subscribe настраивает QoS и регистрирует consumer.
func (q *QueueChannel) subscribe(queue string) (<-chan amqp.Delivery, string, error) {
	if err := q.ch.Qos(q.conn.cfg.Prefetch, 0, false); err != nil {
		return nil, "", fmt.Errorf("set qos: %w", err)
	}

	tag := "courier-" + uuid.New().String()
	deliveries, err := q.ch.Consume(
		queue,
		tag,
		!q.conn.cfg.ManualAck, // auto-ack
		false,                 // exclusive
		false,                 // no-local
		false,                 // no-wait
		nil,                   // args
	)
	if err != nil {
		return nil, "", fmt.Errorf("consume: %w", err)
	}

	return deliveries, tag, nil
}

// process обрабатывает доставки до отмены ctx или сбоя транспорта.
// Возвращает nil только при отмене ctx.
func (q *QueueChannel) process(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case amqpErr, ok := <-closed:
			if !ok || amqpErr == nil {
				return ErrConnectionClosed
			}
			return &ConnectionError{Op: "consume", Host: q.conn.addr.String(), Err: amqpErr}

		case d, ok := <-deliveries:
			if !ok {
				// Сначала проверяем, не была ли это отмена или разрыв соединения.
				if ctx.Err() != nil {
					return nil
				}
				select {
				case amqpErr := <-closed:
					if amqpErr != nil {
						return &ConnectionError{Op: "consume", Host: q.conn.addr.String(), Err: amqpErr}
					}
				default:
				}
				return ErrDeliveriesClosed
			}

			q.handle(ctx, queue, d, handler)
		}
	}
}

// handle вызывает handler для одной доставки. Паника обработчика
// логируется и не прерывает потребление.
func (q *QueueChannel) handle(ctx context.Context, queue string, d amqp.Delivery, handler Handler) {
	start := time.Now()

	func() {
		defer func() {
			if rvr := recover(); rvr != nil {
				q.conn.cfg.Metrics.incError("handler")
				q.conn.logger.Error("panic in message handler",
					"queue", queue,
					"panic", rvr,
					"stack", string(debug.Stack()),
				)
			}
		}()

		handler(ctx, newMessage(queue, d))
	}()

	q.conn.cfg.Metrics.observeConsumed(queue, time.Since(start))

	if q.conn.cfg.ManualAck {
		if err := d.Ack(false); err != nil {
			q.conn.logger.Warn("ack failed", "queue", queue, "delivery_tag", d.DeliveryTag, "error", err)
		}
	}
}

func (q *QueueChannel) setState(s State) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
}

// transition переводит канал из from в to, если текущее состояние — from.
func (q *QueueChannel) transition(from, to State) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != from {
		return false
	}
	q.state = to
	return true
}
