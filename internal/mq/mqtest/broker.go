// Package mqtest — in-memory брокер для тестов пакета mq и его пользователей.
//
// Broker реализует mq.Dialer и считает открытые соединения,
// повторные закрытия и подтверждения, чтобы тесты могли проверять утечки.
package mqtest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shaiso/Courier/internal/mq"
)

// ErrUnreachable — типичная ошибка недоступного брокера.
var ErrUnreachable = errors.New("dial tcp 127.0.0.1:5672: connect: connection refused")

// Broker — in-memory брокер.
type Broker struct {
	mu     sync.Mutex
	queues map[string]*queue
	conns  map[*Transport]struct{}

	dialErr    error
	channelErr error
	publishErr error

	dials        int
	doubleCloses int
	acks         int
	urls         []string
}

// NewBroker создаёт пустой брокер.
func NewBroker() *Broker {
	return &Broker{
		queues: make(map[string]*queue),
		conns:  make(map[*Transport]struct{}),
	}
}

// Dial — mq.Dialer.
func (b *Broker) Dial(ctx context.Context, url string) (mq.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	b.urls = append(b.urls, url)

	if b.dialErr != nil {
		return nil, b.dialErr
	}

	t := &Transport{broker: b}
	b.conns[t] = struct{}{}
	return t, nil
}

// FailDial заставляет последующие Dial возвращать err (nil — снять).
func (b *Broker) FailDial(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

// FailChannel заставляет Transport.Channel возвращать err.
func (b *Broker) FailChannel(err error) {
	b.mu.Lock()
	b.channelErr = err
	b.mu.Unlock()
}

// FailPublish заставляет PublishWithContext возвращать err.
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// Dials возвращает число вызовов Dial.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// DialedURLs возвращает URI всех вызовов Dial.
func (b *Broker) DialedURLs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.urls...)
}

// OpenConnections возвращает число незакрытых соединений.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// DoubleCloses возвращает число Close на уже закрытых соединениях.
func (b *Broker) DoubleCloses() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.doubleCloses
}

// Acks возвращает число подтверждённых доставок.
func (b *Broker) Acks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

// Enqueue кладёт сообщение в очередь напрямую, создавая её при необходимости.
func (b *Broker) Enqueue(name string, body []byte) {
	b.mu.Lock()
	q := b.queueLocked(name, mq.QueueOptions{})
	b.mu.Unlock()

	q.push(amqp.Publishing{Body: body, Timestamp: time.Now()})
}

// Depth возвращает число сообщений в очереди.
func (b *Broker) Depth(name string) int {
	b.mu.Lock()
	q, ok := b.queues[name]
	b.mu.Unlock()

	if !ok {
		return 0
	}
	return q.size()
}

// Drop разрывает все соединения со стороны брокера с причиной reason.
func (b *Broker) Drop(reason *amqp.Error) {
	b.mu.Lock()
	conns := make([]*Transport, 0, len(b.conns))
	for t := range b.conns {
		conns = append(conns, t)
	}
	b.mu.Unlock()

	for _, t := range conns {
		t.shutdown(reason)
	}
}

func (b *Broker) queueLocked(name string, opts mq.QueueOptions) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = newQueue(name, opts)
		b.queues[name] = q
	}
	return q
}

func (b *Broker) declare(name string, opts mq.QueueOptions) (amqp.Queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		if q.opts.Durable != opts.Durable || q.opts.AutoDelete != opts.AutoDelete || q.opts.Exclusive != opts.Exclusive {
			return amqp.Queue{}, &amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name),
			}
		}
	}

	q := b.queueLocked(name, opts)
	return amqp.Queue{Name: name, Messages: q.size(), Consumers: q.consumerCount()}, nil
}

func (b *Broker) forget(t *Transport) {
	b.mu.Lock()
	delete(b.conns, t)
	b.mu.Unlock()
}

func (b *Broker) ack() {
	b.mu.Lock()
	b.acks++
	b.mu.Unlock()
}

// Transport — соединение с in-memory брокером.
type Transport struct {
	broker *Broker

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*Channel
}

// Channel открывает канал.
func (t *Transport) Channel() (mq.Channel, error) {
	t.broker.mu.Lock()
	err := t.broker.channelErr
	t.broker.mu.Unlock()
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Channel{transport: t, consumers: make(map[string]*consumer)}
	t.channels = append(t.channels, ch)
	return ch, nil
}

// NotifyClose регистрирует получателя события закрытия.
func (t *Transport) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		close(receiver)
		return receiver
	}
	t.notify = append(t.notify, receiver)
	return receiver
}

// IsClosed сообщает, закрыто ли соединение.
func (t *Transport) IsClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close закрывает соединение со стороны клиента.
func (t *Transport) Close() error {
	if !t.shutdown(nil) {
		t.broker.mu.Lock()
		t.broker.doubleCloses++
		t.broker.mu.Unlock()
		return amqp.ErrClosed
	}
	return nil
}

// shutdown закрывает соединение; false — если оно уже было закрыто.
func (t *Transport) shutdown(reason *amqp.Error) bool {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return false
	}
	t.closed = true
	notify := t.notify
	channels := t.channels
	t.notify = nil
	t.mu.Unlock()

	for _, n := range notify {
		if reason != nil {
			select {
			case n <- reason:
			default:
			}
		}
		close(n)
	}

	for _, ch := range channels {
		ch.stopAll()
	}

	t.broker.forget(t)
	return true
}

// Channel — канал in-memory брокера.
type Channel struct {
	transport *Transport

	mu        sync.Mutex
	closed    bool
	tags      uint64
	consumers map[string]*consumer
}

// Qos — no-op.
func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return c.check()
}

// QueueDeclare объявляет очередь; несовместимые параметры — PRECONDITION_FAILED.
func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := c.check(); err != nil {
		return amqp.Queue{}, err
	}
	return c.transport.broker.declare(name, mq.QueueOptions{
		Durable:    durable,
		AutoDelete: autoDelete,
		Exclusive:  exclusive,
		Args:       args,
	})
}

// PublishWithContext кладёт сообщение в очередь key (exchange должен быть пустым).
// Сообщение в необъявленную очередь отбрасывается, как в default exchange.
func (c *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := c.check(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if exchange != "" {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'"}
	}

	b := c.transport.broker
	b.mu.Lock()
	err := b.publishErr
	q, ok := b.queues[key]
	b.mu.Unlock()

	if err != nil {
		return err
	}
	if ok {
		q.push(msg)
	}
	return nil
}

// Consume регистрирует consumer и возвращает канал доставок.
func (c *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := c.check(); err != nil {
		return nil, err
	}

	b := c.transport.broker
	b.mu.Lock()
	q, ok := b.queues[queueName]
	b.mu.Unlock()
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queueName + "'"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.consumers[tag]; dup {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag '" + tag + "'"}
	}

	cons := &consumer{
		queue:   q,
		tag:     tag,
		channel: c,
		out:     make(chan amqp.Delivery),
		stop:    make(chan struct{}),
		autoAck: autoAck,
	}
	c.consumers[tag] = cons
	q.addConsumer()

	go cons.run()

	return cons.out, nil
}

// Cancel останавливает consumer; его канал доставок закрывается.
func (c *Channel) Cancel(tag string, noWait bool) error {
	c.mu.Lock()
	cons, ok := c.consumers[tag]
	delete(c.consumers, tag)
	c.mu.Unlock()

	if ok {
		cons.cancel()
	}
	return nil
}

// Close закрывает канал.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.mu.Unlock()

	c.stopAll()
	return nil
}

func (c *Channel) stopAll() {
	c.mu.Lock()
	c.closed = true
	consumers := c.consumers
	c.consumers = make(map[string]*consumer)
	c.mu.Unlock()

	for _, cons := range consumers {
		cons.cancel()
	}
}

func (c *Channel) check() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed || c.transport.IsClosed() {
		return amqp.ErrClosed
	}
	return nil
}

func (c *Channel) nextTag() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags++
	return c.tags
}

// Ack реализует amqp.Acknowledger.
func (c *Channel) Ack(tag uint64, multiple bool) error {
	if err := c.check(); err != nil {
		return err
	}
	c.transport.broker.ack()
	return nil
}

// Nack реализует amqp.Acknowledger.
func (c *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return c.check()
}

// Reject реализует amqp.Acknowledger.
func (c *Channel) Reject(tag uint64, requeue bool) error {
	return c.check()
}

type consumer struct {
	queue   *queue
	tag     string
	channel *Channel
	out     chan amqp.Delivery
	stop    chan struct{}
	once    sync.Once
	autoAck bool
}

func (c *consumer) cancel() {
	c.once.Do(func() { close(c.stop) })
}

// run доставляет сообщения по одному в порядке очереди.
func (c *consumer) run() {
	defer close(c.out)
	defer c.queue.removeConsumer()

	for {
		msg, ok := c.queue.pop(c.stop)
		if !ok {
			return
		}

		d := amqp.Delivery{
			Acknowledger: c.channel,
			ConsumerTag:  c.tag,
			DeliveryTag:  c.channel.nextTag(),
			RoutingKey:   c.queue.name,
			ContentType:  msg.ContentType,
			MessageId:    msg.MessageId,
			Timestamp:    msg.Timestamp,
			Body:         msg.Body,
		}

		select {
		case c.out <- d:
		case <-c.stop:
			// Не доставлено — возвращаем в голову очереди.
			c.queue.requeue(msg)
			return
		}
	}
}

type queue struct {
	name string
	opts mq.QueueOptions

	mu        sync.Mutex
	msgs      []amqp.Publishing
	wake      chan struct{}
	consumers int
}

func newQueue(name string, opts mq.QueueOptions) *queue {
	return &queue{name: name, opts: opts, wake: make(chan struct{})}
}

func (q *queue) push(msg amqp.Publishing) {
	q.mu.Lock()
	q.msgs = append(q.msgs, msg)
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

func (q *queue) requeue(msg amqp.Publishing) {
	q.mu.Lock()
	q.msgs = append([]amqp.Publishing{msg}, q.msgs...)
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

// pop ждёт сообщение или закрытия stop.
func (q *queue) pop(stop <-chan struct{}) (amqp.Publishing, bool) {
	for {
		q.mu.Lock()
		if len(q.msgs) > 0 {
			msg := q.msgs[0]
			q.msgs = q.msgs[1:]
			q.mu.Unlock()
			return msg, true
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-stop:
			return amqp.Publishing{}, false
		}
	}
}

func (q *queue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

func (q *queue) consumerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.consumers
}

func (q *queue) addConsumer() {
	q.mu.Lock()
	q.consumers++
	q.mu.Unlock()
}

func (q *queue) removeConsumer() {
	q.mu.Lock()
	q.consumers--
	q.mu.Unlock()
}
