package mq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport — сетевое соединение с брокером.
// *amqp.Connection удовлетворяет ему через amqpTransport,
// в тестах используется in-memory брокер из пакета mqtest.
type Transport interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Channel — подмножество методов *amqp.Channel, которое использует клиент.
type Channel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Dialer открывает Transport по AMQP URI.
type Dialer func(ctx context.Context, url string) (Transport, error)

// AMQPDialer возвращает Dialer поверх amqp091-go с таймаутом TCP-подключения и handshake.
func AMQPDialer(timeout time.Duration) Dialer {
	return func(ctx context.Context, url string) (Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(timeout),
		})
		if err != nil {
			return nil, err
		}

		return amqpTransport{conn}, nil
	}
}

// amqpTransport адаптирует *amqp.Connection к Transport.
type amqpTransport struct {
	*amqp.Connection
}

func (t amqpTransport) Channel() (Channel, error) {
	ch, err := t.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
