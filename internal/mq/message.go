package mq

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message — доставленное сообщение.
type Message struct {
	// Queue — очередь, из которой получено сообщение.
	Queue string

	// Body — полезная нагрузка, произвольные байты.
	Body []byte

	// ID — идентификатор, назначенный отправителем (может быть пустым).
	ID string

	ContentType string
	Timestamp   time.Time
	Redelivered bool
	DeliveryTag uint64
}

// Handler вызывается один раз на каждое доставленное сообщение.
// Результата нет: ошибки обработки остаются внутри обработчика.
type Handler func(ctx context.Context, msg Message)

// Queue — очередь, как её видит брокер после объявления.
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

// QueueOptions — параметры объявления очереди.
// Нулевое значение — обычная (не durable) очередь.
// Все производители и потребители одной очереди должны объявлять её одинаково.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table
}

func newMessage(queue string, d amqp.Delivery) Message {
	return Message{
		Queue:       queue,
		Body:        d.Body,
		ID:          d.MessageId,
		ContentType: d.ContentType,
		Timestamp:   d.Timestamp,
		Redelivered: d.Redelivered,
		DeliveryTag: d.DeliveryTag,
	}
}
