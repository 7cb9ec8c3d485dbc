package mq

import (
	"errors"
	"fmt"
)

// Ошибки клиента.
var (
	// ErrConnectionClosed — операция над закрытым соединением.
	ErrConnectionClosed = errors.New("connection is closed")

	// ErrEmptyQueueName — имя очереди не задано.
	ErrEmptyQueueName = errors.New("queue name is empty")

	// ErrNilHandler — Consume вызван без обработчика.
	ErrNilHandler = errors.New("handler is nil")

	// ErrAlreadyConsuming — на канале уже идёт потребление.
	ErrAlreadyConsuming = errors.New("channel is already consuming")

	// ErrConsumeFinished — сессия потребления завершена, повторный запуск не поддерживается.
	ErrConsumeFinished = errors.New("consume session already finished")

	// ErrDeliveriesClosed — брокер закрыл канал доставки.
	ErrDeliveriesClosed = errors.New("deliveries channel closed")
)

// ConnectionError — брокер недоступен, отклонил handshake
// или соединение разорвано во время сессии.
type ConnectionError struct {
	Op   string // dial, channel, close, ...
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s %s: %s", e.Op, e.Host, errText(e.Err))
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DeclarationError — брокер отклонил объявление очереди.
type DeclarationError struct {
	Host  string
	Queue string
	Err   error
}

func (e *DeclarationError) Error() string {
	return fmt.Sprintf("declare queue %q on %s: %s", e.Queue, e.Host, errText(e.Err))
}

func (e *DeclarationError) Unwrap() error { return e.Err }

// PublishError — публикация отклонена или транспорт упал во время отправки.
type PublishError struct {
	Host  string
	Queue string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish to %q on %s: %s", e.Queue, e.Host, errText(e.Err))
}

func (e *PublishError) Unwrap() error { return e.Err }

// ConsumeError — сбой транспорта при ожидании или обработке доставки.
type ConsumeError struct {
	Host  string
	Queue string
	Err   error
}

func (e *ConsumeError) Error() string {
	return fmt.Sprintf("consume from %q on %s: %s", e.Queue, e.Host, errText(e.Err))
}

func (e *ConsumeError) Unwrap() error { return e.Err }

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
