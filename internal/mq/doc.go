// Package mq — клиент RabbitMQ для схемы «один производитель / один потребитель».
//
// Структура:
//   - address.go    — адрес брокера (host, port, vhost, учётные данные)
//   - transport.go  — абстракция соединения и канала поверх amqp091-go
//   - connection.go — открытие и закрытие соединения (Open / Close)
//   - channel.go    — объявление очереди, публикация, потребление
//   - metrics.go    — Prometheus метрики
//   - errors.go     — ConnectionError, DeclarationError, PublishError, ConsumeError
//
// Производитель:
//
//	conn, err := mq.Open(ctx, mq.NewAddress("localhost", 0), mq.Config{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	ch := conn.Channel()
//	if _, err := ch.DeclareQueue(ctx, "hello", mq.QueueOptions{}); err != nil {
//	    return err
//	}
//	return ch.Publish(ctx, "hello", []byte("Hello World!"))
//
// Потребитель блокируется в Consume до отмены ctx:
//
//	err := ch.Consume(ctx, "hello", func(ctx context.Context, msg mq.Message) {
//	    logger.Info("received", "body", string(msg.Body))
//	})
//
// Гарантии доставки, durability и маршрутизация — ответственность брокера.
// Клиент не переподключается и не переупорядочивает сообщения.
package mq
