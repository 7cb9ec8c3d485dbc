package mq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
)

// Default configuration values.
const (
	defaultDialTimeout    = 10 * time.Second
	defaultRetryDelay     = 500 * time.Millisecond
	defaultPublishTimeout = 10 * time.Second
	defaultPrefetch       = 1
)

// Config — конфигурация соединения.
type Config struct {
	// Dialer открывает транспорт (если nil — AMQPDialer(DialTimeout)).
	Dialer Dialer

	// Logger (если nil — slog.Default()).
	Logger *slog.Logger

	// Metrics (опционально).
	Metrics *Metrics

	// DialTimeout — таймаут подключения (default: 10s).
	DialTimeout time.Duration

	// DialRetries — число повторных попыток первого подключения (default: 0, без retry).
	// Разорванное соединение никогда не восстанавливается.
	DialRetries uint64

	// RetryDelay — начальная задержка exponential backoff (default: 500ms).
	RetryDelay time.Duration

	// PublishTimeout — таймаут одной публикации (default: 10s).
	PublishTimeout time.Duration

	// Prefetch — QoS prefetch count для Consume (default: 1).
	// Действует только при ManualAck: при auto-ack брокер его не учитывает.
	Prefetch int

	// ManualAck — подтверждать доставку после обработчика вместо auto-ack.
	ManualAck bool

	// Persistent — публиковать с delivery mode persistent.
	Persistent bool
}

func (cfg Config) withDefaults() Config {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = AMQPDialer(cfg.DialTimeout)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = defaultPrefetch
	}
	return cfg
}

// Connection — открытое соединение с брокером и единственный канал поверх него.
//
// Connection либо полностью открыт, либо полностью закрыт:
// Open не возвращает частично инициализированное значение.
type Connection struct {
	addr   Address
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	transport Transport
	channel   *QueueChannel
	closed    bool
}

// Open подключается к брокеру и открывает канал.
func Open(ctx context.Context, addr Address, cfg Config) (*Connection, error) {
	addr = addr.withDefaults()
	cfg = cfg.withDefaults()
	logger := cfg.Logger.With("host", addr.String())

	if err := addr.Validate(); err != nil {
		return nil, &ConnectionError{Op: "dial", Host: addr.String(), Err: err}
	}

	logger.Info("connecting to RabbitMQ")

	transport, err := dial(ctx, addr, cfg, logger)
	if err != nil {
		cfg.Metrics.incError("dial")
		return nil, &ConnectionError{Op: "dial", Host: addr.String(), Err: err}
	}

	ch, err := transport.Channel()
	if err != nil {
		transport.Close()
		cfg.Metrics.incError("channel")
		return nil, &ConnectionError{Op: "channel", Host: addr.String(), Err: fmt.Errorf("open channel: %w", err)}
	}

	c := &Connection{
		addr:      addr,
		cfg:       cfg,
		logger:    logger,
		transport: transport,
	}
	c.channel = newQueueChannel(c, ch)

	logger.Info("connected to RabbitMQ")

	return c, nil
}

// dial открывает транспорт; при DialRetries > 0 повторяет попытки с exponential backoff.
func dial(ctx context.Context, addr Address, cfg Config, logger *slog.Logger) (Transport, error) {
	if cfg.DialRetries == 0 {
		return cfg.Dialer(ctx, addr.URL())
	}

	var transport Transport
	b := retry.WithMaxRetries(cfg.DialRetries, retry.NewExponential(cfg.RetryDelay))

	err := retry.Do(ctx, b, func(ctx context.Context) error {
		t, err := cfg.Dialer(ctx, addr.URL())
		if err != nil {
			logger.Warn("dial failed", "error", err)
			return retry.RetryableError(err)
		}
		transport = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	return transport, nil
}

// Channel возвращает канал соединения.
func (c *Connection) Channel() *QueueChannel {
	return c.channel
}

// Address возвращает адрес брокера.
func (c *Connection) Address() Address {
	return c.addr
}

// IsOpen проверяет, что соединение не закрыто ни клиентом, ни брокером.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.closed && !c.transport.IsClosed()
}

// Close закрывает канал и соединение. Повторный вызов — no-op.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	// Брокер уже разорвал соединение — закрывать нечего.
	if c.transport.IsClosed() {
		c.logger.Info("connection closed")
		return nil
	}

	var errs []error

	if err := c.channel.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close channel: %w", err))
	}

	if err := c.transport.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}

	if len(errs) > 0 {
		c.cfg.Metrics.incError("close")
		return &ConnectionError{Op: "close", Host: c.addr.String(), Err: errors.Join(errs...)}
	}

	c.logger.Info("connection closed")
	return nil
}

// checkOpen возвращает ConnectionError, если соединение закрыто.
func (c *Connection) checkOpen() error {
	if c.IsOpen() {
		return nil
	}
	return &ConnectionError{Op: "use", Host: c.addr.String(), Err: ErrConnectionClosed}
}

// notifyClose подписывается на закрытие транспорта.
func (c *Connection) notifyClose() chan *amqp.Error {
	return c.transport.NotifyClose(make(chan *amqp.Error, 1))
}
