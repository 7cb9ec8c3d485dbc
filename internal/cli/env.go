package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaiso/Courier/internal/config"
	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/telemetry"
)

// Env — зависимости команд. Логгер передаётся через контекст команды.
type Env struct {
	Config   config.Config
	Registry *prometheus.Registry
	Metrics  *mq.Metrics

	// Dialer (если nil — реальный AMQP).
	Dialer mq.Dialer
}

// Open подключается к брокеру из конфигурации.
func (e *Env) Open(ctx context.Context) (*mq.Connection, error) {
	addr, err := e.Config.Address()
	if err != nil {
		return nil, err
	}

	logger := telemetry.FromContext(ctx)

	cfg := e.Config.MQ()
	cfg.Dialer = e.Dialer
	cfg.Logger = logger
	cfg.Metrics = e.Metrics

	conn, err := mq.Open(ctx, addr, cfg)
	if err != nil {
		var connErr *mq.ConnectionError
		if errors.As(err, &connErr) && !interrupted(ctx, err) {
			logger.Warn(fmt.Sprintf("Verify the server is running on host=%s", connErr.Host))
		}
		return nil, err
	}

	return conn, nil
}

// interrupted сообщает, что err вызван отменой ctx (SIGINT/SIGTERM), а не сбоем.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, context.Canceled)
}

// closeConn закрывает соединение в конце команды.
func closeConn(conn *mq.Connection, logger *slog.Logger) {
	logger.Info("Closing connection. Goodbye.")
	if err := conn.Close(); err != nil {
		logger.Warn("failed to close connection", "error", err)
	}
}
