// Courier — минимальный клиент RabbitMQ.
//
// Использование:
//
//	courier [--host HOST] [--queue NAME] <command> [flags]
//
// Команды:
//
//	emit [MESSAGE]  Отправить сообщение в очередь (по умолчанию "Hello World!")
//	listen          Печатать сообщения из очереди до CTRL+C
//
// Код выхода: 0 при успехе или прерывании пользователем, 1 при ошибке.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/shaiso/Courier/internal/cli"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rootCmd := cli.NewRootCmd(version, nil, os.Stdout)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("courier failed", "error", err)
		cancel()
		os.Exit(1)
	}
}
