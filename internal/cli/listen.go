package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shaiso/Courier/internal/config"
	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/telemetry"
)

const metricsShutdownTimeout = 5 * time.Second

// NewListenCmd создаёт команду прослушивания очереди.
func NewListenCmd(v *viper.Viper, envFn func() *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print messages from the queue until interrupted",
		Long: `Declare the queue and print every delivered message.
Stops on SIGINT/SIGTERM and exits 0; a broker failure exits 1.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			ctx := cmd.Context()

			queue := env.Config.Queue.Name
			logger := telemetry.WithQueue(telemetry.FromContext(ctx), queue)

			if addr := env.Config.MetricsAddr; addr != "" {
				srv, err := telemetry.StartMetricsServer(addr, env.Registry, logger)
				if err != nil {
					return fmt.Errorf("start metrics server: %w", err)
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
			}

			// Отмена на любом этапе, включая подключение и объявление очереди, не ошибка.
			if err := listen(ctx, env, queue); err != nil && !interrupted(ctx, err) {
				return err
			}

			logger.Info("User interrupted the listening process.")
			return nil
		},
	}

	cobra.CheckErr(config.BindListenFlags(v, cmd.Flags()))

	return cmd
}

// listen объявляет очередь и печатает доставки до отмены ctx.
func listen(ctx context.Context, env *Env, queue string) error {
	logger := telemetry.WithQueue(telemetry.FromContext(ctx), queue)

	conn, err := env.Open(ctx)
	if err != nil {
		return err
	}
	defer closeConn(conn, logger)

	ch := conn.Channel()
	if _, err := ch.DeclareQueue(ctx, queue, env.Config.QueueOptions()); err != nil {
		return err
	}

	logger.Info(" [*] Waiting for messages. To exit press CTRL+C")

	return ch.Consume(ctx, queue, printMessage)
}

// printMessage — обработчик listen: пишет тело сообщения в лог.
func printMessage(ctx context.Context, msg mq.Message) {
	telemetry.WithQueue(telemetry.FromContext(ctx), msg.Queue).
		Info(fmt.Sprintf(" [x] Received %s", msg.Body), "message_id", msg.ID)
}
