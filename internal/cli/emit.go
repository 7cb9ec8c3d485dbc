package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/shaiso/Courier/internal/config"
	"github.com/shaiso/Courier/internal/telemetry"
)

// DefaultMessage отправляется, если текст не указан.
const DefaultMessage = "Hello World!"

// NewEmitCmd создаёт команду отправки одного сообщения.
func NewEmitCmd(v *viper.Viper, envFn func() *Env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "emit [MESSAGE]",
		Short: "Publish one message to the queue",
		Long: `Declare the queue, publish MESSAGE (default "Hello World!") through
the default exchange and close the connection.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			env := envFn()
			ctx := cmd.Context()

			message := DefaultMessage
			if len(args) > 0 {
				message = strings.Join(args, " ")
			}

			queue := env.Config.Queue.Name
			logger := telemetry.WithQueue(telemetry.FromContext(ctx), queue)

			err := send(ctx, env, queue, message)
			if interrupted(ctx, err) {
				logger.Info("User interrupted, message not sent.")
				return nil
			}
			if err != nil {
				return err
			}

			logger.Info(fmt.Sprintf(" [x] Sent '%s'", message))
			return nil
		},
	}

	cobra.CheckErr(config.BindEmitFlags(v, cmd.Flags()))

	return cmd
}

// send объявляет очередь и публикует одно сообщение.
func send(ctx context.Context, env *Env, queue, message string) error {
	conn, err := env.Open(ctx)
	if err != nil {
		return err
	}
	defer closeConn(conn, telemetry.WithQueue(telemetry.FromContext(ctx), queue))

	ch := conn.Channel()
	if _, err := ch.DeclareQueue(ctx, queue, env.Config.QueueOptions()); err != nil {
		return err
	}

	return ch.Publish(ctx, queue, []byte(message))
}
