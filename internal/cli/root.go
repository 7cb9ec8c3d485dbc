package cli

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/shaiso/Courier/internal/config"
	"github.com/shaiso/Courier/internal/mq"
	"github.com/shaiso/Courier/internal/telemetry"
)

// NewRootCmd создаёт корневую команду courier.
//
// dialer == nil — подключение к реальному брокеру. Логи пишутся в out.
func NewRootCmd(version string, dialer mq.Dialer, out io.Writer) *cobra.Command {
	v := config.New()
	env := &Env{Dialer: dialer}

	rootCmd := &cobra.Command{
		Use:           "courier",
		Short:         "Courier — minimal RabbitMQ producer and consumer",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}

			logger := telemetry.SetupLogger(out, cfg.Log.Level, cfg.Log.Format)
			cmd.SetContext(telemetry.WithLogger(cmd.Context(), logger))

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)

			env.Config = cfg
			env.Registry = reg
			env.Metrics = mq.NewMetrics(reg)

			logger.Debug("config loaded", "version", version, "queue", cfg.Queue.Name)
			return nil
		},
	}

	cobra.CheckErr(config.BindFlags(v, rootCmd.PersistentFlags()))

	envFn := func() *Env { return env }

	rootCmd.AddCommand(
		NewEmitCmd(v, envFn),
		NewListenCmd(v, envFn),
	)

	return rootCmd
}
