package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/bilal/hubtiming-agent/internal/config"
	"github.com/bilal/hubtiming-agent/internal/hubsim"
	"github.com/bilal/hubtiming-agent/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		address string
		logCfg  config.LoggingConfig
	)

	root := &cobra.Command{
		Use:   "hubsim",
		Short: "Local message hub that answers device time telemetry with status messages",
		Long: `hubsim runs an embedded MQTT broker. Every time telemetry published on
devices/{device}/messages/events is answered on
devices/{device}/messages/devicebound with a status carrying the hub-side
D2C and ACK latencies.

Point the agent at it with
  IOT_DEVICE_CONNECTIONSTRING="HostName=127.0.0.1;TcpPort=1883;DeviceId=dev1"`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger.Init(logCfg)

			hub := hubsim.New(address)
			if err := hub.Start(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			<-ctx.Done()

			log.Info().Msg("stopping hub simulator")
			return hub.Close()
		},
	}

	flags := root.Flags()
	flags.StringVarP(&address, "address", "a", "127.0.0.1:1883", "Broker listen address")
	flags.StringVar(&logCfg.Level, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&logCfg.Format, "log-format", "console", "Log format (json, console)")

	return root
}
