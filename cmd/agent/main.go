package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bilal/hubtiming-agent/internal/config"
	"github.com/bilal/hubtiming-agent/internal/health"
	"github.com/bilal/hubtiming-agent/internal/logger"
	"github.com/bilal/hubtiming-agent/internal/monitor"
	"github.com/bilal/hubtiming-agent/internal/reporter"
	"github.com/bilal/hubtiming-agent/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := config.New()
	var cfgPath string

	root := &cobra.Command{
		Use:   "hubtiming-agent",
		Short: "Simulated device measuring message hub latencies",
		Long: `hubtiming-agent sends time telemetry to the message hub every interval
and reconciles the hub's status replies into C2D, D2C, RT and ACK latency
averages.

The device credential is read from IOT_DEVICE_CONNECTIONSTRING.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, cfgPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := root.Flags()
	flags.StringVarP(&cfgPath, "config", "c", "config.yaml", "Config file (optional)")
	flags.String("device-id", "", "Device id override")
	flags.Duration("interval", 0, "Telemetry interval override")
	bindFlag(v, "agent.device_id", root, "device-id")
	bindFlag(v, "agent.interval", root, "interval")

	return root
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	if err := v.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
		panic(err)
	}
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}

	// Init logger
	logger.Init(cfg.Logging)
	log.Info().Str("device_id", cfg.Agent.DeviceID).Msg("starting hubtiming agent")

	if cfg.Agent.ConnectionString == "" {
		return fmt.Errorf("%s is not set", config.ConnectionStringEnv)
	}
	settings, err := transport.ParseConnectionString(cfg.Agent.ConnectionString)
	if err != nil {
		return err
	}
	if settings.ClientID == "" {
		settings.ClientID = cfg.Agent.DeviceID
	}

	// Context for graceful shutdown
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	//------------------------------------------
	// CONNECT TRANSPORT
	//------------------------------------------
	tr := transport.NewMQTT(settings, transport.MQTTOptions{
		TelemetryTopic:  cfg.TelemetryTopic(),
		StatusTopic:     cfg.StatusTopic(),
		QoS:             byte(cfg.Transport.QoS),
		ConnectAttempts: cfg.Transport.ConnectAttempts,
		ConnectTimeout:  cfg.Transport.ConnectTimeout,
	})
	if err := tr.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("could not connect to hub")
		return err
	}

	//------------------------------------------
	// START REPORTER
	//------------------------------------------
	var opts []monitor.Option
	rep, err := newReporter(cfg)
	if err != nil {
		_ = tr.Close()
		return err
	}
	if rep != nil {
		rep.Start()
		opts = append(opts, monitor.WithReports(rep))
	}

	if cfg.Probe.Enabled {
		host := cfg.Probe.Host
		if host == "" {
			host = settings.Host
		}
		opts = append(opts, monitor.WithPingMonitor(monitor.NewPingMonitor(host, cfg.Probe.Count)))
	}

	mon := monitor.New(cfg, tr, opts...)

	//------------------------------------------
	// START HEALTH SERVER
	//------------------------------------------
	var healthSrv *health.Server
	if cfg.Health.Enabled {
		healthSrv = health.New(cfg.Health.Address, mon)
		healthSrv.SetRunning(true)
		healthSrv.SetConnected(true)
		go func() {
			if err := healthSrv.Serve(); err != nil {
				log.Error().Err(err).Msg("health server stopped")
			}
		}()
	}

	//------------------------------------------
	// RUN MONITOR UNTIL SIGNAL OR FAILURE
	//------------------------------------------
	runErr := mon.Run(ctx)
	if runErr != nil {
		log.Error().Err(runErr).Msg("monitor failed")
	} else {
		log.Warn().Msg("shutdown signal received")
	}

	//------------------------------------------
	// SHUTDOWN SEQUENCE
	//------------------------------------------
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if healthSrv != nil {
		healthSrv.SetRunning(false)
		healthSrv.SetConnected(false)
	}

	if rep != nil {
		log.Info().Msg("stopping reporter...")
		rep.Shutdown(shutdownCtx)
	}

	log.Info().Msg("closing transport...")
	if err := tr.Close(); err != nil {
		log.Error().Err(err).Msg("close transport")
	}

	if healthSrv != nil {
		if err := healthSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("health server shutdown")
		}
	}

	if runErr != nil {
		return runErr
	}
	log.Info().Msg("agent stopped cleanly")
	return nil
}

// newReporter picks the report sink: Kafka when brokers are configured,
// otherwise the HTTP backend. It returns nil when neither is set.
func newReporter(cfg *config.Config) (*reporter.Reporter, error) {
	switch {
	case len(cfg.Kafka.Brokers) > 0:
		producer, err := reporter.NewKafkaProducer(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		return reporter.New(cfg.Report, producer), nil
	case cfg.Report.BackendURL != "":
		return reporter.New(cfg.Report, reporter.NewHTTPSink(cfg.Report)), nil
	default:
		return nil, nil
	}
}
