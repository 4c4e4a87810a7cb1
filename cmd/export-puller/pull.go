package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/config"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/cursor"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/logging"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/metrics"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/puller"
	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/sink"
)

func newPullCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Run one pull cycle for a tenant and deliver the batches",
		Long: `Run one pull cycle: one worker per subtype and cursor index pulls
until its maintenance window closes (or the historical range is exhausted),
and every batch is delivered to Kafka, or logged when no broker is set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger := setupLogger(cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			if cfg.Metrics.Addr != "" {
				go func() {
					if err := metrics.Serve(ctx, cfg.Metrics.Addr, logger); err != nil {
						logger.Error().Err(err).Msg("Metrics server failed")
					}
				}()
			}

			var s sink.Sink = sink.LogSink{Logger: logging.NewLogger("sink")}
			if len(cfg.Kafka.Brokers) > 0 {
				ks := sink.NewKafkaSink(sink.NewKafkaWriter(sink.WriterConfig{
					Brokers:   cfg.Kafka.Brokers,
					Topic:     cfg.Kafka.Topic,
					BatchSize: cfg.Kafka.BatchSize,
					Balancer:  cfg.Kafka.Balancer,
				}), cfg.Tenant, logging.NewLogger("sink"))
				defer ks.Close()
				s = ks
			}

			sum, err := runPull(ctx, a, s)
			if err != nil {
				return err
			}
			logger.Info().
				Int("batches", sum.Batches).
				Int("records", sum.Records).
				Int("skipped", sum.Skipped).
				Strs("backoff", sum.Backoff).
				Dur("next_run", sum.NextRun(cfg.Puller.DefaultWait)).
				Msg("Pull cycle finished")
			return nil
		},
	}

	flags := cmd.Flags()
	flags.String("type", "", "Data type to pull (alert, event)")
	flags.String("subtypes", "", "Comma-separated subtypes")
	flags.String("mode", "", "Pull mode (maintenance, historical)")
	flags.String("start", "", "Historical start (RFC 3339)")
	flags.String("end", "", "Historical end (RFC 3339)")
	flags.String("kafka-brokers", "", "Comma-separated Kafka brokers; empty logs batches instead")
	flags.String("kafka-topic", "", "Kafka topic")
	flags.String("metrics-addr", "", "Prometheus listen address; empty disables it")
	bindFlags(v, flags.Lookup, map[string]string{
		config.KeyDataType:     "type",
		config.KeySubtypes:     "subtypes",
		config.KeyMode:         "mode",
		config.KeyStart:        "start",
		config.KeyEnd:          "end",
		config.KeyKafkaBrokers: "kafka-brokers",
		config.KeyKafkaTopic:   "kafka-topic",
		config.KeyMetricsAddr:  "metrics-addr",
	})
	return cmd
}

// pullerConfig maps the runtime configuration onto the orchestrator.
func (a *app) pullerConfig() puller.Config {
	cfg := a.cfg
	return puller.Config{
		TenantName:         cfg.Tenant,
		DataType:           cfg.DataType,
		Mode:               cursor.Mode(cfg.Mode),
		Prefix:             cfg.Puller.Prefix,
		Start:              cfg.Start,
		End:                cfg.End,
		QueueSize:          cfg.Puller.QueueSize,
		DefaultWait:        cfg.Puller.DefaultWait,
		MaintenanceWindow:  cfg.Puller.MaintenanceWindow,
		BackpressureWait:   cfg.Puller.BackpressureWait,
		PullRetries:        cfg.Puller.PullRetries,
		ConflictRetries:    cfg.Puller.ConflictRetries,
		CompressHistorical: cfg.Puller.CompressHistorical,
		Overrides:          cfg.Overrides,
		Client:             a.client,
		Tenants:            a.tenants,
		Cursors:            a.cursors,
		Notifier:           a.notifier,
		Logger:             logging.NewLogger("puller"),
	}
}

// runPull reconciles the configured subtypes and hands every drained
// item to s. A delivery failure stops the workers; their remaining
// items are discarded.
func runPull(ctx context.Context, a *app, s sink.Sink) (sink.Summary, error) {
	pcfg := a.pullerConfig()
	if threshold := a.cfg.Puller.BackpressureThreshold; threshold > 0 {
		mon := puller.NewMonitor(
			puller.RedisListProbe{Client: a.redis, Key: a.cfg.Puller.BackpressureKey},
			threshold, 0, logging.NewLogger("backpressure"))
		go mon.Run(ctx)
		pcfg.Backpressure = mon
	}

	o, err := puller.New(pcfg)
	if err != nil {
		return sink.Summary{}, err
	}

	rec, err := o.SetDesiredSubtypes(ctx, a.cfg.Subtypes)
	if err != nil {
		o.Stop()
		return sink.Summary{}, fmt.Errorf("start workers: %w", err)
	}
	a.logger.Info().
		Strs("spawned", rec.Spawned).
		Strs("skipped", rec.Skipped).
		Msg("Workers started")

	sum, err := sink.Consume(ctx, o.Drain(ctx), s)
	if err != nil {
		o.Stop()
		for range o.Drain(context.Background()) {
		}
		return sum, fmt.Errorf("deliver batches: %w", err)
	}

	if err := o.Err(); err != nil {
		a.logger.Warn().Err(err).Msg("Some workers ended with an error")
	}
	return sum, nil
}
