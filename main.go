package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.uber.org/zap"

	"github.com/tournevent/labelflow/internal/config"
	"github.com/tournevent/labelflow/internal/jobs"
	"github.com/tournevent/labelflow/internal/options"
	"github.com/tournevent/labelflow/internal/reqctx"
	"github.com/tournevent/labelflow/pkg/shipper"
)

var version = "0.0.1"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "labelflow",
	Short:   "Shipment and return label lifecycle service",
	Version: version,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and carrier webhooks",
	RunE:  withApp(runServe),
}

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run due scheduled actions, in-process or through Kafka",
	RunE:  withApp(runWorker),
}

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Consume scheduled actions from Kafka",
	RunE:  withApp(runConsume),
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Generate labels for every waiting order and mail the merged files",
	RunE:  withApp(runBatch),
}

var seedCmd = &cobra.Command{
	Use:   "seed-options",
	Short: "Load business options from a YAML file",
	RunE:  runSeed,
}

func init() {
	seedCmd.Flags().StringP("file", "f", "options.yaml", "YAML seed file")
	rootCmd.AddCommand(serveCmd, workerCmd, consumeCmd, batchCmd, seedCmd)
}

// withApp sets up config, telemetry and the wired components, then runs fn.
func withApp(fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger, err := initLogger(cfg.LogLevel)
		if err != nil {
			return err
		}
		defer logger.Sync()

		tracer, tracerShutdown, err := initTracer(ctx, cfg)
		if err != nil {
			logger.Warn("Failed to initialize tracer", zap.Error(err))
		} else {
			defer tracerShutdown(context.Background())
		}

		_, span := shipper.StartSpan(ctx, tracer, "labelflow."+cmd.Name(), cfg.Attributes()...)
		span.End()

		a, err := newApp(ctx, cfg, logger, tracer)
		if err != nil {
			logger.Error("Startup failed", zap.Error(err))
			return err
		}
		defer func() {
			if err := a.Close(context.Background()); err != nil {
				logger.Warn("Shutdown incomplete", zap.Error(err))
			}
		}()

		return fn(ctx, a)
	}
}

func runServe(ctx context.Context, a *app) error {
	a.logger.Info("Starting labelflow",
		zap.Int("port", a.cfg.Port),
		zap.String("version", a.cfg.Version),
	)
	if err := a.server().Run(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

func runWorker(ctx context.Context, a *app) error {
	var exec jobs.Executor
	switch a.cfg.JobDispatch {
	case "local":
		exec = a.router()
	case "kafka":
		writer := jobs.NewKafkaWriter(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
		defer writer.Close()
		exec = jobs.NewKafkaDispatcher(writer)
	default:
		return fmt.Errorf("unknown JOB_DISPATCH %q", a.cfg.JobDispatch)
	}

	a.logger.Info("Starting worker",
		zap.String("dispatch", a.cfg.JobDispatch),
		zap.Duration("interval", a.cfg.WorkerInterval),
	)
	return jobs.NewWorker(a.sched, exec, a.logger, a.metrics, a.cfg.WorkerInterval, a.cfg.WorkerBatch).Run(ctx)
}

func runConsume(ctx context.Context, a *app) error {
	reader := jobs.NewKafkaReader(a.cfg.KafkaBrokers, a.cfg.KafkaTopic, a.cfg.KafkaGroup)
	a.logger.Info("Starting consumer",
		zap.Strings("brokers", a.cfg.KafkaBrokers),
		zap.String("topic", a.cfg.KafkaTopic),
		zap.String("group", a.cfg.KafkaGroup),
	)
	return jobs.NewKafkaConsumer(reader, a.router(), a.logger, a.metrics).Run(ctx)
}

func runBatch(ctx context.Context, a *app) error {
	ctx = reqctx.With(ctx, reqctx.Scope{Source: "batch:cli"})
	sum, err := a.batch.RunAll(ctx)
	if err != nil {
		return fmt.Errorf("label batch: %w", err)
	}
	a.logger.Ctx(ctx).Info("Label batch finished",
		zap.Int("successful", len(sum.Successful)),
		zap.Int("failed", len(sum.Failed)),
		zap.Int("merge_failed", len(sum.MergeFailed)),
		zap.Int("files", len(sum.Files)),
	)
	return nil
}

// runSeed needs only Redis, so it skips the full component setup.
func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path, _ := cmd.Flags().GetString("file")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := initLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	return seedOptions(ctx, cfg, logger, path)
}

func seedOptions(ctx context.Context, cfg *config.Config, logger *otelzap.Logger, path string) error {
	seed, err := options.LoadSeedFile(path)
	if err != nil {
		return err
	}
	store, err := options.NewRedisStore(cfg.RedisURL, cfg.RedisPrefix)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Ping(ctx); err != nil {
		return err
	}
	if err := seed.Apply(ctx, store); err != nil {
		return fmt.Errorf("seeding options: %w", err)
	}
	logger.Info("Options seeded", zap.String("file", path))
	return nil
}
