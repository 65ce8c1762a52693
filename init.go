package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tournevent/labelflow/internal/batch"
	"github.com/tournevent/labelflow/internal/config"
	"github.com/tournevent/labelflow/internal/documents"
	"github.com/tournevent/labelflow/internal/fees"
	"github.com/tournevent/labelflow/internal/inbound"
	"github.com/tournevent/labelflow/internal/jobs"
	"github.com/tournevent/labelflow/internal/labels"
	"github.com/tournevent/labelflow/internal/lifecycle"
	"github.com/tournevent/labelflow/internal/mailer"
	"github.com/tournevent/labelflow/internal/options"
	"github.com/tournevent/labelflow/internal/order"
	"github.com/tournevent/labelflow/internal/payment"
	"github.com/tournevent/labelflow/internal/scheduler"
	"github.com/tournevent/labelflow/internal/server"
	"github.com/tournevent/labelflow/internal/telemetry"
	"github.com/tournevent/labelflow/pkg/shipper"
	"github.com/tournevent/labelflow/pkg/shipper/easypost"
	"github.com/tournevent/labelflow/pkg/shipper/fedex"
	"github.com/tournevent/labelflow/pkg/shipper/shippo"
	"github.com/tournevent/labelflow/pkg/shipper/usps"
)

func loadConfig() (*config.Config, error) {
	return config.Load()
}

func initLogger(level string) (*otelzap.Logger, error) {
	return telemetry.NewLogger(level)
}

// initTracer returns a nil tracer when tracing is disabled; carriers then
// open no-op spans.
func initTracer(ctx context.Context, cfg *config.Config) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.OTELEnabled {
		return nil, func(context.Context) error { return nil }, nil
	}
	return telemetry.InitTracer(ctx, cfg.OTELEndpoint, cfg.ServiceName, cfg.Version)
}

func initRedis(cfg *config.Config) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

func initMongo(ctx context.Context, cfg *config.Config) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}
	return client, nil
}

// checkDependencies pings the backing stores concurrently.
func checkDependencies(ctx context.Context, mc *mongo.Client, rc *redis.Client) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := mc.Ping(gctx, nil); err != nil {
			return fmt.Errorf("mongo ping: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := rc.Ping(gctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func initShipperRegistry(cfg *config.Config, tokens shipper.TokenStore, logger *otelzap.Logger, tracer trace.Tracer) *shipper.Registry {
	registry := shipper.NewRegistry()

	registry.Register(shippo.New(shippo.Config{
		APIToken:               cfg.ShippoAPIToken,
		BaseURL:                cfg.ShippoBaseURL,
		TestMode:               cfg.ShippoTestMode,
		OutboundCarrierAccount: cfg.ShippoOutboundCarrierAccount,
		OutboundCarrierToken:   cfg.ShippoOutboundCarrierToken,
		OutboundServiceLevel:   cfg.ShippoOutboundServiceLevel,
		InboundCarrierAccount:  cfg.ShippoInboundCarrierAccount,
		InboundServiceLevel:    cfg.ShippoInboundServiceLevel,
		RatesDelay:             cfg.ShippoRatesDelay,
		UseMock:                cfg.ShippoUseMock,
	}, logger, tracer))

	registry.Register(easypost.New(easypost.Config{
		APIKey:                 cfg.EasyPostAPIKey,
		BaseURL:                cfg.EasyPostBaseURL,
		TestMode:               cfg.EasyPostTestMode,
		OutboundCarrierAccount: cfg.EasyPostOutboundCarrierAccount,
		OutboundServiceLevel:   cfg.EasyPostOutboundServiceLevel,
		InboundCarrierAccount:  cfg.EasyPostInboundCarrierAccount,
		InboundServiceLevel:    cfg.EasyPostInboundServiceLevel,
		FedExCarrierAccount:    cfg.EasyPostFedExCarrierAccount,
		FedExServiceLevel:      cfg.EasyPostFedExServiceLevel,
		UseMock:                cfg.EasyPostUseMock,
	}, logger, tracer))

	registry.Register(usps.New(usps.Config{
		ClientID:      cfg.USPSClientID,
		ClientSecret:  cfg.USPSClientSecret,
		BaseURL:       cfg.USPSBaseURL,
		TestMode:      cfg.USPSTestMode,
		CRID:          cfg.USPSCRID,
		MID:           cfg.USPSMID,
		ManifestMID:   cfg.USPSManifestMID,
		AccountType:   cfg.USPSAccountType,
		AccountNumber: cfg.USPSAccountNumber,
		UseMock:       cfg.USPSUseMock,
	}, tokens, logger, tracer))

	registry.RegisterTracker(fedex.New(fedex.Config{
		ClientID:     cfg.FedExClientID,
		ClientSecret: cfg.FedExClientSecret,
		BaseURL:      cfg.FedExBaseURL,
		TestMode:     cfg.FedExTestMode,
		UseMock:      cfg.FedExUseMock,
	}, tokens, logger, tracer))

	return registry
}

func initPayments(cfg *config.Config, logger *otelzap.Logger) payment.Accounts {
	if cfg.PaymentUseMock {
		return payment.Accounts{Live: payment.NewMockProcessor(), Test: payment.NewMockProcessor()}
	}
	return payment.Accounts{
		Live: payment.NewStripeClient(payment.StripeConfig{SecretKey: cfg.StripeLiveKey, BaseURL: cfg.StripeBaseURL}, logger),
		Test: payment.NewStripeClient(payment.StripeConfig{SecretKey: cfg.StripeTestKey, BaseURL: cfg.StripeBaseURL}, logger),
	}
}

// initMailer publishes mail over AMQP when a broker is configured and logs it
// otherwise.
func initMailer(cfg *config.Config, logger *otelzap.Logger) (mailer.Sender, func() error, error) {
	if cfg.AMQPURL == "" {
		logger.Warn("AMQP_URL not set, mail will only be logged")
		return mailer.NewLogSender(logger), func() error { return nil }, nil
	}
	conn, err := amqp.Dial(cfg.AMQPURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := mailer.DeclareExchange(ch, cfg.AMQPExchange); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return mailer.NewAMQPSender(ch, cfg.AMQPExchange, ""), conn.Close, nil
}

// app is the wired set of workflows shared by the subcommands.
type app struct {
	cfg     *config.Config
	logger  *otelzap.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics

	orders   order.Store
	opts     options.Store
	sched    scheduler.Scheduler
	registry *shipper.Registry

	labels  *labels.Orchestrator
	mailer  *labels.ReturnLabelMailer
	fees    *fees.Coordinator
	machine *lifecycle.Machine
	batch   *batch.Runner
	signer  *batch.Signer

	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logger *otelzap.Logger, tracer trace.Tracer) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		tracer:  tracer,
		metrics: telemetry.NewMetrics(prometheus.DefaultRegisterer),
	}

	mc, err := initMongo(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, mc.Disconnect)

	rc, err := initRedis(cfg)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return rc.Close() })

	if err := checkDependencies(ctx, mc, rc); err != nil {
		a.Close(ctx)
		return nil, err
	}

	store := order.NewMongoStore(mc.Database(cfg.MongoDatabase))
	if err := store.EnsureIndexes(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.orders = store
	a.opts = options.NewRedisStoreWithClient(rc, cfg.RedisPrefix)
	a.sched = scheduler.NewRedisScheduler(rc, cfg.RedisPrefix)
	a.registry = initShipperRegistry(cfg, options.NewTokenStore(a.opts), logger, tracer)

	docs, err := documents.NewFileStore(cfg.DocumentsDir, cfg.DocumentsURL)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	mail, closeMail, err := initMailer(cfg, logger)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return closeMail() })

	refundLog, err := telemetry.NewFileLogger(cfg.LogLevel, cfg.RefundLogPath)
	if err != nil {
		logger.Warn("Refund log unavailable, using the main logger", zap.String("path", cfg.RefundLogPath), zap.Error(err))
		refundLog = nil
	}

	poller := inbound.NewPoller(a.registry, logger)
	a.labels = labels.New(a.orders, a.registry, docs, a.sched, a.opts, logger, a.metrics)
	a.mailer = labels.NewReturnLabelMailer(a.orders, docs, mail, a.opts, logger)
	a.fees = fees.New(a.orders, a.sched, initPayments(cfg, logger), a.registry, poller, mail, a.opts, logger, refundLog)
	a.machine = lifecycle.New(a.orders, a.sched, a.registry, poller, a.fees, mail, a.opts, logger, a.metrics)
	a.signer = batch.NewSigner(cfg.BatchSecret)
	a.batch = batch.NewRunner(a.orders, a.labels, docs, mail, a.opts, a.signer, logger, a.metrics)

	logger.Info("Components initialized",
		zap.Strings("carriers", a.registry.Names()),
		zap.String("job_dispatch", cfg.JobDispatch),
	)
	return a, nil
}

// router runs scheduled actions in-process.
func (a *app) router() *jobs.Router {
	return jobs.NewRouter(a.machine, a.fees, a.labels)
}

func (a *app) server() *server.Server {
	cfg := a.cfg
	return server.New(server.Config{
		Port:                 cfg.Port,
		AdminToken:           cfg.AdminToken,
		AggregatorTestMode:   cfg.ShippoTestMode,
		MultiCarrierTestMode: cfg.EasyPostTestMode,
		PostalTestMode:       cfg.USPSTestMode,
		AggregatorSecret:     cfg.AggregatorWebhookSecret,
		MultiCarrierSecret:   cfg.MultiCarrierWebhookSecret,
		PostalSecret:         cfg.PostalWebhookSecret,
		AggregatorAllowlist:  cfg.AggregatorAllowlist,
		PostalAllowlist:      cfg.PostalAllowlist,
		TrustProxy:           cfg.TrustProxy,
	}, server.Deps{
		Tracking:    a.machine,
		Labels:      a.labels,
		LabelMailer: a.mailer,
		Fees:        a.fees,
		Batch:       a.batch,
		Signer:      a.signer,
		Metrics:     a.metrics,
		Gatherer:    prometheus.DefaultGatherer,
	}, a.logger)
}

// Close releases connections in reverse order of creation.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
