package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"go.opentelemetry.io/otel/attribute"
)

// Config holds all configuration for the service.
type Config struct {
	// Server
	Port     int    `envconfig:"PORT" default:"80"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// AdminToken guards the staff endpoints.
	AdminToken string `envconfig:"ADMIN_TOKEN"`

	// Storage
	MongoURI      string `envconfig:"MONGO_URI" default:"mongodb://localhost:27017"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"labelflow"`
	RedisURL      string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"labelflow:"`
	DocumentsDir  string `envconfig:"DOCUMENTS_DIR" default:"/var/lib/labelflow/shipping"`
	DocumentsURL  string `envconfig:"DOCUMENTS_BASE_URL" default:"http://localhost/shipping"`

	// Jobs
	JobDispatch    string        `envconfig:"JOB_DISPATCH" default:"local"`
	WorkerInterval time.Duration `envconfig:"WORKER_INTERVAL" default:"30s"`
	WorkerBatch    int           `envconfig:"WORKER_BATCH" default:"20"`
	KafkaBrokers   []string      `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaTopic     string        `envconfig:"KAFKA_TOPIC" default:"labelflow.actions"`
	KafkaGroup     string        `envconfig:"KAFKA_GROUP" default:"labelflow-workers"`

	// Mail
	AMQPURL      string `envconfig:"AMQP_URL"`
	AMQPExchange string `envconfig:"AMQP_EXCHANGE" default:"notifications"`

	// Shippo
	ShippoAPIToken               string        `envconfig:"SHIPPO_API_TOKEN"`
	ShippoBaseURL                string        `envconfig:"SHIPPO_BASE_URL" default:"https://api.goshippo.com"`
	ShippoTestMode               bool          `envconfig:"SHIPPO_TEST_MODE" default:"false"`
	ShippoUseMock                bool          `envconfig:"SHIPPO_USE_MOCK" default:"false"`
	ShippoOutboundCarrierAccount string        `envconfig:"SHIPPO_OUTBOUND_CARRIER_ACCOUNT"`
	ShippoOutboundCarrierToken   string        `envconfig:"SHIPPO_OUTBOUND_CARRIER_TOKEN" default:"usps"`
	ShippoOutboundServiceLevel   string        `envconfig:"SHIPPO_OUTBOUND_SERVICE_LEVEL"`
	ShippoInboundCarrierAccount  string        `envconfig:"SHIPPO_INBOUND_CARRIER_ACCOUNT"`
	ShippoInboundServiceLevel    string        `envconfig:"SHIPPO_INBOUND_SERVICE_LEVEL"`
	ShippoRatesDelay             time.Duration `envconfig:"SHIPPO_RATES_DELAY" default:"5s"`

	// EasyPost
	EasyPostAPIKey                 string `envconfig:"EASYPOST_API_KEY"`
	EasyPostBaseURL                string `envconfig:"EASYPOST_BASE_URL" default:"https://api.easypost.com/v2"`
	EasyPostTestMode               bool   `envconfig:"EASYPOST_TEST_MODE" default:"false"`
	EasyPostUseMock                bool   `envconfig:"EASYPOST_USE_MOCK" default:"false"`
	EasyPostOutboundCarrierAccount string `envconfig:"EASYPOST_OUTBOUND_CARRIER_ACCOUNT"`
	EasyPostOutboundServiceLevel   string `envconfig:"EASYPOST_OUTBOUND_SERVICE_LEVEL"`
	EasyPostInboundCarrierAccount  string `envconfig:"EASYPOST_INBOUND_CARRIER_ACCOUNT"`
	EasyPostInboundServiceLevel    string `envconfig:"EASYPOST_INBOUND_SERVICE_LEVEL"`
	EasyPostFedExCarrierAccount    string `envconfig:"EASYPOST_FEDEX_CARRIER_ACCOUNT"`
	EasyPostFedExServiceLevel      string `envconfig:"EASYPOST_FEDEX_SERVICE_LEVEL"`

	// USPS
	USPSClientID      string `envconfig:"USPS_CLIENT_ID"`
	USPSClientSecret  string `envconfig:"USPS_CLIENT_SECRET"`
	USPSBaseURL       string `envconfig:"USPS_BASE_URL"`
	USPSTestMode      bool   `envconfig:"USPS_TEST_MODE" default:"false"`
	USPSUseMock       bool   `envconfig:"USPS_USE_MOCK" default:"false"`
	USPSCRID          string `envconfig:"USPS_CRID"`
	USPSMID           string `envconfig:"USPS_MID"`
	USPSManifestMID   string `envconfig:"USPS_MANIFEST_MID"`
	USPSAccountType   string `envconfig:"USPS_ACCOUNT_TYPE" default:"EPS"`
	USPSAccountNumber string `envconfig:"USPS_ACCOUNT_NUMBER"`

	// FedEx tracking
	FedExClientID     string `envconfig:"FEDEX_CLIENT_ID"`
	FedExClientSecret string `envconfig:"FEDEX_CLIENT_SECRET"`
	FedExBaseURL      string `envconfig:"FEDEX_BASE_URL"`
	FedExTestMode     bool   `envconfig:"FEDEX_TEST_MODE" default:"false"`
	FedExUseMock      bool   `envconfig:"FEDEX_USE_MOCK" default:"false"`

	// Payments
	StripeLiveKey  string `envconfig:"STRIPE_LIVE_SECRET_KEY"`
	StripeTestKey  string `envconfig:"STRIPE_TEST_SECRET_KEY"`
	StripeBaseURL  string `envconfig:"STRIPE_BASE_URL"`
	PaymentUseMock bool   `envconfig:"PAYMENT_USE_MOCK" default:"false"`
	RefundLogPath  string `envconfig:"REFUND_LOG_PATH" default:"scheduled-refunds.log"`

	// Webhook and batch security
	BatchSecret               string   `envconfig:"BATCH_SECRET"`
	AggregatorWebhookSecret   string   `envconfig:"AGGREGATOR_WEBHOOK_SECRET"`
	MultiCarrierWebhookSecret string   `envconfig:"MULTI_CARRIER_WEBHOOK_SECRET"`
	PostalWebhookSecret       string   `envconfig:"POSTAL_WEBHOOK_SECRET"`
	AggregatorAllowlist       []string `envconfig:"AGGREGATOR_ALLOWLIST" default:"52.4.41.98,52.23.121.194,52.44.110.80,54.81.253.187,54.81.255.221,34.248.247.69,34.253.119.130,52.214.174.64,54.72.179.250"`
	PostalAllowlist           []string `envconfig:"POSTAL_ALLOWLIST" default:"34.171.251.51,146.148.45.72,34.29.251.112"`
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool `envconfig:"TRUST_PROXY" default:"false"`

	// Telemetry
	OTELEnabled  bool   `envconfig:"OTEL_ENABLED" default:"true"`
	OTELEndpoint string `envconfig:"OTEL_ENDPOINT" default:"http://localhost:4318"`
	ServiceName  string `envconfig:"SERVICE_NAME" default:"labelflow"`
	Version      string `envconfig:"SERVICE_VERSION" default:"0.0.1"`
}

// Load reads configuration from environment variables, after loading an
// optional .env file from the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

// Attributes returns OpenTelemetry attributes for this configuration.
func (c *Config) Attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service.name", c.ServiceName),
		attribute.String("service.version", c.Version),
		attribute.String("jobs.dispatch", c.JobDispatch),
		attribute.Bool("shippo.test_mode", c.ShippoTestMode),
		attribute.Bool("easypost.test_mode", c.EasyPostTestMode),
		attribute.Bool("usps.test_mode", c.USPSTestMode),
		attribute.Bool("fedex.test_mode", c.FedExTestMode),
	}
}
