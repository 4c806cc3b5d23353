package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Everything but the token secret has a default so the binary runs locally
// against in-memory stores.
type ServerConfig struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	ReadTimeout     time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"5s"`
	WriteTimeout    time.Duration `envconfig:"HTTP_WRITE_TIMEOUT" default:"10s"`
	IdleTimeout     time.Duration `envconfig:"HTTP_IDLE_TIMEOUT" default:"120s"`
	ShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"15s"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisGeoKey   string `envconfig:"REDIS_GEO_KEY" default:"drivers_geo"`

	KafkaBrokers       []string `envconfig:"KAFKA_BROKERS"`
	KafkaLocationTopic string   `envconfig:"KAFKA_LOCATION_TOPIC" default:"driver-locations"`
	KafkaAuditTopic    string   `envconfig:"KAFKA_AUDIT_TOPIC" default:"order-audit"`
	KafkaIntentTopic   string   `envconfig:"KAFKA_INTENT_TOPIC" default:"payment-intents"`

	PGDSN         string `envconfig:"PG_DSN"`
	RunMigrations bool   `envconfig:"MIGRATE" default:"false"`

	OfferTimeout       time.Duration `envconfig:"OFFER_TIMEOUT" default:"15s"`
	SearchRadiusMeters float64       `envconfig:"SEARCH_RADIUS_METERS" default:"5000"`
	HeartbeatInterval  time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"25s"`

	DefaultSpeedMps float64       `envconfig:"DEFAULT_SPEED_MPS" default:"10"`
	OSRMEndpoint    string        `envconfig:"OSRM_ENDPOINT"`
	ETACacheTTL     time.Duration `envconfig:"ETA_CACHE_TTL" default:"5m"`

	FareTablePath string `envconfig:"FARE_TABLE_PATH"`
	FareCurrency  string `envconfig:"FARE_CURRENCY" default:"USD"`

	JWTSecret string `envconfig:"JWT_SECRET"`
	JWTIssuer string `envconfig:"JWT_ISSUER"`

	StripeAPIKey    string        `envconfig:"STRIPE_API_KEY"`
	PaymentIndexTTL time.Duration `envconfig:"PAYMENT_INDEX_TTL" default:"72h"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.FareCurrency = strings.ToUpper(strings.TrimSpace(cfg.FareCurrency))
	return cfg, cfg.Validate()
}

func (c ServerConfig) Validate() error {
	var errs []error
	if c.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TIMEOUT must be > 0"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("HEARTBEAT_INTERVAL must be > 0"))
	}
	if c.SearchRadiusMeters < 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_METERS must be >= 0"))
	}
	if c.RedisAddr != "" && c.SearchRadiusMeters == 0 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_METERS is required with REDIS_ADDR"))
	}
	if c.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_SPEED_MPS must be > 0"))
	}
	if len(c.JWTSecret) < 16 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 16 bytes"))
	}
	if len(c.FareCurrency) != 3 {
		errs = append(errs, fmt.Errorf("FARE_CURRENCY must be an ISO 4217 code"))
	}
	if !validLevel(c.LogLevel) {
		errs = append(errs, fmt.Errorf("unknown LOG_LEVEL %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// ConsumerConfig configures the Kafka location consumer.
type ConsumerConfig struct {
	KafkaBrokers       []string `envconfig:"KAFKA_BROKERS" default:"localhost:9092"`
	KafkaLocationTopic string   `envconfig:"KAFKA_LOCATION_TOPIC" default:"driver-locations"`
	KafkaGroup         string   `envconfig:"KAFKA_GROUP" default:"ride-dispatch-consumer"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisGeoKey   string `envconfig:"REDIS_GEO_KEY" default:"drivers_geo"`

	MetricsAddr string `envconfig:"METRICS_ADDR" default:":2112"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	var cfg ConsumerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.KafkaLocationTopic == "" {
		errs = append(errs, fmt.Errorf("KAFKA_LOCATION_TOPIC is required"))
	}
	if !validLevel(cfg.LogLevel) {
		errs = append(errs, fmt.Errorf("unknown LOG_LEVEL %q", cfg.LogLevel))
	}
	return cfg, errors.Join(errs...)
}

func validLevel(l string) bool {
	switch l {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}
