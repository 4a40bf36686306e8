// Package config loads reconciler settings from defaults, an optional YAML
// file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/arkantrust/payment-reconciler/models"
)

// Config is the complete reconciler configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Store       StoreConfig       `mapstructure:"store" yaml:"store"`
	Redis       RedisConfig       `mapstructure:"redis" yaml:"redis"`
	Kafka       KafkaConfig       `mapstructure:"kafka" yaml:"kafka"`
	Processor   ProcessorConfig   `mapstructure:"processor" yaml:"processor"`
	Metadata    MetadataConfig    `mapstructure:"metadata" yaml:"metadata"`
	Transitions TransitionsConfig `mapstructure:"transitions" yaml:"transitions"`
}

// ServerConfig configures the HTTP listener and the redirect targets of the
// confirmation endpoint.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	// CheckoutURL is where the customer is sent back to retry a payment.
	CheckoutURL string `mapstructure:"checkout_url" yaml:"checkout_url"`
	// ConfirmationURL receives the order id after a successful payment.
	ConfirmationURL string `mapstructure:"confirmation_url" yaml:"confirmation_url"`
}

// StoreConfig locates the BoltDB file and selects the ledger backend.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
	// LedgerDriver is "bolt" (ledger lives in Path) or "sqlite".
	LedgerDriver string `mapstructure:"ledger_driver" yaml:"ledger_driver"`
	SQLitePath   string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
}

// RedisConfig enables the shared event guard and attempt store when Addr is
// set.
type RedisConfig struct {
	Addr       string        `mapstructure:"addr" yaml:"addr"`
	Password   string        `mapstructure:"password" yaml:"password"`
	DB         int           `mapstructure:"db" yaml:"db"`
	EventTTL   time.Duration `mapstructure:"event_ttl" yaml:"event_ttl"`
	AttemptTTL time.Duration `mapstructure:"attempt_ttl" yaml:"attempt_ttl"`
}

// KafkaConfig enables status change publishing when Brokers is not empty.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

// ProcessorConfig points the API client at the payment processor.
type ProcessorConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string        `mapstructure:"api_key" yaml:"api_key"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MetadataConfig holds the secret payment metadata tokens are signed with.
type MetadataConfig struct {
	Secret string `mapstructure:"secret" yaml:"secret"`
}

// TransitionsConfig holds the merchant's opt-ins for automatic order status
// changes. Ledger entries are written regardless.
type TransitionsConfig struct {
	Authorize              bool `mapstructure:"authorize" yaml:"authorize"`
	Capture                bool `mapstructure:"capture" yaml:"capture"`
	Accept                 bool `mapstructure:"accept" yaml:"accept"`
	Cancel                 bool `mapstructure:"cancel" yaml:"cancel"`
	Refund                 bool `mapstructure:"refund" yaml:"refund"`
	PartialRefund          bool `mapstructure:"partial_refund" yaml:"partial_refund"`
	CreditNoteOnFullRefund bool `mapstructure:"credit_note_on_full_refund" yaml:"credit_note_on_full_refund"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              ":8080",
			ReadHeaderTimeout: 5 * time.Second,
			CheckoutURL:       "/checkout",
			ConfirmationURL:   "/order-confirmation",
		},
		Store: StoreConfig{
			Path:         "reconciler.db",
			LedgerDriver: "bolt",
			SQLitePath:   "ledger.sqlite",
		},
		Redis: RedisConfig{
			EventTTL:   72 * time.Hour,
			AttemptTTL: time.Hour,
		},
		Kafka: KafkaConfig{
			Topic: "order.status",
		},
		Processor: ProcessorConfig{
			BaseURL: "https://api.stripe.com",
			Timeout: 10 * time.Second,
		},
		Transitions: TransitionsConfig{
			Authorize:     true,
			Capture:       true,
			Accept:        true,
			Cancel:        true,
			Refund:        true,
			PartialRefund: true,
		},
	}
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply. Environment variables use the
// RECONCILER_ prefix with "_" for nesting (RECONCILER_STORE_PATH); PORT and
// DB_PATH are honoured for compatibility.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("RECONCILER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if port := os.Getenv("PORT"); port != "" {
		cfg.Server.Addr = ":" + port
	}
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.Store.Path = dbPath
	}

	return cfg, cfg.Validate()
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
	v.SetDefault("server.checkout_url", d.Server.CheckoutURL)
	v.SetDefault("server.confirmation_url", d.Server.ConfirmationURL)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("store.ledger_driver", d.Store.LedgerDriver)
	v.SetDefault("store.sqlite_path", d.Store.SQLitePath)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("redis.event_ttl", d.Redis.EventTTL)
	v.SetDefault("redis.attempt_ttl", d.Redis.AttemptTTL)
	v.SetDefault("kafka.brokers", d.Kafka.Brokers)
	v.SetDefault("kafka.topic", d.Kafka.Topic)
	v.SetDefault("processor.base_url", d.Processor.BaseURL)
	v.SetDefault("processor.api_key", d.Processor.APIKey)
	v.SetDefault("processor.timeout", d.Processor.Timeout)
	v.SetDefault("metadata.secret", d.Metadata.Secret)
	v.SetDefault("transitions.authorize", d.Transitions.Authorize)
	v.SetDefault("transitions.capture", d.Transitions.Capture)
	v.SetDefault("transitions.accept", d.Transitions.Accept)
	v.SetDefault("transitions.cancel", d.Transitions.Cancel)
	v.SetDefault("transitions.refund", d.Transitions.Refund)
	v.SetDefault("transitions.partial_refund", d.Transitions.PartialRefund)
	v.SetDefault("transitions.credit_note_on_full_refund", d.Transitions.CreditNoteOnFullRefund)
}

// Validate reports settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Metadata.Secret == "" {
		errs = append(errs, errors.New("metadata.secret is required"))
	}
	switch c.Store.LedgerDriver {
	case "bolt", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.ledger_driver %q is not bolt or sqlite", c.Store.LedgerDriver))
	}
	if c.Processor.Timeout <= 0 {
		errs = append(errs, errors.New("processor.timeout must be positive"))
	}
	return errors.Join(errs...)
}

// AutoTransition reports whether the merchant opted into moving orders to
// status automatically.
func (c *Config) AutoTransition(status models.OrderStatus) bool {
	switch status {
	case models.StatusAuthorized:
		return c.Transitions.Authorize
	case models.StatusCaptured:
		return c.Transitions.Capture
	case models.StatusPaymentAccepted:
		return c.Transitions.Accept
	case models.StatusCanceled:
		return c.Transitions.Cancel
	case models.StatusRefunded:
		return c.Transitions.Refund
	case models.StatusPartiallyRefunded:
		return c.Transitions.PartialRefund
	default:
		return false
	}
}

// CreditNoteOnFullRefund reports whether a full refund issues a credit note.
func (c *Config) CreditNoteOnFullRefund() bool {
	return c.Transitions.CreditNoteOnFullRefund
}

// WriteDefault writes the default configuration as YAML to path.
func WriteDefault(path string) error {
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	header := "# Payment reconciler configuration\n# metadata.secret must be set before starting the server.\n"
	return os.WriteFile(path, append([]byte(header), data...), 0o600)
}
