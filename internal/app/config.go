package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (COMMERCE_ prefix), flags, or YAML config files.
// The API server and the side-effect worker share one config shape.
type Config struct {
	Addr         string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL  string `usage:"PostgreSQL connection URL (COMMERCE_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing (COMMERCE_API_KEY_PEPPER)" flag:"api-key-pepper"`

	Reference ReferenceConfig
	Gateway   GatewayConfig
	Checkout  CheckoutConfig
	Kafka     KafkaConfig
	OpenEdx   OpenEdxConfig
	SMTP      SMTPConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Graceful  GracefulConfig
}

// ReferenceConfig controls order reference number minting.
type ReferenceConfig struct {
	Prefix      string `default:"olc" usage:"Reference number prefix" flag:"reference-prefix"`
	Environment string `default:"dev" usage:"Deployment environment embedded in reference numbers" flag:"reference-environment"`
}

// GatewayConfig points at the payment processor.
type GatewayConfig struct {
	BaseURL   string        `usage:"Payment processor base URL" flag:"gateway-base-url"`
	AccessKey string        `usage:"Payment processor access key" flag:"gateway-access-key"`
	SecretKey string        `usage:"Payment processor HMAC secret" flag:"gateway-secret-key"`
	Timeout   time.Duration `default:"30s" usage:"Payment processor request timeout" flag:"gateway-timeout"`
}

// CheckoutConfig holds the post-payment redirect targets.
type CheckoutConfig struct {
	SuccessURL string `usage:"Redirect after successful payment" flag:"checkout-success-url"`
	CancelURL  string `usage:"Redirect after cancelled payment" flag:"checkout-cancel-url"`
}

// KafkaConfig controls event publishing and consumption.
type KafkaConfig struct {
	Brokers       []string `default:"localhost:9092" usage:"Kafka broker addresses"`
	ConsumerGroup string   `default:"commerce-side-effects" usage:"Worker consumer group" flag:"kafka-consumer-group"`
	DLQTopic      string   `default:"commerce.side-effects.dlq" usage:"Dead letter topic" flag:"kafka-dlq-topic"`
}

// OpenEdxConfig points at the learning platform's enrollment API.
type OpenEdxConfig struct {
	BaseURL               string        `usage:"Open edX base URL" flag:"openedx-base-url"`
	AccessToken           string        `usage:"Open edX service worker token" flag:"openedx-access-token"`
	Timeout               time.Duration `default:"30s" usage:"Open edX request timeout" flag:"openedx-timeout"`
	KeepFailedEnrollments bool          `default:"true" usage:"Record enrollments locally when the platform call fails transiently" flag:"openedx-keep-failed"`
}

// SMTPConfig controls receipt email delivery.
type SMTPConfig struct {
	Host     string `default:"localhost" usage:"SMTP host"`
	Port     int    `default:"587" usage:"SMTP port"`
	Username string `usage:"SMTP username"`
	Password string `usage:"SMTP password"`
	From     string `default:"receipts@openlearn.example" usage:"Receipt sender address" flag:"smtp-from"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "COMMERCE",
		Files:     []string{"config.yaml", "/etc/commerce/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set COMMERCE_DATABASE_URL or DATABASE_URL")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables that use
// standard names like DATABASE_URL and PORT onto the COMMERCE_-prefixed
// configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
