package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	// NodeID seeds the snowflake generator; unique per replica.
	NodeID int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis      RedisConfig
	NATS       NATSConfig
	Billing    BillingAPIConfig
	Stripe     StripeConfig
	Dispatcher DispatcherConfig
	Reconcile  ReconcileConfig
	Scheduler  SchedulerConfig

	PricingFile string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// ChannelPrefix namespaces signaling command channels.
	ChannelPrefix string
}

type NATSConfig struct {
	URL    string
	Stream string
}

type BillingAPIConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type StripeConfig struct {
	SecretKey string
	// APIURL overrides the Stripe API endpoint (stripe-mock, tests).
	APIURL   string
	Currency string
}

type DispatcherConfig struct {
	Enabled    bool
	Durable    string
	MaxDeliver int
	AckWait    time.Duration
	RunTimeout time.Duration
}

type ReconcileConfig struct {
	Enabled      bool
	BatchSize    int
	PollInterval time.Duration
	RunTimeout   time.Duration
	LockTTL      time.Duration
	// BillingRate caps billing ledger calls per second across replicas.
	BillingRate  float64
	BillingBurst int
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	// RetryAfter is how long an unreported usage report waits before the
	// scheduler recomputes and reports it again.
	RetryAfter time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:           getenv("APP_SERVICE", "netbill"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "netbill"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		Redis: RedisConfig{
			Addr:          getenv("REDIS_ADDR", "localhost:6379"),
			Password:      getenv("REDIS_PASSWORD", ""),
			DB:            getenvInt("REDIS_DB", 0),
			ChannelPrefix: getenv("SIGNALING_CHANNEL_PREFIX", "signaling"),
		},
		NATS: NATSConfig{
			URL:    getenv("NATS_URL", "nats://localhost:4222"),
			Stream: getenv("NATS_STREAM", "netbill"),
		},
		Billing: BillingAPIConfig{
			BaseURL: strings.TrimRight(getenv("BILLING_API_URL", "http://localhost:8090"), "/"),
			Token:   strings.TrimSpace(getenv("BILLING_API_TOKEN", "")),
			Timeout: getenvDuration("BILLING_API_TIMEOUT", 10*time.Second),
		},
		Stripe: StripeConfig{
			SecretKey: strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
			APIURL:    strings.TrimSpace(getenv("STRIPE_API_URL", "")),
			Currency:  strings.ToLower(getenv("STRIPE_CURRENCY", "usd")),
		},
		Dispatcher: DispatcherConfig{
			Enabled:    getenvBool("DISPATCHER_ENABLED", true),
			Durable:    getenv("DISPATCHER_DURABLE", "netbill-dispatcher"),
			MaxDeliver: getenvInt("DISPATCHER_MAX_DELIVER", 10),
			AckWait:    getenvDuration("DISPATCHER_ACK_WAIT", 60*time.Second),
			RunTimeout: getenvDuration("DISPATCHER_RUN_TIMEOUT", 45*time.Second),
		},
		Reconcile: ReconcileConfig{
			Enabled:      getenvBool("RECONCILE_ENABLED", true),
			BatchSize:    getenvInt("RECONCILE_BATCH_SIZE", 50),
			PollInterval: getenvDuration("RECONCILE_POLL_INTERVAL", time.Minute),
			RunTimeout:   getenvDuration("RECONCILE_RUN_TIMEOUT", 30*time.Second),
			LockTTL:      getenvDuration("RECONCILE_LOCK_TTL", 45*time.Second),
			BillingRate:  getenvFloat("RECONCILE_BILLING_RATE", 5),
			BillingBurst: getenvInt("RECONCILE_BILLING_BURST", 10),
		},
		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", 15*time.Minute),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 50),
			RetryAfter:  getenvDuration("SCHEDULER_RETRY_AFTER", time.Hour),
		},
		PricingFile: getenv("PRICING_FILE", ""),
	}
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewPricingHolder),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
