package config

import (
	"time"

	"github.com/spf13/viper"
)

// Bank holds the ledger-level settings resolved once at startup. The
// treasury account is an explicit configuration value rather than a
// well-known row attribute, so nothing in the services layer goes
// looking for it.
type Bank struct {
	TreasuryAccountID   string
	MaxTransactionLimit int64
}

// Exchange holds rate-cache settings.
type Exchange struct {
	APIURL       string
	BaseCurrency string
	CacheTTL     time.Duration
	HTTPTimeout  time.Duration
}

// Webhook holds outbox and delivery-worker settings.
type Webhook struct {
	Secret        string
	QueueKey      string
	SweepInterval time.Duration
	BatchSize     int
	MaxAttempts   int
	BackoffBase   time.Duration
	ReclaimAfter  time.Duration
	Timeout       time.Duration
}

// Load reads .env plus environment overrides, the same way the server
// entrypoint always has, and applies defaults.
func Load() {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("bank.treasury_account_id", "BANK_TREASURY_ACCOUNT_ID")
	viper.BindEnv("bank.max_transaction_limit", "BANK_MAX_TRANSACTION_LIMIT")
	viper.BindEnv("exchange.api_url", "EXCHANGE_API_URL")
	viper.BindEnv("exchange.base_currency", "EXCHANGE_BASE_CURRENCY")
	viper.BindEnv("webhook.secret", "WEBHOOK_SECRET")
	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")

	viper.SetDefault("bank.max_transaction_limit", int64(100000))
	viper.SetDefault("exchange.api_url", "https://api.frankfurter.app/latest?from=USD")
	viper.SetDefault("exchange.base_currency", "USD")
	viper.SetDefault("exchange.cache_ttl", time.Minute)
	viper.SetDefault("exchange.http_timeout", 10*time.Second)
	viper.SetDefault("jwt.secret_key", "dev-only-secret")
	viper.SetDefault("jwt.expiry_hours", 24)
	viper.SetDefault("webhook.secret", "default-webhook-secret")
	viper.SetDefault("webhook.queue_key", "webhook_delivery_queue")
	viper.SetDefault("webhook.sweep_interval", time.Minute)
	viper.SetDefault("webhook.batch_size", 50)
	viper.SetDefault("webhook.max_attempts", 5)
	viper.SetDefault("webhook.backoff_base", time.Second)
	viper.SetDefault("webhook.reclaim_after", 5*time.Minute)
	viper.SetDefault("webhook.timeout", 5*time.Second)
	viper.SetDefault("argon2.time", 1)
	viper.SetDefault("argon2.memory", 64*1024)
	viper.SetDefault("argon2.threads", 4)
	viper.SetDefault("argon2.key_length", 32)
	viper.SetDefault("argon2.salt_length", 16)
}

// GetBank returns the ledger settings.
func GetBank() Bank {
	return Bank{
		TreasuryAccountID:   viper.GetString("bank.treasury_account_id"),
		MaxTransactionLimit: viper.GetInt64("bank.max_transaction_limit"),
	}
}

// GetExchange returns the rate-cache settings.
func GetExchange() Exchange {
	return Exchange{
		APIURL:       viper.GetString("exchange.api_url"),
		BaseCurrency: viper.GetString("exchange.base_currency"),
		CacheTTL:     viper.GetDuration("exchange.cache_ttl"),
		HTTPTimeout:  viper.GetDuration("exchange.http_timeout"),
	}
}

// GetWebhook returns the outbox and delivery settings.
func GetWebhook() Webhook {
	return Webhook{
		Secret:        viper.GetString("webhook.secret"),
		QueueKey:      viper.GetString("webhook.queue_key"),
		SweepInterval: viper.GetDuration("webhook.sweep_interval"),
		BatchSize:     viper.GetInt("webhook.batch_size"),
		MaxAttempts:   viper.GetInt("webhook.max_attempts"),
		BackoffBase:   viper.GetDuration("webhook.backoff_base"),
		ReclaimAfter:  viper.GetDuration("webhook.reclaim_after"),
		Timeout:       viper.GetDuration("webhook.timeout"),
	}
}
