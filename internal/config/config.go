// internal/config/config.go
package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	DatabaseURL    string
	MigrationsPath string
	ListenAddr     string

	Network       string
	EncryptionKey string
	AdminAPIKey   string

	EsploraURL      string
	MempoolSpaceURL string
	BlockCypherURL  string

	ProviderTimeout       time.Duration
	ProviderCallDelay     time.Duration
	ProviderFallbackDelay time.Duration
	ProviderRetryAttempts uint

	ConfirmationsRequired int64
	TolerancePct          float64
	ReservationTTL        time.Duration
	PoolFloor             int64
	PendingPageSize       int

	RetentionDays  int
	ReminderWindow time.Duration
}

func LoadConfig() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()

	viper.SetDefault("LISTEN_ADDR", ":8080")
	viper.SetDefault("MIGRATIONS_PATH", "migrations")
	viper.SetDefault("BITCOIN_NETWORK", "mainnet")
	viper.SetDefault("ESPLORA_URL", "https://blockstream.info/api")
	viper.SetDefault("MEMPOOL_SPACE_URL", "https://mempool.space/api")
	viper.SetDefault("BLOCKCYPHER_URL", "https://api.blockcypher.com/v1/btc/main")
	viper.SetDefault("PROVIDER_TIMEOUT", "15s")
	viper.SetDefault("PROVIDER_CALL_DELAY", "1s")
	viper.SetDefault("PROVIDER_FALLBACK_DELAY", "3s")
	viper.SetDefault("PROVIDER_RETRY_ATTEMPTS", 2)
	viper.SetDefault("CONFIRMATIONS_REQUIRED", 1)
	viper.SetDefault("PAYMENT_TOLERANCE_PCT", 2.0)
	viper.SetDefault("RESERVATION_TTL", "30m")
	viper.SetDefault("POOL_FLOOR", 20)
	viper.SetDefault("PENDING_PAGE_SIZE", 10)
	viper.SetDefault("RETENTION_DAYS", 90)
	viper.SetDefault("REMINDER_WINDOW", "10m")

	if err := viper.ReadInConfig(); err != nil {
		// A missing .env is fine in environments configured purely through
		// real environment variables.
		if _, statErr := os.Stat(".env"); statErr == nil {
			return nil, err
		}
	}

	config := &Config{
		DatabaseURL:    viper.GetString("DATABASE_URL"),
		MigrationsPath: viper.GetString("MIGRATIONS_PATH"),
		ListenAddr:     viper.GetString("LISTEN_ADDR"),

		Network:       viper.GetString("BITCOIN_NETWORK"),
		EncryptionKey: viper.GetString("ENCRYPTION_KEY"),
		AdminAPIKey:   viper.GetString("ADMIN_API_KEY"),

		EsploraURL:      viper.GetString("ESPLORA_URL"),
		MempoolSpaceURL: viper.GetString("MEMPOOL_SPACE_URL"),
		BlockCypherURL:  viper.GetString("BLOCKCYPHER_URL"),

		ProviderTimeout:       viper.GetDuration("PROVIDER_TIMEOUT"),
		ProviderCallDelay:     viper.GetDuration("PROVIDER_CALL_DELAY"),
		ProviderFallbackDelay: viper.GetDuration("PROVIDER_FALLBACK_DELAY"),
		ProviderRetryAttempts: viper.GetUint("PROVIDER_RETRY_ATTEMPTS"),

		ConfirmationsRequired: viper.GetInt64("CONFIRMATIONS_REQUIRED"),
		TolerancePct:          viper.GetFloat64("PAYMENT_TOLERANCE_PCT"),
		ReservationTTL:        viper.GetDuration("RESERVATION_TTL"),
		PoolFloor:             viper.GetInt64("POOL_FLOOR"),
		PendingPageSize:       viper.GetInt("PENDING_PAGE_SIZE"),

		RetentionDays:  viper.GetInt("RETENTION_DAYS"),
		ReminderWindow: viper.GetDuration("REMINDER_WINDOW"),
	}

	return config, nil
}
