/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the vending-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	JWTSecret            string `mapstructure:"JWT_SECRET"`
	InternalAPIKey       string `mapstructure:"INTERNAL_API_KEY"`

	// Vendor credentials. An adapter with no credentials configured is not
	// registered unless simulation mode is on.
	VTPassBaseURL        string `mapstructure:"VTPASS_BASE_URL"`
	VTPassAPIKey         string `mapstructure:"VTPASS_API_KEY"`
	VTPassSecretKey      string `mapstructure:"VTPASS_SECRET_KEY"`
	ClubkonnectBaseURL   string `mapstructure:"CLUBKONNECT_BASE_URL"`
	ClubkonnectUserID    string `mapstructure:"CLUBKONNECT_USER_ID"`
	ClubkonnectAPIKey    string `mapstructure:"CLUBKONNECT_API_KEY"`
	PayscribeBaseURL     string `mapstructure:"PAYSCRIBE_BASE_URL"`
	PayscribeEmail       string `mapstructure:"PAYSCRIBE_EMAIL"`
	PayscribePassword    string `mapstructure:"PAYSCRIBE_PASSWORD"`
	GsubzBaseURL         string `mapstructure:"GSUBZ_BASE_URL"`
	GsubzAPIToken        string `mapstructure:"GSUBZ_API_TOKEN"`
	SimulateVendors      bool   `mapstructure:"SIMULATE_VENDORS"`

	DefaultVendor     string `mapstructure:"DEFAULT_VENDOR"`
	VendorLoadBalance bool   `mapstructure:"VENDOR_LOAD_BALANCE"`
	// VendorPriority is a comma-separated vendor name list, most preferred
	// first; it breaks health-score ties in load-balanced routing.
	VendorPriority    string `mapstructure:"VENDOR_PRIORITY"`
	MaxVendorAttempts int    `mapstructure:"MAX_VENDOR_ATTEMPTS"`

	HealthProbeCron string `mapstructure:"HEALTH_PROBE_CRON"`
	ReconcileCron   string `mapstructure:"RECONCILE_CRON"`

	PurchaseRateLimitPerMinute int `mapstructure:"PURCHASE_RATE_LIMIT_PER_MINUTE"`
	TransactionPINMaxAttempts  int `mapstructure:"TRANSACTION_PIN_MAX_ATTEMPTS"`
	TransactionPINLockoutSecs  int `mapstructure:"TRANSACTION_PIN_LOCKOUT_SECONDS"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "vending:rate_limit")
	viper.SetDefault("VTPASS_BASE_URL", "https://vtpass.com")
	viper.SetDefault("CLUBKONNECT_BASE_URL", "https://www.nellobytesystems.com")
	viper.SetDefault("PAYSCRIBE_BASE_URL", "https://api.payscribe.ng")
	viper.SetDefault("GSUBZ_BASE_URL", "https://gsubz.com")
	viper.SetDefault("DEFAULT_VENDOR", "vtpass")
	viper.SetDefault("MAX_VENDOR_ATTEMPTS", 2)
	viper.SetDefault("HEALTH_PROBE_CRON", "@every 1m")
	viper.SetDefault("RECONCILE_CRON", "@every 5m")
	viper.SetDefault("PURCHASE_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("TRANSACTION_PIN_MAX_ATTEMPTS", 5)
	viper.SetDefault("TRANSACTION_PIN_LOCKOUT_SECONDS", 900)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "VENDING_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("JWT_SECRET")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "VENDING_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("VTPASS_BASE_URL")
	_ = viper.BindEnv("VTPASS_API_KEY")
	_ = viper.BindEnv("VTPASS_SECRET_KEY")
	_ = viper.BindEnv("CLUBKONNECT_BASE_URL")
	_ = viper.BindEnv("CLUBKONNECT_USER_ID")
	_ = viper.BindEnv("CLUBKONNECT_API_KEY")
	_ = viper.BindEnv("PAYSCRIBE_BASE_URL")
	_ = viper.BindEnv("PAYSCRIBE_EMAIL")
	_ = viper.BindEnv("PAYSCRIBE_PASSWORD")
	_ = viper.BindEnv("GSUBZ_BASE_URL")
	_ = viper.BindEnv("GSUBZ_API_TOKEN")
	_ = viper.BindEnv("SIMULATE_VENDORS")
	_ = viper.BindEnv("DEFAULT_VENDOR")
	_ = viper.BindEnv("VENDOR_LOAD_BALANCE")
	_ = viper.BindEnv("VENDOR_PRIORITY")
	_ = viper.BindEnv("MAX_VENDOR_ATTEMPTS")
	_ = viper.BindEnv("HEALTH_PROBE_CRON")
	_ = viper.BindEnv("RECONCILE_CRON")
	_ = viper.BindEnv("PURCHASE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("TRANSACTION_PIN_MAX_ATTEMPTS")
	_ = viper.BindEnv("TRANSACTION_PIN_LOCKOUT_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("VENDING_SERVICE_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "vending:rate_limit"
	}
	config.DefaultVendor = strings.ToLower(strings.TrimSpace(config.DefaultVendor))
	config.VendorPriority = strings.ToLower(strings.TrimSpace(config.VendorPriority))

	if config.MaxVendorAttempts <= 0 {
		config.MaxVendorAttempts = 2
	}
	if config.PurchaseRateLimitPerMinute <= 0 {
		config.PurchaseRateLimitPerMinute = 20
	}
	if config.TransactionPINMaxAttempts <= 0 {
		config.TransactionPINMaxAttempts = 5
	}
	if config.TransactionPINLockoutSecs <= 0 {
		config.TransactionPINLockoutSecs = 900
	}

	return
}
