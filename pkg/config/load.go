package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g.
// SHOP_INGEST_SHOPIFY_ACCESS_TOKEN for shopify.access_token.
const EnvPrefix = "SHOP_INGEST"

// SetDefaults configures default values for all configuration options.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("shopify.shop_domain", "")
	v.SetDefault("shopify.access_token", "")
	v.SetDefault("shopify.api_version", "2025-01")
	v.SetDefault("shopify.base_url", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.shutdown_timeout", "30s")

	v.SetDefault("invoice_api.base_url", "")
	v.SetDefault("invoice_api.auth_token", "")
	v.SetDefault("invoice_api.timeout", "15s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_backoff", "1s")
	v.SetDefault("retry.max_backoff", "16s")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.2)
	v.SetDefault("retry.request_timeout", "30s")

	v.SetDefault("rate.requests_per_second", 2.0) // source leak rate
	v.SetDefault("rate.burst", 4)

	v.SetDefault("ingest.concurrency", 1)
	v.SetDefault("ingest.page_size", 250)
	v.SetDefault("ingest.page_delay", "100ms")
	v.SetDefault("ingest.best_effort", false)
	v.SetDefault("ingest.fingerprint_version", "v1")
	v.SetDefault("ingest.preview_default", 250)
	v.SetDefault("ingest.preview_ceiling", 10000)
	v.SetDefault("ingest.import_default", 1000)
	v.SetDefault("ingest.import_ceiling", 50000)
	v.SetDefault("ingest.tax_rate", 19)
	v.SetDefault("ingest.payment_terms_days", 14)
	v.SetDefault("ingest.number_prefix", "SH-")
	v.SetDefault("ingest.default_country", "Deutschland")
	v.SetDefault("ingest.pending_timeout", "0s")
	v.SetDefault("ingest.failed_record_ttl", "0s")
}

// NewViper returns a viper instance with defaults and environment binding.
// configFile is optional; its format follows the file extension.
func NewViper(configFile string) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("config file %s not found", configFile)
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	return v, nil
}

// Load unmarshals and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
