// Package config loads the ingestion service configuration and supplies
// source credentials to import runs.
package config

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Config is the complete service configuration.
type Config struct {
	Shopify    ShopifyConfig    `mapstructure:"shopify"`
	Redis      RedisConfig      `mapstructure:"redis"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	InvoiceAPI InvoiceAPIConfig `mapstructure:"invoice_api"`
	Log        LogConfig        `mapstructure:"log"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Rate       RateConfig       `mapstructure:"rate"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
}

// ShopifyConfig identifies the source shop.
type ShopifyConfig struct {
	ShopDomain  string `mapstructure:"shop_domain"`
	AccessToken string `mapstructure:"access_token"`
	APIVersion  string `mapstructure:"api_version"`

	// BaseURL overrides https://<shop_domain> (mock servers, proxies).
	BaseURL string `mapstructure:"base_url"`
}

// RedisConfig selects the shared state backend. An empty Addr keeps all
// state in process memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// InvoiceAPIConfig points at the invoice application. An empty BaseURL
// stores invoices in process memory.
type InvoiceAPIConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	AuthToken string        `mapstructure:"auth_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// RetryConfig configures the source client's retry policy.
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
	Jitter         float64       `mapstructure:"jitter"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RateConfig configures the process-wide token bucket.
type RateConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// IngestConfig configures import runs.
type IngestConfig struct {
	Concurrency        int           `mapstructure:"concurrency"`
	PageSize           int           `mapstructure:"page_size"`
	PageDelay          time.Duration `mapstructure:"page_delay"`
	BestEffort         bool          `mapstructure:"best_effort"`
	FingerprintVersion string        `mapstructure:"fingerprint_version"`

	PreviewDefault int `mapstructure:"preview_default"`
	PreviewCeiling int `mapstructure:"preview_ceiling"`
	ImportDefault  int `mapstructure:"import_default"`
	ImportCeiling  int `mapstructure:"import_ceiling"`

	TaxRate          int    `mapstructure:"tax_rate"`
	PaymentTermsDays int    `mapstructure:"payment_terms_days"`
	NumberPrefix     string `mapstructure:"number_prefix"`
	DefaultCountry   string `mapstructure:"default_country"`

	// PendingTimeout lets a run take over records left pending by a crashed run.
	PendingTimeout time.Duration `mapstructure:"pending_timeout"`

	// FailedRecordTTL expires failed idempotency records in Redis (0 = never).
	// Completed records are kept.
	FailedRecordTTL time.Duration `mapstructure:"failed_record_ttl"`
}

// Validate checks the settings every command needs. Source credentials are
// checked separately because the API server may start without them.
func (c *Config) Validate() error {
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.HTTP.Port)
	}
	if c.Ingest.Concurrency < 1 {
		return fmt.Errorf("ingest.concurrency must be >= 1 (got %d)", c.Ingest.Concurrency)
	}
	if c.Ingest.PreviewCeiling < 1 || c.Ingest.ImportCeiling < 1 {
		return fmt.Errorf("ingest ceilings must be >= 1")
	}
	if c.Ingest.PreviewDefault < 1 || c.Ingest.PreviewDefault > c.Ingest.PreviewCeiling {
		return fmt.Errorf("ingest.preview_default must be within 1..%d", c.Ingest.PreviewCeiling)
	}
	if c.Ingest.ImportDefault < 1 || c.Ingest.ImportDefault > c.Ingest.ImportCeiling {
		return fmt.Errorf("ingest.import_default must be within 1..%d", c.Ingest.ImportCeiling)
	}
	if c.Ingest.TaxRate < 0 {
		return fmt.Errorf("ingest.tax_rate must be >= 0")
	}
	return nil
}

// Credentials are the source API settings read once per run.
type Credentials struct {
	ShopDomain  string
	AccessToken string
	APIVersion  string
	BaseURL     string
}

// Validate reports missing credentials.
func (c Credentials) Validate() error {
	if c.ShopDomain == "" && c.BaseURL == "" {
		return fmt.Errorf("shopify.shop_domain is required")
	}
	if c.AccessToken == "" {
		return fmt.Errorf("shopify.access_token is required")
	}
	if c.APIVersion == "" {
		return fmt.Errorf("shopify.api_version is required")
	}
	return nil
}

// OrdersURL returns the orders listing endpoint of the Admin API.
func (c Credentials) OrdersURL() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if base == "" {
		base = "https://" + strings.TrimRight(c.ShopDomain, "/")
	}
	return base + "/admin/api/" + url.PathEscape(c.APIVersion) + "/orders.json"
}

// Shop returns the identifier used to key per-shop state.
func (c Credentials) Shop() string {
	if c.ShopDomain != "" {
		return c.ShopDomain
	}
	if u, err := url.Parse(c.BaseURL); err == nil && u.Host != "" {
		return u.Host
	}
	return c.BaseURL
}

// StaticProvider serves credentials from loaded configuration.
type StaticProvider struct {
	creds Credentials
}

// NewStaticProvider returns a provider for the shop section of cfg.
func NewStaticProvider(shop ShopifyConfig) *StaticProvider {
	return &StaticProvider{creds: Credentials{
		ShopDomain:  shop.ShopDomain,
		AccessToken: shop.AccessToken,
		APIVersion:  shop.APIVersion,
		BaseURL:     shop.BaseURL,
	}}
}

// SourceCredentials returns the validated credentials.
func (p *StaticProvider) SourceCredentials(_ context.Context) (Credentials, error) {
	if err := p.creds.Validate(); err != nil {
		return Credentials{}, err
	}
	return p.creds, nil
}
