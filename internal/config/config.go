package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"billing-core/internal/pricing"
)

// Config holds all configuration required by the API process.
// Values come from the environment (APP_ENV, DB_HOST, ...) or an optional config
// file named by CONFIG_FILE; environment wins.
type Config struct {
	App     AppConfig
	DB      DBConfig
	Redis   RedisConfig
	Auth    AuthConfig
	PayPal  PayPalConfig
	Vapi    VapiConfig
	Billing BillingConfig
	Calls   CallsConfig
	AMQP    AMQPConfig
	Jobs    JobsConfig
}

type AppConfig struct {
	Env             string
	Name            string
	Port            int
	LogLevel        string
	ShutdownTimeout time.Duration
}

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type DBConfig struct {
	// Driver selects the store: postgres or memory.
	Driver string
	// URL overrides the discrete fields when set (DATABASE_URL).
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode      string
	MaxOpenConns int
}

type RedisConfig struct {
	// Addr is host:port; empty disables Redis outside production.
	Addr     string
	Password string
	DB       int

	CallConcurrencyLimit int
	CallSlotTTL          time.Duration
	WebhookSeenTTL       time.Duration
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

type PayPalConfig struct {
	BaseURL        string
	ClientID       string
	ClientSecret   string
	WebhookID      string
	VerifyWebhooks bool
	Currency       string
	ReturnURL      string
	CancelURL      string
	Timeout        time.Duration
}

type VapiConfig struct {
	BaseURL       string
	APIKey        string
	PhoneNumberID string
	WebhookSecret string
	Timeout       time.Duration
}

type BillingConfig struct {
	AssistantCost           decimal.Decimal
	CreditPerMinute         decimal.Decimal
	BillingIncrementSeconds int
	MinimumBillableSeconds  int
	EstimateMinutes         int
	MinTopup                decimal.Decimal
	MaxTopup                decimal.Decimal
	MinutesPack             pricing.AddonPack
	AssistantsPack          pricing.AddonPack
	Plans                   []pricing.Plan
}

type CallsConfig struct {
	InitiationAttempts int
	InitialBackoff     time.Duration
	MaxBackoff         time.Duration
}

type AMQPConfig struct {
	// URL empty disables event publishing.
	URL      string
	Exchange string
}

type JobsConfig struct {
	Enabled              bool
	PendingSweepSchedule string
	PendingTTL           time.Duration
	UnbilledSchedule     string
	StaleCallSchedule    string
	StaleCallAfter       time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app_name", "billing-core")
	v.SetDefault("app_port", 8080)
	v.SetDefault("app_shutdown_timeout", "20s")

	v.SetDefault("store_driver", StoreDriverPostgres)
	v.SetDefault("db_port", 5432)
	v.SetDefault("db_max_open_conns", 25)

	v.SetDefault("redis_call_concurrency_limit", 5)
	v.SetDefault("redis_call_slot_ttl", "2m")
	v.SetDefault("redis_webhook_seen_ttl", "24h")

	v.SetDefault("jwt_access_ttl", "15m")

	v.SetDefault("paypal_base_url", "https://api-m.sandbox.paypal.com")
	v.SetDefault("paypal_verify_webhooks", true)
	v.SetDefault("paypal_currency", "USD")
	v.SetDefault("paypal_timeout", "15s")

	v.SetDefault("vapi_base_url", "https://api.vapi.ai")
	v.SetDefault("vapi_timeout", "15s")

	v.SetDefault("billing_assistant_cost", "20")
	v.SetDefault("billing_credit_per_minute", "0.50")
	v.SetDefault("billing_increment_seconds", 60)
	v.SetDefault("billing_minimum_billable_seconds", 0)
	v.SetDefault("billing_estimate_minutes", 5)
	v.SetDefault("billing_min_topup", "5")
	v.SetDefault("billing_max_topup", "1000")
	v.SetDefault("billing_minutes_pack_size", 100)
	v.SetDefault("billing_minutes_pack_price", "30")
	v.SetDefault("billing_assistants_pack_size", 1)
	v.SetDefault("billing_assistants_pack_price", "15")

	v.SetDefault("calls_initiation_attempts", 3)
	v.SetDefault("calls_initial_backoff", "500ms")
	v.SetDefault("calls_max_backoff", "5s")

	v.SetDefault("amqp_exchange", "billing.events")

	v.SetDefault("jobs_enabled", true)
	v.SetDefault("jobs_pending_sweep_schedule", "@every 1h")
	v.SetDefault("jobs_pending_ttl", "72h")
	v.SetDefault("jobs_unbilled_schedule", "@every 5m")
	v.SetDefault("jobs_stale_call_schedule", "@every 15m")
	v.SetDefault("jobs_stale_call_after", "2h")
}

// Load reads configuration through v. Callers typically pass viper.New() (or a
// viper with bound cobra flags).
func Load(v *viper.Viper) (Config, error) {
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file := strings.TrimSpace(v.GetString("config_file")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var (
		c         Config
		parseErrs []error
	)
	dec := func(key string) decimal.Decimal {
		raw := strings.TrimSpace(v.GetString(key))
		if raw == "" {
			return decimal.Zero
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("%s must be a decimal, got %q", strings.ToUpper(key), raw))
		}
		return d
	}

	c.App = AppConfig{
		Env:             strings.TrimSpace(v.GetString("app_env")),
		Name:            v.GetString("app_name"),
		Port:            v.GetInt("app_port"),
		LogLevel:        strings.TrimSpace(v.GetString("log_level")),
		ShutdownTimeout: v.GetDuration("app_shutdown_timeout"),
	}
	c.DB = DBConfig{
		Driver:       strings.TrimSpace(v.GetString("store_driver")),
		URL:          strings.TrimSpace(v.GetString("database_url")),
		Host:         strings.TrimSpace(v.GetString("db_host")),
		Port:         v.GetInt("db_port"),
		User:         strings.TrimSpace(v.GetString("db_user")),
		Password:     v.GetString("db_password"),
		Name:         strings.TrimSpace(v.GetString("db_name")),
		SSLMode:      strings.TrimSpace(v.GetString("db_sslmode")),
		MaxOpenConns: v.GetInt("db_max_open_conns"),
	}
	c.Redis = RedisConfig{
		Addr:                 strings.TrimSpace(v.GetString("redis_addr")),
		Password:             v.GetString("redis_password"),
		DB:                   v.GetInt("redis_db"),
		CallConcurrencyLimit: v.GetInt("redis_call_concurrency_limit"),
		CallSlotTTL:          v.GetDuration("redis_call_slot_ttl"),
		WebhookSeenTTL:       v.GetDuration("redis_webhook_seen_ttl"),
	}
	c.Auth = AuthConfig{
		JWTSecret:      v.GetString("jwt_secret"),
		JWTIssuer:      strings.TrimSpace(v.GetString("jwt_issuer")),
		JWTAudience:    strings.TrimSpace(v.GetString("jwt_audience")),
		AccessTokenTTL: v.GetDuration("jwt_access_ttl"),
	}
	c.PayPal = PayPalConfig{
		BaseURL:        strings.TrimRight(strings.TrimSpace(v.GetString("paypal_base_url")), "/"),
		ClientID:       strings.TrimSpace(v.GetString("paypal_client_id")),
		ClientSecret:   v.GetString("paypal_client_secret"),
		WebhookID:      strings.TrimSpace(v.GetString("paypal_webhook_id")),
		VerifyWebhooks: v.GetBool("paypal_verify_webhooks"),
		Currency:       strings.ToUpper(strings.TrimSpace(v.GetString("paypal_currency"))),
		ReturnURL:      strings.TrimSpace(v.GetString("paypal_return_url")),
		CancelURL:      strings.TrimSpace(v.GetString("paypal_cancel_url")),
		Timeout:        v.GetDuration("paypal_timeout"),
	}
	c.Vapi = VapiConfig{
		BaseURL:       strings.TrimRight(strings.TrimSpace(v.GetString("vapi_base_url")), "/"),
		APIKey:        v.GetString("vapi_api_key"),
		PhoneNumberID: strings.TrimSpace(v.GetString("vapi_phone_number_id")),
		WebhookSecret: v.GetString("vapi_webhook_secret"),
		Timeout:       v.GetDuration("vapi_timeout"),
	}
	c.Billing = BillingConfig{
		AssistantCost:           dec("billing_assistant_cost"),
		CreditPerMinute:         dec("billing_credit_per_minute"),
		BillingIncrementSeconds: v.GetInt("billing_increment_seconds"),
		MinimumBillableSeconds:  v.GetInt("billing_minimum_billable_seconds"),
		EstimateMinutes:         v.GetInt("billing_estimate_minutes"),
		MinTopup:                dec("billing_min_topup"),
		MaxTopup:                dec("billing_max_topup"),
		MinutesPack:             pricing.AddonPack{Quantity: v.GetInt("billing_minutes_pack_size"), Price: dec("billing_minutes_pack_price")},
		AssistantsPack:          pricing.AddonPack{Quantity: v.GetInt("billing_assistants_pack_size"), Price: dec("billing_assistants_pack_price")},
	}
	plans, err := parsePlans(v.GetString("billing_plans"))
	if err != nil {
		parseErrs = append(parseErrs, err)
	}
	c.Billing.Plans = plans

	c.Calls = CallsConfig{
		InitiationAttempts: v.GetInt("calls_initiation_attempts"),
		InitialBackoff:     v.GetDuration("calls_initial_backoff"),
		MaxBackoff:         v.GetDuration("calls_max_backoff"),
	}
	c.AMQP = AMQPConfig{
		URL:      strings.TrimSpace(v.GetString("amqp_url")),
		Exchange: strings.TrimSpace(v.GetString("amqp_exchange")),
	}
	c.Jobs = JobsConfig{
		Enabled:              v.GetBool("jobs_enabled"),
		PendingSweepSchedule: v.GetString("jobs_pending_sweep_schedule"),
		PendingTTL:           v.GetDuration("jobs_pending_ttl"),
		UnbilledSchedule:     v.GetString("jobs_unbilled_schedule"),
		StaleCallSchedule:    v.GetString("jobs_stale_call_schedule"),
		StaleCallAfter:       v.GetDuration("jobs_stale_call_after"),
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks c and fills environment-dependent defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.ShutdownTimeout <= 0 {
		c.App.ShutdownTimeout = 20 * time.Second
	}

	switch c.DB.Driver {
	case StoreDriverMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORE_DRIVER=memory is not allowed in production"))
		}
	case StoreDriverPostgres:
		errs = append(errs, c.validatePostgres()...)
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER must be postgres or memory, got %q", c.DB.Driver))
	}

	if c.Redis.Addr == "" && c.IsProduction() {
		errs = append(errs, errors.New("REDIS_ADDR is required in production"))
	}
	if c.Redis.CallConcurrencyLimit <= 0 {
		errs = append(errs, errors.New("REDIS_CALL_CONCURRENCY_LIMIT must be > 0"))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
		if c.PayPal.ClientID == "" || c.PayPal.ClientSecret == "" {
			errs = append(errs, errors.New("PAYPAL_CLIENT_ID and PAYPAL_CLIENT_SECRET are required in production"))
		}
		if !c.PayPal.VerifyWebhooks {
			errs = append(errs, errors.New("PAYPAL_VERIFY_WEBHOOKS must be true in production"))
		}
		if c.Vapi.APIKey == "" || c.Vapi.WebhookSecret == "" {
			errs = append(errs, errors.New("VAPI_API_KEY and VAPI_WEBHOOK_SECRET are required in production"))
		}
	}
	if c.PayPal.VerifyWebhooks && c.PayPal.WebhookID == "" && c.PayPal.ClientID != "" {
		errs = append(errs, errors.New("PAYPAL_WEBHOOK_ID is required when PAYPAL_VERIFY_WEBHOOKS is true"))
	}
	if c.PayPal.Currency == "" {
		c.PayPal.Currency = "USD"
	}

	if !c.Billing.AssistantCost.IsPositive() {
		errs = append(errs, errors.New("BILLING_ASSISTANT_COST must be > 0"))
	}
	if !c.Billing.CreditPerMinute.IsPositive() {
		errs = append(errs, errors.New("BILLING_CREDIT_PER_MINUTE must be > 0"))
	}
	if c.Billing.MaxTopup.IsPositive() && c.Billing.MaxTopup.LessThan(c.Billing.MinTopup) {
		errs = append(errs, errors.New("BILLING_MAX_TOPUP must be >= BILLING_MIN_TOPUP"))
	}

	if c.Calls.InitiationAttempts <= 0 || c.Calls.InitiationAttempts > 10 {
		errs = append(errs, fmt.Errorf("CALLS_INITIATION_ATTEMPTS must be 1..10, got %d", c.Calls.InitiationAttempts))
	}
	if c.Calls.InitialBackoff <= 0 {
		c.Calls.InitialBackoff = 500 * time.Millisecond
	}
	if c.Calls.MaxBackoff < c.Calls.InitialBackoff {
		c.Calls.MaxBackoff = c.Calls.InitialBackoff
	}

	if c.AMQP.URL != "" && c.AMQP.Exchange == "" {
		errs = append(errs, errors.New("AMQP_EXCHANGE is required when AMQP_URL is set"))
	}
	if c.Jobs.PendingTTL <= 0 {
		c.Jobs.PendingTTL = 72 * time.Hour
	}
	if c.Jobs.StaleCallAfter <= 0 {
		c.Jobs.StaleCallAfter = 2 * time.Hour
	}

	return joinErrors(errs)
}

func (c *Config) validatePostgres() []error {
	var errs []error
	if c.DB.URL != "" {
		return nil
	}
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// PostgresDSN must not be logged; it contains secrets.
func (c Config) PostgresDSN() string {
	if c.DB.URL != "" {
		return c.DB.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// Catalog converts billing settings into the pricing catalog.
func (c Config) Catalog() pricing.Catalog {
	return pricing.Catalog{
		AssistantCost:           c.Billing.AssistantCost,
		CreditPerMinute:         c.Billing.CreditPerMinute,
		BillingIncrementSeconds: c.Billing.BillingIncrementSeconds,
		MinimumBillableSeconds:  c.Billing.MinimumBillableSeconds,
		EstimateMinutes:         c.Billing.EstimateMinutes,
		MinTopup:                c.Billing.MinTopup,
		MaxTopup:                c.Billing.MaxTopup,
		MinutesPack:             c.Billing.MinutesPack,
		AssistantsPack:          c.Billing.AssistantsPack,
		Plans:                   c.Billing.Plans,
	}
}

// parsePlans reads BILLING_PLANS: "id|name|price|minutes|assistants" entries separated by ";".
func parsePlans(raw string) ([]pricing.Plan, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var (
		out  []pricing.Plan
		errs []error
	)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) != 5 {
			errs = append(errs, fmt.Errorf("BILLING_PLANS entry %q must have 5 fields", entry))
			continue
		}
		price, perr := decimal.NewFromString(strings.TrimSpace(parts[2]))
		minutes, merr := strconv.Atoi(strings.TrimSpace(parts[3]))
		assistants, aerr := strconv.Atoi(strings.TrimSpace(parts[4]))
		if perr != nil || merr != nil || aerr != nil || minutes < -1 || assistants < -1 {
			errs = append(errs, fmt.Errorf("BILLING_PLANS entry %q has invalid numbers", entry))
			continue
		}
		out = append(out, pricing.Plan{
			ID:              strings.TrimSpace(parts[0]),
			Name:            strings.TrimSpace(parts[1]),
			Price:           price,
			QuotaMinutes:    minutes,
			QuotaAssistants: assistants,
		})
	}
	return out, joinErrors(errs)
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
