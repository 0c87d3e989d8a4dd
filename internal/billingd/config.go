// Package billingd assembles the billing daemon: store, service, HTTP API and scheduler.
package billingd

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/MarkoPoloResearchLab/billing/internal/httpapi"
	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

const (
	BackendGorm = "gorm"
	BackendPgx  = "pgx"

	defaultDatabaseURL       = "sqlite:///tmp/billing.db"
	defaultStoreBackend      = BackendGorm
	defaultCreationCharge    = "20.00"
	defaultActivationCharge  = "15.00"
	defaultDailyCharge       = "10.00"
	defaultInitialCredit     = "500.00"
	defaultDailySchedule     = "1 0 * * *"
	defaultBatchWorkers      = 4
	defaultBatchItemTimeout  = 30 * time.Second
	defaultEventsTopic       = "billing.events"
	defaultNotificationTopic = "billing.notifications"
	defaultLogLevel          = "info"
)

// Config aggregates runtime settings for billingd.
type Config struct {
	DatabaseURL  string
	StoreBackend string
	HTTP         httpapi.Config

	CreationCharge   string
	ActivationCharge string
	DailyCharge      string
	InitialCredit    string

	DailySchedule    string
	BatchWorkers     int
	BatchItemTimeout time.Duration

	RedisAddr               string
	KafkaBrokers            []string
	KafkaEventsTopic        string
	KafkaNotificationsTopic string

	ModerationURL      string
	ModerationWorkflow string
	ModerationUser     string
	ModerationSecret   string

	LogLevel string
}

// Fees holds the parsed billing amounts.
type Fees struct {
	Creation      billing.Amount
	Activation    billing.Amount
	Daily         billing.Amount
	InitialCredit billing.Amount
}

// Validate fills defaults and rejects unusable values. HTTP settings are
// validated separately because charge-daily does not serve HTTP.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.StoreBackend = strings.ToLower(defaultIfEmpty(cfg.StoreBackend, defaultStoreBackend))
	cfg.CreationCharge = defaultIfEmpty(cfg.CreationCharge, defaultCreationCharge)
	cfg.ActivationCharge = defaultIfEmpty(cfg.ActivationCharge, defaultActivationCharge)
	cfg.DailyCharge = defaultIfEmpty(cfg.DailyCharge, defaultDailyCharge)
	cfg.InitialCredit = defaultIfEmpty(cfg.InitialCredit, defaultInitialCredit)
	cfg.DailySchedule = defaultIfEmpty(cfg.DailySchedule, defaultDailySchedule)
	cfg.KafkaEventsTopic = defaultIfEmpty(cfg.KafkaEventsTopic, defaultEventsTopic)
	cfg.KafkaNotificationsTopic = defaultIfEmpty(cfg.KafkaNotificationsTopic, defaultNotificationTopic)
	cfg.LogLevel = defaultIfEmpty(cfg.LogLevel, defaultLogLevel)
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = defaultBatchWorkers
	}
	if cfg.BatchItemTimeout <= 0 {
		cfg.BatchItemTimeout = defaultBatchItemTimeout
	}
	if cfg.StoreBackend != BackendGorm && cfg.StoreBackend != BackendPgx {
		return fmt.Errorf("store backend must be %q or %q", BackendGorm, BackendPgx)
	}
	if cfg.StoreBackend == BackendPgx && !isPostgresURL(cfg.DatabaseURL) {
		return fmt.Errorf("store backend %q requires a postgres database url", BackendPgx)
	}
	if _, err := cfg.Fees(); err != nil {
		return err
	}
	if _, err := cron.ParseStandard(cfg.DailySchedule); err != nil {
		return fmt.Errorf("daily schedule: %w", err)
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return nil
}

// Fees parses the configured amounts.
func (cfg *Config) Fees() (Fees, error) {
	parse := func(name string, raw string) (billing.Amount, error) {
		amount, err := billing.ParseAmount(raw)
		if err != nil {
			return billing.Amount{}, fmt.Errorf("%s: %w", name, err)
		}
		return amount, nil
	}
	var fees Fees
	var err error
	if fees.Creation, err = parse("creation charge", cfg.CreationCharge); err != nil {
		return Fees{}, err
	}
	if fees.Activation, err = parse("activation charge", cfg.ActivationCharge); err != nil {
		return Fees{}, err
	}
	if fees.Daily, err = parse("daily charge", cfg.DailyCharge); err != nil {
		return Fees{}, err
	}
	if fees.InitialCredit, err = parse("initial credit", cfg.InitialCredit); err != nil {
		return Fees{}, err
	}
	return fees, nil
}

// ModerationEnabled reports whether workflow credentials were supplied.
func (cfg *Config) ModerationEnabled() bool {
	return strings.TrimSpace(cfg.ModerationWorkflow) != "" && strings.TrimSpace(cfg.ModerationUser) != "" && strings.TrimSpace(cfg.ModerationSecret) != ""
}

// NewLogger builds a production zap logger at the configured level.
func NewLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(defaultIfEmpty(level, defaultLogLevel))
	if err != nil {
		return nil, err
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(parsed)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return config.Build()
}

// ParseList splits comma-delimited values into a slice.
func ParseList(raw string) []string {
	return httpapi.ParseAllowedOrigins(raw)
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

func isPostgresURL(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}
