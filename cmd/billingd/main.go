package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/billing/internal/billingd"
	"github.com/MarkoPoloResearchLab/billing/internal/httpapi"
	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

const (
	envPrefix = "BILLING"

	flagEnvFile                 = "env-file"
	flagDatabaseURL             = "database-url"
	flagStoreBackend            = "store-backend"
	flagListenAddr              = "listen-addr"
	flagAllowedOrigins          = "allowed-origins"
	flagJWTSigningKey           = "jwt-signing-key"
	flagJWTIssuer               = "jwt-issuer"
	flagJWTCookieName           = "jwt-cookie-name"
	flagAdminToken              = "admin-token"
	flagRequestTimeout          = "request-timeout"
	flagCreationCharge          = "creation-charge"
	flagActivationCharge        = "activation-charge"
	flagDailyCharge             = "daily-charge"
	flagInitialCredit           = "initial-credit"
	flagDailySchedule           = "daily-schedule"
	flagBatchWorkers            = "batch-workers"
	flagBatchItemTimeout        = "batch-item-timeout"
	flagRedisAddr               = "redis-addr"
	flagKafkaBrokers            = "kafka-brokers"
	flagKafkaEventsTopic        = "kafka-events-topic"
	flagKafkaNotificationsTopic = "kafka-notifications-topic"
	flagModerationURL           = "moderation-url"
	flagModerationWorkflow      = "moderation-workflow"
	flagModerationUser          = "moderation-user"
	flagModerationSecret        = "moderation-secret"
	flagLogLevel                = "log-level"

	flagDryRun       = "dry-run"
	flagChargeAmount = "charge-amount"
	flagDate         = "date"
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "billingd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &billingd.Config{}
	cmd := &cobra.Command{
		Use:           "billingd",
		Short:         "Listing billing ledger daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
	}

	flags := cmd.PersistentFlags()
	flags.String(flagEnvFile, ".env", "optional dotenv file loaded before reading BILLING_* variables")
	flags.String(flagDatabaseURL, "", "postgres:// or sqlite:// database url")
	flags.String(flagStoreBackend, "", "store implementation: gorm or pgx")
	flags.String(flagCreationCharge, "", "listing creation fee")
	flags.String(flagActivationCharge, "", "listing activation fee")
	flags.String(flagDailyCharge, "", "daily listing fee")
	flags.String(flagInitialCredit, "", "balance credited to newly registered wallets")
	flags.Int(flagBatchWorkers, 0, "concurrent listings charged by the daily batch")
	flags.Duration(flagBatchItemTimeout, 0, "timeout per listing in the daily batch")
	flags.String(flagKafkaBrokers, "", "comma-separated Kafka brokers; empty disables events")
	flags.String(flagKafkaEventsTopic, "", "Kafka topic for billing events")
	flags.String(flagKafkaNotificationsTopic, "", "Kafka topic for host notifications")
	flags.String(flagModerationURL, "", "image moderation workflow endpoint")
	flags.String(flagModerationWorkflow, "", "image moderation workflow id")
	flags.String(flagModerationUser, "", "image moderation api user")
	flags.String(flagModerationSecret, "", "image moderation api secret")
	flags.String(flagLogLevel, "", "zap log level")

	cmd.AddCommand(newServeCommand(cfg), newChargeDailyCommand(cfg))
	return cmd
}

func newServeCommand(cfg *billingd.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run the daily charge on schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.HTTP.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger, err := billingd.NewLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			app, err := billingd.Build(ctx, *cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if closeErr := app.Close(); closeErr != nil {
					logger.Warn("shutdown close failed", zap.Error(closeErr))
				}
			}()
			return app.Serve(ctx)
		},
	}
	flags := cmd.Flags()
	flags.String(flagListenAddr, "", "HTTP listen address")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.String(flagAdminToken, "", "operator token for /api/admin (required)")
	flags.Duration(flagRequestTimeout, 0, "per-request service timeout")
	flags.String(flagDailySchedule, "", "cron spec for the daily charge, evaluated in UTC")
	flags.String(flagRedisAddr, "", "redis address for the daily run guard; empty disables it")
	return cmd
}

func newChargeDailyCommand(cfg *billingd.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "charge-daily",
		Short: "Charge every active listing once for a date",
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, date, dryRun, err := readChargeFlags(cmd)
			if err != nil {
				return err
			}
			logger, err := billingd.NewLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			app, err := billingd.Build(cmd.Context(), *cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			summary, err := app.ChargeDaily(cmd.Context(), amount, date, dryRun)
			if err != nil {
				return err
			}
			return writeSummary(cmd, summary)
		},
	}
	cmd.Flags().Bool(flagDryRun, false, "report what would be charged without writing")
	cmd.Flags().String(flagChargeAmount, "", "override the configured daily charge")
	cmd.Flags().String(flagDate, "", "charge date YYYY-MM-DD (default today, UTC)")
	return cmd
}

func readChargeFlags(cmd *cobra.Command) (billing.Amount, billing.ChargeDate, bool, error) {
	dryRun, err := cmd.Flags().GetBool(flagDryRun)
	if err != nil {
		return billing.Amount{}, billing.ChargeDate{}, false, err
	}
	var amount billing.Amount
	if raw, _ := cmd.Flags().GetString(flagChargeAmount); strings.TrimSpace(raw) != "" {
		if amount, err = billing.ParseAmount(raw); err != nil {
			return billing.Amount{}, billing.ChargeDate{}, false, fmt.Errorf("%s: %w", flagChargeAmount, err)
		}
	}
	var date billing.ChargeDate
	if raw, _ := cmd.Flags().GetString(flagDate); strings.TrimSpace(raw) != "" {
		if date, err = billing.ParseChargeDate(raw); err != nil {
			return billing.Amount{}, billing.ChargeDate{}, false, fmt.Errorf("%s: %w", flagDate, err)
		}
	}
	return amount, date, dryRun, nil
}

type summaryOutput struct {
	Date        string `json:"date"`
	DryRun      bool   `json:"dry_run"`
	Amount      string `json:"amount"`
	Total       int    `json:"total"`
	Succeeded   int    `json:"succeeded"`
	Failed      int    `json:"failed"`
	Deactivated int    `json:"deactivated"`
	Skipped     int    `json:"skipped"`
}

func writeSummary(cmd *cobra.Command, summary billing.DailyChargeSummary) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(summaryOutput{
		Date:        summary.Date.String(),
		DryRun:      summary.DryRun,
		Amount:      summary.Amount.String(),
		Total:       summary.Total,
		Succeeded:   summary.Succeeded,
		Failed:      summary.Failed,
		Deactivated: summary.Deactivated,
		Skipped:     summary.Skipped,
	})
}

func loadConfig(cmd *cobra.Command, cfg *billingd.Config) error {
	envFile, _ := cmd.Flags().GetString(flagEnvFile)
	if strings.TrimSpace(envFile) != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(flag.Name, flag)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreBackend = strings.TrimSpace(v.GetString(flagStoreBackend))
	cfg.CreationCharge = v.GetString(flagCreationCharge)
	cfg.ActivationCharge = v.GetString(flagActivationCharge)
	cfg.DailyCharge = v.GetString(flagDailyCharge)
	cfg.InitialCredit = v.GetString(flagInitialCredit)
	cfg.DailySchedule = v.GetString(flagDailySchedule)
	cfg.BatchWorkers = v.GetInt(flagBatchWorkers)
	cfg.BatchItemTimeout = v.GetDuration(flagBatchItemTimeout)
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.KafkaBrokers = billingd.ParseList(v.GetString(flagKafkaBrokers))
	cfg.KafkaEventsTopic = v.GetString(flagKafkaEventsTopic)
	cfg.KafkaNotificationsTopic = v.GetString(flagKafkaNotificationsTopic)
	cfg.ModerationURL = v.GetString(flagModerationURL)
	cfg.ModerationWorkflow = v.GetString(flagModerationWorkflow)
	cfg.ModerationUser = v.GetString(flagModerationUser)
	cfg.ModerationSecret = v.GetString(flagModerationSecret)
	cfg.LogLevel = v.GetString(flagLogLevel)
	cfg.HTTP = httpapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:    httpapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
		AdminToken:        v.GetString(flagAdminToken),
		RequestTimeout:    v.GetDuration(flagRequestTimeout),
	}
	return cfg.Validate()
}
