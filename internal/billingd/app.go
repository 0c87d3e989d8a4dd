package billingd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/billing/internal/httpapi"
	"github.com/MarkoPoloResearchLab/billing/internal/kafkabus"
	"github.com/MarkoPoloResearchLab/billing/internal/metrics"
	"github.com/MarkoPoloResearchLab/billing/internal/moderation"
	"github.com/MarkoPoloResearchLab/billing/internal/oplog"
	"github.com/MarkoPoloResearchLab/billing/internal/runguard"
	"github.com/MarkoPoloResearchLab/billing/pkg/billing"
)

// App holds the wired service and its closers.
type App struct {
	Config  Config
	Fees    Fees
	Logger  *zap.Logger
	Service *billing.Service
	Metrics *metrics.Recorder
	Guard   *runguard.Guard
	closers []func() error
}

// Build opens the store and wires every collaborator the config enables.
func Build(ctx context.Context, cfg Config, logger *zap.Logger) (*App, error) {
	fees, err := cfg.Fees()
	if err != nil {
		return nil, err
	}
	app := &App{Config: cfg, Fees: fees, Logger: logger, Metrics: metrics.NewRecorder()}

	store, closeStore, err := OpenStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeStore)

	policy, err := billing.NewConfiguredFeePolicy(fees.Creation, fees.Activation, fees.Daily)
	if err != nil {
		app.Close()
		return nil, err
	}
	options := []billing.ServiceOption{
		billing.WithOperationLogger(oplog.Multi{oplog.New(logger), app.Metrics}),
		billing.WithInitialCredit(fees.InitialCredit),
		billing.WithBatchOptions(billing.BatchOptions{Workers: cfg.BatchWorkers, ItemTimeout: cfg.BatchItemTimeout}),
		billing.WithContentValidator(app.contentValidator()),
	}
	kafkaOptions, err := app.kafkaOptions()
	if err != nil {
		app.Close()
		return nil, err
	}
	options = append(options, kafkaOptions...)

	service, err := billing.NewService(store, time.Now, policy, options...)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Service = service

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		app.closers = append(app.closers, client.Close)
		hostname, _ := os.Hostname()
		guard, err := runguard.New(client, hostname)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Guard = guard
	}
	return app, nil
}

func (app *App) contentValidator() billing.ContentValidator {
	if !app.Config.ModerationEnabled() {
		app.Logger.Warn("moderation not configured, accepting all images")
		return moderation.AcceptAll{}
	}
	validator, err := moderation.NewWorkflowValidator(moderation.Config{
		Endpoint:   app.Config.ModerationURL,
		WorkflowID: app.Config.ModerationWorkflow,
		APIUser:    app.Config.ModerationUser,
		APISecret:  app.Config.ModerationSecret,
	}, nil)
	if err != nil {
		app.Logger.Warn("moderation config rejected, accepting all images", zap.Error(err))
		return moderation.AcceptAll{}
	}
	return moderation.Chain{validator}
}

func (app *App) kafkaOptions() ([]billing.ServiceOption, error) {
	if len(app.Config.KafkaBrokers) == 0 {
		return nil, nil
	}
	eventsWriter, err := kafkabus.NewWriter(kafkabus.WriterConfig{Brokers: app.Config.KafkaBrokers, Topic: app.Config.KafkaEventsTopic})
	if err != nil {
		return nil, err
	}
	publisher, err := kafkabus.NewPublisher(eventsWriter)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, publisher.Close)

	notificationsWriter, err := kafkabus.NewWriter(kafkabus.WriterConfig{Brokers: app.Config.KafkaBrokers, Topic: app.Config.KafkaNotificationsTopic})
	if err != nil {
		return nil, err
	}
	delivery, err := kafkabus.NewMessageDelivery(notificationsWriter)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, delivery.Close)
	return []billing.ServiceOption{billing.WithEventPublisher(publisher), billing.WithMessageDelivery(delivery)}, nil
}

// Close releases resources in reverse order.
func (app *App) Close() error {
	var errs []error
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](); err != nil {
			errs = append(errs, err)
		}
	}
	app.closers = nil
	return errors.Join(errs...)
}

// Serve runs the HTTP API and the daily scheduler until ctx ends.
func (app *App) Serve(ctx context.Context) error {
	server, err := httpapi.NewServer(app.Config.HTTP, app.Service,
		httpapi.WithLogger(app.Logger),
		httpapi.WithMetricsHandler(app.Metrics.Handler()),
		httpapi.WithDailyCharge(app.Fees.Daily))
	if err != nil {
		return fmt.Errorf("http api: %w", err)
	}
	job := NewDailyJob(app.Service, app.guard(), app.Fees.Daily, time.Now, app.Logger)
	scheduler, err := NewScheduler(ctx, app.Config.DailySchedule, job, app.Logger)
	if err != nil {
		return err
	}
	scheduler.Start()
	app.Logger.Info("daily charge scheduled", zap.String("schedule", app.Config.DailySchedule), zap.Time("next_run", scheduler.Next()))
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		scheduler.Stop(stopCtx)
	}()
	return server.Run(ctx)
}

// ChargeDaily runs one batch immediately, bypassing the run guard.
func (app *App) ChargeDaily(ctx context.Context, amount billing.Amount, date billing.ChargeDate, dryRun bool) (billing.DailyChargeSummary, error) {
	if amount.IsZero() {
		amount = app.Fees.Daily
	}
	if date.IsZero() {
		date = billing.NewChargeDate(time.Now())
	}
	return app.Service.RunDailyCharge(ctx, amount, date, dryRun)
}

// guard avoids handing a typed nil to NewDailyJob.
func (app *App) guard() RunGuard {
	if app.Guard == nil {
		return nil
	}
	return app.Guard
}
