// Package bootstrap wires the engine's components from Settings. The HTTP
// server and the admin CLI share it so both act on the same stack.
package bootstrap

import (
	"context"
	"io"

	"bitbucket.org/mmdatafocus/fiscal_backend/artifacts"
	"bitbucket.org/mmdatafocus/fiscal_backend/config"
	"bitbucket.org/mmdatafocus/fiscal_backend/gateway"
	"bitbucket.org/mmdatafocus/fiscal_backend/scheduler"
	"bitbucket.org/mmdatafocus/fiscal_backend/sequencer"
	"bitbucket.org/mmdatafocus/fiscal_backend/store"
	"bitbucket.org/mmdatafocus/fiscal_backend/webhook"
	"bitbucket.org/mmdatafocus/fiscal_backend/workflow"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type App struct {
	Settings config.Settings
	Logger   *logrus.Logger

	Store        *store.GormStore
	RedisCounter *store.RedisCounter
	Gateway      gateway.Adapter
	Artifacts    artifacts.Store
	Controller   *workflow.Controller
	Scheduler    *webhook.Scheduler
	Ledger       *webhook.Ledger
	Dispatcher   *webhook.Dispatcher
	PubSub       *workflow.PubSubSink
	Certificates *scheduler.CertificateCheck
}

// New builds the engine on an open database and an optional Redis client.
// Without Redis, numbering falls back to the SQL counter and document locks
// stay process-local.
func New(ctx context.Context, settings config.Settings, db *gorm.DB, rdb *redis.Client, logger *logrus.Logger) (*App, error) {
	app := &App{
		Settings: settings,
		Logger:   logger,
		Store:    store.NewGormStore(db),
	}

	var counter sequencer.Counter = store.NewSQLCounter(db)
	if settings.RedisSequencer && rdb != nil {
		app.RedisCounter = store.NewRedisCounter(rdb)
		counter = app.RedisCounter
	} else if settings.RedisSequencer {
		logger.WithField("field", "bootstrap").Warn("redis sequencer requested but redis is not connected; using SQL counter")
	}

	gw, err := gateway.New(settings, logger)
	if err != nil {
		return nil, err
	}
	app.Gateway = gw

	arts, err := artifacts.New(ctx, settings.GCSBucket)
	if err != nil {
		return nil, err
	}
	app.Artifacts = arts

	app.Scheduler = webhook.NewScheduler()
	app.Ledger = webhook.NewLedger(app.Store, webhook.NewHTTPSender(settings.WebhookTimeout), app.Scheduler, logger)
	app.Ledger.LastErrorMax = settings.WebhookLastErrorMax
	app.Dispatcher = webhook.NewDispatcher(app.Store, app.Ledger, logger)

	sinks := workflow.MultiSink{app.Dispatcher}
	if config.PublishLifecycleToPubSub() {
		app.PubSub = workflow.NewPubSubSink(logger)
		if err := app.PubSub.Prepare(ctx, settings.PubSubTopic); err != nil {
			logger.WithField("field", "bootstrap").WithError(err).Warn("lifecycle topic not ready")
		}
		sinks = append(sinks, app.PubSub)
	}

	ctl := workflow.NewController(app.Store, sequencer.New(counter, logger), gw, logger)
	ctl.Locker = workflow.NewRedisLocker(config.GetRedisLock(), logger)
	ctl.Sink = sinks
	ctl.Artifacts = arts
	ctl.CancelWindowProduction = settings.CancelWindowProduction
	ctl.CancelWindowHomologation = settings.CancelWindowHomologation
	app.Controller = ctl

	app.Certificates = scheduler.NewCertificateCheck(app.Store, sinks, logger)
	return app, nil
}

// Start re-arms pending webhook retries and launches the background loops.
// They stop when ctx ends.
func (a *App) Start(ctx context.Context) error {
	logger := a.Logger.WithField("field", "bootstrap")
	if a.RedisCounter != nil {
		n, err := store.ResyncCounters(ctx, a.Store, a.RedisCounter)
		if err != nil {
			logger.WithError(err).Error("counter resync failed")
		} else {
			logger.WithField("streams", n).Info("document counters resynced")
		}
	}
	if _, err := a.Ledger.Recover(ctx); err != nil {
		return err
	}
	go a.Scheduler.Run(ctx)
	if config.CertificateCheckEnabled() {
		go a.Certificates.Run(ctx)
	}
	return nil
}

// Drain waits for in-flight event fan-out and releases clients.
func (a *App) Drain() {
	a.Dispatcher.Wait()
	if a.PubSub != nil {
		a.PubSub.Wait()
	}
	if c, ok := a.Artifacts.(io.Closer); ok {
		_ = c.Close()
	}
}
