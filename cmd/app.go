package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/masserfx/steelflow/internal/audit"
	"github.com/masserfx/steelflow/internal/config"
	"github.com/masserfx/steelflow/internal/monitoring"
	"github.com/masserfx/steelflow/internal/pipeline"
	"github.com/masserfx/steelflow/internal/scheduler"
	"github.com/masserfx/steelflow/internal/store"
	"github.com/masserfx/steelflow/pkg/ai"
	"github.com/masserfx/steelflow/pkg/notify"
)

// app bundles the wired components a command runs against.
type app struct {
	st       store.Store
	sched    *scheduler.Scheduler
	notifier notify.Notifier
	models   ai.Models
}

// collector builds the metrics read path over the task-record trail.
func (a *app) collector() *monitoring.Collector {
	return monitoring.NewCollector(a.st, a.models)
}

// checker builds the background health checker, or nil when monitoring
// is disabled.
func (a *app) checker() *monitoring.Checker {
	if !cfg.Monitoring.Enabled {
		return nil
	}
	interval, err := time.ParseDuration(cfg.Monitoring.CheckInterval)
	if err != nil {
		zap.L().Warn("monitoring disabled: bad check_interval", zap.Error(err))
		return nil
	}
	alerter := monitoring.NewAlerter(monitoring.Thresholds{
		MaxFailRate:   cfg.Monitoring.MaxFailRate,
		MaxDLQBacklog: cfg.Monitoring.MaxDLQBacklog,
		MaxCostUSD:    cfg.Monitoring.MaxCostUSD,
	}, a.notifier)
	return monitoring.NewChecker(a.collector(), alerter, interval, cfg.Monitoring.LookbackHours)
}

func (a *app) Close() {
	if err := a.st.Close(); err != nil {
		zap.L().Warn("store close", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func buildNotifier(cfg config.SlackConfig) notify.Notifier {
	if cfg.BotToken == "" {
		return notify.Nop{}
	}
	n, err := notify.NewSlack(notify.SlackOpts{BotToken: cfg.BotToken, ChannelID: cfg.ChannelID})
	if err != nil {
		zap.L().Warn("slack notifier disabled", zap.Error(err))
		return notify.Nop{}
	}
	return n
}

// initApp wires the store, the AI services, the stage handlers, and the
// scheduler into a runnable pipeline.
func initApp(ctx context.Context) (*app, error) {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	models := ai.Models{
		Classifier: cfg.Anthropic.ClassifierModel,
		Parser:     cfg.Anthropic.ParserModel,
		Drawing:    cfg.Anthropic.DrawingModel,
		Estimator:  cfg.Anthropic.EstimatorModel,
	}
	svc := ai.NewService(
		ai.NewClient(cfg.Anthropic.Key),
		models,
		ai.WithRateLimit(cfg.Anthropic.RatePerSecond, cfg.Anthropic.RateBurst),
	)

	notifier := buildNotifier(cfg.Slack)

	opsTemplate := pipeline.DefaultOperationTemplate()
	if cfg.Pipeline.OperationsTemplate != "" {
		opsTemplate, err = pipeline.LoadOperationTemplate(cfg.Pipeline.OperationsTemplate)
		if err != nil {
			return nil, err
		}
	}

	env := &pipeline.Env{
		Store:      st,
		Classifier: svc,
		Parser:     svc,
		Drawings:   svc,
		Estimator:  svc,
		Notifier:   notifier,
		Engine: pipeline.NewEngine(st, pipeline.EngineConfig{
			AutoCreateOrders:  cfg.Pipeline.AutoCreateOrders,
			OperationTemplate: opsTemplate,
		}),
		Route: pipeline.RouteConfig{
			ReviewThreshold: cfg.Pipeline.ReviewThreshold,
			AutoEstimate:    cfg.Pipeline.AutoEstimate,
			AutoOffer:       cfg.Pipeline.AutoOffer,
		},
		Costing: pipeline.CostingConfig{
			LaborRate:     cfg.Pipeline.LaborRate,
			MarginPercent: cfg.Pipeline.MarginPercent,
		},
		OfferDir: cfg.Pipeline.OfferDir,
	}

	sched := scheduler.New(
		scheduler.Config{
			FastWorkers: cfg.Scheduler.FastWorkers,
			AIWorkers:   cfg.Scheduler.AIWorkers,
			QueueDepth:  cfg.Scheduler.QueueDepth,
		},
		env.Handlers(),
		st,
		audit.NewRecorder(st),
		notifier,
	)

	return &app{st: st, sched: sched, notifier: notifier, models: models}, nil
}
