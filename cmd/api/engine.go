package main

import (
	"fmt"
	"log/slog"

	"campaign-dialer/internal/audit"
	"campaign-dialer/internal/config"
	"campaign-dialer/internal/contacts"
	"campaign-dialer/internal/events"
	"campaign-dialer/internal/ingest"
	"campaign-dialer/internal/monitor"
	"campaign-dialer/internal/runs"
	"campaign-dialer/internal/scheduler"
	"campaign-dialer/internal/store"
	"campaign-dialer/internal/telephony"
	"campaign-dialer/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// engine holds the long-lived components shared by routes and background jobs.
type engine struct {
	store    store.Store
	counters *events.Debouncer
	monitor  *monitor.Monitor
	manager  *scheduler.Manager
	runs     *runs.Service
}

func buildEngine(cfg config.Config, pool utils.PgxPool, rdb *redis.Client, log *slog.Logger) (*engine, error) {
	st := store.NewPostgresStore(pool)

	notifier := events.NewNotifier(events.NewRedisPublisher(rdb, cfg.Redis.KeyPrefix), log)
	counters := events.NewDebouncer(st, notifier, cfg.Metrics.DebounceWindow, log)

	provider, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}

	numbers := make([]telephony.WeightedNumber, 0, len(cfg.Provider.CallerIDs))
	for _, id := range cfg.Provider.CallerIDs {
		numbers = append(numbers, telephony.WeightedNumber{Number: id.Number, Weight: id.Weight})
	}

	resolver := contacts.NewResolver(st)
	auditSvc := audit.NewService(audit.NewPostgresRepo(pool), log)

	birth := ingest.DefaultBirthYearPolicy()
	if cfg.Ingest.MaxBirthAge > 0 {
		birth.MaxAge = cfg.Ingest.MaxBirthAge
	}
	pipeline := ingest.NewPipeline(resolver, st, ingest.Options{
		BirthYears:         birth,
		ResolveConcurrency: cfg.Ingest.ResolveConcurrency,
		Logger:             log,
	})

	mon := monitor.New(st, counters, notifier, monitor.Options{
		StaleAfter:      cfg.Monitor.StaleAfter,
		MaxCallDuration: cfg.Monitor.MaxCallDuration,
		MaxStuckResets:  cfg.Monitor.MaxStuckResets,
	}, log)

	sc := cfg.Scheduler
	manager := scheduler.NewManager(scheduler.Deps{
		Store:    st,
		Provider: provider,
		Numbers:  telephony.NewNumberPool(numbers, nil),
		Resolver: resolver,
		Notifier: notifier,
		Counters: counters,
		Monitor:  mon,
		Audit:    auditSvc,
		Guard:    scheduler.NewRedisGuard(rdb, cfg.Redis.KeyPrefix, sc.LeaseTTL, log),
	}, scheduler.Options{
		IdleWait:              sc.IdleWait,
		CapacityWait:          sc.CapacityWait,
		OfficeHoursPoll:       sc.OfficeHoursPoll,
		MonitorInterval:       sc.MonitorInterval,
		MaxBatchSize:          sc.MaxBatchSize,
		FailureThreshold:      sc.FailureThreshold,
		FailureBackoff:        sc.FailureBackoff,
		MaxFailureRounds:      sc.MaxFailureRounds,
		RecheckDelay:          sc.RecheckDelay,
		RecheckWindow:         sc.RecheckWindow,
		RetryDelay:            sc.RetryDelay,
		DefaultOrgConcurrency: sc.DefaultOrgConcurrency,
		DefaultAgentID:        cfg.Provider.DefaultAgentID,
	}, log)

	svc := runs.NewService(runs.Deps{
		Store:      st,
		Pipeline:   pipeline,
		Dispatcher: manager,
		Notifier:   notifier,
		Counters:   counters,
		Audit:      auditSvc,
	}, log)

	return &engine{store: st, counters: counters, monitor: mon, manager: manager, runs: svc}, nil
}

func newProvider(cfg config.Config) (telephony.Provider, error) {
	switch cfg.Provider.Kind {
	case config.ProviderTwilio:
		p, err := telephony.NewTwilioProvider(telephony.TwilioConfig{
			AccountSID:        cfg.Twilio.AccountSID,
			AuthToken:         cfg.Twilio.AuthToken,
			StreamURL:         cfg.Twilio.StreamURL,
			StatusCallbackURL: cfg.App.PublicBaseURL + "/webhooks/twilio/status",
			Timeout:           cfg.Provider.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.ProviderAgent:
		p, err := telephony.NewAgentProvider(telephony.AgentConfig{
			BaseURL: cfg.Provider.AgentBaseURL,
			APIKey:  cfg.Provider.AgentAPIKey,
			Timeout: cfg.Provider.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
	}
}
