package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"billing-core/internal/audit"
	"billing-core/internal/calls"
	"billing-core/internal/config"
	"billing-core/internal/events"
	"billing-core/internal/ledger"
	"billing-core/internal/payments"
	"billing-core/internal/pending"
	"billing-core/internal/pricing"
	"billing-core/internal/reporting"
	"billing-core/internal/scheduler"
	"billing-core/internal/telephony"
	"billing-core/internal/usage"
	"billing-core/internal/webhookguard"
	"billing-core/pkg/utils"
)

// app holds the process-wide dependencies. Nothing here is global.
type app struct {
	cfg config.Config
	log *zap.Logger

	db  *sql.DB
	rdb *redis.Client

	store       ledger.Store
	tracker     *pending.Tracker
	prices      *pricing.Service
	validator   *usage.Validator
	consumer    *usage.Consumer
	provisioner *usage.Provisioner
	payments    *payments.Reconciler
	voice       telephony.Provider
	initiator   *calls.Initiator
	calls       *calls.Reconciler
	reports     *reporting.Service
	audit       *audit.Service
	jobs        *scheduler.Jobs

	callGuard    *webhookguard.Guard
	paymentGuard *webhookguard.Guard

	closers []func() error
}

// newApp opens storage and builds every service. Optional collaborators
// (Redis, AMQP, PayPal, Vapi) are skipped when unconfigured.
func newApp(ctx context.Context, cfg config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}
	if err := a.openStorage(ctx); err != nil {
		return nil, a.closeWith(err)
	}

	var (
		callRepo  calls.Repository
		auditRepo audit.Repository
		pendRepo  pending.Repository
	)
	if a.db != nil {
		a.store = ledger.NewPostgresStore(a.db)
		callRepo = calls.NewPostgresRepo(a.db)
		auditRepo = audit.NewPostgresRepo(a.db)
		pendRepo = pending.NewPostgresRepo(a.db)
	} else {
		log.Warn("using in-memory stores; state is lost on restart")
		a.store = ledger.NewMemoryStore()
		callRepo = calls.NewMemoryRepo()
		auditRepo = audit.NewMemoryRepo()
		pendRepo = pending.NewMemoryRepo()
	}

	var slots calls.Slots
	if a.rdb != nil {
		limiter, err := utils.NewConcurrencyCap(a.rdb, "calls:active", cfg.Redis.CallConcurrencyLimit, cfg.Redis.CallSlotTTL)
		if err != nil {
			return nil, a.closeWith(fmt.Errorf("call concurrency cap: %w", err))
		}
		slots = limiter
		a.callGuard = webhookguard.New(a.rdb, "webhook:call", cfg.Redis.WebhookSeenTTL, log)
		a.paymentGuard = webhookguard.New(a.rdb, "webhook:payment", cfg.Redis.WebhookSeenTTL, log)
	}

	var pub events.Publisher = events.Nop{}
	if cfg.AMQP.URL != "" {
		rp, err := events.NewRabbitPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			return nil, a.closeWith(fmt.Errorf("amqp: %w", err))
		}
		a.closers = append(a.closers, rp.Close)
		pub = rp
	}

	a.prices = pricing.NewService(cfg.Catalog())
	a.tracker = pending.NewTracker(pendRepo, log)
	a.validator = usage.NewValidator(a.store, a.prices)
	a.consumer = usage.NewConsumer(a.store, a.prices, pub, log)
	a.provisioner = usage.NewProvisioner(a.store, a.prices, pub, log)
	a.audit = audit.NewService(auditRepo, log)
	a.reports = reporting.NewService(callRepo, a.store)

	if cfg.PayPal.ClientID != "" {
		pp, err := payments.NewPayPalClient(payments.PayPalConfig{
			BaseURL:      cfg.PayPal.BaseURL,
			ClientID:     cfg.PayPal.ClientID,
			ClientSecret: cfg.PayPal.ClientSecret,
			WebhookID:    cfg.PayPal.WebhookID,
			ReturnURL:    cfg.PayPal.ReturnURL,
			CancelURL:    cfg.PayPal.CancelURL,
			Timeout:      cfg.PayPal.Timeout,
		})
		if err != nil {
			return nil, a.closeWith(fmt.Errorf("paypal: %w", err))
		}
		a.payments = payments.NewReconciler(a.store, a.tracker, pp, a.prices, pub,
			payments.Config{Currency: cfg.PayPal.Currency, VerifyWebhooks: cfg.PayPal.VerifyWebhooks}, log)
	} else {
		log.Warn("paypal not configured; payment routes disabled")
	}

	a.calls = calls.NewReconciler(callRepo, calls.NewBiller(a.store, a.prices, log), slots, pub, log)
	if cfg.Vapi.APIKey != "" {
		vapi, err := telephony.NewVapiClient(telephony.VapiConfig{
			BaseURL:       cfg.Vapi.BaseURL,
			APIKey:        cfg.Vapi.APIKey,
			PhoneNumberID: cfg.Vapi.PhoneNumberID,
			Timeout:       cfg.Vapi.Timeout,
		})
		if err != nil {
			return nil, a.closeWith(fmt.Errorf("vapi: %w", err))
		}
		a.voice = vapi
		a.initiator = calls.NewInitiator(callRepo, vapi, slots, a.prices.EstimateCallCost, calls.InitiatorConfig{
			Attempts:       cfg.Calls.InitiationAttempts,
			InitialBackoff: cfg.Calls.InitialBackoff,
			MaxBackoff:     cfg.Calls.MaxBackoff,
		}, log)
	} else {
		log.Warn("vapi not configured; call placement disabled")
	}

	a.jobs = scheduler.NewJobs(a.tracker, a.store, a.calls, scheduler.Config{
		PendingSweepSchedule: cfg.Jobs.PendingSweepSchedule,
		UnbilledSchedule:     cfg.Jobs.UnbilledSchedule,
		StaleCallSchedule:    cfg.Jobs.StaleCallSchedule,
		PendingTTL:           cfg.Jobs.PendingTTL,
		StaleCallAfter:       cfg.Jobs.StaleCallAfter,
	}, log)
	return a, nil
}

func (a *app) openStorage(ctx context.Context) error {
	if a.cfg.DB.Driver == config.StoreDriverPostgres {
		db, err := openDB(ctx, a.cfg)
		if err != nil {
			return err
		}
		a.db = db
		a.closers = append(a.closers, db.Close)
	}
	if a.cfg.Redis.Addr != "" {
		rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.closers = append(a.closers, rdb.Close)
	}
	return nil
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := utils.OpenPostgres(ctx, cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return db, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *app) closeWith(err error) error {
	return errors.Join(err, a.Close())
}
