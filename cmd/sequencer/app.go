package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rendis/sequencer/internal/api"
	"github.com/rendis/sequencer/internal/catalog"
	"github.com/rendis/sequencer/internal/delivery"
	"github.com/rendis/sequencer/internal/engine"
	"github.com/rendis/sequencer/internal/expressions"
	"github.com/rendis/sequencer/internal/scheduler"
	"github.com/rendis/sequencer/internal/service"
	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/internal/streaming"
	"github.com/rendis/sequencer/internal/validation"
)

// app is the wired process: store, engine, dispatcher and the management
// surfaces on top.
type app struct {
	cfg        Config
	logger     *slog.Logger
	store      *store.LibSQLStore
	hub        *streaming.MemoryHub
	pool       *engine.WorkerPool
	service    *service.Service
	dispatcher *scheduler.Dispatcher
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	s, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: s, hub: streaming.NewMemoryHub()}
	if err := a.wire(); err != nil {
		s.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	conditions, err := expressions.NewConditionEngine(cfg.ConditionEngine)
	if err != nil {
		return err
	}
	validator, err := validation.NewSequenceValidator(conditions)
	if err != nil {
		return fmt.Errorf("sequence validator: %w", err)
	}
	cat, err := catalog.Load(validator, cfg.CatalogDir)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	sender, err := a.sender()
	if err != nil {
		return err
	}

	clock := engine.SystemClock{}
	exec, err := engine.NewExecutor(engine.ExecutorDeps{
		Sequences:   a.store,
		Enrollments: a.store,
		Recipients:  a.store,
		Settings:    a.store,
		Sender:      sender,
		Conditions:  conditions,
		Clock:       clock,
		Logger:      a.logger,
	}, engine.ExecutorConfig{
		SendTimeout: cfg.SendTimeout.D(),
		Lease:       cfg.Lease.D(),
		BaseURL:     cfg.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("executor: %w", err)
	}

	a.service, err = service.New(service.Deps{
		Store:     a.store,
		Catalog:   cat,
		Validator: validator,
		Executor:  exec,
		Hub:       a.hub,
		Clock:     clock,
		Logger:    a.logger,
	})
	if err != nil {
		return fmt.Errorf("service: %w", err)
	}

	a.pool = engine.NewWorkerPool(cfg.PoolSize, func(err error) {
		a.logger.Error("worker panic", "error", err)
	})
	a.dispatcher, err = scheduler.NewDispatcher(scheduler.Deps{
		Store:    a.store,
		Executor: exec,
		Pool:     a.pool,
		Hub:      a.hub,
		Clock:    clock,
		Logger:   a.logger,
	}, scheduler.Config{
		Schedule:  cfg.Schedule,
		BatchSize: cfg.BatchSize,
		Lease:     cfg.Lease.D(),
		Retry: engine.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			BaseDelay:   cfg.BackoffBase.D(),
			MaxDelay:    cfg.BackoffMax.D(),
		},
	})
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	return nil
}

// sender picks a transport per channel: SMTP and the SMS gateway when
// configured, the log sender otherwise. Both go through the breakers.
func (a *app) sender() (delivery.MessageSender, error) {
	fallback := delivery.NewLogSender(a.logger)
	var sms delivery.SMSSender = fallback
	var email delivery.EmailSender = fallback

	if a.cfg.SMS.URL != "" {
		s, err := delivery.NewHTTPSMSSender(delivery.HTTPSMSConfig{
			URL:     a.cfg.SMS.URL,
			Token:   a.cfg.SMS.Token,
			From:    a.cfg.SMS.From,
			Timeout: a.cfg.SendTimeout.D(),
		})
		if err != nil {
			return nil, err
		}
		sms = s
	} else {
		a.logger.Warn("no sms gateway configured, sms messages are only logged")
	}

	if a.cfg.SMTP.Host != "" {
		s, err := delivery.NewSMTPSender(delivery.SMTPConfig{
			Host:     a.cfg.SMTP.Host,
			Port:     a.cfg.SMTP.Port,
			Username: a.cfg.SMTP.Username,
			Password: a.cfg.SMTP.Password,
			From:     a.cfg.SMTP.From,
			FromName: a.cfg.SMTP.FromName,
		})
		if err != nil {
			return nil, err
		}
		email = s
	} else {
		a.logger.Warn("no smtp host configured, email messages are only logged")
	}

	bc := delivery.DefaultBreakerConfig()
	if a.cfg.Breaker.Threshold > 0 {
		bc.FailureThreshold = a.cfg.Breaker.Threshold
	}
	if a.cfg.Breaker.Cooldown > 0 {
		bc.Cooldown = a.cfg.Breaker.Cooldown.D()
	}
	return delivery.NewGuarded(delivery.Combine(sms, email), delivery.NewBreakers(bc, nil)), nil
}

// apiHandler builds the HTTP handler; trigger queries come from cfg so a
// reload can rebuild it.
func (a *app) apiHandler(cfg Config) (http.Handler, error) {
	mapper, err := expressions.NewPayloadMapper(cfg.Triggers)
	if err != nil {
		return nil, fmt.Errorf("trigger queries: %w", err)
	}
	return api.NewServer(api.Deps{
		Service: a.service,
		Hub:     a.hub,
		Payload: mapper,
		Logger:  a.logger,
	}).Handler(), nil
}

// close stops the dispatcher, drains the pool and closes the store.
func (a *app) close() {
	if err := a.dispatcher.Stop(); err != nil {
		a.logger.Warn("dispatcher stop", "error", err)
	}
	a.pool.Shutdown()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close", "error", err)
	}
}
