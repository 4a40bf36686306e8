package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/arkantrust/payment-reconciler/cache"
	"github.com/arkantrust/payment-reconciler/config"
	"github.com/arkantrust/payment-reconciler/metadata"
	"github.com/arkantrust/payment-reconciler/methods"
	"github.com/arkantrust/payment-reconciler/notify"
	"github.com/arkantrust/payment-reconciler/processor"
	"github.com/arkantrust/payment-reconciler/reconcile"
	"github.com/arkantrust/payment-reconciler/store"
)

// app is the wired engine plus everything that must be closed on exit.
type app struct {
	cfg     *config.Config
	store   *store.Store
	engine  *reconcile.Engine
	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

	s, err := store.New(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a := &app{cfg: cfg, store: s, closers: []func() error{s.Close}}

	codec, err := metadata.NewCodec(cfg.Metadata.Secret)
	if err != nil {
		a.close()
		return nil, err
	}

	e := &reconcile.Engine{
		Ledger:    s,
		Orders:    s,
		Guard:     s,
		Attempts:  s,
		Processor: processor.NewHTTPClient(cfg.Processor.BaseURL, cfg.Processor.APIKey, cfg.Processor.Timeout),
		Codec:     codec,
		Methods:   methods.Default(),
		Policy:    cfg,
		Notifier:  notify.Log{Logger: logger},
		Logger:    logger,
		Timeout:   cfg.Processor.Timeout,
	}

	if cfg.Store.LedgerDriver == "sqlite" {
		l, err := store.NewSQLiteLedger(cfg.Store.SQLitePath)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		a.closers = append(a.closers, l.Close)
		e.Ledger = l
	}

	if cfg.Redis.Addr != "" {
		rdb, err := cache.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		e.Guard = cache.NewGuard(rdb, cfg.Redis.EventTTL)
		e.Attempts = cache.NewAttempts(rdb, cfg.Redis.AttemptTTL)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		k := notify.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		a.closers = append(a.closers, k.Close)
		e.Notifier = k
	}

	a.engine = e
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("close: %v", err)
		}
	}
}
