package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/iurnickita/ticketpay/internal/aggregator"
	"github.com/iurnickita/ticketpay/internal/aggregator/lipila"
	"github.com/iurnickita/ticketpay/internal/aggregator/moneyunify"
	"github.com/iurnickita/ticketpay/internal/auth"
	"github.com/iurnickita/ticketpay/internal/config"
	"github.com/iurnickita/ticketpay/internal/idempotency"
	"github.com/iurnickita/ticketpay/internal/logger"
	"github.com/iurnickita/ticketpay/internal/notify"
	"github.com/iurnickita/ticketpay/internal/service"
	"github.com/iurnickita/ticketpay/internal/store"
	"github.com/iurnickita/ticketpay/internal/token"
)

// app holds everything the commands need; close releases it in reverse order.
type app struct {
	cfg     config.Config
	zaplog  *zap.Logger
	store   store.Store
	auth    auth.Auth
	service service.Service
	closers []func()
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.GetConfig(configFile)
	if err != nil {
		return nil, err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, zaplog: zaplog}
	a.closers = append(a.closers, func() { _ = zaplog.Sync() })

	a.store, err = store.NewStore(ctx, cfg.Store, zaplog)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, func() { a.store.Close() })

	keys, closeKeys, err := idempotency.New(ctx, cfg.Idempotency)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, closeKeys)

	notifier, err := notify.New(cfg.Notify, zaplog)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, notifier.Close)

	aggregators := []aggregator.Aggregator{
		lipila.New(cfg.Aggregator.Lipila, cfg.Aggregator.Timeout),
		moneyunify.New(cfg.Aggregator.MoneyUnify, cfg.Aggregator.Timeout),
	}

	// эти агрегаторы вызывают webhook без токена
	var unsigned []string
	for _, agg := range aggregators {
		if !agg.SignedCallback() {
			unsigned = append(unsigned, agg.Name())
		}
	}
	a.auth = auth.NewAuth(token.NewSigner(cfg.Callback.Secret, cfg.Callback.TTL), unsigned...)
	if cfg.Callback.Secret == "" {
		zaplog.Warn("callback secret is not set, webhooks are accepted unsigned")
	}

	a.service, err = service.NewService(cfg.Service, a.store, aggregators, a.auth, keys, notifier, zaplog)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
