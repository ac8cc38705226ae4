// Package sweeper re-verifies orders that stayed pending because no webhook
// arrived. A stale order is reported, never failed automatically.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/iurnickita/ticketpay/internal/metrics"
	"github.com/iurnickita/ticketpay/internal/model"
	"github.com/iurnickita/ticketpay/internal/store"
	"github.com/iurnickita/ticketpay/internal/sweeper/config"
)

type Verifier interface {
	VerifyOrder(ctx context.Context, id string) (model.Order, error)
}

// Report describes one pass. Stale counts stale orders in the batch,
// StaleTotal all stale pending orders in the store.
type Report struct {
	Checked    int
	Paid       int
	Failed     int
	Pending    int
	Errors     int
	Stale      int
	StaleTotal int
}

type Sweeper struct {
	cfg      config.Config
	store    store.Store
	verifier Verifier
	limiter  *rate.Limiter
	zaplog   *zap.Logger
	now      func() time.Time
}

func New(cfg config.Config, store store.Store, verifier Verifier, zaplog *zap.Logger) *Sweeper {
	return &Sweeper{
		cfg:      cfg,
		store:    store,
		verifier: verifier,
		limiter:  rate.NewLimiter(rate.Limit(cfg.Rate), 1),
		zaplog:   zaplog,
		now:      time.Now,
	}
}

// SweepPending runs one pass over the oldest pending orders.
func (s *Sweeper) SweepPending(ctx context.Context) (Report, error) {
	var report Report
	now := s.now()

	orders, err := s.store.OrderGetPending(ctx, now.Add(-s.cfg.MinAge), s.cfg.BatchSize)
	if err != nil {
		return report, err
	}

	for _, order := range orders {
		// Не перегружаем агрегатор
		if err := s.limiter.Wait(ctx); err != nil {
			return report, err
		}

		report.Checked++
		verified, err := s.verifier.VerifyOrder(ctx, order.ID)
		if err != nil {
			report.Errors++
			s.zaplog.Warn("sweep verification failed", zap.String("order_id", order.ID), zap.Error(err))
			verified = order
		}

		switch verified.Data.Status {
		case model.OrderStatusPaid:
			report.Paid++
		case model.OrderStatusFailed:
			report.Failed++
		case model.OrderStatusPending:
			if err == nil {
				report.Pending++
			}
			if now.Sub(order.Data.CreatedAt) >= s.cfg.StaleAfter {
				report.Stale++
				s.zaplog.Warn("order pending too long, needs manual reconciliation",
					zap.String("order_id", order.ID),
					zap.String("external_ref", order.Data.ExternalRef),
					zap.String("provider_reference", order.Data.ProviderReference),
					zap.String("provider_status", verified.Data.ProviderStatus),
					zap.Time("created_at", order.Data.CreatedAt))
			}
		}
	}

	// Зависшие заказы считаем по всей таблице, а не по выборке
	report.StaleTotal, err = s.store.OrderCountPending(ctx, now.Add(-s.cfg.StaleAfter))
	if err != nil {
		return report, err
	}
	metrics.StalePending.Set(float64(report.StaleTotal))
	s.zaplog.Info("sweep finished",
		zap.Int("checked", report.Checked),
		zap.Int("paid", report.Paid),
		zap.Int("failed", report.Failed),
		zap.Int("pending", report.Pending),
		zap.Int("errors", report.Errors),
		zap.Int("stale", report.Stale),
		zap.Int("stale_total", report.StaleTotal))
	return report, nil
}

// Run sweeps on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepPending(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.zaplog.Error("sweep failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
