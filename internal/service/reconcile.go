package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/ticketpay/internal/aggregator"
	"github.com/iurnickita/ticketpay/internal/metrics"
	"github.com/iurnickita/ticketpay/internal/model"
	"github.com/iurnickita/ticketpay/internal/store"
)

func (service *service) HandleWebhook(ctx context.Context, env model.WebhookEnvelope) (model.WebhookResult, error) {
	agg, ok := service.aggregators[env.Aggregator]
	if !ok {
		return model.WebhookResult{}, fmt.Errorf("%w: unknown aggregator %q", ErrNotFound, env.Aggregator)
	}

	event, err := agg.DecodeWebhook(env.Body)
	if err != nil {
		metrics.Webhooks.WithLabelValues(agg.Name(), "invalid").Inc()
		service.zaplog.Warn("webhook body rejected",
			zap.String("aggregator", agg.Name()),
			zap.ByteString("body", env.Body),
			zap.Error(err))
		return model.WebhookResult{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	order, err := service.resolveOrder(ctx, event, env.ExternalRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			metrics.Webhooks.WithLabelValues(agg.Name(), "unreconciled").Inc()
			service.zaplog.Warn("webhook does not match any order",
				zap.String("aggregator", agg.Name()),
				zap.String("provider_reference", event.ProviderReference),
				zap.String("external_ref", event.ExternalRef),
				zap.String("token_external_ref", env.ExternalRef),
				zap.String("status", event.Status),
				zap.ByteString("body", env.Body))
		} else {
			metrics.Webhooks.WithLabelValues(agg.Name(), "error").Inc()
		}
		return model.WebhookResult{}, err
	}

	// Повторное уведомление по завершённому заказу
	if order.Terminal() {
		metrics.Webhooks.WithLabelValues(agg.Name(), "duplicate").Inc()
		service.zaplog.Info("webhook for settled order acknowledged",
			zap.String("order_id", order.ID),
			zap.String("status", order.Data.Status))
		return model.WebhookResult{Received: true, OrderID: order.ID, Status: order.Data.Status}, nil
	}

	// Тело уведомления не источник истины: статус подтверждается запросом к агрегатору
	order, err = service.verify(ctx, order)
	if err != nil {
		metrics.Webhooks.WithLabelValues(agg.Name(), "error").Inc()
		return model.WebhookResult{}, err
	}

	metrics.Webhooks.WithLabelValues(agg.Name(), "reconciled").Inc()
	return model.WebhookResult{Received: true, OrderID: order.ID, Status: order.Data.Status}, nil
}

// resolveOrder looks the order up by provider reference first, then by the
// external reference from the body, then by the one carried in the callback token.
func (service *service) resolveOrder(ctx context.Context, event aggregator.WebhookEvent, tokenExternalRef string) (model.Order, error) {
	order, err := service.store.OrderGetByProviderReference(ctx, event.ProviderReference)
	if err == nil {
		return order, nil
	}
	if !errors.Is(err, store.ErrNoRows) {
		return model.Order{}, storeError(err)
	}

	for _, ref := range []string{event.ExternalRef, tokenExternalRef} {
		order, err = service.store.OrderGetByExternalRef(ctx, ref)
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, store.ErrNoRows) {
			return model.Order{}, storeError(err)
		}
	}
	return model.Order{}, ErrNotFound
}

func (service *service) VerifyOrder(ctx context.Context, id string) (model.Order, error) {
	order, err := service.GetOrder(ctx, id)
	if err != nil {
		return model.Order{}, err
	}
	if order.Terminal() {
		return order, nil
	}
	return service.verify(ctx, order)
}

// verify asks the order's aggregator for the confirmed status and applies it.
// A failed query leaves the order untouched.
func (service *service) verify(ctx context.Context, order model.Order) (model.Order, error) {
	agg, ok := service.aggregators[order.Data.Aggregator]
	if !ok {
		return model.Order{}, fmt.Errorf("%w: aggregator %q is not configured", ErrVerification, order.Data.Aggregator)
	}

	callCtx, cancel := context.WithTimeout(ctx, service.cfg.AggregatorTimeout)
	confirmed, err := agg.Query(callCtx, order.QueryReference())
	cancel()
	if err != nil {
		metrics.Verifications.WithLabelValues(agg.Name(), "error").Inc()
		service.zaplog.Warn("payment verification failed",
			zap.String("order_id", order.ID),
			zap.String("reference", order.QueryReference()),
			zap.Error(err))
		return model.Order{}, fmt.Errorf("%w: %w", ErrVerification, err)
	}
	metrics.Verifications.WithLabelValues(agg.Name(), string(confirmed.Status)).Inc()

	var transitioned bool
	updated, err := service.store.OrderPut(ctx, order.ID, func(o *model.Order) error {
		// Решение принимается по состоянию под блокировкой
		if o.Terminal() {
			return store.ErrNoChange
		}
		transitioned = applyVerification(o, confirmed, service.now())
		return nil
	})
	if err != nil {
		return model.Order{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	if transitioned {
		metrics.Transitions.WithLabelValues(model.OrderStatusPending, updated.Data.Status).Inc()
		service.zaplog.Info("order settled",
			zap.String("order_id", updated.ID),
			zap.String("status", updated.Data.Status),
			zap.String("provider_status", updated.Data.ProviderStatus))
		if updated.Data.Status == model.OrderStatusPaid {
			service.orderPaid(ctx, updated)
		}
	}
	return updated, nil
}

// applyVerification writes a confirmed status onto a non-terminal order and
// reports whether the status changed.
func applyVerification(order *model.Order, confirmed aggregator.Verification, now time.Time) bool {
	order.Data.ProviderStatus = confirmed.ProviderStatus
	if len(confirmed.Raw) > 0 {
		order.Data.ProviderRaw = string(confirmed.Raw)
	}

	switch confirmed.Status {
	case aggregator.StatusPaid:
		order.Data.Status = model.OrderStatusPaid
		order.Data.PaidAt = &now
		return true
	case aggregator.StatusFailed:
		order.Data.Status = model.OrderStatusFailed
		order.Data.FailedAt = &now
		return true
	}
	return false
}

// orderPaid runs once per order, by the writer that performed the transition.
func (service *service) orderPaid(ctx context.Context, order model.Order) {
	if err := service.notifier.OrderPaid(ctx, order); err != nil {
		service.zaplog.Error("order paid notification failed",
			zap.String("order_id", order.ID),
			zap.Error(err))
	}
}
