package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/ticketpay/internal/aggregator"
	"github.com/iurnickita/ticketpay/internal/metrics"
	"github.com/iurnickita/ticketpay/internal/model"
	"github.com/iurnickita/ticketpay/internal/store"
)

// providerStatusInitiateTimeout marks a pending order whose initiation outcome is unknown.
const providerStatusInitiateTimeout = "initiate_timeout"

const reasonNotRecorded = "payment could not be recorded"

func (service *service) InitiatePayment(ctx context.Context, req model.PaymentRequest) (model.InitiationResult, error) {
	req = trimRequest(req)
	if err := service.validateRequest(req); err != nil {
		return model.InitiationResult{}, err
	}

	// Начатую инициацию доводим до конца, даже если клиент ушёл
	ctx = context.WithoutCancel(ctx)

	agg := service.aggregators[service.cfg.Aggregator]
	now := service.now()

	var order model.Order
	order.ID = model.NewOrderID(now)
	order.Data.ExternalRef = uuid.NewString()
	order.Data.IdempotencyKey = req.IdempotencyKey
	order.Data.Aggregator = agg.Name()
	order.Data.Amount = req.Amount
	order.Data.Currency = service.cfg.Currency
	order.Data.Phone = req.Phone
	order.Data.Provider = strings.ToLower(req.Provider)
	order.Data.EventName = req.EventName
	order.Data.BuyerName = req.BuyerName
	order.Data.ReceiptNum = req.ReceiptNum
	order.Data.Status = model.OrderStatusPending
	order.Data.CreatedAt = now
	order.Data.UpdatedAt = now

	callbackURL := service.callbackBase(agg.Name())
	if agg.SignedCallback() {
		signed, err := service.auth.CallbackURL(callbackURL, order.Data.ExternalRef)
		if err != nil {
			return service.failureResult(order, "payment could not be initiated"), err
		}
		callbackURL = signed
	}

	// Повтор запроса с тем же ключом
	if req.IdempotencyKey != "" {
		owner, claimed, err := service.keys.Claim(ctx, req.IdempotencyKey, order.ID)
		if err != nil {
			return service.failureResult(order, reasonNotRecorded), fmt.Errorf("%w: %w", ErrPersistence, err)
		}
		if !claimed {
			return service.replay(ctx, agg.Name(), owner, req.IdempotencyKey)
		}
	}

	// Заказ сохраняется до обращения к агрегатору
	err := service.store.OrderPost(ctx, order)
	if errors.Is(err, store.ErrAlreadyExists) {
		// номер заказа совпал с чужим, берём новый
		order.ID = model.NewOrderID(service.now())
		err = service.store.OrderPost(ctx, order)
	}
	if err != nil {
		if req.IdempotencyKey != "" {
			if errors.Is(err, store.ErrDuplicateRequest) {
				return service.replay(ctx, agg.Name(), "", req.IdempotencyKey)
			}
			service.releaseKey(ctx, req.IdempotencyKey)
		}
		service.zaplog.Error("order not saved", zap.String("order_id", order.ID), zap.Error(err))
		return service.failureResult(order, reasonNotRecorded), fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, service.cfg.AggregatorTimeout)
	started, err := agg.Initiate(callCtx, aggregator.PaymentRequest{
		Amount:         order.Data.Amount,
		Currency:       order.Data.Currency,
		Phone:          order.Data.Phone,
		Provider:       order.Data.Provider,
		CallbackURL:    callbackURL,
		CorrelationKey: order.Data.ExternalRef,
	})
	cancel()
	if err != nil {
		return service.initiationFailed(ctx, order, err)
	}

	updated, err := service.store.OrderPut(ctx, order.ID, func(o *model.Order) error {
		o.Data.ProviderReference = started.ProviderReference
		o.Data.ProviderRaw = string(started.Raw)
		return nil
	})
	if err != nil {
		service.zaplog.Error("payment initiated but not recorded",
			zap.String("order_id", order.ID),
			zap.String("provider_reference", started.ProviderReference),
			zap.Error(err))
		// заказ остаётся pending и будет сверен по внешней ссылке
		return service.failureResult(order, reasonNotRecorded), fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	metrics.Initiations.WithLabelValues(agg.Name(), "accepted").Inc()
	service.zaplog.Info("payment initiated",
		zap.String("order_id", updated.ID),
		zap.String("external_ref", updated.Data.ExternalRef),
		zap.String("provider_reference", updated.Data.ProviderReference),
		zap.String("aggregator", updated.Data.Aggregator))
	return service.successResult(updated), nil
}

// initiationFailed records a failed initiate call. A timeout leaves the order
// pending since the vendor may still complete the payment.
func (service *service) initiationFailed(ctx context.Context, order model.Order, callErr error) (model.InitiationResult, error) {
	var aggErr *aggregator.Error
	errors.As(callErr, &aggErr)

	ambiguous := aggErr != nil && aggErr.Ambiguous()
	raw := callErr.Error()
	if aggErr != nil && len(aggErr.RawBody) > 0 {
		raw = string(aggErr.RawBody)
	}

	updated, err := service.store.OrderPut(ctx, order.ID, func(o *model.Order) error {
		o.Data.ProviderRaw = raw
		if ambiguous {
			o.Data.ProviderStatus = providerStatusInitiateTimeout
			return nil
		}
		if aggErr != nil {
			o.Data.ProviderStatus = string(aggErr.Kind)
		}
		o.Data.Status = model.OrderStatusError
		return nil
	})

	if err == nil {
		order = updated
	}
	result := service.failureResult(order, "payment could not be initiated: "+callErr.Error())
	if ambiguous {
		metrics.Initiations.WithLabelValues(order.Data.Aggregator, "timeout").Inc()
		service.zaplog.Warn("payment initiation timed out, order left pending",
			zap.String("order_id", order.ID),
			zap.String("external_ref", order.Data.ExternalRef),
			zap.Error(callErr))
	} else {
		metrics.Initiations.WithLabelValues(order.Data.Aggregator, "rejected").Inc()
		metrics.Transitions.WithLabelValues(model.OrderStatusPending, model.OrderStatusError).Inc()
		service.zaplog.Error("payment initiation failed",
			zap.String("order_id", order.ID),
			zap.String("external_ref", order.Data.ExternalRef),
			zap.String("raw", raw),
			zap.Error(callErr))
	}

	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	return result, nil
}

// replay answers a retried request with the state of the order created by the
// first attempt. The order is looked up by the claim owner, then by the key.
func (service *service) replay(ctx context.Context, aggregatorName string, orderID string, key string) (model.InitiationResult, error) {
	order, err := service.store.OrderGet(ctx, orderID)
	if errors.Is(err, store.ErrNoRows) || (err == nil && order.Data.IdempotencyKey != key) {
		// номер заказа мог смениться при записи
		order, err = service.store.OrderGetByIdempotencyKey(ctx, key)
	}
	if errors.Is(err, store.ErrNoRows) {
		// первая попытка ещё не сохранила заказ
		return model.InitiationResult{}, ErrDuplicateRequest
	}
	if err != nil {
		return model.InitiationResult{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	metrics.Initiations.WithLabelValues(aggregatorName, "replayed").Inc()
	switch {
	case order.Data.Status == model.OrderStatusError:
		return service.failureResult(order, "payment could not be initiated"), nil
	case order.Data.Status == model.OrderStatusPending && order.Data.ProviderReference == "":
		if order.Data.ProviderStatus == providerStatusInitiateTimeout {
			return service.failureResult(order, "payment provider did not answer in time"), nil
		}
		// первая попытка может ещё ждать агрегатор
		if service.now().Sub(order.Data.CreatedAt) < service.cfg.AggregatorTimeout {
			return model.InitiationResult{}, ErrDuplicateRequest
		}
		return service.failureResult(order, "payment could not be confirmed"), nil
	}
	return service.successResult(order), nil
}

func (service *service) releaseKey(ctx context.Context, key string) {
	if err := service.keys.Release(ctx, key); err != nil {
		service.zaplog.Warn("idempotency key not released",
			zap.String("idempotency_key", key),
			zap.Error(err))
	}
}

func trimRequest(req model.PaymentRequest) model.PaymentRequest {
	req.Phone = strings.TrimSpace(req.Phone)
	req.Provider = strings.TrimSpace(req.Provider)
	req.EventName = strings.TrimSpace(req.EventName)
	req.BuyerName = strings.TrimSpace(req.BuyerName)
	req.ReceiptNum = strings.TrimSpace(req.ReceiptNum)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	return req
}

func (service *service) validateRequest(req model.PaymentRequest) error {
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if err := service.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(service.cfg.Providers) > 0 && !slices.Contains(service.cfg.Providers, strings.ToLower(req.Provider)) {
		return fmt.Errorf("%w: unsupported provider %q", ErrValidation, req.Provider)
	}
	return nil
}

func (service *service) callbackBase(aggregatorName string) string {
	return strings.TrimRight(service.cfg.PublicBaseURL, "/") + "/api/webhook/" + aggregatorName
}
