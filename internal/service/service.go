package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/iurnickita/ticketpay/internal/aggregator"
	"github.com/iurnickita/ticketpay/internal/auth"
	"github.com/iurnickita/ticketpay/internal/idempotency"
	"github.com/iurnickita/ticketpay/internal/model"
	"github.com/iurnickita/ticketpay/internal/notify"
	"github.com/iurnickita/ticketpay/internal/service/config"
	"github.com/iurnickita/ticketpay/internal/store"
)

type Service interface {
	InitiatePayment(ctx context.Context, req model.PaymentRequest) (model.InitiationResult, error)
	HandleWebhook(ctx context.Context, env model.WebhookEnvelope) (model.WebhookResult, error)
	VerifyOrder(ctx context.Context, id string) (model.Order, error)
	GetOrder(ctx context.Context, id string) (model.Order, error)
}

var (
	ErrValidation       = errors.New("validation failed")
	ErrNotFound         = errors.New("order not found")
	ErrVerification     = errors.New("verification failed")
	ErrPersistence      = errors.New("order store unavailable")
	ErrDuplicateRequest = errors.New("duplicate request in progress")
)

type service struct {
	cfg         config.Config
	store       store.Store
	aggregators map[string]aggregator.Aggregator
	auth        auth.Auth
	keys        idempotency.Keys
	notifier    notify.Notifier
	validate    *validator.Validate
	zaplog      *zap.Logger
	now         func() time.Time
}

func NewService(cfg config.Config,
	store store.Store,
	aggregators []aggregator.Aggregator,
	auth auth.Auth,
	keys idempotency.Keys,
	notifier notify.Notifier,
	zaplog *zap.Logger) (Service, error) {

	byName := make(map[string]aggregator.Aggregator, len(aggregators))
	for _, a := range aggregators {
		byName[a.Name()] = a
	}
	if _, ok := byName[cfg.Aggregator]; !ok {
		return nil, fmt.Errorf("aggregator %q is not configured", cfg.Aggregator)
	}

	service := service{
		cfg:         cfg,
		store:       store,
		aggregators: byName,
		auth:        auth,
		keys:        keys,
		notifier:    notifier,
		validate:    validator.New(),
		zaplog:      zaplog,
		now:         func() time.Time { return time.Now().UTC() },
	}

	return &service, nil
}

func (service *service) GetOrder(ctx context.Context, id string) (model.Order, error) {
	if !model.ValidOrderID(id) {
		return model.Order{}, ErrNotFound
	}

	order, err := service.store.OrderGet(ctx, id)
	if err != nil {
		return model.Order{}, storeError(err)
	}
	return order, nil
}

// storeError keeps not-found local and turns everything else into ErrPersistence.
func storeError(err error) error {
	if errors.Is(err, store.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
