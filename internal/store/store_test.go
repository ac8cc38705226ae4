package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/ticketpay/internal/model"
	"github.com/iurnickita/ticketpay/internal/store/config"
)

// Хранилища для прогона: память всегда, postgres если задан TICKETPAY_TEST_DSN
func testStores(t *testing.T) map[string]Store {
	stores := map[string]Store{"memory": NewMemStore()}

	dsn := os.Getenv("TICKETPAY_TEST_DSN")
	if dsn != "" {
		pg, err := NewStore(context.Background(), config.Config{DBDsn: dsn, MigrateOnStart: true}, zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { pg.Close() })
		stores["postgres"] = pg
	}
	return stores
}

func testOrder(createdAt time.Time) model.Order {
	var order model.Order
	order.ID = model.NewOrderID(createdAt)
	order.Data.ExternalRef = uuid.NewString()
	order.Data.Aggregator = "lipila"
	order.Data.Amount = decimal.NewFromInt(100)
	order.Data.Currency = "ZMW"
	order.Data.Phone = "0971234567"
	order.Data.Provider = "mtn"
	order.Data.EventName = "Night of Laughter"
	order.Data.BuyerName = "Test Buyer"
	order.Data.ReceiptNum = "R-1"
	order.Data.Status = model.OrderStatusPending
	order.Data.CreatedAt = createdAt.UTC().Truncate(time.Microsecond)
	order.Data.UpdatedAt = order.Data.CreatedAt
	return order
}

func TestStoreOrder(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			// Создание заказа
			order := testOrder(time.Now())
			require.NoError(t, store.OrderPost(ctx, order))
			require.ErrorIs(t, store.OrderPost(ctx, order), ErrAlreadyExists)

			// Чтение заказа
			dbOrder, err := store.OrderGet(ctx, order.ID)
			require.NoError(t, err)
			require.Equal(t, order.Data.ExternalRef, dbOrder.Data.ExternalRef)
			require.True(t, order.Data.Amount.Equal(dbOrder.Data.Amount))
			require.Equal(t, model.OrderStatusPending, dbOrder.Data.Status)

			dbOrder, err = store.OrderGetByExternalRef(ctx, order.Data.ExternalRef)
			require.NoError(t, err)
			require.Equal(t, order.ID, dbOrder.ID)

			_, err = store.OrderGetByProviderReference(ctx, "")
			require.ErrorIs(t, err, ErrNoRows)
			_, err = store.OrderGet(ctx, "order_0")
			require.ErrorIs(t, err, ErrNoRows)

			// Обновление заказа
			ref := "PR-" + uuid.NewString()
			updated, err := store.OrderPut(ctx, order.ID, func(o *model.Order) error {
				o.Data.ProviderReference = ref
				o.Data.ProviderRaw = `{"reference":"` + ref + `"}`
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, ref, updated.Data.ProviderReference)
			require.False(t, updated.Data.UpdatedAt.Before(order.Data.UpdatedAt))

			dbOrder, err = store.OrderGetByProviderReference(ctx, ref)
			require.NoError(t, err)
			require.Equal(t, order.ID, dbOrder.ID)
			require.Equal(t, updated.Data.ProviderRaw, dbOrder.Data.ProviderRaw)
		})
	}
}

func TestStoreOrderPutGuards(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			order := testOrder(time.Now())
			order.Data.ProviderReference = "PR-" + uuid.NewString()
			require.NoError(t, store.OrderPost(ctx, order))

			// provider reference не меняется
			_, err := store.OrderPut(ctx, order.ID, func(o *model.Order) error {
				o.Data.ProviderReference = "other"
				return nil
			})
			require.ErrorIs(t, err, ErrImmutableField)

			_, err = store.OrderPut(ctx, order.ID, func(o *model.Order) error {
				o.Data.Amount = decimal.NewFromInt(1)
				return nil
			})
			require.ErrorIs(t, err, ErrImmutableField)

			// ErrNoChange - без записи
			current, err := store.OrderPut(ctx, order.ID, func(o *model.Order) error {
				o.Data.Status = model.OrderStatusFailed
				return ErrNoChange
			})
			require.NoError(t, err)
			require.Equal(t, model.OrderStatusPending, current.Data.Status)

			// ошибка модификации возвращается как есть
			errBoom := errors.New("boom")
			_, err = store.OrderPut(ctx, order.ID, func(o *model.Order) error { return errBoom })
			require.ErrorIs(t, err, errBoom)

			_, err = store.OrderPut(ctx, "order_0", func(o *model.Order) error { return nil })
			require.ErrorIs(t, err, ErrNoRows)
		})
	}
}

func TestStoreIdempotencyKey(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			key := uuid.NewString()

			first := testOrder(time.Now())
			first.Data.IdempotencyKey = key
			require.NoError(t, store.OrderPost(ctx, first))

			second := testOrder(time.Now().Add(time.Millisecond))
			second.Data.IdempotencyKey = key
			require.ErrorIs(t, store.OrderPost(ctx, second), ErrDuplicateRequest)

			dbOrder, err := store.OrderGetByIdempotencyKey(ctx, key)
			require.NoError(t, err)
			require.Equal(t, first.ID, dbOrder.ID)
		})
	}
}

func TestStoreOrderPutSerialized(t *testing.T) {
	for name, store := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			order := testOrder(time.Now())
			require.NoError(t, store.OrderPost(ctx, order))

			// одновременные "paid" - переход ровно один
			var transitions atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.OrderPut(ctx, order.ID, func(o *model.Order) error {
						if o.Data.Status != model.OrderStatusPending {
							return ErrNoChange
						}
						now := time.Now().UTC()
						o.Data.Status = model.OrderStatusPaid
						o.Data.PaidAt = &now
						transitions.Add(1)
						return nil
					})
					require.NoError(t, err)
				}()
			}
			wg.Wait()
			require.Equal(t, int32(1), transitions.Load())

			dbOrder, err := store.OrderGet(ctx, order.ID)
			require.NoError(t, err)
			require.Equal(t, model.OrderStatusPaid, dbOrder.Data.Status)
			require.NotNil(t, dbOrder.Data.PaidAt)
		})
	}
}

func TestStoreOrderGetPending(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	old := testOrder(now.Add(-time.Hour))
	older := testOrder(now.Add(-2 * time.Hour))
	fresh := testOrder(now)
	paid := testOrder(now.Add(-3 * time.Hour))
	paid.Data.Status = model.OrderStatusPaid
	for _, o := range []model.Order{old, older, fresh, paid} {
		require.NoError(t, store.OrderPost(ctx, o))
	}

	orders, err := store.OrderGetPending(ctx, now.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	require.Equal(t, older.ID, orders[0].ID)
	require.Equal(t, old.ID, orders[1].ID)

	orders, err = store.OrderGetPending(ctx, now.Add(-time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, orders, 1)

	// счётчик не ограничен размером выборки
	count, err := store.OrderCountPending(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, count)
	count, err = store.OrderCountPending(ctx, now.Add(-90*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestMigrateURL(t *testing.T) {
	require.Equal(t, "pgx5://u:p@localhost:5432/db", migrateURL("postgres://u:p@localhost:5432/db"))
	require.Equal(t, "pgx5://u:p@localhost/db", migrateURL("postgresql://u:p@localhost/db"))
	require.Equal(t, "pgx5://x", migrateURL("pgx5://x"))
}
