package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/iurnickita/ticketpay/internal/model"
	"github.com/iurnickita/ticketpay/internal/store/config"
)

type Store interface {
	OrderPost(ctx context.Context, order model.Order) error
	OrderGet(ctx context.Context, id string) (model.Order, error)
	OrderGetByProviderReference(ctx context.Context, reference string) (model.Order, error)
	OrderGetByExternalRef(ctx context.Context, externalRef string) (model.Order, error)
	OrderGetByIdempotencyKey(ctx context.Context, key string) (model.Order, error)
	// OrderPut runs modify under the order's lock and writes the result.
	// If modify returns ErrNoChange nothing is written and the current order is returned.
	OrderPut(ctx context.Context, id string, modify func(order *model.Order) error) (model.Order, error)
	OrderGetPending(ctx context.Context, createdBefore time.Time, limit int) ([]model.Order, error)
	OrderCountPending(ctx context.Context, createdBefore time.Time) (int, error)
	Close() error
}

var (
	ErrNoRows           = errors.New("no rows")
	ErrAlreadyExists    = errors.New("already exists")
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrNoChange         = errors.New("no change")
	ErrImmutableField   = errors.New("immutable field changed")
)

// NewStore opens PostgreSQL when a DSN is configured, otherwise keeps orders in memory.
func NewStore(ctx context.Context, cfg config.Config, zaplog *zap.Logger) (Store, error) {
	if cfg.DBDsn == "" {
		zaplog.Warn("no database configured, orders are kept in memory")
		return NewMemStore(), nil
	}

	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}

	// База может подниматься дольше сервиса
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = cfg.ConnectTimeout
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = 30 * time.Second
	}
	err = backoff.RetryNotify(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		zaplog.Warn("database is not ready", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if cfg.MigrateOnStart {
		if err := Migrate(cfg.DBDsn, zaplog); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &store{database: db}, nil
}

type store struct {
	database *sql.DB
}

const selectOrder = "SELECT id, external_ref, provider_reference, idempotency_key, aggregator," +
	" amount, currency, phone, provider, event_name, buyer_name, receipt_num," +
	" status, provider_status, provider_raw, created_at, updated_at, paid_at, failed_at" +
	" FROM payment_order"

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(row scanner) (model.Order, error) {
	var (
		order             model.Order
		providerReference sql.NullString
		idempotencyKey    sql.NullString
		paidAt            sql.NullTime
		failedAt          sql.NullTime
	)
	err := row.Scan(&order.ID,
		&order.Data.ExternalRef,
		&providerReference,
		&idempotencyKey,
		&order.Data.Aggregator,
		&order.Data.Amount,
		&order.Data.Currency,
		&order.Data.Phone,
		&order.Data.Provider,
		&order.Data.EventName,
		&order.Data.BuyerName,
		&order.Data.ReceiptNum,
		&order.Data.Status,
		&order.Data.ProviderStatus,
		&order.Data.ProviderRaw,
		&order.Data.CreatedAt,
		&order.Data.UpdatedAt,
		&paidAt,
		&failedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Order{}, ErrNoRows
		}
		return model.Order{}, err
	}
	order.Data.ProviderReference = providerReference.String
	order.Data.IdempotencyKey = idempotencyKey.String
	if paidAt.Valid {
		order.Data.PaidAt = &paidAt.Time
	}
	if failedAt.Valid {
		order.Data.FailedAt = &failedAt.Time
	}
	return order, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (store *store) OrderPost(ctx context.Context, order model.Order) error {
	//Запись нового заказа
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO payment_order (id, external_ref, provider_reference, idempotency_key, aggregator,"+
			" amount, currency, phone, provider, event_name, buyer_name, receipt_num,"+
			" status, provider_status, provider_raw, created_at, updated_at, paid_at, failed_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)",
		order.ID,
		order.Data.ExternalRef,
		nullString(order.Data.ProviderReference),
		nullString(order.Data.IdempotencyKey),
		order.Data.Aggregator,
		order.Data.Amount,
		order.Data.Currency,
		order.Data.Phone,
		order.Data.Provider,
		order.Data.EventName,
		order.Data.BuyerName,
		order.Data.ReceiptNum,
		order.Data.Status,
		order.Data.ProviderStatus,
		order.Data.ProviderRaw,
		order.Data.CreatedAt,
		order.Data.UpdatedAt,
		nullTime(order.Data.PaidAt),
		nullTime(order.Data.FailedAt))
	if err != nil {
		return uniqueViolation(err)
	}
	return nil
}

// uniqueViolation maps 23505 onto the store errors.
func uniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "payment_order_idempotency_key_idx" {
			return ErrDuplicateRequest
		}
		return ErrAlreadyExists
	}
	return err
}

func (store *store) OrderGet(ctx context.Context, id string) (model.Order, error) {
	row := store.database.QueryRowContext(ctx, selectOrder+" WHERE id = $1", id)
	return scanOrder(row)
}

func (store *store) OrderGetByProviderReference(ctx context.Context, reference string) (model.Order, error) {
	if reference == "" {
		return model.Order{}, ErrNoRows
	}
	row := store.database.QueryRowContext(ctx, selectOrder+" WHERE provider_reference = $1", reference)
	return scanOrder(row)
}

func (store *store) OrderGetByExternalRef(ctx context.Context, externalRef string) (model.Order, error) {
	if externalRef == "" {
		return model.Order{}, ErrNoRows
	}
	row := store.database.QueryRowContext(ctx, selectOrder+" WHERE external_ref = $1", externalRef)
	return scanOrder(row)
}

func (store *store) OrderGetByIdempotencyKey(ctx context.Context, key string) (model.Order, error) {
	if key == "" {
		return model.Order{}, ErrNoRows
	}
	row := store.database.QueryRowContext(ctx, selectOrder+" WHERE idempotency_key = $1", key)
	return scanOrder(row)
}

func (store *store) OrderPut(ctx context.Context, id string, modify func(order *model.Order) error) (model.Order, error) {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return model.Order{}, err
	}
	defer tx.Rollback()

	// Блокировка строки заказа до конца транзакции
	before, err := scanOrder(tx.QueryRowContext(ctx, selectOrder+" WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return model.Order{}, err
	}

	after, err := applyModify(before, modify)
	if err != nil {
		if errors.Is(err, ErrNoChange) {
			return before, nil
		}
		return model.Order{}, err
	}

	//Обновление заказа
	_, err = tx.ExecContext(ctx,
		"UPDATE payment_order"+
			" SET provider_reference = $1,"+
			"     status = $2,"+
			"     provider_status = $3,"+
			"     provider_raw = $4,"+
			"     updated_at = $5,"+
			"     paid_at = $6,"+
			"     failed_at = $7"+
			" WHERE id = $8",
		nullString(after.Data.ProviderReference),
		after.Data.Status,
		after.Data.ProviderStatus,
		after.Data.ProviderRaw,
		after.Data.UpdatedAt,
		nullTime(after.Data.PaidAt),
		nullTime(after.Data.FailedAt),
		id)
	if err != nil {
		return model.Order{}, uniqueViolation(err)
	}

	if err := tx.Commit(); err != nil {
		return model.Order{}, err
	}
	return after, nil
}

func (store *store) OrderGetPending(ctx context.Context, createdBefore time.Time, limit int) ([]model.Order, error) {
	//Получение зависших заказов, старые первыми
	rows, err := store.database.QueryContext(ctx,
		selectOrder+
			" WHERE status = $1"+
			"   AND created_at < $2"+
			" ORDER BY created_at"+
			" LIMIT $3",
		model.OrderStatusPending,
		createdBefore,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var orders []model.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (store *store) OrderCountPending(ctx context.Context, createdBefore time.Time) (int, error) {
	var count int
	err := store.database.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM payment_order"+
			" WHERE status = $1"+
			"   AND created_at < $2",
		model.OrderStatusPending,
		createdBefore).Scan(&count)
	return count, err
}

func (store *store) Close() error {
	return store.database.Close()
}

// applyModify runs modify on a copy of the order and enforces the
// write-once fields. updated_at is refreshed on every write.
func applyModify(before model.Order, modify func(order *model.Order) error) (model.Order, error) {
	after := before
	if err := modify(&after); err != nil {
		return model.Order{}, err
	}

	switch {
	case after.ID != before.ID,
		after.Data.ExternalRef != before.Data.ExternalRef,
		after.Data.IdempotencyKey != before.Data.IdempotencyKey,
		after.Data.Aggregator != before.Data.Aggregator,
		!after.Data.Amount.Equal(before.Data.Amount),
		after.Data.Currency != before.Data.Currency,
		after.Data.Phone != before.Data.Phone,
		after.Data.Provider != before.Data.Provider,
		after.Data.EventName != before.Data.EventName,
		after.Data.BuyerName != before.Data.BuyerName,
		after.Data.ReceiptNum != before.Data.ReceiptNum,
		!after.Data.CreatedAt.Equal(before.Data.CreatedAt):
		return model.Order{}, fmt.Errorf("%w: order %s", ErrImmutableField, before.ID)
	case before.Data.ProviderReference != "" && after.Data.ProviderReference != before.Data.ProviderReference:
		return model.Order{}, fmt.Errorf("%w: provider reference of order %s", ErrImmutableField, before.ID)
	}

	after.Data.UpdatedAt = time.Now().UTC()
	return after, nil
}
