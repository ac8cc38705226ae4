// Package notify tells downstream ticket issuance that an order got paid.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iurnickita/ticketpay/internal/model"
	"github.com/iurnickita/ticketpay/internal/notify/config"
)

type Notifier interface {
	OrderPaid(ctx context.Context, order model.Order) error
	Close()
}

// JSON сообщение об оплате
type OrderPaidEvent struct {
	EventType         string    `json:"event_type"`
	OrderID           string    `json:"order_id"`
	ExternalRef       string    `json:"external_ref"`
	ProviderReference string    `json:"provider_reference"`
	Amount            string    `json:"amount"`
	Currency          string    `json:"currency"`
	Phone             string    `json:"phone"`
	EventName         string    `json:"event_name"`
	BuyerName         string    `json:"buyer_name"`
	ReceiptNum        string    `json:"receipt_num"`
	PaidAt            time.Time `json:"paid_at"`
}

func NewOrderPaidEvent(order model.Order) OrderPaidEvent {
	e := OrderPaidEvent{
		EventType:         "OrderPaid",
		OrderID:           order.ID,
		ExternalRef:       order.Data.ExternalRef,
		ProviderReference: order.Data.ProviderReference,
		Amount:            order.Data.Amount.StringFixed(2),
		Currency:          order.Data.Currency,
		Phone:             order.Data.Phone,
		EventName:         order.Data.EventName,
		BuyerName:         order.Data.BuyerName,
		ReceiptNum:        order.Data.ReceiptNum,
	}
	if order.Data.PaidAt != nil {
		e.PaidAt = *order.Data.PaidAt
	}
	return e
}

func New(cfg config.Config, zaplog *zap.Logger) (Notifier, error) {
	if cfg.AMQPURL == "" {
		return NewLogNotifier(zaplog), nil
	}
	return NewRabbitMQNotifier(cfg, zaplog)
}

type logNotifier struct {
	zaplog *zap.Logger
}

func NewLogNotifier(zaplog *zap.Logger) Notifier {
	return &logNotifier{zaplog: zaplog}
}

func (n *logNotifier) OrderPaid(_ context.Context, order model.Order) error {
	n.zaplog.Info("order paid, ticket can be issued",
		zap.String("order_id", order.ID),
		zap.String("receipt_num", order.Data.ReceiptNum),
		zap.String("event_name", order.Data.EventName),
	)
	return nil
}

func (n *logNotifier) Close() {}

type rabbitMQNotifier struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	zaplog  *zap.Logger
}

func NewRabbitMQNotifier(cfg config.Config, zaplog *zap.Logger) (Notifier, error) {
	var conn *amqp.Connection

	// RabbitMQ может стартовать дольше сервиса
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 10)
	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = amqp.Dial(cfg.AMQPURL)
		return err
	}, b, func(err error, next time.Duration) {
		zaplog.Warn("failed to connect to RabbitMQ", zap.Error(err), zap.Duration("retry_in", next))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.Queue, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare a queue: %w", err)
	}

	return &rabbitMQNotifier{
		conn:    conn,
		channel: ch,
		queue:   cfg.Queue,
		zaplog:  zaplog,
	}, nil
}

func (n *rabbitMQNotifier) OrderPaid(ctx context.Context, order model.Order) error {
	payload, err := json.Marshal(NewOrderPaidEvent(order))
	if err != nil {
		return err
	}

	err = n.channel.PublishWithContext(ctx,
		"",      // exchange
		n.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			MessageId:    order.ID,
			ContentType:  "application/json",
			Body:         payload,
			DeliveryMode: amqp.Persistent,
		})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	n.zaplog.Info("order paid event published", zap.String("order_id", order.ID), zap.String("queue", n.queue))
	return nil
}

func (n *rabbitMQNotifier) Close() {
	n.channel.Close()
	n.conn.Close()
}
