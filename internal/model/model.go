package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Заказы на оплату билетов

type Order struct {
	ID   string
	Data OrderData
}
type OrderData struct {
	ExternalRef       string
	ProviderReference string
	IdempotencyKey    string
	Aggregator        string
	Amount            decimal.Decimal
	Currency          string
	Phone             string
	Provider          string
	EventName         string
	BuyerName         string
	ReceiptNum        string
	Status            string
	ProviderStatus    string
	ProviderRaw       string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PaidAt            *time.Time
	FailedAt          *time.Time
}

const (
	OrderStatusPending = "pending"
	OrderStatusPaid    = "paid"
	OrderStatusFailed  = "failed"
	OrderStatusError   = "error"
)

// Terminal reports whether no verification result may change the order status.
// error is terminal for the record: a retry is a new order.
func (o Order) Terminal() bool {
	switch o.Data.Status {
	case OrderStatusPaid, OrderStatusFailed, OrderStatusError:
		return true
	}
	return false
}

// QueryReference is the key the aggregator is asked about.
func (o Order) QueryReference() string {
	if o.Data.ProviderReference != "" {
		return o.Data.ProviderReference
	}
	return o.Data.ExternalRef
}

// Запрос клиента на покупку

type PaymentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Phone          string          `json:"phone" validate:"required"`
	Provider       string          `json:"provider" validate:"required"`
	EventName      string          `json:"eventName" validate:"max=200"`
	BuyerName      string          `json:"buyerName" validate:"max=200"`
	ReceiptNum     string          `json:"receiptNum" validate:"max=64"`
	IdempotencyKey string          `json:"-" validate:"omitempty,max=128"`
}

// Ответ клиенту

type InitiationResult struct {
	Success              bool   `json:"success"`
	OrderID              string `json:"orderId,omitempty"`
	ProviderReference    string `json:"providerReference,omitempty"`
	Status               string `json:"status,omitempty"`
	Message              string `json:"message,omitempty"`
	Instructions         string `json:"instructions,omitempty"`
	Error                string `json:"error,omitempty"`
	FallbackInstructions string `json:"fallbackInstructions,omitempty"`
	FallbackContactLink  string `json:"fallbackContactLink,omitempty"`
}

// Входящие уведомления агрегатора

type WebhookEnvelope struct {
	Aggregator  string
	Body        []byte
	ExternalRef string // из подписанного callback токена, может быть пустым
}

type WebhookResult struct {
	Received bool   `json:"received"`
	OrderID  string `json:"orderId,omitempty"`
	Status   string `json:"status,omitempty"`
}
