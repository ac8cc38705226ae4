// Package aggregator describes what a mobile-money vendor adapter must do.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/shopspring/decimal"
)

type Aggregator interface {
	Name() string
	// SignedCallback reports whether Initiate hands the callback URL to the
	// vendor. Vendors that do not take it call back without a token.
	SignedCallback() bool
	Initiate(ctx context.Context, req PaymentRequest) (Initiation, error)
	Query(ctx context.Context, reference string) (Verification, error)
	DecodeWebhook(body []byte) (WebhookEvent, error)
}

type PaymentRequest struct {
	Amount         decimal.Decimal
	Currency       string
	Phone          string
	Provider       string
	CallbackURL    string
	CorrelationKey string
}

type Initiation struct {
	ProviderReference string
	Raw               []byte
}

type Verification struct {
	Status         Status
	ProviderStatus string
	Raw            []byte
}

type WebhookEvent struct {
	ProviderReference string
	ExternalRef       string
	Status            string
	Raw               []byte
}

// Нормализованные статусы платежа

type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// NormalizeStatus maps any vendor status vocabulary onto Status.
func NormalizeStatus(providerStatus string) Status {
	s := strings.ToLower(strings.TrimSpace(providerStatus))
	switch {
	case s == "":
		return StatusUnknown
	case strings.Contains(s, "success"), strings.Contains(s, "paid"), strings.Contains(s, "complete"):
		return StatusPaid
	case strings.Contains(s, "fail"), strings.Contains(s, "reject"), strings.Contains(s, "cancel"):
		return StatusFailed
	default:
		return StatusPending
	}
}

// Ошибки вызова агрегатора

type ErrorKind string

const (
	KindNetwork  ErrorKind = "network"
	KindTimeout  ErrorKind = "timeout"
	KindStatus   ErrorKind = "status"
	KindDecode   ErrorKind = "decode"
	KindRejected ErrorKind = "rejected"
)

type Error struct {
	Kind       ErrorKind
	StatusCode int
	RawBody    []byte
	Err        error
}

func (e *Error) Error() string {
	msg := "aggregator " + string(e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Ambiguous reports whether the vendor may still have accepted the request.
func (e *Error) Ambiguous() bool {
	return e.Kind == KindTimeout
}

// TransportError classifies an error returned by the HTTP client.
func TransportError(err error) *Error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}

// DecodeGenericWebhook looks up the reference fields vendors commonly use,
// at the top level and inside a nested "data" object.
func DecodeGenericWebhook(body []byte) (WebhookEvent, error) {
	var envelope map[string]any
	if err := json.Unmarshal(body, &envelope); err != nil {
		return WebhookEvent{}, &Error{Kind: KindDecode, RawBody: body, Err: err}
	}
	var nested map[string]any
	if data, ok := envelope["data"].(map[string]any); ok {
		nested = data
	}

	event := WebhookEvent{Raw: body}
	event.ProviderReference = firstString([]map[string]any{envelope, nested},
		"providerReference", "reference", "id", "paymentId", "payment_id", "transactionId", "transaction_id", "identifier")
	event.ExternalRef = firstString([]map[string]any{envelope, nested},
		"externalRef", "external_reference", "externalReference", "external_ref")
	event.Status = firstString([]map[string]any{envelope, nested}, "status", "state")
	return event, nil
}

func firstString(objects []map[string]any, keys ...string) string {
	for _, obj := range objects {
		if obj == nil {
			continue
		}
		for _, key := range keys {
			if s := stringValue(obj[key]); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringValue(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float64:
		return decimal.NewFromFloat(v).String()
	case json.Number:
		return v.String()
	}
	return ""
}

// FlexString accepts both JSON strings and numbers, vendors are not
// consistent about identifier types.
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = FlexString(str)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(b, &num); err != nil {
		return err
	}
	*s = FlexString(num.String())
	return nil
}
