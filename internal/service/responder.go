package service

import (
	"fmt"
	"net/url"

	"github.com/iurnickita/ticketpay/internal/model"
)

const (
	messageInitiated      = "Payment initiated successfully"
	instructionsInitiated = "Check your phone for payment prompt. Enter PIN to complete."
)

func (service *service) successResult(order model.Order) model.InitiationResult {
	return model.InitiationResult{
		Success:           true,
		OrderID:           order.ID,
		ProviderReference: order.Data.ProviderReference,
		Status:            order.Data.Status,
		Message:           messageInitiated,
		Instructions:      instructionsInitiated,
	}
}

// failureResult always carries a manual way to pay.
func (service *service) failureResult(order model.Order, reason string) model.InitiationResult {
	symbol := service.cfg.CurrencySymbol
	if symbol == "" {
		symbol = "K"
	}
	amount := symbol + order.Data.Amount.String()

	ref := order.Data.ReceiptNum
	if ref == "" {
		ref = order.ID
	}

	text := fmt.Sprintf("Payment: %s\nName: %s\nRef: %s\nAmount: %s",
		order.Data.EventName, order.Data.BuyerName, ref, amount)

	return model.InitiationResult{
		Success:              false,
		OrderID:              order.ID,
		Status:               order.Data.Status,
		Error:                reason,
		FallbackInstructions: fmt.Sprintf("Send %s to %s (Ref: %s)", amount, service.cfg.FallbackNumber, ref),
		FallbackContactLink:  "https://wa.me/" + service.cfg.FallbackWhatsApp + "?text=" + url.QueryEscape(text),
	}
}
