// Package lipila talks to the Lipila collections API (MTN and Airtel MoMo).
package lipila

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/iurnickita/ticketpay/internal/aggregator"
	"github.com/iurnickita/ticketpay/internal/aggregator/config"
)

const Name = "lipila"

const pathPayments = "/v1/payments"

// JSON ответ Lipila
type paymentAnswer struct {
	Reference     aggregator.FlexString `json:"reference"`
	ID            aggregator.FlexString `json:"id"`
	TransactionID aggregator.FlexString `json:"transaction_id"`
	PaymentID     aggregator.FlexString `json:"payment_id"`
	Status        string                `json:"status"`
	State         string                `json:"state"`
	Data          *paymentData          `json:"data"`
}

type paymentData struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

func (a paymentAnswer) reference() string {
	for _, ref := range []aggregator.FlexString{a.Reference, a.ID, a.TransactionID, a.PaymentID} {
		if ref != "" {
			return string(ref)
		}
	}
	return ""
}

func (a paymentAnswer) status() string {
	for _, s := range []string{a.Status, a.State} {
		if s != "" {
			return s
		}
	}
	if a.Data != nil {
		if a.Data.Status != "" {
			return a.Data.Status
		}
		return a.Data.State
	}
	return ""
}

type paymentRequest struct {
	Amount            float64 `json:"amount"`
	Currency          string  `json:"currency"`
	Phone             string  `json:"phone"`
	Provider          string  `json:"provider"`
	ExternalReference string  `json:"external_reference"`
	CallbackURL       string  `json:"callback_url"`
}

type client struct {
	http *resty.Client
}

func New(cfg config.LipilaConfig, timeout time.Duration) aggregator.Aggregator {
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetAuthToken(cfg.APIKey).
		SetHeader("Accept", "application/json")
	return &client{http: rc}
}

func (c *client) Name() string { return Name }

func (c *client) SignedCallback() bool { return true }

func (c *client) Initiate(ctx context.Context, req aggregator.PaymentRequest) (aggregator.Initiation, error) {
	body := paymentRequest{
		Amount:            req.Amount.InexactFloat64(),
		Currency:          req.Currency,
		Phone:             req.Phone,
		Provider:          req.Provider,
		ExternalReference: req.CorrelationKey,
		CallbackURL:       req.CallbackURL,
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		Post(pathPayments)
	if err != nil {
		return aggregator.Initiation{}, aggregator.TransportError(err)
	}

	answer, err := decode(resp)
	if err != nil {
		return aggregator.Initiation{}, err
	}
	return aggregator.Initiation{ProviderReference: answer.reference(), Raw: resp.Body()}, nil
}

func (c *client) Query(ctx context.Context, reference string) (aggregator.Verification, error) {
	if reference == "" {
		return aggregator.Verification{}, &aggregator.Error{Kind: aggregator.KindRejected, Err: errors.New("empty reference")}
	}
	resp, err := c.http.R().
		SetContext(ctx).
		Get(pathPayments + "/" + url.PathEscape(reference))
	if err != nil {
		return aggregator.Verification{}, aggregator.TransportError(err)
	}

	answer, err := decode(resp)
	if err != nil {
		return aggregator.Verification{}, err
	}
	providerStatus := answer.status()
	return aggregator.Verification{
		Status:         aggregator.NormalizeStatus(providerStatus),
		ProviderStatus: providerStatus,
		Raw:            resp.Body(),
	}, nil
}

func (c *client) DecodeWebhook(body []byte) (aggregator.WebhookEvent, error) {
	return aggregator.DecodeGenericWebhook(body)
}

func decode(resp *resty.Response) (paymentAnswer, error) {
	if !resp.IsSuccess() {
		return paymentAnswer{}, &aggregator.Error{Kind: aggregator.KindStatus, StatusCode: resp.StatusCode(), RawBody: resp.Body()}
	}
	var answer paymentAnswer
	if err := json.Unmarshal(resp.Body(), &answer); err != nil {
		return paymentAnswer{}, &aggregator.Error{Kind: aggregator.KindDecode, StatusCode: resp.StatusCode(), RawBody: resp.Body(), Err: err}
	}
	return answer, nil
}
