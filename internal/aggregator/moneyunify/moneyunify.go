// Package moneyunify talks to the MoneyUnify payments API.
package moneyunify

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/iurnickita/ticketpay/internal/aggregator"
	"github.com/iurnickita/ticketpay/internal/aggregator/config"
)

const Name = "moneyunify"

const (
	pathRequest = "/payments/request"
	pathVerify  = "/payments/verify"
)

// JSON ответ MoneyUnify
type answer struct {
	Success    *bool                 `json:"success"`
	IsError    bool                  `json:"isError"`
	Message    string                `json:"message"`
	Identifier aggregator.FlexString `json:"identifier"`
	Status     string                `json:"status"`
	Data       *answerData           `json:"data"`
}

type answerData struct {
	TransactionID aggregator.FlexString `json:"transaction_id"`
	Status        string                `json:"status"`
}

func (a answer) rejected() bool {
	if a.IsError {
		return true
	}
	return a.Success != nil && !*a.Success
}

func (a answer) reference() string {
	if a.Data != nil && a.Data.TransactionID != "" {
		return string(a.Data.TransactionID)
	}
	return string(a.Identifier)
}

func (a answer) status() string {
	if a.Data != nil && a.Data.Status != "" {
		return a.Data.Status
	}
	return a.Status
}

type client struct {
	http   *resty.Client
	authID string
}

func New(cfg config.MoneyUnifyConfig, timeout time.Duration) aggregator.Aggregator {
	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")
	return &client{http: rc, authID: cfg.AuthID}
}

func (c *client) Name() string { return Name }

func (c *client) SignedCallback() bool { return false }

// Initiate ignores the callback URL: MoneyUnify takes it from the merchant dashboard.
func (c *client) Initiate(ctx context.Context, req aggregator.PaymentRequest) (aggregator.Initiation, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"from_payer": NormalizePhone(req.Phone),
			"amount":     req.Amount.String(),
			"auth_id":    c.authID,
		}).
		Post(pathRequest)
	if err != nil {
		return aggregator.Initiation{}, aggregator.TransportError(err)
	}

	a, err := decode(resp)
	if err != nil {
		return aggregator.Initiation{}, err
	}
	return aggregator.Initiation{ProviderReference: a.reference(), Raw: resp.Body()}, nil
}

func (c *client) Query(ctx context.Context, reference string) (aggregator.Verification, error) {
	if reference == "" {
		return aggregator.Verification{}, &aggregator.Error{Kind: aggregator.KindRejected, Err: errors.New("empty transaction id")}
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"transaction_id": reference,
			"auth_id":        c.authID,
		}).
		Post(pathVerify)
	if err != nil {
		return aggregator.Verification{}, aggregator.TransportError(err)
	}

	a, err := decode(resp)
	if err != nil {
		return aggregator.Verification{}, err
	}
	providerStatus := a.status()
	return aggregator.Verification{
		Status:         aggregator.NormalizeStatus(providerStatus),
		ProviderStatus: providerStatus,
		Raw:            resp.Body(),
	}, nil
}

func (c *client) DecodeWebhook(body []byte) (aggregator.WebhookEvent, error) {
	return aggregator.DecodeGenericWebhook(body)
}

func decode(resp *resty.Response) (answer, error) {
	if !resp.IsSuccess() {
		return answer{}, &aggregator.Error{Kind: aggregator.KindStatus, StatusCode: resp.StatusCode(), RawBody: resp.Body()}
	}
	var a answer
	if err := json.Unmarshal(resp.Body(), &a); err != nil {
		return answer{}, &aggregator.Error{Kind: aggregator.KindDecode, StatusCode: resp.StatusCode(), RawBody: resp.Body(), Err: err}
	}
	if a.rejected() {
		return answer{}, &aggregator.Error{Kind: aggregator.KindRejected, StatusCode: resp.StatusCode(), RawBody: resp.Body(), Err: errors.New(a.Message)}
	}
	return a, nil
}

var (
	reLocal      = regexp.MustCompile(`^0\d{9}$`)
	reIntl       = regexp.MustCompile(`^260\d{9}$`)
	reSubscriber = regexp.MustCompile(`^9\d{8}$`)
)

// NormalizePhone converts Zambian numbers to the 260XXXXXXXXX form MoneyUnify expects.
func NormalizePhone(phone string) string {
	s := strings.TrimSpace(phone)
	s = strings.NewReplacer(" ", "", "-", "").Replace(s)
	s = strings.TrimPrefix(s, "+")

	switch {
	case reLocal.MatchString(s):
		return "260" + s[1:]
	case reIntl.MatchString(s):
		return s
	case reSubscriber.MatchString(s):
		return "260" + s
	}
	return s
}
