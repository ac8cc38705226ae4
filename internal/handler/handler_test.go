package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/ticketpay/internal/auth"
	"github.com/iurnickita/ticketpay/internal/model"
	"github.com/iurnickita/ticketpay/internal/service"
	"github.com/iurnickita/ticketpay/internal/token"
)

// Сервис с заранее заданными ответами
type stubService struct {
	request  model.PaymentRequest
	envelope model.WebhookEnvelope
	result   model.InitiationResult
	webhook  model.WebhookResult
	order    model.Order
	err      error
}

func (s *stubService) InitiatePayment(_ context.Context, req model.PaymentRequest) (model.InitiationResult, error) {
	s.request = req
	return s.result, s.err
}

func (s *stubService) HandleWebhook(_ context.Context, env model.WebhookEnvelope) (model.WebhookResult, error) {
	s.envelope = env
	return s.webhook, s.err
}

func (s *stubService) VerifyOrder(_ context.Context, id string) (model.Order, error) {
	return s.order, s.err
}

func (s *stubService) GetOrder(_ context.Context, id string) (model.Order, error) {
	if s.err != nil {
		return model.Order{}, s.err
	}
	if id != s.order.ID {
		return model.Order{}, service.ErrNotFound
	}
	return s.order, nil
}

func newTestServer(t *testing.T, svc service.Service, signer *token.Signer, unsigned ...string) *httptest.Server {
	h := newHandler(auth.NewAuth(signer, unsigned...), svc, 0, zap.NewNop())
	srv := httptest.NewServer(h.newRouter())
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url string, body string, header map[string]string) (int, []byte) {
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, respBody
}

func TestPostPayment(t *testing.T) {
	svc := &stubService{}
	srv := newTestServer(t, svc, nil)

	tests := []struct {
		name   string
		body   string
		result model.InitiationResult
		err    error
		code   int
	}{
		{
			name:   "initiated",
			body:   `{"amount":100,"phone":"0971234567","provider":"mtn"}`,
			result: model.InitiationResult{Success: true, OrderID: "order_1", ProviderReference: "PR1", Status: "pending"},
			code:   http.StatusOK,
		},
		{
			name:   "aggregator failure carries fallback",
			body:   `{"amount":"100.50","phone":"0971234567","provider":"mtn"}`,
			result: model.InitiationResult{Success: false, OrderID: "order_1", FallbackInstructions: "Send K100.5 to 0973 299 759 (Ref: order_1)"},
			code:   http.StatusBadGateway,
		},
		{name: "bad json", body: `{"amount":`, code: http.StatusBadRequest},
		{name: "invalid", body: `{"amount":0}`, err: fmt.Errorf("%w: amount must be positive", service.ErrValidation), code: http.StatusBadRequest},
		{name: "in flight", body: `{"amount":1}`, err: service.ErrDuplicateRequest, code: http.StatusConflict},
		{name: "store down", body: `{"amount":1}`, err: service.ErrPersistence, code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc.result, svc.err = tt.result, tt.err

			code, body := post(t, srv.URL+"/api/payments", tt.body, map[string]string{"Idempotency-Key": "key-1"})
			require.Equal(t, tt.code, code)

			var result model.InitiationResult
			require.NoError(t, json.Unmarshal(body, &result))
			if tt.code == http.StatusOK || tt.code == http.StatusBadGateway {
				require.Equal(t, tt.result, result)
				require.Equal(t, "key-1", svc.request.IdempotencyKey)
				require.False(t, svc.request.Amount.IsZero())
			} else {
				require.NotEmpty(t, result.Error)
			}
		})
	}
}

func TestGetOrder(t *testing.T) {
	paidAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc := &stubService{order: model.Order{ID: "order_1", Data: model.OrderData{
		Status:    model.OrderStatusPaid,
		Amount:    decimal.NewFromInt(100),
		Currency:  "ZMW",
		Phone:     "0971234567",
		Provider:  "mtn",
		CreatedAt: paidAt.Add(-time.Minute),
		UpdatedAt: paidAt,
		PaidAt:    &paidAt,
	}}}
	srv := newTestServer(t, svc, nil)

	resp, err := http.Get(srv.URL + "/api/orders/order_1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var order OrderJSONResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&order))
	require.Equal(t, "paid", order.Status)
	require.Equal(t, "100.00", order.Amount)
	require.NotNil(t, order.PaidAt)
	require.True(t, paidAt.Equal(*order.PaidAt))

	resp, err = http.Get(srv.URL + "/api/orders/order_2")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestVerifyOrder(t *testing.T) {
	svc := &stubService{order: model.Order{ID: "order_1", Data: model.OrderData{Status: model.OrderStatusPending}}}
	srv := newTestServer(t, svc, nil)

	code, _ := post(t, srv.URL+"/api/orders/order_1/verify", "", nil)
	require.Equal(t, http.StatusOK, code)

	svc.err = fmt.Errorf("%w: timeout", service.ErrVerification)
	code, _ = post(t, srv.URL+"/api/orders/order_1/verify", "", nil)
	require.Equal(t, http.StatusBadGateway, code)

	svc.err = service.ErrNotFound
	code, _ = post(t, srv.URL+"/api/orders/order_1/verify", "", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestPostWebhook(t *testing.T) {
	svc := &stubService{webhook: model.WebhookResult{Received: true, OrderID: "order_1", Status: "paid"}}
	srv := newTestServer(t, svc, nil)

	// внешний заголовок не принимается
	code, body := post(t, srv.URL+"/api/webhook/lipila", `{"reference":"PR1"}`,
		map[string]string{auth.HeaderExternalRefKey: "forged"})
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"received":true,"orderId":"order_1","status":"paid"}`, string(body))
	require.Equal(t, "lipila", svc.envelope.Aggregator)
	require.Equal(t, `{"reference":"PR1"}`, string(svc.envelope.Body))
	require.Empty(t, svc.envelope.ExternalRef)

	tests := []struct {
		err  error
		code int
	}{
		{err: service.ErrValidation, code: http.StatusBadRequest},
		{err: service.ErrNotFound, code: http.StatusNotFound},
		{err: service.ErrVerification, code: http.StatusInternalServerError},
		{err: service.ErrPersistence, code: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		svc.err = tt.err
		code, _ := post(t, srv.URL+"/api/webhook/lipila", `{}`, nil)
		require.Equal(t, tt.code, code, tt.err.Error())
	}
}

func TestPostWebhookToken(t *testing.T) {
	signer := token.NewSigner("secret", time.Hour)
	svc := &stubService{webhook: model.WebhookResult{Received: true}}
	srv := newTestServer(t, svc, signer, "moneyunify")

	code, _ := post(t, srv.URL+"/api/webhook/lipila", `{}`, nil)
	require.Equal(t, http.StatusUnauthorized, code)

	callbackURL, err := auth.NewAuth(signer).CallbackURL(srv.URL+"/api/webhook/lipila", "ext-1")
	require.NoError(t, err)
	code, _ = post(t, callbackURL, `{}`, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ext-1", svc.envelope.ExternalRef)

	// MoneyUnify не передаёт токен, заказ ищется по телу
	svc.envelope = model.WebhookEnvelope{}
	code, _ = post(t, srv.URL+"/api/webhook/moneyunify", `{"transaction_id":"TX9"}`, map[string]string{auth.HeaderExternalRefKey: "forged"})
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "moneyunify", svc.envelope.Aggregator)
	require.Empty(t, svc.envelope.ExternalRef)
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func TestBodyLimit(t *testing.T) {
	const limit = 1024
	h := newHandler(auth.NewAuth(nil), &stubService{}, limit, zap.NewNop())
	router := h.newRouter()

	for _, path := range []string{"/api/webhook/lipila", "/api/payments"} {
		body := &countingReader{r: strings.NewReader(strings.Repeat("x", 8<<20))}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, body))

		require.Contains(t, []int{http.StatusBadRequest, http.StatusRequestEntityTooLarge}, w.Code, path)
		// с клиента прочитано не больше лимита
		require.LessOrEqual(t, body.n, int64(limit+1), path)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, &stubService{}, nil)

	resp, err := http.Get(srv.URL + "/api/orders/missing")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), "ticketpay_http_request_duration_seconds")
}
