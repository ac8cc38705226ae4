package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/ticketpay/internal/auth"
	"github.com/iurnickita/ticketpay/internal/handler/config"
	"github.com/iurnickita/ticketpay/internal/logger"
	"github.com/iurnickita/ticketpay/internal/metrics"
	"github.com/iurnickita/ticketpay/internal/model"
	"github.com/iurnickita/ticketpay/internal/service"
)

const headerIdempotencyKey = "Idempotency-Key"

// Serve listens until ctx is done, then shuts the server down.
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(auth, service, cfg.MaxBodyBytes, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	errc := make(chan error, 1)
	go func() {
		zaplog.Info("http server started", zap.String("addr", cfg.ServerAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type handler struct {
	auth         auth.Auth
	service      service.Service
	maxBodyBytes int64
	zaplog       *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, maxBodyBytes int64, zaplog *zap.Logger) *handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 20
	}
	return &handler{
		auth:         auth,
		service:      service,
		maxBodyBytes: maxBodyBytes,
		zaplog:       zaplog,
	}
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/payments", metrics.Middleware(h.limitBody(logger.RequestLogMdlw(h.PostPayment, h.zaplog))))
	mux.HandleFunc("GET /api/orders/{id}", metrics.Middleware(logger.RequestLogMdlw(h.GetOrder, h.zaplog)))
	mux.HandleFunc("POST /api/orders/{id}/verify", metrics.Middleware(h.limitBody(logger.RequestLogMdlw(h.VerifyOrder, h.zaplog))))
	mux.HandleFunc("POST /api/webhook/{aggregator}", metrics.Middleware(h.limitBody(logger.RequestLogMdlw(h.auth.Middleware(h.PostWebhook), h.zaplog))))
	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", metrics.Handler())

	return mux
}

// limitBody ограничивает тело запроса до любого чтения
func (h *handler) limitBody(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
		next(w, r)
	}
}

func (h *handler) PostPayment(w http.ResponseWriter, r *http.Request) {
	var req model.PaymentRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, model.InitiationResult{Error: "invalid request body"})
		return
	}
	req.IdempotencyKey = r.Header.Get(headerIdempotencyKey)

	result, err := h.service.InitiatePayment(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrValidation):
			writeJSON(w, http.StatusBadRequest, model.InitiationResult{Error: err.Error()})
		case errors.Is(err, service.ErrDuplicateRequest):
			writeJSON(w, http.StatusConflict, model.InitiationResult{Error: err.Error()})
		default:
			if result.Error == "" {
				result.Error = err.Error()
			}
			writeJSON(w, http.StatusInternalServerError, result)
		}
		return
	}

	// Неудача у агрегатора: ответ содержит ручной способ оплаты
	if !result.Success {
		writeJSON(w, http.StatusBadGateway, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type OrderJSONResponse struct {
	ID                string     `json:"id"`
	Status            string     `json:"status"`
	ProviderReference string     `json:"providerReference,omitempty"`
	ProviderStatus    string     `json:"providerStatus,omitempty"`
	Amount            string     `json:"amount"`
	Currency          string     `json:"currency"`
	Provider          string     `json:"provider"`
	EventName         string     `json:"eventName,omitempty"`
	BuyerName         string     `json:"buyerName,omitempty"`
	ReceiptNum        string     `json:"receiptNum,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	PaidAt            *time.Time `json:"paidAt,omitempty"`
	FailedAt          *time.Time `json:"failedAt,omitempty"`
}

func orderResponse(order model.Order) OrderJSONResponse {
	return OrderJSONResponse{
		ID:                order.ID,
		Status:            order.Data.Status,
		ProviderReference: order.Data.ProviderReference,
		ProviderStatus:    order.Data.ProviderStatus,
		Amount:            order.Data.Amount.StringFixed(2),
		Currency:          order.Data.Currency,
		Provider:          order.Data.Provider,
		EventName:         order.Data.EventName,
		BuyerName:         order.Data.BuyerName,
		ReceiptNum:        order.Data.ReceiptNum,
		CreatedAt:         order.Data.CreatedAt,
		UpdatedAt:         order.Data.UpdatedAt,
		PaidAt:            order.Data.PaidAt,
		FailedAt:          order.Data.FailedAt,
	}
}

func (h *handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order))
}

func (h *handler) VerifyOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.service.VerifyOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, service.ErrVerification):
			http.Error(w, err.Error(), http.StatusBadGateway)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, orderResponse(order))
}

func (h *handler) PostWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := h.service.HandleWebhook(r.Context(), model.WebhookEnvelope{
		Aggregator:  r.PathValue("aggregator"),
		Body:        body,
		ExternalRef: r.Header.Get(auth.HeaderExternalRefKey),
	})
	if err != nil {
		// Агрегатор повторит доставку при ответе не 2xx
		switch {
		case errors.Is(err, service.ErrValidation):
			http.Error(w, err.Error(), http.StatusBadRequest)
		case errors.Is(err, service.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}
