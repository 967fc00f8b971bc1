package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"CMMPayWatch/internal/address"
	"CMMPayWatch/internal/engine"
	"CMMPayWatch/internal/ingress"
	"CMMPayWatch/internal/models"
	"CMMPayWatch/internal/pricing"
	"CMMPayWatch/internal/services"
	"CMMPayWatch/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type Receiver interface {
	Receive(ctx context.Context, n ingress.Notification) (ingress.Ack, error)
}

type Handler struct {
	Orders   services.OrderService
	Receiver Receiver
	Logger   *zap.Logger
}

type createOrderRequest struct {
	OrderID      string            `json:"orderId"`
	FiatTotal    decimal.Decimal   `json:"fiatTotal"`
	FiatCurrency string            `json:"fiatCurrency"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type createOrderResponse struct {
	OrderID          string                `json:"orderId"`
	ReceivingAddress string                `json:"receivingAddress"`
	RequiredTotal    models.Amount         `json:"requiredTotal"`
	SecretKey        string                `json:"secretKey"`
	Rate             models.ExchangeRate   `json:"rate"`
	Instructions     services.Instructions `json:"instructions"`
}

type txResponse struct {
	TxHash        string        `json:"txHash"`
	Amount        models.Amount `json:"amount"`
	Confirmations int64         `json:"confirmations"`
	SourceAddress string        `json:"sourceAddress,omitempty"`
	ObservedAt    string        `json:"observedAt"`
}

type orderResponse struct {
	OrderID               string        `json:"orderId"`
	Status                string        `json:"status"`
	ReceivingAddress      string        `json:"receivingAddress"`
	RequiredTotal         models.Amount `json:"requiredTotal"`
	PaidTotal             models.Amount `json:"paidTotal"`
	Remaining             models.Amount `json:"remaining"`
	ConfirmationsRequired int64         `json:"confirmationsRequired"`
	FiatTotal             string        `json:"fiatTotal"`
	FiatCurrency          string        `json:"fiatCurrency"`
	Provider              string        `json:"provider"`
	CreatedAt             string        `json:"createdAt"`
	CompletedAt           string        `json:"completedAt,omitempty"`
	Transactions          []txResponse  `json:"transactions,omitempty"`
}

func NewHandler(orders services.OrderService, callback Receiver, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{Orders: orders, Receiver: callback, Logger: logger}
}

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	rec, err := h.Orders.CreateOrder(r.Context(), services.CreateOrderInput{
		OrderID:      req.OrderID,
		FiatTotal:    req.FiatTotal,
		FiatCurrency: req.FiatCurrency,
		Metadata:     req.Metadata,
	})
	if err != nil {
		var perr *address.ProvisioningError
		switch {
		case errors.Is(err, services.ErrMissingOrderID):
			writeError(w, http.StatusBadRequest, "missing order id")
		case errors.Is(err, services.ErrInvalidTotal):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, services.ErrOrderExists):
			writeError(w, http.StatusConflict, "order already exists")
		case errors.Is(err, pricing.ErrRateUnavailable):
			writeError(w, http.StatusServiceUnavailable, "exchange rate unavailable, please try again later")
		case errors.As(err, &perr):
			writeError(w, http.StatusServiceUnavailable, "cannot generate commercium address for the order: "+perr.Reason)
		default:
			h.Logger.Error("create order failed", zap.String("order_id", req.OrderID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "create order failed")
		}
		return
	}

	writeJSON(w, http.StatusCreated, createOrderResponse{
		OrderID:          rec.OrderID,
		ReceivingAddress: rec.ReceivingAddress,
		RequiredTotal:    rec.RequiredTotal,
		SecretKey:        rec.SecretKey,
		Rate:             rec.Rate,
		Instructions:     services.PaymentInstructions(rec),
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.Orders.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get order failed")
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.Filter
	if v := q.Get("completed"); v != "" {
		completed, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "completed must be true or false")
			return
		}
		f.Completed = &completed
	}
	f.Address = q.Get("address")
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = limit
	}

	orders, err := h.Orders.ListOrders(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list orders failed")
		return
	}
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if err := h.Orders.Operational(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"operational": false,
			"reason":      err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operational": true})
}

// Callback receives payment notifications. The sender keeps redelivering
// until the body is exactly *ok*.
func (h *Handler) Callback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeText(w, http.StatusBadRequest, string(ingress.AckRejected))
		return
	}
	n := ingress.Notification{
		OrderID:       r.Form.Get("order_id"),
		SecretKey:     r.Form.Get("secret_key"),
		Origin:        r.Form.Get("src"),
		TxHash:        r.Form.Get("transaction_hash"),
		Value:         r.Form.Get("value"),
		Confirmations: r.Form.Get("confirmations"),
		Address:       r.Form.Get("address"),
		SourceAddress: r.Form.Get("input_address"),
	}

	ack, err := h.Receiver.Receive(r.Context(), n)
	switch {
	case err == nil:
		writeText(w, http.StatusOK, string(ack))
	case errors.Is(err, engine.ErrUnderConfirmed):
		writeText(w, http.StatusAccepted, string(ack))
	case errors.Is(err, engine.ErrMalformedEvent):
		writeText(w, http.StatusBadRequest, string(ack))
	case errors.Is(err, ingress.ErrUnauthorized),
		errors.Is(err, ingress.ErrOriginMismatch),
		errors.Is(err, engine.ErrUnknownOrder):
		writeText(w, http.StatusForbidden, string(ack))
	default:
		h.Logger.Error("payment callback failed", zap.String("order_id", n.OrderID), zap.Error(err))
		writeText(w, http.StatusInternalServerError, string(ack))
	}
}

func toOrderResponse(o *models.OrderPaymentRecord) orderResponse {
	resp := orderResponse{
		OrderID:               o.OrderID,
		Status:                string(o.Status()),
		ReceivingAddress:      o.ReceivingAddress,
		RequiredTotal:         o.RequiredTotal,
		PaidTotal:             o.PaidTotal,
		Remaining:             o.Remaining(),
		ConfirmationsRequired: o.ConfirmationsRequired,
		FiatTotal:             o.FiatTotal.String(),
		FiatCurrency:          o.FiatCurrency,
		Provider:              o.Provider,
		CreatedAt:             o.CreatedAt.Format(time.RFC3339),
	}
	if o.CompletedAt != nil {
		resp.CompletedAt = o.CompletedAt.Format(time.RFC3339)
	}
	for _, tx := range o.ReceivedTransactions {
		resp.Transactions = append(resp.Transactions, txResponse{
			TxHash:        tx.TxHash,
			Amount:        tx.Amount,
			Confirmations: tx.Confirmations,
			SourceAddress: tx.SourceAddress,
			ObservedAt:    tx.ObservedAt.Format(time.RFC3339),
		})
	}
	sort.Slice(resp.Transactions, func(i, j int) bool {
		if resp.Transactions[i].ObservedAt == resp.Transactions[j].ObservedAt {
			return resp.Transactions[i].TxHash < resp.Transactions[j].TxHash
		}
		return resp.Transactions[i].ObservedAt < resp.Transactions[j].ObservedAt
	})
	return resp
}
