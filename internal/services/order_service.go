package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"CMMPayWatch/internal/address"
	"CMMPayWatch/internal/metrics"
	"CMMPayWatch/internal/models"
	"CMMPayWatch/internal/pricing"
	"CMMPayWatch/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrMissingOrderID = errors.New("missing order id")
	ErrInvalidTotal   = errors.New("order total must be positive")
	ErrOrderExists    = store.ErrOrderExists
	ErrNotFound       = store.ErrNotFound
)

type Orders interface {
	CreateOrder(ctx context.Context, rec *models.OrderPaymentRecord) error
	GetOrder(ctx context.Context, orderID string) (*models.OrderPaymentRecord, error)
	ListOrders(ctx context.Context, f store.Filter) ([]*models.OrderPaymentRecord, error)
}

type RateProvider interface {
	GetRate(ctx context.Context, fiat string) (models.ExchangeRate, error)
}

type OrderService struct {
	Store                 Orders
	Addresses             address.Provider
	Rates                 RateProvider
	ConfirmationsRequired int64
	StoreCurrency         string
	Logger                *zap.Logger
}

type CreateOrderInput struct {
	OrderID      string
	FiatTotal    decimal.Decimal
	FiatCurrency string
	Metadata     map[string]string
}

// CreateOrder prices the order, issues its receiving address and persists the
// record. No record is written when the rate or the address cannot be obtained.
func (s OrderService) CreateOrder(ctx context.Context, in CreateOrderInput) (*models.OrderPaymentRecord, error) {
	orderID := strings.TrimSpace(in.OrderID)
	if orderID == "" {
		return nil, ErrMissingOrderID
	}
	if !in.FiatTotal.IsPositive() {
		return nil, ErrInvalidTotal
	}
	currency := strings.ToUpper(strings.TrimSpace(in.FiatCurrency))
	if currency == "" {
		currency = s.StoreCurrency
	}

	// Checked up front so a duplicate does not consume an address.
	if _, err := s.Store.GetOrder(ctx, orderID); err == nil {
		return nil, ErrOrderExists
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	rate, err := s.Rates.GetRate(ctx, currency)
	if err != nil {
		return nil, err
	}
	required, err := pricing.ToCrypto(in.FiatTotal, rate)
	if err != nil {
		return nil, err
	}
	if required <= 0 {
		return nil, fmt.Errorf("%w: %s %s is below one subunit", ErrInvalidTotal, in.FiatTotal, currency)
	}

	secret := strings.ReplaceAll(uuid.NewString(), "-", "")
	issued, err := s.Addresses.IssueAddress(ctx, address.OrderContext{OrderID: orderID, SecretKey: secret})
	if err != nil {
		metrics.AddressesIssuedTotal.WithLabelValues(s.Addresses.Name(), "error").Inc()
		s.logger().Error("cannot generate commercium address for the order",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
		return nil, err
	}
	metrics.AddressesIssuedTotal.WithLabelValues(issued.Provider, "ok").Inc()

	metadata := make(map[string]string, len(in.Metadata)+len(issued.Metadata))
	for k, v := range in.Metadata {
		metadata[k] = v
	}
	for k, v := range issued.Metadata {
		metadata[k] = v
	}

	now := time.Now().UTC()
	rec := &models.OrderPaymentRecord{
		OrderID:               orderID,
		ReceivingAddress:      issued.Address,
		SecretKey:             secret,
		RequiredTotal:         required,
		ConfirmationsRequired: s.ConfirmationsRequired,
		FiatTotal:             in.FiatTotal,
		FiatCurrency:          currency,
		Rate:                  rate,
		Provider:              issued.Provider,
		DerivationIndex:       issued.DerivationIndex,
		Metadata:              metadata,
		ReceivedTransactions:  map[string]models.ReceivedTx{},
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.Store.CreateOrder(ctx, rec); err != nil {
		return nil, err
	}

	s.logger().Info("order awaiting payment",
		zap.String("order_id", orderID),
		zap.String("address", rec.ReceivingAddress),
		zap.Stringer("required_total", rec.RequiredTotal),
		zap.String("rate_source", rate.Source),
	)
	return rec, nil
}

func (s OrderService) GetOrder(ctx context.Context, orderID string) (*models.OrderPaymentRecord, error) {
	return s.Store.GetOrder(ctx, orderID)
}

func (s OrderService) ListOrders(ctx context.Context, f store.Filter) ([]*models.OrderPaymentRecord, error) {
	return s.Store.ListOrders(ctx, f)
}

// Operational reports why the gateway cannot take orders right now, or nil.
func (s OrderService) Operational(ctx context.Context) error {
	if err := s.Addresses.Validate(); err != nil {
		return err
	}
	if _, err := s.Rates.GetRate(ctx, s.StoreCurrency); err != nil {
		return err
	}
	return nil
}

func (s OrderService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
