package models

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// Currency is the ticker of the only cryptocurrency this service settles in.
const Currency = "CMM"

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
)

type ReceivedTx struct {
	TxHash        string    `json:"tx_hash"`
	Amount        Amount    `json:"amount"`
	SourceAddress string    `json:"source_address,omitempty"`
	Confirmations int64     `json:"confirmations"`
	ObservedAt    time.Time `json:"observed_at"`
}

// OrderPaymentRecord tracks what an order owes and what has been received for it.
// RequiredTotal, ReceivingAddress, SecretKey and ConfirmationsRequired are fixed at
// creation; only the reconciliation engine mutates the rest.
type OrderPaymentRecord struct {
	OrderID               string
	ReceivingAddress      string
	SecretKey             string
	RequiredTotal         Amount
	PaidTotal             Amount
	Completed             bool
	CompletedAt           *time.Time
	ConfirmationsRequired int64
	FiatTotal             decimal.Decimal
	FiatCurrency          string
	Rate                  ExchangeRate
	Provider              string
	DerivationIndex       *int64
	Metadata              map[string]string
	ReceivedTransactions  map[string]ReceivedTx
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (r *OrderPaymentRecord) Status() OrderStatus {
	if r.Completed {
		return OrderCompleted
	}
	return OrderPending
}

// Recompute sets PaidTotal to the sum of all recorded transaction amounts.
// PaidTotal is left untouched when the sum does not fit in an Amount.
func (r *OrderPaymentRecord) Recompute() (Amount, error) {
	var total Amount
	for _, tx := range r.ReceivedTransactions {
		if tx.Amount < 0 {
			return r.PaidTotal, ErrNegativeAmount
		}
		if tx.Amount > math.MaxInt64-total {
			return r.PaidTotal, ErrAmountRange
		}
		total += tx.Amount
	}
	r.PaidTotal = total
	return total, nil
}

// Remaining is how much is still owed, never negative.
func (r *OrderPaymentRecord) Remaining() Amount {
	if r.PaidTotal >= r.RequiredTotal {
		return 0
	}
	return r.RequiredTotal - r.PaidTotal
}

func (r *OrderPaymentRecord) Clone() *OrderPaymentRecord {
	out := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		out.CompletedAt = &t
	}
	if r.DerivationIndex != nil {
		i := *r.DerivationIndex
		out.DerivationIndex = &i
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	out.ReceivedTransactions = make(map[string]ReceivedTx, len(r.ReceivedTransactions))
	for k, v := range r.ReceivedTransactions {
		out.ReceivedTransactions[k] = v
	}
	return &out
}

type ExchangeRate struct {
	Fiat      string          `json:"fiat"`
	Crypto    string          `json:"crypto"`
	Rate      decimal.Decimal `json:"rate"`
	Source    string          `json:"source"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// Sighting is a receipt that was observed but not applied to an order, kept for
// observability (typically an under-confirmed transaction).
type Sighting struct {
	OrderID       string
	TxHash        string
	Amount        Amount
	Confirmations int64
	Origin        string
	Reason        string
	SeenAt        time.Time
}

type Completion struct {
	OrderID          string    `json:"order_id"`
	ReceivingAddress string    `json:"receiving_address"`
	RequiredTotal    Amount    `json:"required_total"`
	PaidTotal        Amount    `json:"paid_total"`
	CompletedAt      time.Time `json:"completed_at"`
}
