package ingress

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"CMMPayWatch/internal/engine"
	"CMMPayWatch/internal/metrics"
	"CMMPayWatch/internal/models"
	"CMMPayWatch/internal/store"

	"go.uber.org/zap"
)

// Ack is the body returned to the notification sender. Only AckOK tells the
// sender to stop redelivering.
type Ack string

const (
	AckOK       Ack = "*ok*"
	AckRejected Ack = "*rejected*"
	AckPending  Ack = "*pending*"
)

var (
	ErrUnauthorized   = errors.New("notification secret does not match")
	ErrOriginMismatch = errors.New("notification origin not accepted")
)

// Notification is an inbound confirmation exactly as the sender supplied it.
type Notification struct {
	OrderID       string
	SecretKey     string
	Origin        string
	TxHash        string
	Value         string // integer subunits
	Confirmations string
	Address       string
	SourceAddress string
}

type Orders interface {
	GetOrder(ctx context.Context, orderID string) (*models.OrderPaymentRecord, error)
}

type Applier interface {
	Apply(ctx context.Context, ev engine.Event) (engine.Result, error)
	RecordSighting(ctx context.Context, ev engine.Event, reason string) error
}

// Ingress authenticates notifications from one origin and hands them to the engine.
type Ingress struct {
	orders Orders
	engine Applier
	origin string
	logger *zap.Logger
}

func New(orders Orders, eng Applier, origin string, logger *zap.Logger) *Ingress {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ingress{orders: orders, engine: eng, origin: origin, logger: logger}
}

func (in *Ingress) Origin() string { return in.origin }

// Receive validates n and applies it. AckOK is returned only once the update
// is durable. Under-confirmed notifications are recorded and answered with
// AckPending so the sender delivers them again later.
func (in *Ingress) Receive(ctx context.Context, n Notification) (Ack, error) {
	ev, err := parse(n)
	if err != nil {
		return in.reject(n, "malformed", err)
	}

	rec, err := in.orders.GetOrder(ctx, ev.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return in.reject(n, "unknown_order", fmt.Errorf("%w: %s", engine.ErrUnknownOrder, ev.OrderID))
	}
	if err != nil {
		return AckRejected, err
	}

	if strings.TrimSpace(n.Origin) != in.origin {
		return in.reject(n, "origin_mismatch", fmt.Errorf("%w: %q", ErrOriginMismatch, n.Origin))
	}
	if subtle.ConstantTimeCompare([]byte(n.SecretKey), []byte(rec.SecretKey)) != 1 {
		return in.reject(n, "unauthorized", ErrUnauthorized)
	}

	if ev.Confirmations < rec.ConfirmationsRequired {
		if err := in.engine.RecordSighting(ctx, ev, "under_confirmed"); err != nil {
			in.logger.Warn("record sighting failed", zap.String("order_id", ev.OrderID), zap.Error(err))
		}
		metrics.EventsTotal.WithLabelValues("under_confirmed").Inc()
		in.logger.Info("payment notification not confirmed enough yet",
			zap.String("order_id", ev.OrderID),
			zap.String("tx_hash", ev.TxHash),
			zap.Int64("confirmations", ev.Confirmations),
			zap.Int64("required", rec.ConfirmationsRequired),
		)
		return AckPending, fmt.Errorf("%w: %d/%d", engine.ErrUnderConfirmed, ev.Confirmations, rec.ConfirmationsRequired)
	}

	if _, err := in.engine.Apply(ctx, ev); err != nil {
		if errors.Is(err, engine.ErrUnderConfirmed) {
			return AckPending, err
		}
		return AckRejected, err
	}
	return AckOK, nil
}

func parse(n Notification) (engine.Event, error) {
	ev := engine.Event{
		OrderID:            n.OrderID,
		TxHash:             n.TxHash,
		SourceAddress:      strings.TrimSpace(n.SourceAddress),
		DestinationAddress: n.Address,
		Origin:             strings.TrimSpace(n.Origin),
		ObservedAt:         time.Now().UTC(),
	}
	value := strings.TrimSpace(n.Value)
	if value == "" {
		return ev, fmt.Errorf("%w: missing value", engine.ErrMalformedEvent)
	}
	amount, err := models.ParseSubunits(value)
	if err != nil {
		return ev, fmt.Errorf("%w: %v", engine.ErrMalformedEvent, err)
	}
	ev.Amount = amount

	confs := strings.TrimSpace(n.Confirmations)
	if confs == "" {
		return ev, fmt.Errorf("%w: missing confirmations", engine.ErrMalformedEvent)
	}
	ev.Confirmations, err = strconv.ParseInt(confs, 10, 64)
	if err != nil {
		return ev, fmt.Errorf("%w: confirmations %q", engine.ErrMalformedEvent, confs)
	}
	return ev, engine.Validate(&ev)
}

func (in *Ingress) reject(n Notification, outcome string, err error) (Ack, error) {
	metrics.EventsTotal.WithLabelValues(outcome).Inc()
	in.logger.Warn("payment notification rejected",
		zap.String("order_id", n.OrderID),
		zap.String("tx_hash", n.TxHash),
		zap.String("origin", n.Origin),
		zap.Error(err),
	)
	return AckRejected, err
}
