package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"CMMPayWatch/internal/metrics"
	"CMMPayWatch/internal/models"
	"CMMPayWatch/internal/notifier"
	"CMMPayWatch/internal/store"

	"go.uber.org/zap"
)

var (
	ErrMalformedEvent = errors.New("malformed confirmation event")
	ErrUnknownOrder   = errors.New("unknown order")
	ErrUnderConfirmed = errors.New("transaction not confirmed enough")
)

// Repository is the persistence the engine needs. Update must run fn against
// the current record and persist its changes atomically, or persist nothing if
// fn fails.
type Repository interface {
	GetOrder(ctx context.Context, orderID string) (*models.OrderPaymentRecord, error)
	Update(ctx context.Context, orderID string, fn func(*models.OrderPaymentRecord) error) (*models.OrderPaymentRecord, error)
	RecordSighting(ctx context.Context, sg models.Sighting) error
}

// Event is one confirmation for one transaction output paying an order.
type Event struct {
	OrderID            string
	TxHash             string
	Amount             models.Amount
	Confirmations      int64
	SourceAddress      string
	DestinationAddress string
	Origin             string
	ObservedAt         time.Time
}

type Result struct {
	Record *models.OrderPaymentRecord
	// Redelivery is set when the transaction hash was already recorded.
	Redelivery bool
	// Completed is set only for the call that moved the order to completed.
	Completed bool
}

// DefaultNotifyTimeout bounds one completion notification.
const DefaultNotifyTimeout = 30 * time.Second

type Engine struct {
	repo     Repository
	locks    Locker
	notifier notifier.Notifier
	logger   *zap.Logger
	now      func() time.Time

	// NotifyTimeout bounds the completion notifier, which runs detached
	// from the caller's context.
	NotifyTimeout time.Duration
	notifying     sync.WaitGroup
}

func New(repo Repository, locks Locker, n notifier.Notifier, logger *zap.Logger) *Engine {
	if locks == nil {
		locks = NewKeyedMutex()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		repo:     repo,
		locks:    locks,
		notifier: n,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },

		NotifyTimeout: DefaultNotifyTimeout,
	}
}

// Wait blocks until every completion notification started so far has returned.
func (e *Engine) Wait() {
	e.notifying.Wait()
}

// Validate normalizes ev in place and rejects events that can never be applied.
func Validate(ev *Event) error {
	ev.OrderID = strings.TrimSpace(ev.OrderID)
	ev.TxHash = strings.TrimSpace(ev.TxHash)
	ev.DestinationAddress = strings.TrimSpace(ev.DestinationAddress)
	switch {
	case ev.OrderID == "":
		return fmt.Errorf("%w: missing order id", ErrMalformedEvent)
	case ev.TxHash == "":
		return fmt.Errorf("%w: missing transaction hash", ErrMalformedEvent)
	case ev.Amount < 0:
		return fmt.Errorf("%w: negative amount", ErrMalformedEvent)
	case ev.Confirmations < 0:
		return fmt.Errorf("%w: negative confirmations", ErrMalformedEvent)
	}
	return nil
}

// Apply records a confirmed transaction against its order and completes the
// order when the paid total reaches the required total. Applying the same
// transaction again overwrites its entry. The completion notifier is started
// after the update is durable and the order lock is released, only by the call
// that completed the order. It does not inherit the caller's cancellation.
func (e *Engine) Apply(ctx context.Context, ev Event) (Result, error) {
	if err := Validate(&ev); err != nil {
		e.reject(ev, "malformed", err)
		return Result{}, err
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = e.now()
	}

	unlock, err := e.locks.Lock(ctx, ev.OrderID)
	if err != nil {
		return Result{}, fmt.Errorf("lock order %s: %w", ev.OrderID, err)
	}
	res, err := e.apply(ctx, ev)
	unlock()
	if err != nil {
		return Result{}, err
	}

	if res.Completed {
		rec := res.Record
		metrics.CompletionsTotal.Inc()
		e.logger.Info("order paid in full",
			zap.String("order_id", rec.OrderID),
			zap.Stringer("paid_total", rec.PaidTotal),
		)
		e.notify(ctx, models.Completion{
			OrderID:          rec.OrderID,
			ReceivingAddress: rec.ReceivingAddress,
			RequiredTotal:    rec.RequiredTotal,
			PaidTotal:        rec.PaidTotal,
			CompletedAt:      *rec.CompletedAt,
		})
	}
	return res, nil
}

func (e *Engine) apply(ctx context.Context, ev Event) (Result, error) {
	var res Result
	rec, err := e.repo.Update(ctx, ev.OrderID, func(rec *models.OrderPaymentRecord) error {
		if ev.DestinationAddress != "" && ev.DestinationAddress != rec.ReceivingAddress {
			return fmt.Errorf("%w: destination %s is not the order address", ErrMalformedEvent, ev.DestinationAddress)
		}
		if ev.Confirmations < rec.ConfirmationsRequired {
			return fmt.Errorf("%w: %d/%d", ErrUnderConfirmed, ev.Confirmations, rec.ConfirmationsRequired)
		}

		_, res.Redelivery = rec.ReceivedTransactions[ev.TxHash]
		rec.ReceivedTransactions[ev.TxHash] = models.ReceivedTx{
			TxHash:        ev.TxHash,
			Amount:        ev.Amount,
			SourceAddress: ev.SourceAddress,
			Confirmations: ev.Confirmations,
			ObservedAt:    ev.ObservedAt,
		}
		if _, err := rec.Recompute(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}

		if rec.PaidTotal >= rec.RequiredTotal && !rec.Completed {
			at := e.now()
			rec.Completed = true
			rec.CompletedAt = &at
			res.Completed = true
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		err = fmt.Errorf("%w: %s", ErrUnknownOrder, ev.OrderID)
		e.reject(ev, "unknown_order", err)
		return Result{}, err
	case errors.Is(err, ErrUnderConfirmed):
		e.recordSighting(ctx, ev, "under_confirmed")
		metrics.EventsTotal.WithLabelValues("under_confirmed").Inc()
		e.logger.Info("payment not confirmed enough yet, waiting for redelivery",
			zap.String("order_id", ev.OrderID),
			zap.String("tx_hash", ev.TxHash),
			zap.Int64("confirmations", ev.Confirmations),
		)
		return Result{}, err
	case errors.Is(err, ErrMalformedEvent):
		e.reject(ev, "malformed", err)
		return Result{}, err
	case err != nil:
		metrics.EventsTotal.WithLabelValues("error").Inc()
		return Result{}, err
	}
	res.Record = rec

	if res.Redelivery {
		metrics.EventsTotal.WithLabelValues("redelivered").Inc()
	} else {
		metrics.EventsTotal.WithLabelValues("applied").Inc()
	}
	if !rec.Completed {
		e.logger.Info("payment received, waiting for more",
			zap.String("order_id", rec.OrderID),
			zap.Stringer("amount", ev.Amount),
			zap.Stringer("paid_total", rec.PaidTotal),
			zap.Stringer("required_total", rec.RequiredTotal),
		)
	}
	return res, nil
}

func (e *Engine) notify(ctx context.Context, c models.Completion) {
	if e.notifier == nil {
		return
	}
	timeout := e.NotifyTimeout
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)

	e.notifying.Add(1)
	go func() {
		defer e.notifying.Done()
		defer cancel()
		if err := e.notifier.NotifyCompleted(ctx, c); err != nil {
			e.logger.Error("completion notifier failed",
				zap.String("order_id", c.OrderID),
				zap.Error(err),
			)
		}
	}()
}

// RecordSighting stores an observation of a payment without applying it.
func (e *Engine) RecordSighting(ctx context.Context, ev Event, reason string) error {
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = e.now()
	}
	return e.repo.RecordSighting(ctx, models.Sighting{
		OrderID:       ev.OrderID,
		TxHash:        ev.TxHash,
		Amount:        ev.Amount,
		Confirmations: ev.Confirmations,
		Origin:        ev.Origin,
		Reason:        reason,
		SeenAt:        ev.ObservedAt,
	})
}

func (e *Engine) recordSighting(ctx context.Context, ev Event, reason string) {
	if err := e.RecordSighting(ctx, ev, reason); err != nil {
		e.logger.Warn("record sighting failed",
			zap.String("order_id", ev.OrderID),
			zap.String("tx_hash", ev.TxHash),
			zap.Error(err),
		)
	}
}

func (e *Engine) reject(ev Event, outcome string, err error) {
	metrics.EventsTotal.WithLabelValues(outcome).Inc()
	e.logger.Warn("confirmation event rejected",
		zap.String("order_id", ev.OrderID),
		zap.String("tx_hash", ev.TxHash),
		zap.String("origin", ev.Origin),
		zap.Error(err),
	)
}
