package worker

import (
	"context"
	"errors"
	"strconv"
	"time"

	"CMMPayWatch/internal/chain"
	"CMMPayWatch/internal/engine"
	"CMMPayWatch/internal/ingress"
	"CMMPayWatch/internal/metrics"
	"CMMPayWatch/internal/models"
	"CMMPayWatch/internal/payments"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type PendingOrders interface {
	ListPendingOrders(ctx context.Context) ([]*models.OrderPaymentRecord, error)
}

// Receiver is the ingress the poller feeds. The poller is trusted to carry the
// order secret and the receiver's own origin.
type Receiver interface {
	Receive(ctx context.Context, n ingress.Notification) (ingress.Ack, error)
	Origin() string
}

type SightingRecorder interface {
	RecordSighting(ctx context.Context, ev engine.Event, reason string) error
}

// Worker re-checks pending orders against a block explorer so payments are
// picked up even when no callback arrives.
type Worker struct {
	Orders     PendingOrders
	Explorer   chain.Explorer
	Ingress    Receiver
	Sightings  SightingRecorder
	MaxPages   int
	Interval   time.Duration
	WSEndpoint string
	Logger     *zap.Logger
}

func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		w.RunWS(ctx)
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			if err := w.SyncOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				metrics.PollRunsTotal.WithLabelValues("error").Inc()
				w.Logger.Error("sync error", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	return g.Wait()
}

// SyncOnce scans every pending order once.
func (w *Worker) SyncOnce(ctx context.Context) error {
	orders, err := w.Orders.ListPendingOrders(ctx)
	if err != nil {
		return err
	}
	if len(orders) > 0 {
		if height, err := w.Explorer.LatestHeight(ctx); err == nil {
			w.Logger.Info("sync", zap.Int64("height", height), zap.Int("pending", len(orders)))
		} else {
			return err
		}
	}
	for _, order := range orders {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := w.scanOrder(ctx, order); err != nil {
			w.Logger.Warn("scan order failed", zap.String("order_id", order.OrderID), zap.Error(err))
		}
	}
	metrics.PollRunsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (w *Worker) scanOrder(ctx context.Context, order *models.OrderPaymentRecord) error {
	maxPages := w.MaxPages
	if maxPages <= 0 {
		maxPages = 1
	}
	for page := 0; page < maxPages; page++ {
		res, err := w.Explorer.AddressTxs(ctx, order.ReceivingAddress, page)
		if err != nil {
			return err
		}
		for _, tx := range res.Txs {
			p, ok := payments.ExtractPayment(tx, order.ReceivingAddress)
			if !ok {
				continue
			}
			w.deliver(ctx, order, p)
		}
		if page+1 >= res.PagesTotal {
			break
		}
	}
	return nil
}

func (w *Worker) deliver(ctx context.Context, order *models.OrderPaymentRecord, p payments.Payment) {
	ack, err := w.Ingress.Receive(ctx, ingress.Notification{
		OrderID:       order.OrderID,
		SecretKey:     order.SecretKey,
		Origin:        w.Ingress.Origin(),
		TxHash:        p.TxHash,
		Value:         strconv.FormatInt(p.Amount.Subunits(), 10),
		Confirmations: strconv.FormatInt(p.Confirmations, 10),
		Address:       p.Address,
		SourceAddress: p.Sender,
	})
	switch {
	case err == nil:
		w.Logger.Debug("payment applied", zap.String("order_id", order.OrderID), zap.String("tx_hash", p.TxHash))
	case errors.Is(err, engine.ErrUnderConfirmed):
	default:
		w.Logger.Warn("apply payment failed",
			zap.String("order_id", order.OrderID),
			zap.String("tx_hash", p.TxHash),
			zap.String("ack", string(ack)),
			zap.Error(err),
		)
	}
}
