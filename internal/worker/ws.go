package worker

import (
	"context"
	"sync"
	"time"

	"CMMPayWatch/internal/chain"
	"CMMPayWatch/internal/engine"
	"CMMPayWatch/internal/payments"

	"go.uber.org/zap"
)

// RunWS follows the explorer's live feed and records unconfirmed payments to
// pending orders as sightings. Balances only change through SyncOnce or the
// callback endpoint.
func (w *Worker) RunWS(ctx context.Context) {
	if w.WSEndpoint == "" {
		w.Logger.Info("ws disabled: ws_endpoint is empty")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		client := chain.NewWSClient(w.WSEndpoint)
		if err := client.Connect(ctx); err != nil {
			w.Logger.Warn("ws connect failed", zap.Error(err))
			if !sleepCtx(ctx, 3*time.Second) {
				return
			}
			continue
		}
		w.Logger.Info("ws connected", zap.String("endpoint", w.WSEndpoint))

		w.session(ctx, client)
		client.Close()

		if !sleepCtx(ctx, 2*time.Second) {
			return
		}
	}
}

// session runs one connection until it fails or ctx ends.
func (w *Worker) session(ctx context.Context, client *chain.WSClient) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watch := &watchList{byAddr: map[string]string{}}
	if err := w.subscribePending(ctx, client, watch); err != nil {
		w.Logger.Warn("ws subscribe failed", zap.Error(err))
		return
	}

	go func() {
		interval := w.Interval
		if interval <= 0 {
			interval = time.Minute
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				client.Close()
				return
			case <-ticker.C:
				if err := w.subscribePending(ctx, client, watch); err != nil {
					w.Logger.Warn("ws resubscribe failed", zap.Error(err))
					cancel()
				}
			}
		}
	}()

	for {
		msg, err := client.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.Logger.Warn("ws read failed", zap.Error(err))
			}
			return
		}
		tx, ok, err := chain.ParseWSTx(msg)
		if err != nil {
			w.Logger.Warn("ws parse failed", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		w.HandleLiveTx(ctx, *tx, watch.snapshot())
	}
}

// HandleLiveTx records a sighting for every watched address tx pays.
func (w *Worker) HandleLiveTx(ctx context.Context, tx chain.Tx, watched map[string]string) {
	for orderID, p := range payments.ExtractPayments(tx, watched) {
		ev := engine.Event{
			OrderID:            orderID,
			TxHash:             p.TxHash,
			Amount:             p.Amount,
			Confirmations:      p.Confirmations,
			SourceAddress:      p.Sender,
			DestinationAddress: p.Address,
			Origin:             "ws",
			ObservedAt:         tx.Timestamp,
		}
		if err := w.Sightings.RecordSighting(ctx, ev, "unconfirmed"); err != nil {
			w.Logger.Warn("ws record sighting failed", zap.String("order_id", orderID), zap.Error(err))
			continue
		}
		w.Logger.Info("unconfirmed payment seen",
			zap.String("order_id", orderID),
			zap.String("tx_hash", p.TxHash),
			zap.Stringer("amount", p.Amount),
		)
	}
}

func (w *Worker) subscribePending(ctx context.Context, client *chain.WSClient, watch *watchList) error {
	orders, err := w.Orders.ListPendingOrders(ctx)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if !watch.add(o.ReceivingAddress, o.OrderID) {
			continue
		}
		if err := client.SubscribeAddress(o.ReceivingAddress); err != nil {
			return err
		}
	}
	return nil
}

type watchList struct {
	mu     sync.Mutex
	byAddr map[string]string
}

func (l *watchList) add(addr, orderID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.byAddr[addr]; ok {
		return false
	}
	l.byAddr[addr] = orderID
	return true
}

func (l *watchList) snapshot() map[string]string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]string, len(l.byAddr))
	for k, v := range l.byAddr {
		out[k] = v
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
