package notifier

import (
	"context"
	"errors"

	"CMMPayWatch/internal/metrics"
	"CMMPayWatch/internal/models"

	"go.uber.org/zap"
)

// Notifier is told once per order that the order has been paid in full.
type Notifier interface {
	NotifyCompleted(ctx context.Context, c models.Completion) error
}

// Log records completions in the service log.
type Log struct {
	Logger *zap.Logger
}

func (l Log) NotifyCompleted(ctx context.Context, c models.Completion) error {
	l.Logger.Info("order paid in full",
		zap.String("order_id", c.OrderID),
		zap.String("address", c.ReceivingAddress),
		zap.Stringer("paid_total", c.PaidTotal),
		zap.Stringer("required_total", c.RequiredTotal),
	)
	return nil
}

type sink struct {
	name string
	n    Notifier
}

// Multi fans a completion out to every sink. One failing sink does not stop
// the others; all failures are joined into the returned error.
type Multi struct {
	sinks  []sink
	logger *zap.Logger
}

func NewMulti(logger *zap.Logger) *Multi {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Multi{logger: logger}
}

func (m *Multi) Add(name string, n Notifier) *Multi {
	m.sinks = append(m.sinks, sink{name: name, n: n})
	return m
}

func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) NotifyCompleted(ctx context.Context, c models.Completion) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.n.NotifyCompleted(ctx, c); err != nil {
			metrics.NotifyFailuresTotal.WithLabelValues(s.name).Inc()
			m.logger.Error("completion notify failed",
				zap.String("sink", s.name),
				zap.String("order_id", c.OrderID),
				zap.Error(err),
			)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
