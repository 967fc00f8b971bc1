package pricing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"CMMPayWatch/internal/metrics"
	"CMMPayWatch/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	PolicyFirst   = "getfirst"
	PolicyAverage = "getavg"
)

var ErrRateUnavailable = errors.New("exchange rate unavailable")

// Source is one upstream that can quote fiat per 1 CMM.
type Source interface {
	Name() string
	Rate(ctx context.Context, fiat string) (decimal.Decimal, error)
}

// Provider asks its sources in order according to the policy. It keeps no cache;
// callers decide what staleness they accept from ExchangeRate.FetchedAt.
type Provider struct {
	sources []Source
	policy  string
	logger  *zap.Logger
	now     func() time.Time
}

func NewProvider(policy string, sources []Source, logger *zap.Logger) (*Provider, error) {
	switch policy {
	case "":
		policy = PolicyFirst
	case PolicyFirst, PolicyAverage:
	default:
		return nil, fmt.Errorf("rate policy %q is not supported", policy)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		sources: sources,
		policy:  policy,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (p *Provider) GetRate(ctx context.Context, fiat string) (models.ExchangeRate, error) {
	fiat = strings.ToUpper(strings.TrimSpace(fiat))
	if fiat == "" {
		return models.ExchangeRate{}, fmt.Errorf("%w: fiat currency is empty", ErrRateUnavailable)
	}
	if fiat == models.Currency {
		return models.ExchangeRate{
			Fiat:      fiat,
			Crypto:    models.Currency,
			Rate:      decimal.NewFromInt(1),
			Source:    "native",
			FetchedAt: p.now(),
		}, nil
	}

	var (
		lastErr error
		sum     decimal.Decimal
		used    []string
	)
	for _, src := range p.sources {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		rate, err := src.Rate(ctx, fiat)
		if err == nil && !rate.IsPositive() {
			err = fmt.Errorf("non-positive rate %s", rate)
		}
		if err != nil {
			metrics.RateFetchesTotal.WithLabelValues(src.Name(), "error").Inc()
			p.logger.Warn("rate source failed",
				zap.String("source", src.Name()),
				zap.String("fiat", fiat),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		metrics.RateFetchesTotal.WithLabelValues(src.Name(), "ok").Inc()

		if p.policy == PolicyFirst {
			return models.ExchangeRate{
				Fiat:      fiat,
				Crypto:    models.Currency,
				Rate:      rate,
				Source:    src.Name(),
				FetchedAt: p.now(),
			}, nil
		}
		sum = sum.Add(rate)
		used = append(used, src.Name())
	}

	if len(used) > 0 {
		return models.ExchangeRate{
			Fiat:      fiat,
			Crypto:    models.Currency,
			Rate:      sum.Div(decimal.NewFromInt(int64(len(used)))),
			Source:    strings.Join(used, "+"),
			FetchedAt: p.now(),
		}, nil
	}
	if lastErr == nil {
		lastErr = errors.New("no rate sources configured")
	}
	return models.ExchangeRate{}, fmt.Errorf("%w for %s: %w", ErrRateUnavailable, fiat, lastErr)
}

// ToCrypto converts a fiat total to CMM at rate, rounded to 8 decimals.
func ToCrypto(fiatTotal decimal.Decimal, rate models.ExchangeRate) (models.Amount, error) {
	if !rate.Rate.IsPositive() {
		return 0, fmt.Errorf("%w: non-positive rate", ErrRateUnavailable)
	}
	return models.AmountFromDecimal(fiatTotal.DivRound(rate.Rate, models.SubunitExp))
}
