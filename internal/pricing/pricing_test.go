package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"CMMPayWatch/internal/config"
	"CMMPayWatch/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	name  string
	rate  decimal.Decimal
	err   error
	calls int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Rate(ctx context.Context, fiat string) (decimal.Decimal, error) {
	s.calls++
	return s.rate, s.err
}

func TestGetRateFirstPolicyFallsBack(t *testing.T) {
	down := &stubSource{name: "down", err: errors.New("timeout")}
	zero := &stubSource{name: "zero", rate: decimal.Zero}
	good := &stubSource{name: "good", rate: decimal.RequireFromString("0.05")}
	later := &stubSource{name: "later", rate: decimal.RequireFromString("9")}

	p, err := NewProvider("", []Source{down, zero, good, later}, nil)
	require.NoError(t, err)

	rate, err := p.GetRate(context.Background(), "usd")
	require.NoError(t, err)
	assert.Equal(t, "good", rate.Source)
	assert.Equal(t, "USD", rate.Fiat)
	assert.Equal(t, models.Currency, rate.Crypto)
	assert.True(t, rate.Rate.Equal(decimal.RequireFromString("0.05")))
	assert.False(t, rate.FetchedAt.IsZero())
	assert.Equal(t, 0, later.calls)
}

func TestGetRateAveragePolicy(t *testing.T) {
	a := &stubSource{name: "a", rate: decimal.RequireFromString("0.04")}
	b := &stubSource{name: "b", err: errors.New("nope")}
	c := &stubSource{name: "c", rate: decimal.RequireFromString("0.06")}

	p, err := NewProvider(PolicyAverage, []Source{a, b, c}, nil)
	require.NoError(t, err)

	rate, err := p.GetRate(context.Background(), "EUR")
	require.NoError(t, err)
	assert.Equal(t, "a+c", rate.Source)
	assert.True(t, rate.Rate.Equal(decimal.RequireFromString("0.05")))
}

func TestGetRateNativeShortCircuit(t *testing.T) {
	src := &stubSource{name: "never"}
	p, err := NewProvider(PolicyFirst, []Source{src}, nil)
	require.NoError(t, err)

	rate, err := p.GetRate(context.Background(), "cmm")
	require.NoError(t, err)
	assert.True(t, rate.Rate.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, 0, src.calls)
}

func TestGetRateUnavailable(t *testing.T) {
	p, err := NewProvider(PolicyFirst, []Source{&stubSource{name: "x", err: errors.New("blocked")}}, nil)
	require.NoError(t, err)
	_, err = p.GetRate(context.Background(), "USD")
	assert.ErrorIs(t, err, ErrRateUnavailable)
	assert.Contains(t, err.Error(), "blocked")

	empty, err := NewProvider(PolicyFirst, nil, nil)
	require.NoError(t, err)
	_, err = empty.GetRate(context.Background(), "USD")
	assert.ErrorIs(t, err, ErrRateUnavailable)

	_, err = NewProvider("getmedian", nil, nil)
	assert.Error(t, err)
}

func TestToCrypto(t *testing.T) {
	rate := models.ExchangeRate{Rate: decimal.RequireFromString("3")}
	amt, err := ToCrypto(decimal.RequireFromString("10"), rate)
	require.NoError(t, err)
	assert.Equal(t, "3.33333333", amt.String())

	rate.Rate = decimal.RequireFromString("0.5")
	amt, err = ToCrypto(decimal.RequireFromString("5"), rate)
	require.NoError(t, err)
	assert.Equal(t, models.Amount(1_000_000_000), amt)

	_, err = ToCrypto(decimal.NewFromInt(1), models.ExchangeRate{})
	assert.ErrorIs(t, err, ErrRateUnavailable)
}

func TestCoinGeckoAndPaprika(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/simple/price":
			assert.Equal(t, "commercium", r.URL.Query().Get("ids"))
			switch r.URL.Query().Get("vs_currencies") {
			case "usd":
				_, _ = w.Write([]byte(`{"commercium":{"usd":0.01234567}}`))
			case "jpy":
				_, _ = w.Write([]byte(`{"commercium":{}}`))
			default:
				t.Errorf("unexpected vs_currencies %q", r.URL.Query().Get("vs_currencies"))
				http.NotFound(w, r)
			}
		case "/tickers/cmm-commercium":
			_, _ = w.Write([]byte(`{"quotes":{"USD":{"price":0.0125}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	gecko := CoinGecko{BaseURL: srv.URL, Client: srv.Client()}
	r, err := gecko.Rate(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, "0.01234567", r.String())

	_, err = gecko.Rate(context.Background(), "JPY")
	assert.ErrorIs(t, err, ErrUnsupportedFiat)

	paprika := CoinPaprika{BaseURL: srv.URL, Client: srv.Client()}
	r, err = paprika.Rate(context.Background(), "usd")
	require.NoError(t, err)
	assert.Equal(t, "0.0125", r.String())
}

func TestSourcesFromConfig(t *testing.T) {
	srcs, err := SourcesFromConfig([]config.RateSource{
		{Kind: "coingecko"},
		{Kind: "fixed", Fixed: map[string]string{"usd": "0.05"}},
	}, time.Second)
	require.NoError(t, err)
	require.Len(t, srcs, 2)
	assert.Equal(t, "coingecko", srcs[0].Name())

	r, err := srcs[1].Rate(context.Background(), "USD")
	require.NoError(t, err)
	assert.Equal(t, "0.05", r.String())

	_, err = SourcesFromConfig([]config.RateSource{{Kind: "fixed", Fixed: map[string]string{"usd": "abc"}}}, time.Second)
	assert.Error(t, err)
	_, err = SourcesFromConfig([]config.RateSource{{Kind: "oracle"}}, time.Second)
	assert.Error(t, err)
}
