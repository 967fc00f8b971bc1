package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"CMMPayWatch/internal/config"

	"github.com/shopspring/decimal"
)

const (
	defaultCoinID         = "commercium"
	defaultCoinPaprikaID  = "cmm-commercium"
	defaultCoinGeckoURL   = "https://api.coingecko.com/api/v3"
	defaultCoinPaprikaURL = "https://api.coinpaprika.com/v1"
)

var ErrUnsupportedFiat = errors.New("fiat currency not quoted by source")

// Fixed serves rates from a static table.
type Fixed struct {
	Rates map[string]decimal.Decimal
}

func (f Fixed) Name() string { return "fixed" }

func (f Fixed) Rate(ctx context.Context, fiat string) (decimal.Decimal, error) {
	r, ok := f.Rates[strings.ToUpper(fiat)]
	if !ok {
		return decimal.Zero, ErrUnsupportedFiat
	}
	return r, nil
}

type CoinGecko struct {
	BaseURL string
	CoinID  string
	Client  *http.Client
}

func (c CoinGecko) Name() string { return "coingecko" }

func (c CoinGecko) Rate(ctx context.Context, fiat string) (decimal.Decimal, error) {
	coin := orDefault(c.CoinID, defaultCoinID)
	q := url.Values{}
	q.Set("ids", coin)
	q.Set("vs_currencies", strings.ToLower(fiat))
	endpoint := strings.TrimRight(orDefault(c.BaseURL, defaultCoinGeckoURL), "/") + "/simple/price?" + q.Encode()

	var resp map[string]map[string]json.Number
	if err := getJSON(ctx, c.Client, endpoint, &resp); err != nil {
		return decimal.Zero, err
	}
	price, ok := resp[coin][strings.ToLower(fiat)]
	if !ok {
		return decimal.Zero, ErrUnsupportedFiat
	}
	return decimal.NewFromString(price.String())
}

type CoinPaprika struct {
	BaseURL string
	CoinID  string
	Client  *http.Client
}

func (c CoinPaprika) Name() string { return "coinpaprika" }

func (c CoinPaprika) Rate(ctx context.Context, fiat string) (decimal.Decimal, error) {
	fiat = strings.ToUpper(fiat)
	endpoint := fmt.Sprintf("%s/tickers/%s?quotes=%s",
		strings.TrimRight(orDefault(c.BaseURL, defaultCoinPaprikaURL), "/"),
		url.PathEscape(orDefault(c.CoinID, defaultCoinPaprikaID)),
		url.QueryEscape(fiat),
	)

	var resp struct {
		Quotes map[string]struct {
			Price json.Number `json:"price"`
		} `json:"quotes"`
	}
	if err := getJSON(ctx, c.Client, endpoint, &resp); err != nil {
		return decimal.Zero, err
	}
	quote, ok := resp.Quotes[fiat]
	if !ok {
		return decimal.Zero, ErrUnsupportedFiat
	}
	return decimal.NewFromString(quote.Price.String())
}

// SourcesFromConfig builds the ordered source list. Every HTTP source shares
// one client bounded by timeout.
func SourcesFromConfig(cfgs []config.RateSource, timeout time.Duration) ([]Source, error) {
	client := &http.Client{Timeout: timeout}
	out := make([]Source, 0, len(cfgs))
	for i, sc := range cfgs {
		switch strings.ToLower(sc.Kind) {
		case "fixed":
			rates := make(map[string]decimal.Decimal, len(sc.Fixed))
			for fiat, v := range sc.Fixed {
				d, err := decimal.NewFromString(v)
				if err != nil {
					return nil, fmt.Errorf("rates.sources[%d].fixed.%s: %w", i, fiat, err)
				}
				rates[strings.ToUpper(fiat)] = d
			}
			out = append(out, Fixed{Rates: rates})
		case "coingecko":
			out = append(out, CoinGecko{BaseURL: sc.URL, CoinID: sc.CoinID, Client: client})
		case "coinpaprika":
			out = append(out, CoinPaprika{BaseURL: sc.URL, CoinID: sc.CoinID, Client: client})
		default:
			return nil, fmt.Errorf("rates.sources[%d].kind %q is not supported", i, sc.Kind)
		}
	}
	return out, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint string, out any) error {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("rate http status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	return dec.Decode(out)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
