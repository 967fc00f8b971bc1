package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"CMMPayWatch/internal/models"
)

// Explorer is the read side of a block explorer used for polling.
type Explorer interface {
	LatestHeight(ctx context.Context) (int64, error)
	AddressTxs(ctx context.Context, address string, page int) (*TxPage, error)
}

// RPCClient talks to an Insight-compatible explorer API.
type RPCClient struct {
	baseURL string
	client  *http.Client
}

func NewRPCClient(baseURL string) *RPCClient {
	return &RPCClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *RPCClient) BaseURL() string {
	return c.baseURL
}

func (c *RPCClient) LatestHeight(ctx context.Context) (int64, error) {
	var resp statusResponse
	if err := c.getJSON(ctx, c.baseURL+"/api/status?q=getInfo", &resp); err != nil {
		return 0, err
	}
	return resp.Info.Blocks, nil
}

// AddressTxs returns one page (0-based) of transactions touching address, newest first.
func (c *RPCClient) AddressTxs(ctx context.Context, address string, page int) (*TxPage, error) {
	if page < 0 {
		page = 0
	}
	u, err := url.Parse(c.baseURL + "/api/txs")
	if err != nil {
		return nil, err
	}
	values := url.Values{}
	values.Set("address", address)
	values.Set("pageNum", strconv.Itoa(page))
	u.RawQuery = values.Encode()

	var resp txsResponse
	if err := c.getJSON(ctx, u.String(), &resp); err != nil {
		return nil, err
	}

	out := &TxPage{PagesTotal: resp.PagesTotal}
	for _, tx := range resp.Txs {
		parsed := Tx{
			Hash:          tx.TxID,
			Confirmations: tx.Confirmations,
			Timestamp:     time.Unix(tx.Time, 0).UTC(),
		}
		for _, in := range tx.Vin {
			if in.Addr != "" {
				parsed.Inputs = append(parsed.Inputs, in.Addr)
			}
		}
		for _, o := range tx.Vout {
			amount, err := models.ParseAmount(o.Value)
			if err != nil {
				return nil, fmt.Errorf("tx %s output value: %w", tx.TxID, err)
			}
			for _, addr := range o.ScriptPubKey.Addresses {
				parsed.Outputs = append(parsed.Outputs, Output{Address: addr, Amount: amount})
			}
		}
		out.Txs = append(out.Txs, parsed)
	}
	return out, nil
}

func (c *RPCClient) getJSON(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(body))
		if msg != "" {
			return fmt.Errorf("explorer http status %d: %s", resp.StatusCode, msg)
		}
		return fmt.Errorf("explorer http status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Explorer response types

type statusResponse struct {
	Info struct {
		Blocks int64 `json:"blocks"`
	} `json:"info"`
}

type txsResponse struct {
	PagesTotal int     `json:"pagesTotal"`
	Txs        []rpcTx `json:"txs"`
}

type rpcTx struct {
	TxID          string `json:"txid"`
	Confirmations int64  `json:"confirmations"`
	Time          int64  `json:"time"`
	Vin           []struct {
		Addr string `json:"addr"`
	} `json:"vin"`
	Vout []struct {
		Value        string `json:"value"`
		ScriptPubKey struct {
			Addresses []string `json:"addresses"`
		} `json:"scriptPubKey"`
	} `json:"vout"`
}

// Parsed types

type TxPage struct {
	PagesTotal int
	Txs        []Tx
}

type Tx struct {
	Hash          string
	Confirmations int64
	Inputs        []string
	Outputs       []Output
	Timestamp     time.Time
}

type Output struct {
	Address string
	Amount  models.Amount
}
