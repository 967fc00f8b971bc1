package chain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"CMMPayWatch/internal/models"

	"github.com/gorilla/websocket"
)

// WSClient follows unconfirmed transactions for a set of addresses over the
// explorer's websocket feed.
type WSClient struct {
	Endpoint string
	Conn     *websocket.Conn
}

func NewWSClient(endpoint string) *WSClient {
	return &WSClient{Endpoint: endpoint}
}

func (c *WSClient) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.Endpoint, nil)
	if err != nil {
		return err
	}
	c.Conn = conn
	return nil
}

func (c *WSClient) Close() {
	if c.Conn != nil {
		_ = c.Conn.Close()
	}
}

// SubscribeAddress asks the feed to push transactions paying address.
func (c *WSClient) SubscribeAddress(address string) error {
	if c.Conn == nil {
		return errors.New("websocket not connected")
	}
	return c.Conn.WriteJSON(map[string]string{
		"op":   "addr_sub",
		"addr": address,
	})
}

func (c *WSClient) Read(ctx context.Context) ([]byte, error) {
	if c.Conn == nil {
		return nil, errors.New("websocket not connected")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.Conn.SetReadDeadline(deadline)
	}
	_, msg, err := c.Conn.ReadMessage()
	return msg, err
}

// ParseWSTx decodes a "utx" message. Values on this feed are integer
// subunits. Messages of any other op are skipped with ok=false.
func ParseWSTx(msg []byte) (*Tx, bool, error) {
	var env struct {
		Op string `json:"op"`
		X  struct {
			Hash   string `json:"hash"`
			Time   int64  `json:"time"`
			Inputs []struct {
				PrevOut struct {
					Addr string `json:"addr"`
				} `json:"prev_out"`
			} `json:"inputs"`
			Out []struct {
				Addr  string `json:"addr"`
				Value int64  `json:"value"`
			} `json:"out"`
		} `json:"x"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return nil, false, err
	}
	if env.Op != "utx" {
		return nil, false, nil
	}
	hash := strings.TrimSpace(env.X.Hash)
	if hash == "" {
		return nil, false, errors.New("utx message without hash")
	}

	ts := time.Now().UTC()
	if env.X.Time > 0 {
		ts = time.Unix(env.X.Time, 0).UTC()
	}
	tx := &Tx{Hash: hash, Timestamp: ts}
	for _, in := range env.X.Inputs {
		if in.PrevOut.Addr != "" {
			tx.Inputs = append(tx.Inputs, in.PrevOut.Addr)
		}
	}
	for _, o := range env.X.Out {
		if o.Value < 0 {
			return nil, false, models.ErrNegativeAmount
		}
		tx.Outputs = append(tx.Outputs, Output{Address: o.Addr, Amount: models.Amount(o.Value)})
	}
	return tx, true, nil
}
