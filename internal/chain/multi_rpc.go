package chain

import (
	"context"
	"errors"
	"strings"
	"sync"

	"CMMPayWatch/internal/metrics"
)

var ErrNoEndpoints = errors.New("explorer endpoints is empty")

// MultiRPCClient spreads explorer calls over several endpoints. Every call
// starts at the preferred endpoint and falls through the others on error.
// The preferred endpoint is demoted once it fails failThreshold calls in a row.
type MultiRPCClient struct {
	clients       []*RPCClient
	failThreshold int

	mu        sync.Mutex
	preferred int
	strikes   int
}

func NewMultiRPCClient(endpoints []string, failThreshold int) (*MultiRPCClient, error) {
	list := sanitizeEndpoints(endpoints)
	if len(list) == 0 {
		return nil, ErrNoEndpoints
	}
	if failThreshold <= 0 {
		failThreshold = 3
	}
	clients := make([]*RPCClient, 0, len(list))
	for _, ep := range list {
		clients = append(clients, NewRPCClient(ep))
	}
	return &MultiRPCClient{clients: clients, failThreshold: failThreshold}, nil
}

// BaseURL is the preferred endpoint.
func (m *MultiRPCClient) BaseURL() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clients[m.preferred].baseURL
}

func (m *MultiRPCClient) LatestHeight(ctx context.Context) (int64, error) {
	return withFailover(ctx, m, func(c *RPCClient) (int64, error) {
		return c.LatestHeight(ctx)
	})
}

func (m *MultiRPCClient) AddressTxs(ctx context.Context, address string, page int) (*TxPage, error) {
	return withFailover(ctx, m, func(c *RPCClient) (*TxPage, error) {
		return c.AddressTxs(ctx, address, page)
	})
}

func withFailover[T any](ctx context.Context, m *MultiRPCClient, call func(*RPCClient) (T, error)) (T, error) {
	var zero T
	var errs []error
	start := m.preferredIndex()
	for i := 0; i < len(m.clients); i++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		idx := (start + i) % len(m.clients)
		out, err := call(m.clients[idx])
		if err == nil {
			m.succeeded(idx)
			return out, nil
		}
		errs = append(errs, err)
		m.failed(idx)
	}
	return zero, errors.Join(errs...)
}

func (m *MultiRPCClient) preferredIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preferred
}

func (m *MultiRPCClient) succeeded(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx == m.preferred {
		m.strikes = 0
	}
}

func (m *MultiRPCClient) failed(idx int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx != m.preferred {
		return
	}
	m.strikes++
	if m.strikes < m.failThreshold || len(m.clients) == 1 {
		return
	}
	m.preferred = (m.preferred + 1) % len(m.clients)
	m.strikes = 0
	metrics.ExplorerFailoversTotal.Inc()
}

func sanitizeEndpoints(endpoints []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		ep = strings.TrimRight(strings.TrimSpace(ep), "/")
		if ep == "" {
			continue
		}
		if _, ok := seen[ep]; ok {
			continue
		}
		seen[ep] = struct{}{}
		out = append(out, ep)
	}
	return out
}
