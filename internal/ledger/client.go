package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/openindex/oipd/internal/oip"
)

// Tx is one transaction as returned by the gateway's query endpoint.
type Tx struct {
	ID      string            `json:"id"`
	Block   uint64            `json:"block"`
	Pos     int               `json:"pos"`
	Tags    map[string]string `json:"tags"`
	Payload json.RawMessage   `json:"payload"`
}

// SubmitRequest is a transaction handed to the gateway for inclusion.
type SubmitRequest struct {
	Tags    map[string]string `json:"tags"`
	Payload json.RawMessage   `json:"payload"`
}

// Client is the HTTP client against the ledger gateway. The pooled
// transport is replaceable (Recycle) on the reader's 30-minute
// schedule.
type Client struct {
	baseURL string
	timeout time.Duration

	mu   sync.Mutex
	http *http.Client
}

// ClientConfig configures a gateway client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewClient creates a gateway client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		timeout: timeout,
		http:    &http.Client{Timeout: timeout},
	}
}

// Recycle replaces the pooled HTTP client.
func (c *Client) Recycle() {
	c.mu.Lock()
	old := c.http
	c.http = &http.Client{Timeout: c.timeout}
	c.mu.Unlock()
	old.CloseIdleConnections()
}

func (c *Client) client() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.http
}

func (c *Client) getJSON(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return oip.E(oip.KindTransientIO, "ledger.get", err)
	}
	status := resp.StatusCode
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return oip.E(oip.KindTransientIO, "ledger.get", readErr)
	}
	if status != http.StatusOK {
		return oip.E(oip.KindTransientIO, "ledger.get", fmt.Sprintf("status %d", status))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("ledger: decode %s: %w", url, err)
	}
	return nil
}

// Tip returns the current chain height.
func (c *Client) Tip(ctx context.Context) (uint64, error) {
	var info struct {
		Height uint64 `json:"height"`
	}
	if err := c.getJSON(ctx, c.baseURL+"/info", &info); err != nil {
		return 0, err
	}
	return info.Height, nil
}

// Window returns every OIP transaction in blocks [from, to], ordered by
// (block, pos). The order is total and stable across calls.
func (c *Client) Window(ctx context.Context, from, to uint64) ([]Tx, error) {
	var out struct {
		Transactions []Tx `json:"transactions"`
	}
	url := fmt.Sprintf("%s/txs?from=%d&to=%d&index-method=%s", c.baseURL, from, to, IndexMethodOIP)
	if err := c.getJSON(ctx, url, &out); err != nil {
		return nil, err
	}
	return out.Transactions, nil
}

// Submit hands a signed transaction to the gateway and returns the
// assigned transaction id.
func (c *Client) Submit(ctx context.Context, sub *SubmitRequest) (string, error) {
	payload, err := json.Marshal(sub)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client().Do(req)
	if err != nil {
		return "", oip.E(oip.KindTransientIO, "ledger.Submit", err)
	}
	status := resp.StatusCode
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return "", oip.E(oip.KindTransientIO, "ledger.Submit", readErr)
	}
	if status != http.StatusOK {
		return "", oip.E(oip.KindTransientIO, "ledger.Submit", fmt.Sprintf("status %d", status))
	}
	var res struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return "", fmt.Errorf("ledger: submit: %w", err)
	}
	return res.ID, nil
}
