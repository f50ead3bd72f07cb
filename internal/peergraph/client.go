package peergraph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openindex/oipd/internal/oip"
)

// ErrMissing is returned when a soul has no envelope (HTTP 404).
var ErrMissing = errors.New("peergraph: soul missing")

const (
	defaultTimeout  = 30 * time.Second
	getRetries      = 2
	putRetries      = 3
	retryBackoff    = 500 * time.Millisecond
	missCacheTTL    = time.Hour
	missCacheSize   = 10000
)

// ClientConfig configures a graph client.
type ClientConfig struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to one peer graph node. The underlying HTTP client is
// replaceable at runtime (Recycle) so pooled response buffers are
// released on the owner's schedule.
type Client struct {
	baseURL string
	timeout time.Duration
	log     zerolog.Logger

	mu   sync.Mutex
	http *http.Client

	misses *MissCache
}

// NewClient creates a graph client for the given base URL.
func NewClient(cfg ClientConfig, log zerolog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL: cfg.BaseURL,
		timeout: timeout,
		log:     log.With().Str("component", "peergraph").Str("peer", cfg.BaseURL).Logger(),
		http:    &http.Client{Timeout: timeout},
		misses:  NewMissCache(missCacheTTL, missCacheSize),
	}
}

// BaseURL returns the peer's base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Recycle closes idle pooled connections and replaces the HTTP client,
// dropping any response buffers the transport accumulated.
func (c *Client) Recycle() {
	c.mu.Lock()
	old := c.http
	c.http = &http.Client{Timeout: c.timeout}
	c.mu.Unlock()
	old.CloseIdleConnections()
}

// SweepMisses drops expired 404-cache entries. Called by the owner's
// janitor task.
func (c *Client) SweepMisses() int { return c.misses.Sweep() }

func (c *Client) client() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.http
}

// Get fetches the envelope stored under soul. A 404 is cached for an
// hour and reported as ErrMissing without retries; other failures are
// retried twice with a short backoff.
func (c *Client) Get(ctx context.Context, soul string) (*Envelope, error) {
	if c.misses.IsMissing(soul) {
		return nil, ErrMissing
	}

	var lastErr error
	for attempt := 0; attempt <= getRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff):
			}
		}
		env, err := c.getOnce(ctx, soul)
		if err == nil {
			return env, nil
		}
		// The status decision is made before any cleanup, so a 404
		// reaches this branch exactly once and is never retried.
		if errors.Is(err, ErrMissing) {
			c.misses.Mark(soul)
			return nil, ErrMissing
		}
		lastErr = err
	}
	return nil, oip.E(oip.KindTransientIO, "peergraph.Get", lastErr)
}

func (c *Client) getOnce(ctx context.Context, soul string) (*Envelope, error) {
	u := fmt.Sprintf("%s/get?soul=%s", c.baseURL, url.QueryEscape(soul))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, err
	}
	// Decide on the status code first; the body is drained and closed
	// afterwards regardless of outcome.
	status := resp.StatusCode
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()

	if status == http.StatusNotFound {
		return nil, ErrMissing
	}
	if readErr != nil {
		return nil, readErr
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("peergraph: get %s: status %d", soul, status)
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("peergraph: get %s: %w", soul, err)
	}
	return &env, nil
}

type putRequest struct {
	Soul string    `json:"soul"`
	Data *Envelope `json:"data"`
}

type putResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Put stores env under soul. A nil env is a tombstone. Network errors
// are retried up to three times.
func (c *Client) Put(ctx context.Context, soul string, env *Envelope) error {
	payload, err := json.Marshal(putRequest{Soul: soul, Data: env})
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt <= putRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff):
			}
		}
		if err := c.putOnce(ctx, payload); err != nil {
			lastErr = err
			continue
		}
		if env != nil {
			c.misses.Forget(soul)
		} else {
			c.misses.Mark(soul)
		}
		return nil
	}
	return oip.E(oip.KindTransientIO, "peergraph.Put", lastErr)
}

func (c *Client) putOnce(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/put", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client().Do(req)
	if err != nil {
		return err
	}
	status := resp.StatusCode
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return readErr
	}
	if status != http.StatusOK {
		return fmt.Errorf("peergraph: put: status %d", status)
	}
	var pr putResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return fmt.Errorf("peergraph: put: %w", err)
	}
	if !pr.Success {
		return fmt.Errorf("peergraph: put rejected: %s", pr.Error)
	}
	return nil
}

// Delete writes a tombstone under soul.
func (c *Client) Delete(ctx context.Context, soul string) error {
	return c.Put(ctx, soul, nil)
}

// Registry reads the peer's discovery registry.
func (c *Client) Registry(ctx context.Context) (Registry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/registry", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, oip.E(oip.KindTransientIO, "peergraph.Registry", err)
	}
	status := resp.StatusCode
	body, readErr := io.ReadAll(resp.Body)
	resp.Body.Close()
	if readErr != nil {
		return nil, oip.E(oip.KindTransientIO, "peergraph.Registry", readErr)
	}
	if status != http.StatusOK {
		return nil, oip.E(oip.KindTransientIO, "peergraph.Registry",
			fmt.Sprintf("status %d", status))
	}
	var reg Registry
	if err := json.Unmarshal(body, &reg); err != nil {
		return nil, fmt.Errorf("peergraph: registry: %w", err)
	}
	return reg, nil
}

// List reads a registry map stored under an arbitrary soul. The shared
// soul oip:registry holds the node's own advertisements.
func (c *Client) List(ctx context.Context, registrySoul string) (Registry, error) {
	env, err := c.Get(ctx, registrySoul)
	if err != nil {
		return nil, err
	}
	if env.Meta == nil {
		return Registry{}, nil
	}
	raw, err := json.Marshal(env.Meta)
	if err != nil {
		return nil, err
	}
	var reg Registry
	if err := json.Unmarshal(raw, &reg); err != nil {
		return nil, fmt.Errorf("peergraph: list %s: %w", registrySoul, err)
	}
	return reg, nil
}
