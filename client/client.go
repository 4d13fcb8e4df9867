package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/zeebo/xxh3"

	"github.com/totegamma/relaykit"
)

const (
	defaultQueryTimeout = 5 * time.Second
	queryCacheTTL       = 30 * time.Second
)

// Client is the HTTP relay transport. Send and Query honor the caller's
// context deadline; queries without one are bounded by a default so the
// sync engine's network phase can never hang on a dead relay.
type Client struct {
	client    *http.Client
	cache     *cache.Cache
	userAgent string
}

func New() *Client {
	httpClient := &http.Client{}

	c := &Client{
		client:    httpClient,
		cache:     cache.New(queryCacheTTL, time.Minute),
		userAgent: "relaykit",
	}
	httpClient.Transport = c
	return c
}

func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", c.userAgent)
	return http.DefaultTransport.RoundTrip(req)
}

// Send publishes one event to one relay endpoint.
func (c *Client) Send(ctx context.Context, endpoint string, ev relaykit.Event) error {

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize event: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/events", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to perform request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated &&
		resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	return nil
}

// Query fans the filter across all endpoints in parallel and returns
// the concatenated, id-deduplicated batches. Endpoints that fail are
// tolerated; an error is returned only when every endpoint failed.
func (c *Client) Query(ctx context.Context, endpoints []string, filter relaykit.Filter) ([]relaykit.Event, error) {

	if len(endpoints) == 0 {
		return nil, nil
	}

	cacheKey := queryCacheKey(endpoints, filter)
	if x, found := c.cache.Get(cacheKey); found {
		return x.([]relaykit.Event), nil
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultQueryTimeout)
		defer cancel()
	}

	var (
		mu      sync.Mutex
		merged  []relaykit.Event
		seen    = make(map[string]bool)
		lastErr error
		ok      bool
		wg      sync.WaitGroup
	)

	for _, endpoint := range endpoints {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()

			events, err := c.queryOne(ctx, endpoint, filter)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				lastErr = err
				slog.Debug(
					"relay query failed",
					slog.String("endpoint", endpoint),
					slog.String("error", err.Error()),
					slog.String("module", "client"),
				)
				return
			}
			ok = true
			for _, ev := range events {
				if ev.ID == "" || seen[ev.ID] {
					continue
				}
				seen[ev.ID] = true
				merged = append(merged, ev)
			}
		}(endpoint)
	}
	wg.Wait()

	if !ok {
		return nil, fmt.Errorf("all relay queries failed: %v", lastErr)
	}

	c.cache.Set(cacheKey, merged, cache.DefaultExpiration)

	return merged, nil
}

func (c *Client) queryOne(ctx context.Context, endpoint string, filter relaykit.Filter) ([]relaykit.Event, error) {

	body, err := json.Marshal(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize filter: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to perform request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var events []relaykit.Event
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("failed to decode response: %v", err)
	}

	return events, nil
}

func queryCacheKey(endpoints []string, filter relaykit.Filter) string {
	serialized, _ := json.Marshal(struct {
		Endpoints []string        `json:"endpoints"`
		Filter    relaykit.Filter `json:"filter"`
	}{endpoints, filter})
	return "query:" + strconv.FormatUint(xxh3.Hash(serialized), 16)
}
