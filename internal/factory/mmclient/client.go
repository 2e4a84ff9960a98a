package mmclient

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/flowchartsman/retry"
	"github.com/jellydator/ttlcache/v3"
)

const (
	healthCacheKey = "health"
	healthCacheTTL = 10 * time.Second
)

// Client probes the matchmaker. The factory only needs a liveness answer
// for its own health rollup, so results are cached briefly to keep /health
// cheap.
type Client struct {
	baseURL string
	client  *http.Client
	cache   *ttlcache.Cache[string, bool]
}

func New(baseURL string, timeout time.Duration) *Client {
	cache := ttlcache.New(ttlcache.WithTTL[string, bool](healthCacheTTL))
	go cache.Start()

	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		cache:   cache,
	}
}

// Healthy reports whether the matchmaker answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	if item := c.cache.Get(healthCacheKey); item != nil {
		return item.Value()
	}

	retrier := retry.NewRetrier(3, 100*time.Millisecond, time.Second)

	err := retrier.RunContext(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
		if err != nil {
			return retry.Stop(err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("matchmaker health returned %d", resp.StatusCode)
		}

		return nil
	})

	healthy := err == nil
	c.cache.Set(healthCacheKey, healthy, ttlcache.DefaultTTL)

	return healthy
}

// Close stops the cache's expiry loop.
func (c *Client) Close() {
	c.cache.Stop()
}
