// Package marketdata queries an external market-data aggregator for a
// token's earliest known trading pool. The lookup is best-effort: the
// launch locator treats any failure here as "no data" and falls back to
// on-chain detection.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-errors/errors"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	MaxRetries            = 3
	DefaultRequestTimeout = 10 * time.Second
)

// ErrNoPools means the aggregator knows the token but has no pool data.
var ErrNoPools = errors.New("no pools known for token")

type PoolLookup interface {
	// EarliestPoolCreation returns the creation time of the token's
	// oldest known trading pool.
	EarliestPoolCreation(ctx context.Context, token common.Address) (time.Time, error)
}

type Config struct {
	BaseURL string
	APIKey  string
}

type client struct {
	log        *slog.Logger
	httpClient *retryablehttp.Client
	cfg        Config
}

var _ PoolLookup = &client{}

func New(log *slog.Logger, cfg Config) *client { // revive:disable-line:unexported-return
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = MaxRetries
	httpClient.Logger = log
	httpClient.CheckRetry = retryablehttp.DefaultRetryPolicy
	httpClient.Backoff = retryablehttp.LinearJitterBackoff
	httpClient.HTTPClient.Timeout = DefaultRequestTimeout
	return &client{
		log:        log.With("module", "marketdata"),
		httpClient: httpClient,
		cfg:        cfg,
	}
}

type tokenResponse struct {
	Pools []struct {
		CreatedAt time.Time `json:"createdAt"`
	} `json:"pools"`
}

func (c *client) EarliestPoolCreation(ctx context.Context, token common.Address) (time.Time, error) {
	url := fmt.Sprintf("%s/tokens/%s", c.cfg.BaseURL, strings.ToLower(token.Hex()))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return time.Time{}, errors.Errorf("failed to build request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("x-api-key", c.cfg.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return time.Time{}, errors.Errorf("failed to query aggregator: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return time.Time{}, errors.Errorf("aggregator returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return time.Time{}, errors.Errorf("failed to decode aggregator response: %w", err)
	}
	if len(payload.Pools) == 0 {
		return time.Time{}, ErrNoPools
	}

	earliest := payload.Pools[0].CreatedAt
	for _, pool := range payload.Pools[1:] {
		if !pool.CreatedAt.IsZero() && pool.CreatedAt.Before(earliest) {
			earliest = pool.CreatedAt
		}
	}
	if earliest.IsZero() {
		return time.Time{}, ErrNoPools
	}
	c.log.Debug("Earliest pool creation", "token", token.Hex(), "createdAt", earliest)
	return earliest, nil
}
