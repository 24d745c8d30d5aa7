// Package coingecko is a rate limited client for the CoinGecko v3 API. It
// provides the candidate coin list and per-coin exchange tickers.
package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/navid-fn/coinmap/configs"
	"github.com/navid-fn/coinmap/internal/models"
	"github.com/navid-fn/coinmap/pkg/faulttolerance"
)

const (
	BaseURL           = "https://api.coingecko.com/api/v3"
	RequestTimeout    = 30 * time.Second
	RequestsPerMinute = 40
	apiKeyHeader      = "x-cg-demo-api-key"
)

var (
	errRateLimited = fmt.Errorf("%w: rate limited", models.ErrTransport)
	errServer      = fmt.Errorf("%w: server error", models.ErrTransport)
	errNetwork     = fmt.Errorf("%w: request failed", models.ErrTransport)
)

// Ticker is one market of a coin as returned by /coins/{id}?tickers=true.
type Ticker struct {
	Base         string  `json:"base"`
	Target       string  `json:"target"`
	Market       Market  `json:"market"`
	Last         float64 `json:"last"`
	Volume       float64 `json:"volume"`
	TrustScore   string  `json:"trust_score"`
	TradeURL     string  `json:"trade_url"`
	IsStale      bool    `json:"is_stale"`
	IsAnomaly    bool    `json:"is_anomaly"`
	LastFetchAt  string  `json:"last_fetch_at"`
	CoinID       string  `json:"coin_id"`
	TargetCoinID string  `json:"target_coin_id"`
}

type Market struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
}

type coinResponse struct {
	ID      string   `json:"id"`
	Symbol  string   `json:"symbol"`
	Tickers []Ticker `json:"tickers"`
}

// Client talks to CoinGecko. Every request waits on a shared limiter and is
// retried on rate limiting, server errors and network failures.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	retryer    *faulttolerance.Retryer
	logger     logrus.FieldLogger
}

type Option func(*Client)

// WithHTTPClient replaces the default client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryConfig overrides the retry policy. IsRetryable is always set by
// the client.
func WithRetryConfig(cfg faulttolerance.RetryConfig) Option {
	return func(c *Client) { c.retryer = newRetryer(cfg, c.logger) }
}

func NewClient(cfg configs.CoingeckoConfig, logger logrus.FieldLogger, opts ...Option) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = RequestTimeout
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = RequestsPerMinute
	}

	log := logger.WithField("driver", "coingecko")
	retryCfg := faulttolerance.DefaultRetryConfig("coingecko")
	if cfg.RetryAttempts > 0 {
		retryCfg.MaxAttempts = cfg.RetryAttempts
	}

	c := &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		logger:     log,
	}
	c.retryer = newRetryer(retryCfg, log)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func newRetryer(cfg faulttolerance.RetryConfig, logger logrus.FieldLogger) *faulttolerance.Retryer {
	cfg.IsRetryable = faulttolerance.RetryOn(errRateLimited, errServer, errNetwork)
	return faulttolerance.NewRetryer(cfg, logger)
}

// FetchCandidates returns the full coin list in the order CoinGecko serves it.
func (c *Client) FetchCandidates(ctx context.Context) ([]models.Coin, error) {
	var coins []models.Coin
	if err := c.getJSON(ctx, "/coins/list", nil, &coins); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrSourceUnavailable, err)
	}
	if len(coins) == 0 {
		return nil, fmt.Errorf("%w: empty coin list", models.ErrSourceUnavailable)
	}

	c.logger.WithField("coins", len(coins)).Info("Fetched coin list")
	return coins, nil
}

// CoinTickers returns the exchange tickers of coinID. An unknown coin yields
// models.ErrNotFound.
func (c *Client) CoinTickers(ctx context.Context, coinID string) ([]Ticker, error) {
	query := url.Values{
		"localization":   {"false"},
		"tickers":        {"true"},
		"market_data":    {"false"},
		"community_data": {"false"},
		"developer_data": {"false"},
		"sparkline":      {"false"},
	}

	var resp coinResponse
	if err := c.getJSON(ctx, "/coins/"+url.PathEscape(coinID), query, &resp); err != nil {
		return nil, fmt.Errorf("coin %s: %w", coinID, err)
	}
	return resp.Tickers, nil
}

// Ping checks that the API answers.
func (c *Client) Ping(ctx context.Context) error {
	var resp map[string]any
	return c.getJSON(ctx, "/ping", nil, &resp)
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	return c.retryer.Execute(ctx, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.apiKey != "" {
			req.Header.Set(apiKeyHeader, c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: GET %s: %w", errNetwork, path, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("%w: GET %s", errRateLimited, path)
		case resp.StatusCode == http.StatusNotFound:
			return fmt.Errorf("GET %s: %w", path, models.ErrNotFound)
		case resp.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("%w: GET %s: status %d", errServer, path, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("%w: GET %s: status %d", models.ErrTransport, path, resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("%w: decode %s: %w", models.ErrTransport, path, err)
		}
		return nil
	})
}
