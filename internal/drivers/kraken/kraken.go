// Package kraken resolves CoinGecko coins to Kraken trading pairs using the
// Kraken public AssetPairs endpoint and CoinGecko's per-coin tickers.
package kraken

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/coinmap/configs"
	"github.com/navid-fn/coinmap/internal/drivers/coingecko"
	"github.com/navid-fn/coinmap/internal/models"
	"github.com/navid-fn/coinmap/pkg/faulttolerance"
)

const (
	BaseURL        = "https://api.kraken.com/0/public"
	ExchangeName   = "kraken"
	RequestTimeout = 30 * time.Second
)

// fiat quotes for which Kraken also lists Z{quote}X{base} keys.
var fiatQuotes = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "JPY": true,
	"CAD": true, "CHF": true, "AUD": true,
}

// AssetPair is one entry of the AssetPairs result.
type AssetPair struct {
	AltName  string      `json:"altname"`
	WSName   string      `json:"wsname"`
	Base     string      `json:"base"`
	Quote    string      `json:"quote"`
	OrderMin string      `json:"ordermin"`
	Status   string      `json:"status"`
	Fees     [][]float64 `json:"fees"`
}

type assetPairsResponse struct {
	Error  []string             `json:"error"`
	Result map[string]AssetPair `json:"result"`
}

// TickerSource lists the exchange markets of a coin.
type TickerSource interface {
	CoinTickers(ctx context.Context, coinID string) ([]coingecko.Ticker, error)
}

// Mapper implements the per-coin lookup of the mapping build.
type Mapper struct {
	baseURL    string
	exchange   string
	httpClient *http.Client
	retryer    *faulttolerance.Retryer
	tickers    TickerSource
	logger     logrus.FieldLogger

	mu    sync.RWMutex
	pairs map[string]AssetPair
	byAlt map[string]string
}

type Option func(*Mapper)

func WithHTTPClient(hc *http.Client) Option {
	return func(m *Mapper) { m.httpClient = hc }
}

func WithRetryConfig(cfg faulttolerance.RetryConfig) Option {
	return func(m *Mapper) { m.retryer = faulttolerance.NewRetryer(cfg, m.logger) }
}

// NewMapper creates a mapper that selects tickers whose market identifier is
// exchange, case-insensitively.
func NewMapper(cfg configs.KrakenConfig, exchange string, tickers TickerSource, logger logrus.FieldLogger, opts ...Option) *Mapper {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = RequestTimeout
	}
	if exchange == "" {
		exchange = ExchangeName
	}

	log := logger.WithField("driver", "kraken")
	m := &Mapper{
		baseURL:    strings.TrimRight(baseURL, "/"),
		exchange:   strings.ToLower(exchange),
		httpClient: &http.Client{Timeout: timeout},
		retryer:    faulttolerance.NewRetryer(faulttolerance.DefaultRetryConfig("kraken"), log),
		tickers:    tickers,
		logger:     log,
		pairs:      map[string]AssetPair{},
		byAlt:      map[string]string{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadPairs fetches the tradeable pair list. A non-empty API error array is
// a failure.
func (m *Mapper) LoadPairs(ctx context.Context) error {
	var resp assetPairsResponse
	err := m.retryer.Execute(ctx, func() error {
		resp = assetPairsResponse{}
		return m.get(ctx, "/AssetPairs", &resp)
	})
	if err != nil {
		return fmt.Errorf("load kraken asset pairs: %w", err)
	}
	if len(resp.Error) > 0 {
		return fmt.Errorf("load kraken asset pairs: %w: %s", models.ErrTransport, strings.Join(resp.Error, "; "))
	}

	byAlt := make(map[string]string, len(resp.Result))
	for key, pair := range resp.Result {
		if pair.AltName == "" {
			continue
		}
		if existing, ok := byAlt[pair.AltName]; !ok || key < existing {
			byAlt[pair.AltName] = key
		}
	}

	m.mu.Lock()
	m.pairs = resp.Result
	m.byAlt = byAlt
	m.mu.Unlock()

	m.logger.WithField("pairs", len(resp.Result)).Info("Loaded Kraken asset pairs")
	return nil
}

// Pairs returns the number of loaded pairs.
func (m *Mapper) Pairs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pairs)
}

// FindPairName returns the official Kraken pair key for base/target, or ""
// when none of the known naming schemes match.
func (m *Mapper) FindPairName(base, target string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.pairs) == 0 {
		return ""
	}

	upperBase, upperTarget := strings.ToUpper(base), strings.ToUpper(target)
	candidates := []string{
		base + target,
		upperBase + upperTarget,
		"X" + base + "Z" + target,
		"X" + upperBase + "Z" + upperTarget,
		base + target + ".d",
	}
	if fiatQuotes[upperTarget] {
		candidates = append(candidates,
			"Z"+target+"X"+base,
			"Z"+upperTarget+"X"+upperBase,
		)
	}

	for _, name := range candidates {
		if _, ok := m.pairs[name]; ok {
			return name
		}
	}
	if key, ok := m.byAlt[base+target]; ok {
		return key
	}
	if key, ok := m.byAlt[upperBase+upperTarget]; ok {
		return key
	}
	return ""
}

// Lookup resolves coin to the first ticker listed on the target exchange.
// Coins without such a ticker yield models.ErrNotFound.
func (m *Mapper) Lookup(ctx context.Context, coin models.Coin) (*models.MappingEntry, error) {
	tickers, err := m.tickers.CoinTickers(ctx, coin.ID)
	if err != nil {
		return nil, err
	}

	for _, ticker := range tickers {
		if !strings.EqualFold(ticker.Market.Identifier, m.exchange) {
			continue
		}
		if ticker.Base == "" || ticker.Target == "" {
			continue
		}
		return m.entry(ticker), nil
	}
	return nil, fmt.Errorf("coin %s on %s: %w", coin.ID, m.exchange, models.ErrNotFound)
}

func (m *Mapper) entry(ticker coingecko.Ticker) *models.MappingEntry {
	symbol := ticker.Base + ticker.Target
	entry := &models.MappingEntry{
		ExchangeName:   m.exchange,
		Symbol:         symbol,
		PairName:       symbol,
		BaseCurrency:   ticker.Base,
		TargetCurrency: ticker.Target,
		TradeURL:       ticker.TradeURL,
		IsActive:       true,
	}

	name := m.FindPairName(ticker.Base, ticker.Target)
	if name == "" {
		return entry
	}
	entry.PairName = name

	m.mu.RLock()
	pair := m.pairs[name]
	m.mu.RUnlock()

	entry.AltName = pair.AltName
	if pair.Status != "" {
		entry.IsActive = pair.Status == "online"
	}
	if minOrder, err := strconv.ParseFloat(pair.OrderMin, 64); err == nil {
		entry.MinOrderSize = minOrder
	}
	if len(pair.Fees) > 0 && len(pair.Fees[0]) == 2 {
		entry.FeePercent = pair.Fees[0][1]
	}
	return entry
}

func (m *Mapper) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %w", models.ErrTransport, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: GET %s: status %d", models.ErrTransport, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", models.ErrTransport, path, err)
	}
	return nil
}
