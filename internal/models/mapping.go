package models

// MappingEntry represents the resolved Kraken pair of a single CoinGecko coin.
// It is stored in the mapping cache file and in the ClickHouse mapping table.
type MappingEntry struct {
	// ExchangeName is the target exchange (e.g., "kraken").
	ExchangeName string `json:"exchange_name"`

	// Symbol is base and target concatenated as CoinGecko reports them (e.g., "BTCUSD").
	Symbol string `json:"symbol"`

	// PairName is the official Kraken pair key (e.g., "XXBTZUSD").
	// Falls back to Symbol when Kraken's pair list has no match.
	PairName string `json:"pair_name"`

	// BaseCurrency is the quoted asset.
	BaseCurrency string `json:"base_currency"`

	// TargetCurrency is the quote asset.
	TargetCurrency string `json:"target_currency"`

	// AltName is Kraken's alternate pair name (e.g., "XBTUSD").
	AltName string `json:"alt_name"`

	// TradeURL links to the market page on the exchange.
	TradeURL string `json:"trade_url"`

	// IsActive reports whether the pair was listed when the entry was built.
	IsActive bool `json:"is_active"`

	// MinOrderSize is Kraken's ordermin for the pair.
	MinOrderSize float64 `json:"min_order_size"`

	// FeePercent is the taker fee in percent, zero when unknown.
	FeePercent float64 `json:"fee_percent"`
}
