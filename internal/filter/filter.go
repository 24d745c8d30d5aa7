// Package filter narrows the CoinGecko candidate list before a mapping build.
// Filtering keeps the relative order of the coins it retains.
package filter

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/navid-fn/coinmap/configs"
	"github.com/navid-fn/coinmap/internal/models"
)

var stablecoinIndicators = []string{
	"usd", "usdt", "usdc", "dai", "busd", "tusd", "usdn", "fei",
	"frax", "lusd", "susd", "gusd", "paxg", "ustc", "terra",
	"stablecoin", "stable", "dollar", "euro", "eur",
}

// Rule keeps a coin when Keep returns true.
type Rule struct {
	Name        string
	Description string
	Keep        func(models.Coin) bool
}

// Filter applies its rules in order and then truncates to MaxCoins.
type Filter struct {
	rules    []Rule
	maxCoins int
	logger   logrus.FieldLogger
}

// New builds the rule set described by cfg.
func New(cfg configs.FilterConfig, logger logrus.FieldLogger) *Filter {
	f := &Filter{maxCoins: cfg.MaxCoins, logger: logger.WithField("component", "filter")}

	if len(cfg.ExcludedSymbols) > 0 {
		excluded := symbolSet(cfg.ExcludedSymbols)
		f.rules = append(f.rules, Rule{
			Name:        "excluded_symbols",
			Description: "Excluded symbols: " + strings.Join(cfg.ExcludedSymbols, ", "),
			Keep: func(c models.Coin) bool {
				_, found := excluded[strings.ToUpper(c.Symbol)]
				return !found
			},
		})
	}
	if len(cfg.IncludedSymbols) > 0 {
		included := symbolSet(cfg.IncludedSymbols)
		f.rules = append(f.rules, Rule{
			Name:        "included_symbols",
			Description: "Included symbols only: " + strings.Join(cfg.IncludedSymbols, ", "),
			Keep: func(c models.Coin) bool {
				_, found := included[strings.ToUpper(c.Symbol)]
				return found
			},
		})
	}
	if cfg.ExcludeStablecoins {
		f.rules = append(f.rules, Rule{
			Name:        "exclude_stablecoins",
			Description: "Exclude stablecoins",
			Keep:        func(c models.Coin) bool { return !IsStablecoin(c) },
		})
	}
	return f
}

// Rules returns the active rules.
func (f *Filter) Rules() []Rule {
	return f.rules
}

// Apply returns the coins every rule keeps, in their original order.
func (f *Filter) Apply(coins []models.Coin) []models.Coin {
	if len(f.rules) == 0 && (f.maxCoins <= 0 || len(coins) <= f.maxCoins) {
		return coins
	}

	kept := make([]models.Coin, 0, len(coins))
	for _, coin := range coins {
		if f.keep(coin) {
			kept = append(kept, coin)
		}
		if f.maxCoins > 0 && len(kept) == f.maxCoins {
			break
		}
	}

	f.logger.WithFields(logrus.Fields{
		"before": len(coins),
		"after":  len(kept),
		"rules":  len(f.rules),
	}).Info("Filtered candidate list")
	return kept
}

func (f *Filter) keep(coin models.Coin) bool {
	for _, rule := range f.rules {
		if !rule.Keep(coin) {
			return false
		}
	}
	return true
}

// IsStablecoin reports whether the symbol or name carries a stablecoin marker.
func IsStablecoin(c models.Coin) bool {
	symbol, name := strings.ToLower(c.Symbol), strings.ToLower(c.Name)
	for _, indicator := range stablecoinIndicators {
		if strings.Contains(symbol, indicator) || strings.Contains(name, indicator) {
			return true
		}
	}
	return false
}

func symbolSet(symbols []string) map[string]struct{} {
	set := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		set[strings.ToUpper(s)] = struct{}{}
	}
	return set
}
