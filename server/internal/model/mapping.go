package model

import (
	"time"

	"github.com/navid-fn/coinmap/internal/models"
)

type Mapping struct {
	CoinID         string    `gorm:"column:coin_id;primaryKey" json:"coin_id"`
	ExchangeName   string    `gorm:"column:exchange_name" json:"exchange_name"`
	Symbol         string    `gorm:"column:symbol" json:"symbol"`
	PairName       string    `gorm:"column:pair_name" json:"pair_name"`
	BaseCurrency   string    `gorm:"column:base_currency" json:"base_currency"`
	TargetCurrency string    `gorm:"column:target_currency" json:"target_currency"`
	AltName        string    `gorm:"column:alt_name" json:"alt_name"`
	TradeURL       string    `gorm:"column:trade_url" json:"trade_url"`
	IsActive       bool      `gorm:"column:is_active" json:"is_active"`
	MinOrderSize   float64   `gorm:"column:min_order_size;type:Float64" json:"min_order_size"`
	FeePercent     float64   `gorm:"column:fee_percent;type:Float64" json:"fee_percent"`
	UpdatedAt      time.Time `gorm:"column:updated_at;type:DateTime64(3, 'UTC')" json:"updated_at"`
}

func (Mapping) TableName() string {
	return "kraken_mapping"
}

func (Mapping) TableOptions() string {
	return "ENGINE = ReplacingMergeTree(updated_at) ORDER BY (coin_id)"
}

// Entry converts the row back into the cache representation.
func (m Mapping) Entry() models.MappingEntry {
	return models.MappingEntry{
		ExchangeName:   m.ExchangeName,
		Symbol:         m.Symbol,
		PairName:       m.PairName,
		BaseCurrency:   m.BaseCurrency,
		TargetCurrency: m.TargetCurrency,
		AltName:        m.AltName,
		TradeURL:       m.TradeURL,
		IsActive:       m.IsActive,
		MinOrderSize:   m.MinOrderSize,
		FeePercent:     m.FeePercent,
	}
}
