package models

// Coin is one CoinGecko catalog entry considered for mapping.
// Its position in the candidate list is part of the resume contract, so
// callers must never reorder a fetched list.
type Coin struct {
	// ID is the CoinGecko coin identifier (e.g., "bitcoin").
	ID string `json:"id"`

	// Symbol is the ticker symbol as CoinGecko reports it (e.g., "btc").
	Symbol string `json:"symbol"`

	// Name is the display name (e.g., "Bitcoin").
	Name string `json:"name"`
}
