package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// VenueAccountState is the engine's view of one asset on one venue.
type VenueAccountState struct {
	Venue      string          `json:"venue"`
	Asset      string          `json:"asset"`
	Available  decimal.Decimal `json:"available"`
	InOrders   decimal.Decimal `json:"in_orders"`
	LastSynced time.Time       `json:"last_synced"`
}
