package domain

import "github.com/shopspring/decimal"

type InventoryItem struct {
	Name      string          `json:"item"`
	Available int             `json:"available_qty"`
	Reserved  int             `json:"reserved_qty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Sellable is the quantity the warehouse can actually promise.
func (it InventoryItem) Sellable() int {
	return it.Available - it.Reserved
}
