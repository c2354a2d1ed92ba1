package entities

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	AvailabilityInStock    = "in_stock"
	AvailabilityOutOfStock = "out_of_stock"
)

// CatalogItem is a product as projected from the store backend.
type CatalogItem struct {
	ID           string          `json:"id"`
	Title        string          `json:"title"`
	Description  string          `json:"description"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	ImageURL     string          `json:"image_url,omitempty"`
	Availability string          `json:"availability"`
	Tags         []string        `json:"tags,omitempty"`
	Handle       string          `json:"handle,omitempty"`
}

func (i CatalogItem) InStock() bool {
	return i.Availability == AvailabilityInStock
}

type Order struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"` // e.g. "#1001"
	FinancialStatus   string          `json:"financial_status"`
	FulfillmentStatus string          `json:"fulfillment_status"`
	TotalPrice        decimal.Decimal `json:"total_price"`
	Currency          string          `json:"currency"`
	CreatedAt         time.Time       `json:"created_at"`
}
