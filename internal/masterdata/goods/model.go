package goods

import "time"

// Good is one stocked article.
type Good struct {
	ID         int64     `json:"id"`
	SKU        string    `json:"sku"`
	Name       string    `json:"name"`
	Unit       string    `json:"unit"`
	Perishable bool      `json:"perishable"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
