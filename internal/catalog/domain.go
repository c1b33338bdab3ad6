// Package catalog exposes the inventory catalog lookup the purchase order
// engine needs when creating and splitting line items. The catalog itself is
// maintained elsewhere; this package only reads it.
package catalog

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Item is the subset of a catalog record the order engine consumes.
type Item struct {
	ID             int64
	ItemCode       string
	Description    string
	Unit           string
	WholesalePrice decimal.Decimal
	SupplierID     int64
}

// Lookup resolves catalog items by id.
type Lookup interface {
	GetItem(ctx context.Context, id int64) (Item, error)
}

// ErrNotFound indicates the catalog record is missing.
var ErrNotFound = errors.New("catalog: item not found")
