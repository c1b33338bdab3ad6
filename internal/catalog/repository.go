package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository provides PostgreSQL backed catalog reads.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetItem fetches one catalog item.
func (r *Repository) GetItem(ctx context.Context, id int64) (Item, error) {
	var item Item
	var price string
	err := r.pool.QueryRow(ctx, `SELECT id, item_code, external_description, unit, wholesale_price::text, supplier_id
FROM inventory_items WHERE id = $1`, id).Scan(&item.ID, &item.ItemCode, &item.Description, &item.Unit, &price, &item.SupplierID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, ErrNotFound
		}
		return Item{}, err
	}
	item.WholesalePrice, err = decimal.NewFromString(price)
	if err != nil {
		return Item{}, err
	}
	return item, nil
}
