// Package pgcatalog reads batch candidates from the product/listing database.
package pgcatalog

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"opsqueue/internal/ports"
)

var _ ports.Catalog = (*Catalog)(nil)

// Catalog queries the catalog_items view:
//
//	product_id bigint, supplier_id bigint, category text, title text,
//	cost numeric, price numeric, listing_id text, listing_state text, enriched bool
type Catalog struct {
	pool *pgxpool.Pool
}

func Connect(ctx context.Context, dsn string) (*Catalog, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}
	return &Catalog{pool: pool}, nil
}

func New(pool *pgxpool.Pool) *Catalog {
	return &Catalog{pool: pool}
}

func (c *Catalog) Close() {
	if c.pool != nil {
		c.pool.Close()
	}
}

func (c *Catalog) Candidates(ctx context.Context, s ports.Scope) ([]ports.CatalogItem, error) {
	query, args := candidatesQuery(s)
	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query catalog: %w", err)
	}
	defer rows.Close()

	var items []ports.CatalogItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return items, nil
}

func candidatesQuery(s ports.Scope) (string, []any) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if s.SupplierID != 0 {
		add("supplier_id = $%d", s.SupplierID)
	}
	if s.Category != "" {
		add("category = $%d", s.Category)
	}
	if len(s.ProductIDs) > 0 {
		add("product_id = ANY($%d)", s.ProductIDs)
	}

	var b strings.Builder
	b.WriteString(`
		SELECT product_id, supplier_id, COALESCE(category, ''), COALESCE(title, ''),
		       COALESCE(cost::text, ''), COALESCE(price::text, ''),
		       COALESCE(listing_id, ''), COALESCE(listing_state, 'none'), COALESCE(enriched, false)
		FROM catalog_items`)
	if len(where) > 0 {
		b.WriteString("\n\t\tWHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString("\n\t\tORDER BY product_id")
	if s.Limit > 0 {
		args = append(args, s.Limit)
		fmt.Fprintf(&b, "\n\t\tLIMIT $%d", len(args))
	}
	return b.String(), args
}

func scanItem(row pgx.Row) (ports.CatalogItem, error) {
	var (
		item        ports.CatalogItem
		cost, price string
		state       string
	)
	err := row.Scan(
		&item.ProductID,
		&item.SupplierID,
		&item.Category,
		&item.Title,
		&cost,
		&price,
		&item.ListingID,
		&state,
		&item.Enriched,
	)
	if err != nil {
		return item, fmt.Errorf("failed to scan catalog item: %w", err)
	}
	item.ListingState = ports.ListingState(state)
	if item.Cost, err = parseMoney(cost); err != nil {
		return item, fmt.Errorf("product %d cost: %w", item.ProductID, err)
	}
	if item.Price, err = parseMoney(price); err != nil {
		return item, fmt.Errorf("product %d price: %w", item.ProductID, err)
	}
	return item, nil
}

func parseMoney(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}
