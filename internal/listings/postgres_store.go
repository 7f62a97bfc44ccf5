package listings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const listingColumns = `id, seller_steam_id, asset_id, market_hash_name, app_id, context_id,
	icon_url, rarity, exterior, wear_float, stickers, price, currency, kind,
	status, views, is_featured, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, l *Listing) error {
	stickers, err := json.Marshal(l.Stickers)
	if err != nil {
		return fmt.Errorf("encoding stickers: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO listings (seller_steam_id, asset_id, market_hash_name, app_id,
			context_id, icon_url, rarity, exterior, wear_float, stickers, price,
			currency, kind, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`,
		l.SellerSteamID, l.AssetID, l.MarketHashName, l.AppID, l.ContextID,
		l.IconURL, l.Rarity, l.Exterior, l.WearFloat, stickers, l.Price,
		l.Currency, l.Kind, l.Status,
	).Scan(&l.ID, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting listing: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Listing, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+listingColumns+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrListingNotFound
	}
	return l, err
}

func (s *PostgresStore) List(ctx context.Context, f Filter) ([]*Listing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE 1=1`
	args := []any{}
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if f.Status != "" {
		query += ` AND status = ` + arg(f.Status)
	}
	if f.SellerSteamID != "" {
		query += ` AND seller_steam_id = ` + arg(f.SellerSteamID)
	}
	if f.NameQuery != "" {
		query += ` AND market_hash_name ILIKE ` + arg("%"+f.NameQuery+"%")
	}
	if f.FeaturedOnly {
		query += ` AND is_featured = TRUE`
	}
	if f.Cursor != nil {
		cursorID, _ := strconv.ParseInt(f.Cursor.ID, 10, 64)
		query += ` AND (created_at, id) < (` + arg(f.Cursor.CreatedAt) + `, ` + arg(cursorID) + `)`
		query += ` ORDER BY created_at DESC, id DESC`
	} else {
		query += ` ORDER BY is_featured DESC, created_at DESC, id DESC`
	}
	query += ` LIMIT ` + arg(f.Limit) + ` OFFSET ` + arg(f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing listings: %w", err)
	}
	defer rows.Close()

	out := []*Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePrice(ctx context.Context, id int64, price decimal.Decimal) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE listings SET price = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'active'`, id, price)
	if err != nil {
		return fmt.Errorf("updating price: %w", err)
	}
	return requireRow(res, ErrListingUnavailable)
}

func (s *PostgresStore) SetStatus(ctx context.Context, id int64, from, to Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE listings SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return fmt.Errorf("updating listing status: %w", err)
	}
	return requireRow(res, ErrListingUnavailable)
}

func (s *PostgresStore) IncrementViews(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE listings SET views = views + 1 WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) SetFeatured(ctx context.Context, id int64, featured bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE listings SET is_featured = $2, updated_at = NOW()
		WHERE id = $1`, id, featured)
	if err != nil {
		return fmt.Errorf("updating featured flag: %w", err)
	}
	return requireRow(res, ErrListingNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanListing(row rowScanner) (*Listing, error) {
	var l Listing
	var stickers []byte
	err := row.Scan(&l.ID, &l.SellerSteamID, &l.AssetID, &l.MarketHashName,
		&l.AppID, &l.ContextID, &l.IconURL, &l.Rarity, &l.Exterior,
		&l.WearFloat, &stickers, &l.Price, &l.Currency, &l.Kind, &l.Status,
		&l.Views, &l.IsFeatured, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stickers, &l.Stickers); err != nil {
		return nil, fmt.Errorf("decoding stickers: %w", err)
	}
	return &l, nil
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
