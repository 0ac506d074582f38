package mysql

import (
	"context"
	"database/sql"

	_ "github.com/go-sql-driver/mysql"

	"trade-sniper/internal/domain"
)

type MySQLListingRepository struct {
	db *sql.DB
}

func NewMySQLListingRepository(db *sql.DB) *MySQLListingRepository {
	return &MySQLListingRepository{db: db}
}

func (r *MySQLListingRepository) SaveListings(ctx context.Context, listings []*domain.Listing) error {
	query := `
        INSERT IGNORE INTO listings (id, search_id, league, item_name, price, account_name, fetched_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `
	for _, l := range listings {
		_, err := r.db.ExecContext(ctx, query,
			l.ID, l.SearchID, l.League, l.ItemName, l.Price, l.AccountName, l.FetchedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *MySQLListingRepository) RecentListings(ctx context.Context, searchID string, limit int) ([]*domain.Listing, error) {
	query := `
        SELECT id, search_id, league, item_name, price, account_name, fetched_at
        FROM listings
        WHERE search_id = ?
        ORDER BY fetched_at DESC
        LIMIT ?
    `

	rows, err := r.db.QueryContext(ctx, query, searchID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []*domain.Listing
	for rows.Next() {
		var l domain.Listing
		err := rows.Scan(&l.ID, &l.SearchID, &l.League, &l.ItemName,
			&l.Price, &l.AccountName, &l.FetchedAt)
		if err != nil {
			return nil, err
		}
		listings = append(listings, &l)
	}

	return listings, rows.Err()
}
