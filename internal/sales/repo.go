package sales

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

var ErrNotFound = errors.New("sale not found")

// Insert writes the sale once. order_id is unique; a retried insert for the
// same order is a no-op, never a second sale.
func (r *Repo) Insert(ctx context.Context, s Sale) error {
	lines, err := json.Marshal(s.Lines)
	if err != nil {
		return err
	}
	_, err = r.DB.Exec(ctx, `
		INSERT INTO sales(id, order_id, fiscal_ref, lines, total_cents, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING`,
		s.ID, s.OrderID, s.FiscalRef, lines, s.TotalCents, s.CreatedAt)
	return err
}

func (r *Repo) ByOrder(ctx context.Context, orderID string) (Sale, error) {
	var s Sale
	var lines []byte
	err := r.DB.QueryRow(ctx, `
		SELECT id, order_id, fiscal_ref, lines, total_cents, created_at
		FROM sales WHERE order_id=$1`, orderID).
		Scan(&s.ID, &s.OrderID, &s.FiscalRef, &lines, &s.TotalCents, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sale{}, ErrNotFound
	}
	if err != nil {
		return Sale{}, err
	}
	if err := json.Unmarshal(lines, &s.Lines); err != nil {
		return Sale{}, err
	}
	return s, nil
}

// List serves the reporting read contract, newest first.
func (r *Repo) List(ctx context.Context, limit int) ([]Sale, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, fiscal_ref, lines, total_cents, created_at
		FROM sales ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sale
	for rows.Next() {
		var s Sale
		var lines []byte
		if err := rows.Scan(&s.ID, &s.OrderID, &s.FiscalRef, &lines, &s.TotalCents, &s.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(lines, &s.Lines); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
