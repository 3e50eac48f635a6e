package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order state transition")
)

// CreateTx inserts the order plus its line items in one transaction.
// Idempotent via external_id: if the external id already exists the existing
// order is returned with existed=true and nothing is written.
func (r *Repo) CreateTx(ctx context.Context, externalID, customerID string, items []LineItem) (o Order, existed bool, err error) {
	row := r.DB.QueryRow(ctx, `SELECT id, status, total_cents FROM orders WHERE external_id=$1`, externalID)
	if err = row.Scan(&o.ID, &o.Status, &o.TotalCents); err == nil {
		o.ExternalID = externalID
		o.CustomerID = customerID
		return o, true, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return Order{}, false, err
	}

	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Order{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	o = Order{
		ID:         uuid.NewString(),
		ExternalID: externalID,
		CustomerID: customerID,
		Status:     StatusCreated,
		TotalCents: Total(items),
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, external_id, customer_id, status, total_cents)
		VALUES ($1, $2, $3, $4, $5)
	`, o.ID, o.ExternalID, o.CustomerID, o.Status, o.TotalCents)
	if err != nil {
		return Order{}, false, err
	}

	for _, it := range items {
		if it.Qty <= 0 {
			return Order{}, false, fmt.Errorf("invalid qty for product %s", it.ProductID)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(order_id, product_id, location_id, qty, unit_price_cents)
			VALUES ($1, $2, $3, $4, $5)`,
			o.ID, it.ProductID, it.LocationID, it.Qty, it.UnitPriceCents,
		)
		if err != nil {
			return Order{}, false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, false, err
	}
	return o, false, nil
}

func (r *Repo) Get(ctx context.Context, orderID string) (Order, error) {
	var o Order
	err := r.DB.QueryRow(ctx, `
		SELECT id, external_id, customer_id, status, total_cents, coalesce(fiscal_ref,''), created_at, updated_at
		FROM orders WHERE id=$1`, orderID).
		Scan(&o.ID, &o.ExternalID, &o.CustomerID, &o.Status, &o.TotalCents, &o.FiscalRef, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	return o, err
}

func (r *Repo) Lines(ctx context.Context, orderID string) ([]LineItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT order_id, product_id, location_id, qty, unit_price_cents
		FROM order_items WHERE order_id=$1`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LineItem
	for rows.Next() {
		var it LineItem
		if err := rows.Scan(&it.OrderID, &it.ProductID, &it.LocationID, &it.Qty, &it.UnitPriceCents); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Transition moves the order from->to with the transition table enforced both
// in memory and by the WHERE clause, so a concurrent writer can never skip a
// state. ErrInvalidTransition when the guard refuses.
func (r *Repo) Transition(ctx context.Context, orderID string, from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$3, updated_at=now() WHERE id=$1 AND status=$2`,
		orderID, from, to)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: order %s no longer in %s", ErrInvalidTransition, orderID, from)
	}
	return nil
}

// SetFiscalRef stores the authority's reference verbatim. Never overwrites an
// existing reference; losing or mutating it after acceptance is a fatal
// reconciliation gap.
func (r *Repo) SetFiscalRef(ctx context.Context, orderID, fiscalRef string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE orders SET fiscal_ref=$2, updated_at=now()
		WHERE id=$1 AND (fiscal_ref IS NULL OR fiscal_ref='')`, orderID, fiscalRef)
	return err
}

// ---- invoice submissions (one row per order) ----

func (r *Repo) InsertSubmission(ctx context.Context, s Submission) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO invoice_submissions(order_id, idem_key, status, attempts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (order_id) DO NOTHING`,
		s.OrderID, s.IdemKey, s.Status, s.Attempts)
	return err
}

func (r *Repo) GetSubmission(ctx context.Context, orderID string) (Submission, error) {
	var s Submission
	err := r.DB.QueryRow(ctx, `
		SELECT order_id, idem_key, status, attempts, coalesce(fiscal_ref,''), coalesce(reason,''), last_attempt_at, created_at
		FROM invoice_submissions WHERE order_id=$1`, orderID).
		Scan(&s.OrderID, &s.IdemKey, &s.Status, &s.Attempts, &s.FiscalRef, &s.Reason, &s.LastAttemptAt, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Submission{}, ErrNotFound
	}
	return s, err
}

func (r *Repo) UpdateSubmission(ctx context.Context, s Submission) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE invoice_submissions
		SET status=$2, attempts=$3, fiscal_ref=coalesce(nullif($4,''), fiscal_ref),
		    reason=coalesce(nullif($5,''), reason), last_attempt_at=now()
		WHERE order_id=$1`,
		s.OrderID, s.Status, s.Attempts, s.FiscalRef, s.Reason)
	return err
}

// AcceptedWithoutRef lists submissions the authority accepted but whose
// fiscal reference never made it to the order row. The reconciler escalates
// these; it must never resubmit them.
func (r *Repo) AcceptedWithoutRef(ctx context.Context) ([]Submission, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT s.order_id, s.idem_key, s.status, s.attempts, coalesce(s.fiscal_ref,''), coalesce(s.reason,''), s.last_attempt_at, s.created_at
		FROM invoice_submissions s
		JOIN orders o ON o.id = s.order_id
		WHERE s.status='ACCEPTED' AND (o.fiscal_ref IS NULL OR o.fiscal_ref='')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Submission
	for rows.Next() {
		var s Submission
		if err := rows.Scan(&s.OrderID, &s.IdemKey, &s.Status, &s.Attempts, &s.FiscalRef, &s.Reason, &s.LastAttemptAt, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
