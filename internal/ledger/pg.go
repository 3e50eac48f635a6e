package ledger

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgLedger serializes per-key mutation with SELECT ... FOR UPDATE row locks,
// so concurrent reservations on the same (product, location) queue up on the
// row and can never overcommit.
type PgLedger struct{ DB *pgxpool.Pool }

func (l *PgLedger) Reserve(ctx context.Context, orderID string, lines []Line) (Reservation, error) {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Reservation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Idempotent short-circuit: an order reserves at most once.
	if res, err := byOrderTx(ctx, tx, orderID); err == nil {
		return res, tx.Commit(ctx)
	} else if !errors.Is(err, ErrReservationUnknown) {
		return Reservation{}, err
	}

	// Check every key under lock first; partial holds are forbidden.
	// Quantities are summed per (product, location) so duplicate lines for
	// one key are checked against their total, and keys are locked in a
	// fixed order so concurrent reservations cannot deadlock.
	need := aggregateSorted(lines)
	for _, ln := range need {
		var onHand, reserved int
		err := tx.QueryRow(ctx, `
			SELECT on_hand, reserved FROM stock_entries
			WHERE product_id=$1 AND location_id=$2 FOR UPDATE`,
			ln.ProductID, ln.LocationID).Scan(&onHand, &reserved)
		if errors.Is(err, pgx.ErrNoRows) {
			return Reservation{}, ErrInsufficientStock
		}
		if err != nil {
			return Reservation{}, err
		}
		if onHand-reserved < ln.Qty {
			return Reservation{}, ErrInsufficientStock // rollback via defer
		}
	}

	for _, ln := range need {
		if _, err := tx.Exec(ctx, `
			UPDATE stock_entries SET reserved = reserved + $3
			WHERE product_id=$1 AND location_id=$2`,
			ln.ProductID, ln.LocationID, ln.Qty); err != nil {
			return Reservation{}, err
		}
	}

	res := Reservation{ID: uuid.NewString(), OrderID: orderID, Status: ReservationActive, Lines: lines}
	if _, err := tx.Exec(ctx, `
		INSERT INTO reservations(id, order_id, status) VALUES ($1,$2,$3)`,
		res.ID, res.OrderID, res.Status); err != nil {
		return Reservation{}, err
	}
	for _, ln := range lines {
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservation_lines(reservation_id, product_id, location_id, qty)
			VALUES ($1,$2,$3,$4)`,
			res.ID, ln.ProductID, ln.LocationID, ln.Qty); err != nil {
			return Reservation{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Reservation{}, err
	}
	return res, nil
}

// aggregateSorted sums quantities per (product, location) and returns the
// result in key order.
func aggregateSorted(lines []Line) []Line {
	byKey := aggregate(lines)
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Line, 0, len(keys))
	for _, k := range keys {
		productID, locationID, _ := strings.Cut(k, "|")
		out = append(out, Line{ProductID: productID, LocationID: locationID, Qty: byKey[k]})
	}
	return out
}

// Commit: on_hand -= qty, reserved -= qty. Applying it to an already-closed
// reservation is a no-op, which is what lets the reconciler retry blindly.
func (l *PgLedger) Commit(ctx context.Context, reservationID string) error {
	return l.close(ctx, reservationID, ReservationCommitted)
}

// Release: reserved -= qty without touching on_hand.
func (l *PgLedger) Release(ctx context.Context, reservationID string) error {
	return l.close(ctx, reservationID, ReservationReleased)
}

func (l *PgLedger) close(ctx context.Context, reservationID string, to ReservationStatus) error {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status ReservationStatus
	err = tx.QueryRow(ctx, `
		SELECT status FROM reservations WHERE id=$1 FOR UPDATE`, reservationID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrReservationUnknown
	}
	if err != nil {
		return err
	}
	if status != ReservationActive {
		return tx.Commit(ctx) // already closed, no-op
	}

	rows, err := tx.Query(ctx, `
		SELECT product_id, location_id, qty FROM reservation_lines WHERE reservation_id=$1`, reservationID)
	if err != nil {
		return err
	}
	var lines []Line
	for rows.Next() {
		var ln Line
		if err := rows.Scan(&ln.ProductID, &ln.LocationID, &ln.Qty); err != nil {
			rows.Close()
			return err
		}
		lines = append(lines, ln)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, ln := range lines {
		var q string
		if to == ReservationCommitted {
			q = `UPDATE stock_entries SET on_hand = on_hand - $3, reserved = reserved - $3
			     WHERE product_id=$1 AND location_id=$2`
		} else {
			q = `UPDATE stock_entries SET reserved = reserved - $3
			     WHERE product_id=$1 AND location_id=$2`
		}
		if _, err := tx.Exec(ctx, q, ln.ProductID, ln.LocationID, ln.Qty); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status=$2, closed_at=now() WHERE id=$1`, reservationID, to); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (l *PgLedger) ByOrder(ctx context.Context, orderID string) (Reservation, error) {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return Reservation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	return byOrderTx(ctx, tx, orderID)
}

func byOrderTx(ctx context.Context, tx pgx.Tx, orderID string) (Reservation, error) {
	var res Reservation
	err := tx.QueryRow(ctx, `
		SELECT id, order_id, status, created_at, closed_at
		FROM reservations WHERE order_id=$1`, orderID).
		Scan(&res.ID, &res.OrderID, &res.Status, &res.CreatedAt, &res.ClosedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Reservation{}, ErrReservationUnknown
	}
	if err != nil {
		return Reservation{}, err
	}

	rows, err := tx.Query(ctx, `
		SELECT product_id, location_id, qty FROM reservation_lines WHERE reservation_id=$1`, res.ID)
	if err != nil {
		return Reservation{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var ln Line
		if err := rows.Scan(&ln.ProductID, &ln.LocationID, &ln.Qty); err != nil {
			return Reservation{}, err
		}
		res.Lines = append(res.Lines, ln)
	}
	return res, rows.Err()
}

func (l *PgLedger) Active(ctx context.Context) ([]Reservation, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT id, order_id, status, created_at
		FROM reservations WHERE status=$1`, ReservationActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var res Reservation
		if err := rows.Scan(&res.ID, &res.OrderID, &res.Status, &res.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (l *PgLedger) Stock(ctx context.Context, productID, locationID string) (StockEntry, error) {
	e := StockEntry{ProductID: productID, LocationID: locationID}
	err := l.DB.QueryRow(ctx, `
		SELECT on_hand, reserved FROM stock_entries
		WHERE product_id=$1 AND location_id=$2`, productID, locationID).
		Scan(&e.OnHand, &e.Reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return StockEntry{}, ErrStockUnknown
	}
	return e, err
}
