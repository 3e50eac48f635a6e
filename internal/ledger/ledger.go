// Package ledger holds the authoritative stock counters. All mutation goes
// through Reserve/Commit/Release; no other code path may touch on_hand or
// reserved, which is what keeps reserved <= on_hand under any interleaving.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrReservationUnknown = errors.New("reservation not found")
	ErrStockUnknown       = errors.New("stock entry not found")
)

type StockEntry struct {
	ProductID  string
	LocationID string
	OnHand     int
	Reserved   int
}

func (e StockEntry) Available() int { return e.OnHand - e.Reserved }

type Line struct {
	ProductID  string `json:"product_id"`
	LocationID string `json:"location_id"`
	Qty        int    `json:"qty"`
}

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

type Reservation struct {
	ID        string
	OrderID   string
	Status    ReservationStatus
	Lines     []Line
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// Ledger is the single boundary around the stock counters.
//
// Reserve is all-or-nothing across lines and serialized per
// (product, location) key. Commit turns the hold into a permanent decrement,
// Release gives it back; both are idempotent so the reconciler can retry
// them indefinitely. Every reservation terminates in exactly one of the two.
type Ledger interface {
	Reserve(ctx context.Context, orderID string, lines []Line) (Reservation, error)
	Commit(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID string) error
	ByOrder(ctx context.Context, orderID string) (Reservation, error)
	// Active lists reservations not yet committed or released. The reconciler
	// sweeps it for holds whose order already reached a terminal state.
	Active(ctx context.Context) ([]Reservation, error)
	Stock(ctx context.Context, productID, locationID string) (StockEntry, error)
}
