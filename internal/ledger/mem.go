package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemLedger keeps the counters behind one mutex. Used by tests and local
// runs without postgres; semantics match PgLedger exactly.
type MemLedger struct {
	mu           sync.Mutex
	stock        map[string]*StockEntry // key productID|locationID
	reservations map[string]*Reservation
	byOrder      map[string]string // orderID -> reservationID
}

func NewMemLedger() *MemLedger {
	return &MemLedger{
		stock:        make(map[string]*StockEntry),
		reservations: make(map[string]*Reservation),
		byOrder:      make(map[string]string),
	}
}

func key(productID, locationID string) string { return productID + "|" + locationID }

// aggregate sums requested quantities per (product, location) key.
func aggregate(lines []Line) map[string]int {
	need := make(map[string]int, len(lines))
	for _, ln := range lines {
		need[key(ln.ProductID, ln.LocationID)] += ln.Qty
	}
	return need
}

// Load seeds a stock entry, replacing any previous counters for the key.
func (l *MemLedger) Load(productID, locationID string, onHand int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stock[key(productID, locationID)] = &StockEntry{
		ProductID: productID, LocationID: locationID, OnHand: onHand,
	}
}

func (l *MemLedger) Reserve(_ context.Context, orderID string, lines []Line) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if id, ok := l.byOrder[orderID]; ok {
		return *l.reservations[id], nil
	}

	// all-or-nothing: validate before touching anything. Quantities are
	// summed per key first, so two lines for the same (product, location)
	// cannot each pass a check their total would fail.
	need := aggregate(lines)
	for k, qty := range need {
		e, ok := l.stock[k]
		if !ok || e.Available() < qty {
			return Reservation{}, ErrInsufficientStock
		}
	}
	for k, qty := range need {
		l.stock[k].Reserved += qty
	}

	res := &Reservation{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Status:    ReservationActive,
		Lines:     append([]Line(nil), lines...),
		CreatedAt: time.Now().UTC(),
	}
	l.reservations[res.ID] = res
	l.byOrder[orderID] = res.ID
	return *res, nil
}

func (l *MemLedger) Commit(_ context.Context, reservationID string) error {
	return l.close(reservationID, ReservationCommitted)
}

func (l *MemLedger) Release(_ context.Context, reservationID string) error {
	return l.close(reservationID, ReservationReleased)
}

func (l *MemLedger) close(reservationID string, to ReservationStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[reservationID]
	if !ok {
		return ErrReservationUnknown
	}
	if res.Status != ReservationActive {
		return nil // already closed
	}

	for _, ln := range res.Lines {
		e := l.stock[key(ln.ProductID, ln.LocationID)]
		e.Reserved -= ln.Qty
		if to == ReservationCommitted {
			e.OnHand -= ln.Qty
		}
	}
	now := time.Now().UTC()
	res.Status = to
	res.ClosedAt = &now
	return nil
}

func (l *MemLedger) ByOrder(_ context.Context, orderID string) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byOrder[orderID]
	if !ok {
		return Reservation{}, ErrReservationUnknown
	}
	return *l.reservations[id], nil
}

func (l *MemLedger) Active(_ context.Context) ([]Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Reservation
	for _, res := range l.reservations {
		if res.Status == ReservationActive {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (l *MemLedger) Stock(_ context.Context, productID, locationID string) (StockEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.stock[key(productID, locationID)]
	if !ok {
		return StockEntry{}, ErrStockUnknown
	}
	return *e, nil
}
