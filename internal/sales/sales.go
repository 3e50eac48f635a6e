// Package sales derives the immutable sale record from a fiscally confirmed
// order. A sale is created at most once per order and is the source of truth
// for reporting.
package sales

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/allyelvis/aebus/internal/orders"
)

// ErrInconsistentOrder flags malformed input at this stage. The caller
// already validated the order, so hitting this means an upstream invariant
// broke; it is an internal defect, not a user error.
var ErrInconsistentOrder = errors.New("inconsistent order for sale derivation")

type Sale struct {
	ID         string
	OrderID    string
	FiscalRef  string
	Lines      []Line
	TotalCents int
	CreatedAt  time.Time
}

type Line struct {
	ProductID      string
	Qty            int
	UnitPriceCents int
}

// Record is a pure derivation, no external calls.
func Record(o orders.Order, items []orders.LineItem, fiscalRef string) (Sale, error) {
	if fiscalRef == "" {
		return Sale{}, fmt.Errorf("%w: empty fiscal reference", ErrInconsistentOrder)
	}
	if len(items) == 0 {
		return Sale{}, fmt.Errorf("%w: order %s has no line items", ErrInconsistentOrder, o.ID)
	}

	s := Sale{
		ID:        uuid.NewString(),
		OrderID:   o.ID,
		FiscalRef: fiscalRef,
		CreatedAt: time.Now().UTC(),
	}
	for _, it := range items {
		if it.Qty <= 0 || it.UnitPriceCents < 0 {
			return Sale{}, fmt.Errorf("%w: order %s line %s qty=%d price=%d",
				ErrInconsistentOrder, o.ID, it.ProductID, it.Qty, it.UnitPriceCents)
		}
		s.Lines = append(s.Lines, Line{ProductID: it.ProductID, Qty: it.Qty, UnitPriceCents: it.UnitPriceCents})
		s.TotalCents += it.Qty * it.UnitPriceCents
	}
	if s.TotalCents != o.TotalCents {
		return Sale{}, fmt.Errorf("%w: order %s total %d != derived %d",
			ErrInconsistentOrder, o.ID, o.TotalCents, s.TotalCents)
	}
	return s, nil
}
