package sales

import (
	"errors"
	"testing"

	"github.com/allyelvis/aebus/internal/orders"
)

func validOrder() (orders.Order, []orders.LineItem) {
	o := orders.Order{ID: "ord-1", CustomerID: "cust-1", TotalCents: 4000}
	items := []orders.LineItem{
		{OrderID: "ord-1", ProductID: "p1", Qty: 2, UnitPriceCents: 1500},
		{OrderID: "ord-1", ProductID: "p2", Qty: 1, UnitPriceCents: 1000},
	}
	return o, items
}

func TestRecord(t *testing.T) {
	o, items := validOrder()
	s, err := Record(o, items, "FR-001")
	if err != nil {
		t.Fatal(err)
	}
	if s.OrderID != "ord-1" || s.FiscalRef != "FR-001" {
		t.Fatalf("sale = %+v", s)
	}
	if s.TotalCents != 4000 {
		t.Fatalf("total = %d, want 4000", s.TotalCents)
	}
	if len(s.Lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(s.Lines))
	}
}

func TestRecordRejectsMalformedInput(t *testing.T) {
	o, items := validOrder()

	cases := map[string]func() (orders.Order, []orders.LineItem, string){
		"empty fiscal ref": func() (orders.Order, []orders.LineItem, string) {
			return o, items, ""
		},
		"no lines": func() (orders.Order, []orders.LineItem, string) {
			return o, nil, "FR-001"
		},
		"zero qty": func() (orders.Order, []orders.LineItem, string) {
			bad := []orders.LineItem{{ProductID: "p1", Qty: 0, UnitPriceCents: 100}}
			return o, bad, "FR-001"
		},
		"negative price": func() (orders.Order, []orders.LineItem, string) {
			bad := []orders.LineItem{{ProductID: "p1", Qty: 1, UnitPriceCents: -5}}
			return o, bad, "FR-001"
		},
		"total mismatch": func() (orders.Order, []orders.LineItem, string) {
			off := o
			off.TotalCents = 1
			return off, items, "FR-001"
		},
	}

	for name, build := range cases {
		ord, lines, ref := build()
		if _, err := Record(ord, lines, ref); !errors.Is(err, ErrInconsistentOrder) {
			t.Errorf("%s: err = %v, want ErrInconsistentOrder", name, err)
		}
	}
}
