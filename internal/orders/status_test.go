package orders

import "testing"

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreated, StatusReserving, true},
		{StatusReserving, StatusReserved, true},
		{StatusReserving, StatusCancelled, true},
		{StatusReserved, StatusInvoiceSubmitted, true},
		{StatusReserved, StatusCancelled, true},
		{StatusInvoiceSubmitted, StatusConfirmed, true},
		{StatusInvoiceSubmitted, StatusCancelled, true},

		// no skipping, no leaving terminal states
		{StatusCreated, StatusReserved, false},
		{StatusCreated, StatusConfirmed, false},
		{StatusReserving, StatusInvoiceSubmitted, false},
		{StatusConfirmed, StatusCancelled, false},
		{StatusCancelled, StatusReserving, false},
		{StatusInvoiceSubmitted, StatusReserved, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range []Status{StatusCreated, StatusReserving, StatusReserved, StatusInvoiceSubmitted} {
		if IsTerminal(s) {
			t.Errorf("%s should not be terminal", s)
		}
	}
	for _, s := range []Status{StatusConfirmed, StatusCancelled} {
		if !IsTerminal(s) {
			t.Errorf("%s should be terminal", s)
		}
	}
}

func TestTotal(t *testing.T) {
	items := []LineItem{
		{ProductID: "p1", Qty: 2, UnitPriceCents: 1500},
		{ProductID: "p2", Qty: 1, UnitPriceCents: 250},
	}
	if got := Total(items); got != 3250 {
		t.Fatalf("Total = %d, want 3250", got)
	}
}
