package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestReserveAllOrNothing(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	l.Load("p1", "main", 10)
	l.Load("p2", "main", 1)

	_, err := l.Reserve(ctx, "o1", []Line{
		{ProductID: "p1", LocationID: "main", Qty: 5},
		{ProductID: "p2", LocationID: "main", Qty: 3}, // short
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}

	// the first line must not have been held
	e, _ := l.Stock(ctx, "p1", "main")
	if e.Reserved != 0 {
		t.Fatalf("p1 reserved = %d after failed reserve, want 0", e.Reserved)
	}
}

func TestReserveExactThenReject(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	l.Load("p1", "main", 5)

	if _, err := l.Reserve(ctx, "o1", []Line{{ProductID: "p1", LocationID: "main", Qty: 5}}); err != nil {
		t.Fatalf("reserve 5 of 5: %v", err)
	}
	e, _ := l.Stock(ctx, "p1", "main")
	if e.Available() != 0 {
		t.Fatalf("available = %d, want 0", e.Available())
	}

	_, err := l.Reserve(ctx, "o2", []Line{{ProductID: "p1", LocationID: "main", Qty: 1}})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("second order err = %v, want ErrInsufficientStock", err)
	}
}

func TestReserveSumsDuplicateLinesPerKey(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	l.Load("p1", "main", 5)

	// two lines for the same key must be judged by their total, not line by
	// line against the same untouched balance
	_, err := l.Reserve(ctx, "o1", []Line{
		{ProductID: "p1", LocationID: "main", Qty: 3},
		{ProductID: "p1", LocationID: "main", Qty: 3},
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}
	e, _ := l.Stock(ctx, "p1", "main")
	if e.Reserved > e.OnHand {
		t.Fatalf("invariant broken: reserved=%d > onHand=%d", e.Reserved, e.OnHand)
	}
	if e.Reserved != 0 {
		t.Fatalf("reserved = %d after refused reserve, want 0", e.Reserved)
	}

	// a total that fits must still be granted and held exactly once
	res, err := l.Reserve(ctx, "o2", []Line{
		{ProductID: "p1", LocationID: "main", Qty: 2},
		{ProductID: "p1", LocationID: "main", Qty: 3},
	})
	if err != nil {
		t.Fatal(err)
	}
	e, _ = l.Stock(ctx, "p1", "main")
	if e.Reserved != 5 {
		t.Fatalf("reserved = %d, want 5", e.Reserved)
	}
	if err := l.Release(ctx, res.ID); err != nil {
		t.Fatal(err)
	}
	e, _ = l.Stock(ctx, "p1", "main")
	if e.Reserved != 0 || e.OnHand != 5 {
		t.Fatalf("after release: onHand=%d reserved=%d, want 5/0", e.OnHand, e.Reserved)
	}
}

func TestReserveIsIdempotentPerOrder(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	l.Load("p1", "main", 10)

	lines := []Line{{ProductID: "p1", LocationID: "main", Qty: 3}}
	r1, err := l.Reserve(ctx, "o1", lines)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := l.Reserve(ctx, "o1", lines)
	if err != nil {
		t.Fatal(err)
	}
	if r1.ID != r2.ID {
		t.Fatalf("second reserve created a new reservation: %s vs %s", r1.ID, r2.ID)
	}
	e, _ := l.Stock(ctx, "p1", "main")
	if e.Reserved != 3 {
		t.Fatalf("reserved = %d, want 3", e.Reserved)
	}
}

func TestCommitAndReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	l.Load("p1", "main", 10)

	res, _ := l.Reserve(ctx, "o1", []Line{{ProductID: "p1", LocationID: "main", Qty: 4}})

	for i := 0; i < 3; i++ {
		if err := l.Commit(ctx, res.ID); err != nil {
			t.Fatalf("commit #%d: %v", i+1, err)
		}
	}
	e, _ := l.Stock(ctx, "p1", "main")
	if e.OnHand != 6 || e.Reserved != 0 {
		t.Fatalf("after repeated commit: onHand=%d reserved=%d, want 6/0", e.OnHand, e.Reserved)
	}

	// release after commit is also a no-op, never a double-apply
	if err := l.Release(ctx, res.ID); err != nil {
		t.Fatalf("release after commit: %v", err)
	}
	e, _ = l.Stock(ctx, "p1", "main")
	if e.OnHand != 6 || e.Reserved != 0 {
		t.Fatalf("release after commit changed counters: onHand=%d reserved=%d", e.OnHand, e.Reserved)
	}
}

func TestReleaseRestoresAvailability(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	l.Load("p1", "main", 5)

	res, _ := l.Reserve(ctx, "o1", []Line{{ProductID: "p1", LocationID: "main", Qty: 5}})
	if err := l.Release(ctx, res.ID); err != nil {
		t.Fatal(err)
	}
	e, _ := l.Stock(ctx, "p1", "main")
	if e.OnHand != 5 || e.Reserved != 0 {
		t.Fatalf("after release: onHand=%d reserved=%d, want 5/0", e.OnHand, e.Reserved)
	}
}

// Concurrent reservation storm: committed decrements never exceed the initial
// on-hand quantity and reserved never exceeds on-hand at any instant.
func TestConcurrentReserveNeverOvercommits(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	const initial = 50
	l.Load("p1", "main", initial)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var granted []string

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			res, err := l.Reserve(ctx, fmt.Sprintf("order-%d", n), []Line{
				{ProductID: "p1", LocationID: "main", Qty: 1},
			})
			if err != nil {
				return
			}
			mu.Lock()
			granted = append(granted, res.ID)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if len(granted) != initial {
		t.Fatalf("granted %d reservations, want %d", len(granted), initial)
	}
	e, _ := l.Stock(ctx, "p1", "main")
	if e.Reserved > e.OnHand {
		t.Fatalf("invariant broken: reserved=%d > onHand=%d", e.Reserved, e.OnHand)
	}

	for _, id := range granted {
		if err := l.Commit(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	e, _ = l.Stock(ctx, "p1", "main")
	if e.OnHand != 0 || e.Reserved != 0 {
		t.Fatalf("after committing all: onHand=%d reserved=%d, want 0/0", e.OnHand, e.Reserved)
	}
}
