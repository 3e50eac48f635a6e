package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type scriptedExec struct {
	mu       sync.Mutex
	failures map[string]int // order id -> remaining failures
	notReady map[string]int // order id -> remaining ambiguous outcomes
	executed []Task
}

func (e *scriptedExec) ExecuteTask(_ context.Context, t Task) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, t)
	if e.notReady[t.OrderID] > 0 {
		e.notReady[t.OrderID]--
		return ErrNotReady
	}
	if e.failures[t.OrderID] > 0 {
		e.failures[t.OrderID]--
		return errors.New("boom")
	}
	return nil
}

func TestDispatchOnceProcessesAndMarks(t *testing.T) {
	ctx := context.Background()
	repo := NewMemRepo()
	exec := &scriptedExec{failures: map[string]int{}}

	_ = repo.Insert(ctx, Task{Kind: KindSubmitInvoice, OrderID: "o1"})
	_ = repo.Insert(ctx, Task{Kind: KindCommitReservation, OrderID: "o2"})

	d := NewDispatcher(repo, exec, 5, 100)
	n, err := d.DispatchOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("processed = %d, want 2", n)
	}
	if repo.Pending() != 0 {
		t.Fatalf("pending = %d, want 0", repo.Pending())
	}
}

func TestDispatchRetriesFailedTask(t *testing.T) {
	ctx := context.Background()
	repo := NewMemRepo()
	exec := &scriptedExec{failures: map[string]int{"o1": 2}}

	_ = repo.Insert(ctx, Task{Kind: KindSubmitInvoice, OrderID: "o1"})
	d := NewDispatcher(repo, exec, 5, 100)

	for i := 0; i < 2; i++ {
		if n, _ := d.DispatchOnce(ctx); n != 0 {
			t.Fatalf("tick %d processed %d, want 0", i, n)
		}
	}
	if repo.Pending() != 1 {
		t.Fatalf("task dropped before success")
	}

	if n, _ := d.DispatchOnce(ctx); n != 1 {
		t.Fatal("third tick should succeed")
	}
	if repo.Pending() != 0 {
		t.Fatalf("pending = %d after success", repo.Pending())
	}
}

// Ambiguous outcomes may outlast any retry bound; only real failures count
// against it.
func TestDispatchNotReadyKeepsRetryBudget(t *testing.T) {
	ctx := context.Background()
	repo := NewMemRepo()
	exec := &scriptedExec{failures: map[string]int{}, notReady: map[string]int{"o1": 20}}

	_ = repo.Insert(ctx, Task{Kind: KindSubmitInvoice, OrderID: "o1"})
	d := NewDispatcher(repo, exec, 2, 100)

	for i := 0; i < 20; i++ {
		if n, _ := d.DispatchOnce(ctx); n != 0 {
			t.Fatalf("tick %d processed %d, want 0 while ambiguous", i, n)
		}
	}
	if repo.Pending() != 1 {
		t.Fatal("ambiguous task was dropped")
	}
	if dead, _ := repo.DeadBatch(ctx, 2, 100); len(dead) != 0 {
		t.Fatalf("ambiguous outcomes consumed the retry budget: %d dead", len(dead))
	}

	// outcome finally decidable
	if n, _ := d.DispatchOnce(ctx); n != 1 {
		t.Fatal("decidable task should process")
	}
	if repo.Pending() != 0 {
		t.Fatalf("pending = %d after success", repo.Pending())
	}
}

func TestDispatchStopsAtRetryBound(t *testing.T) {
	ctx := context.Background()
	repo := NewMemRepo()
	exec := &scriptedExec{failures: map[string]int{"o1": 100}}

	_ = repo.Insert(ctx, Task{Kind: KindReleaseReservation, OrderID: "o1"})
	d := NewDispatcher(repo, exec, 3, 100)

	for i := 0; i < 10; i++ {
		_, _ = d.DispatchOnce(ctx)
	}
	exec.mu.Lock()
	executions := len(exec.executed)
	exec.mu.Unlock()
	if executions != 3 {
		t.Fatalf("executed %d times, want maxRetry=3", executions)
	}

	// the exhausted task is not lost; it surfaces in the dead batch
	dead, err := repo.DeadBatch(ctx, 3, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 || dead[0].OrderID != "o1" {
		t.Fatalf("dead batch = %+v, want the exhausted task", dead)
	}
}
