package outbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemRepo backs tests and local runs without postgres.
type MemRepo struct {
	mu    sync.Mutex
	tasks map[string]*Task
}

func NewMemRepo() *MemRepo {
	return &MemRepo{tasks: make(map[string]*Task)}
}

func (r *MemRepo) Insert(_ context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.OccurredAt.IsZero() {
		t.OccurredAt = time.Now().UTC()
	}
	cp := t
	r.tasks[t.ID] = &cp
	return nil
}

func (r *MemRepo) PendingBatch(_ context.Context, maxRetry, batchSize int) ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Task
	for _, t := range r.tasks {
		if t.ProcessedAt == nil && t.RetryCount < maxRetry {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if len(out) > batchSize {
		out = out[:batchSize]
	}
	return out, nil
}

func (r *MemRepo) DeadBatch(_ context.Context, maxRetry, batchSize int) ([]Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Task
	for _, t := range r.tasks {
		if t.ProcessedAt == nil && t.RetryCount >= maxRetry {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if len(out) > batchSize {
		out = out[:batchSize]
	}
	return out, nil
}

func (r *MemRepo) Save(_ context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[t.ID]; ok {
		cur.RetryCount = t.RetryCount
		if t.ProcessedAt != nil {
			cur.ProcessedAt = t.ProcessedAt
		}
	}
	return nil
}

// Pending reports how many tasks still await processing; test helper.
func (r *MemRepo) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.ProcessedAt == nil {
			n++
		}
	}
	return n
}
