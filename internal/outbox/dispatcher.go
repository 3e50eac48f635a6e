package outbox

import (
	"context"
	"errors"
	"log"
	"time"
)

type Dispatcher struct {
	repo      Repo
	exec      Executor
	maxRetry  int
	batchSize int
}

func NewDispatcher(repo Repo, exec Executor, maxRetry, batchSize int) *Dispatcher {
	return &Dispatcher{repo: repo, exec: exec, maxRetry: maxRetry, batchSize: batchSize}
}

// DispatchOnce executes one batch of pending tasks. A failing task has its
// retry count bumped and stays pending; the next tick picks it up again.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (int, error) {
	tasks, err := d.repo.PendingBatch(ctx, d.maxRetry, d.batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range tasks {
		t := &tasks[i]
		if err := d.exec.ExecuteTask(ctx, *t); errors.Is(err, ErrNotReady) {
			// Waiting, not failing. The task stays pending with its retry
			// budget intact.
			continue
		} else if err != nil {
			log.Printf("outbox: task %s (%s, order %s) failed: %v", t.ID, t.Kind, t.OrderID, err)
			t.RetryCount++
		} else {
			now := time.Now().UTC()
			t.ProcessedAt = &now
			processed++
		}
		if err := d.repo.Save(ctx, *t); err != nil {
			log.Printf("outbox: failed to save task %s: %v", t.ID, err)
		}
	}
	return processed, nil
}
