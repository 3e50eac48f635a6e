// Package outbox is the durable record of every pending cross-boundary step:
// invoice submissions awaiting resolution and ledger commits/releases that
// have not completed. Entries are replayed until done, which is what turns
// the pipeline from call-and-forget into eventually consistent.
package outbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotReady marks a task whose outcome is not yet decidable (an ambiguous
// gateway response awaiting a later status lookup). The dispatcher keeps such
// a task pending without counting the attempt against the retry bound, so
// waiting out an outage can never dead-letter the task.
var ErrNotReady = errors.New("task outcome not ready")

type Kind string

const (
	KindSubmitInvoice      Kind = "SUBMIT_INVOICE"
	KindCommitReservation  Kind = "COMMIT_RESERVATION"
	KindReleaseReservation Kind = "RELEASE_RESERVATION"
)

type Task struct {
	ID          string
	Kind        Kind
	OrderID     string
	RetryCount  int
	OccurredAt  time.Time
	ProcessedAt *time.Time
}

type Repo interface {
	Insert(ctx context.Context, t Task) error
	// PendingBatch returns unprocessed tasks below the retry bound, oldest
	// first.
	PendingBatch(ctx context.Context, maxRetry, batchSize int) ([]Task, error)
	// DeadBatch returns unprocessed tasks at or past the retry bound. They no
	// longer dispatch on the regular tick; the reconciler escalates them.
	DeadBatch(ctx context.Context, maxRetry, batchSize int) ([]Task, error)
	Save(ctx context.Context, t Task) error
}

// Executor runs one task. Implemented by the fulfillment coordinator; every
// task kind it handles is idempotent, so re-execution after a crash is safe.
type Executor interface {
	ExecuteTask(ctx context.Context, t Task) error
}
