package outbox

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepo struct{ DB *pgxpool.Pool }

func (r *PgRepo) Insert(ctx context.Context, t Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO outbox_tasks(id, kind, order_id, retry_count)
		VALUES ($1, $2, $3, $4)`,
		t.ID, t.Kind, t.OrderID, t.RetryCount)
	return err
}

func (r *PgRepo) PendingBatch(ctx context.Context, maxRetry, batchSize int) ([]Task, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, kind, order_id, retry_count, occurred_at, processed_at
		FROM outbox_tasks
		WHERE processed_at IS NULL AND retry_count < $1
		ORDER BY occurred_at ASC
		LIMIT $2`, maxRetry, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Kind, &t.OrderID, &t.RetryCount, &t.OccurredAt, &t.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PgRepo) DeadBatch(ctx context.Context, maxRetry, batchSize int) ([]Task, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, kind, order_id, retry_count, occurred_at, processed_at
		FROM outbox_tasks
		WHERE processed_at IS NULL AND retry_count >= $1
		ORDER BY occurred_at ASC
		LIMIT $2`, maxRetry, batchSize)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Kind, &t.OrderID, &t.RetryCount, &t.OccurredAt, &t.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PgRepo) Save(ctx context.Context, t Task) error {
	if t.ID == "" {
		return errors.New("outbox task id is empty")
	}
	_, err := r.DB.Exec(ctx, `
		UPDATE outbox_tasks
		SET retry_count=$2, processed_at=coalesce($3, processed_at)
		WHERE id=$1`,
		t.ID, t.RetryCount, t.ProcessedAt)
	return err
}
