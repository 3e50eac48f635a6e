package fulfill

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/allyelvis/aebus/internal/ebms"
	"github.com/allyelvis/aebus/internal/orders"
	"github.com/allyelvis/aebus/internal/outbox"
)

// Reconciler replays pending outbox work after a restart and closes fiscal
// gaps. In steady state the set of reservations without a commit or release
// is empty; this is what enforces it across crashes.
type Reconciler struct {
	Coord      *Coordinator
	Dispatcher *outbox.Dispatcher

	// MaxRetry and BatchSize mirror the dispatcher's bounds; tasks at or past
	// MaxRetry are picked up by the dead-task pass instead of the tick.
	MaxRetry  int
	BatchSize int
}

// Run performs one reconciliation pass. Unknown submissions are resolved by
// status lookup inside the task executor; nothing here ever resubmits.
func (r *Reconciler) Run(ctx context.Context) error {
	bo := backoff.WithContext(newReplayBackoff(), ctx)
	err := backoff.Retry(func() error {
		_, err := r.Dispatcher.DispatchOnce(ctx)
		return err
	}, bo)
	if err != nil {
		return err
	}
	if err := r.Coord.ReconcileFiscalGaps(ctx); err != nil {
		return err
	}
	if err := r.Coord.ReconcileStrandedReservations(ctx); err != nil {
		return err
	}
	return r.Coord.EscalateDeadTasks(ctx, r.MaxRetry, r.BatchSize)
}

// StartPeriodic repeats the gap, stranded-hold and dead-task passes on a
// ticker, so recovery does not depend on a process restart.
func (r *Reconciler) StartPeriodic(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Printf("reconciler stopped")
				return
			case <-ticker.C:
				if err := r.Coord.ReconcileFiscalGaps(ctx); err != nil {
					log.Printf("reconcile: fiscal gaps: %v", err)
				}
				if err := r.Coord.ReconcileStrandedReservations(ctx); err != nil {
					log.Printf("reconcile: stranded reservations: %v", err)
				}
				if err := r.Coord.EscalateDeadTasks(ctx, r.MaxRetry, r.BatchSize); err != nil {
					log.Printf("reconcile: dead tasks: %v", err)
				}
			}
		}
	}()
}

func newReplayBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 5 * time.Minute
	return bo
}

// ReconcileStrandedReservations closes holds whose order already terminated
// but whose ledger operation never completed (a crash between the state flip
// and the ledger call, with no outbox task covering it). Commit and Release
// are idempotent, so sweeping an already-closed reservation is harmless.
func (c *Coordinator) ReconcileStrandedReservations(ctx context.Context) error {
	active, err := c.Ledger.Active(ctx)
	if err != nil {
		return err
	}
	for _, res := range active {
		o, err := c.Orders.Get(ctx, res.OrderID)
		if err != nil {
			log.Printf("reconcile: load order %s for reservation %s: %v", res.OrderID, res.ID, err)
			continue
		}
		switch o.Status {
		case orders.StatusConfirmed:
			if err := c.Ledger.Commit(ctx, res.ID); err != nil {
				log.Printf("reconcile: commit reservation %s: %v", res.ID, err)
				if qerr := c.Outbox.Insert(ctx, outbox.Task{Kind: outbox.KindCommitReservation, OrderID: o.ID}); qerr != nil {
					return qerr
				}
			}
		case orders.StatusCancelled:
			if err := c.Ledger.Release(ctx, res.ID); err != nil {
				log.Printf("reconcile: release reservation %s: %v", res.ID, err)
				if qerr := c.Outbox.Insert(ctx, outbox.Task{Kind: outbox.KindReleaseReservation, OrderID: o.ID}); qerr != nil {
					return qerr
				}
			}
		}
	}
	return nil
}

// EscalateDeadTasks re-drives unprocessed tasks that exhausted the dispatch
// retry bound. Each gets one execution attempt per pass (every kind is
// idempotent); a submission task that still fails raises a fiscal alert so
// operators see the stuck order instead of a silent dead letter.
func (c *Coordinator) EscalateDeadTasks(ctx context.Context, maxRetry, batchSize int) error {
	dead, err := c.Outbox.DeadBatch(ctx, maxRetry, batchSize)
	if err != nil {
		return err
	}
	for i := range dead {
		t := &dead[i]
		err := c.ExecuteTask(ctx, *t)
		if err == nil {
			now := time.Now().UTC()
			t.ProcessedAt = &now
			if serr := c.Outbox.Save(ctx, *t); serr != nil {
				log.Printf("reconcile: save recovered task %s: %v", t.ID, serr)
			}
			continue
		}
		if errors.Is(err, outbox.ErrNotReady) {
			continue // still ambiguous, nothing to escalate
		}
		log.Printf("reconcile: dead task %s (%s, order %s) still failing: %v", t.ID, t.Kind, t.OrderID, err)
		if t.Kind == outbox.KindSubmitInvoice {
			alert := orders.FiscalAlertPayload{
				OrderID: t.OrderID,
				Detail:  "invoice submission task exhausted retries: " + err.Error(),
			}
			if sub, serr := c.Orders.GetSubmission(ctx, t.OrderID); serr == nil {
				alert.IdemKey = sub.IdemKey
			}
			c.Events.Emit(ctx, orders.EventFiscalAlert, t.OrderID, alert)
		}
	}
	return nil
}

// ReconcileFiscalGaps handles accepted submissions whose fiscal reference
// never reached the order row. When the reference is recoverable (stored on
// the submission or returned by a status lookup) the order is finalized;
// when it is genuinely lost the gap is escalated as an alert. Resubmission
// is forbidden either way: the invoice is already filed.
func (c *Coordinator) ReconcileFiscalGaps(ctx context.Context) error {
	subs, err := c.Orders.AcceptedWithoutRef(ctx)
	if err != nil {
		return err
	}

	for _, sub := range subs {
		o, err := c.Orders.Get(ctx, sub.OrderID)
		if err != nil {
			log.Printf("reconcile: load order %s: %v", sub.OrderID, err)
			continue
		}

		if sub.FiscalRef == "" {
			res, err := c.Gateway.Status(ctx, sub.IdemKey)
			if err != nil {
				log.Printf("reconcile: status lookup for order %s: %v", sub.OrderID, err)
				continue
			}
			if res.Outcome == ebms.OutcomeAccepted && res.FiscalRef != "" {
				sub.FiscalRef = res.FiscalRef
				if err := c.Orders.UpdateSubmission(ctx, sub); err != nil {
					return err
				}
			} else {
				// Accepted invoice, unrecoverable reference. Fatal gap.
				log.Printf("reconcile: FATAL fiscal reference lost for order %s (key %s)", sub.OrderID, sub.IdemKey)
				c.Events.Emit(ctx, orders.EventFiscalAlert, sub.OrderID, orders.FiscalAlertPayload{
					OrderID: sub.OrderID,
					IdemKey: sub.IdemKey,
					Detail:  "accepted invoice without recoverable fiscal reference",
				})
				continue
			}
		}

		if o.Status == orders.StatusInvoiceSubmitted {
			if err := c.finalize(ctx, o, sub); err != nil {
				log.Printf("reconcile: finalize order %s: %v", sub.OrderID, err)
			}
		}
	}
	return nil
}
