// Package fulfill drives an order through its whole lifecycle: stock
// reservation, fiscal invoice submission and sale recording. The persisted
// order state plus the outbox are the source of truth; no goroutine ever
// blocks waiting for the fiscal authority.
package fulfill

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/allyelvis/aebus/internal/catalog"
	"github.com/allyelvis/aebus/internal/ebms"
	"github.com/allyelvis/aebus/internal/ledger"
	"github.com/allyelvis/aebus/internal/orders"
	"github.com/allyelvis/aebus/internal/outbox"
	"github.com/allyelvis/aebus/internal/sales"
)

var (
	// ErrCancelNotAllowed: the order is past the point where cancellation is
	// safe. During INVOICE_SUBMITTED the authority may already consider the
	// invoice filed, so cancellation is deferred until the outcome is known.
	ErrCancelNotAllowed = errors.New("cancellation not allowed in current state")
	ErrCustomerInvalid  = errors.New("customer invalid")
	// ErrOutcomePending keeps the submission task in the outbox: the gateway
	// outcome is still ambiguous and only a later status lookup resolves it.
	// It wraps outbox.ErrNotReady so waiting out a gateway outage does not
	// consume the task's retry budget.
	ErrOutcomePending = fmt.Errorf("fiscal outcome still pending: %w", outbox.ErrNotReady)
)

// OrderStore is the slice of the orders repo the coordinator needs.
type OrderStore interface {
	CreateTx(ctx context.Context, externalID, customerID string, items []orders.LineItem) (orders.Order, bool, error)
	Get(ctx context.Context, orderID string) (orders.Order, error)
	Lines(ctx context.Context, orderID string) ([]orders.LineItem, error)
	Transition(ctx context.Context, orderID string, from, to orders.Status) error
	SetFiscalRef(ctx context.Context, orderID, fiscalRef string) error
	InsertSubmission(ctx context.Context, s orders.Submission) error
	GetSubmission(ctx context.Context, orderID string) (orders.Submission, error)
	UpdateSubmission(ctx context.Context, s orders.Submission) error
	AcceptedWithoutRef(ctx context.Context) ([]orders.Submission, error)
}

type SaleStore interface {
	Insert(ctx context.Context, s sales.Sale) error
}

type Gateway interface {
	Submit(ctx context.Context, inv ebms.Invoice, idemKey string) (ebms.Result, error)
	Status(ctx context.Context, idemKey string) (ebms.Result, error)
}

// Events publishes lifecycle events for the reporting and ops consumers.
// Delivery is best effort; the outbox, not the bus, carries correctness.
type Events interface {
	Emit(ctx context.Context, eventType, orderID string, payload any)
}

type Coordinator struct {
	Orders    OrderStore
	Ledger    ledger.Ledger
	Gateway   Gateway
	Sales     SaleStore
	Outbox    outbox.Repo
	Products  catalog.Products
	Customers catalog.Customers
	Events    Events
}

type PlaceLine struct {
	ProductID  string `json:"product_id"`
	LocationID string `json:"location_id"`
	Qty        int    `json:"qty"`
}

type PlaceRequest struct {
	ExternalID string      `json:"external_id"`
	CustomerID string      `json:"customer_id"`
	Lines      []PlaceLine `json:"lines"`
}

// PlaceOrder runs the synchronous half of the pipeline: validate against the
// catalog, create the order, reserve stock and persist the pending fiscal
// submission. It returns as soon as the submission is durably queued; the
// gateway call itself happens in the fulfiller worker.
func (c *Coordinator) PlaceOrder(ctx context.Context, req PlaceRequest) (orders.Order, error) {
	valid, err := c.Customers.CustomerValid(ctx, req.CustomerID)
	if err != nil {
		return orders.Order{}, fmt.Errorf("customer %s: %w", req.CustomerID, err)
	}
	if !valid {
		return orders.Order{}, fmt.Errorf("customer %s: %w", req.CustomerID, ErrCustomerInvalid)
	}

	items := make([]orders.LineItem, 0, len(req.Lines))
	for _, ln := range req.Lines {
		p, err := c.Products.Product(ctx, ln.ProductID)
		if err != nil {
			return orders.Order{}, fmt.Errorf("product %s: %w", ln.ProductID, err)
		}
		items = append(items, orders.LineItem{
			ProductID:      p.ID,
			LocationID:     ln.LocationID,
			Qty:            ln.Qty,
			UnitPriceCents: p.PriceCents,
		})
	}

	o, existed, err := c.Orders.CreateTx(ctx, req.ExternalID, req.CustomerID, items)
	if err != nil {
		return orders.Order{}, err
	}
	if existed {
		return o, nil
	}
	for i := range items {
		items[i].OrderID = o.ID
	}

	if err := c.Orders.Transition(ctx, o.ID, orders.StatusCreated, orders.StatusReserving); err != nil {
		return orders.Order{}, err
	}
	o.Status = orders.StatusReserving

	resLines := make([]ledger.Line, 0, len(items))
	for _, it := range items {
		resLines = append(resLines, ledger.Line{ProductID: it.ProductID, LocationID: it.LocationID, Qty: it.Qty})
	}
	if _, err := c.Ledger.Reserve(ctx, o.ID, resLines); err != nil {
		if errors.Is(err, ledger.ErrInsufficientStock) {
			// Business rejection: no retry, order is final.
			if terr := c.Orders.Transition(ctx, o.ID, orders.StatusReserving, orders.StatusCancelled); terr != nil {
				return orders.Order{}, terr
			}
			o.Status = orders.StatusCancelled
			c.Events.Emit(ctx, orders.EventOrderCancelled, o.ID,
				orders.OrderCancelledPayload{OrderID: o.ID, Reason: "INSUFFICIENT_STOCK"})
			return o, err
		}
		return orders.Order{}, err
	}

	if err := c.Orders.Transition(ctx, o.ID, orders.StatusReserving, orders.StatusReserved); err != nil {
		return orders.Order{}, err
	}
	o.Status = orders.StatusReserved

	inv := ebms.BuildInvoice(o, items)
	sub := orders.Submission{
		OrderID: o.ID,
		IdemKey: ebms.IdempotencyKey(inv),
		Status:  orders.SubmissionPending,
	}
	if err := c.Orders.InsertSubmission(ctx, sub); err != nil {
		return orders.Order{}, err
	}
	// Task first, then the state flip: if the process dies in between, the
	// task executor heals the missing transition on replay.
	if err := c.Outbox.Insert(ctx, outbox.Task{Kind: outbox.KindSubmitInvoice, OrderID: o.ID}); err != nil {
		return orders.Order{}, err
	}
	if err := c.Orders.Transition(ctx, o.ID, orders.StatusReserved, orders.StatusInvoiceSubmitted); err != nil {
		return orders.Order{}, err
	}
	o.Status = orders.StatusInvoiceSubmitted

	c.Events.Emit(ctx, orders.EventOrderPlaced, o.ID, orders.OrderPlacedPayload{
		OrderID:    o.ID,
		ExternalID: o.ExternalID,
		CustomerID: o.CustomerID,
		Lines:      linePayloads(items),
		TotalCents: o.TotalCents,
	})
	return o, nil
}

// Cancel is only honored while the order holds nothing but a reservation.
func (c *Coordinator) Cancel(ctx context.Context, orderID string) (orders.Order, error) {
	o, err := c.Orders.Get(ctx, orderID)
	if err != nil {
		return orders.Order{}, err
	}

	switch o.Status {
	case orders.StatusReserving, orders.StatusReserved:
	default:
		return o, fmt.Errorf("%w: order %s is %s", ErrCancelNotAllowed, o.ID, o.Status)
	}

	if err := c.Orders.Transition(ctx, o.ID, o.Status, orders.StatusCancelled); err != nil {
		return o, fmt.Errorf("%w: %v", ErrCancelNotAllowed, err)
	}
	o.Status = orders.StatusCancelled

	if err := c.releaseByOrder(ctx, o.ID); err != nil {
		// The cancel stands; the outbox retries the release until it lands.
		log.Printf("fulfill: release for cancelled order %s failed, queued for retry: %v", o.ID, err)
		if qerr := c.Outbox.Insert(ctx, outbox.Task{Kind: outbox.KindReleaseReservation, OrderID: o.ID}); qerr != nil {
			return o, qerr
		}
	}

	c.Events.Emit(ctx, orders.EventOrderCancelled, o.ID,
		orders.OrderCancelledPayload{OrderID: o.ID, Reason: "USER_CANCELLED"})
	return o, nil
}

// ExecuteTask makes the coordinator the outbox executor. Every branch is
// idempotent so replays after a crash are harmless.
func (c *Coordinator) ExecuteTask(ctx context.Context, t outbox.Task) error {
	switch t.Kind {
	case outbox.KindSubmitInvoice:
		return c.resolveSubmission(ctx, t.OrderID)
	case outbox.KindCommitReservation:
		return c.commitByOrder(ctx, t.OrderID)
	case outbox.KindReleaseReservation:
		return c.releaseByOrder(ctx, t.OrderID)
	default:
		return fmt.Errorf("unknown outbox task kind %q", t.Kind)
	}
}

// resolveSubmission advances one order's fiscal submission as far as the
// gateway allows. PENDING submits; UNKNOWN only ever does a status lookup —
// resubmitting a possibly-filed invoice would risk a duplicate filing.
func (c *Coordinator) resolveSubmission(ctx context.Context, orderID string) error {
	o, err := c.Orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if orders.IsTerminal(o.Status) {
		return nil
	}
	if o.Status == orders.StatusReserved {
		// Crash window between outbox insert and the state flip.
		if err := c.Orders.Transition(ctx, o.ID, orders.StatusReserved, orders.StatusInvoiceSubmitted); err != nil {
			return err
		}
		o.Status = orders.StatusInvoiceSubmitted
	}
	if o.Status != orders.StatusInvoiceSubmitted {
		return fmt.Errorf("order %s in unexpected state %s for invoice submission", o.ID, o.Status)
	}

	sub, err := c.Orders.GetSubmission(ctx, orderID)
	if err != nil {
		return err
	}

	var res ebms.Result
	switch sub.Status {
	case orders.SubmissionAccepted:
		// Already accepted; only the local follow-up work is outstanding.
		return c.finalize(ctx, o, sub)
	case orders.SubmissionRejected:
		return c.cancelRejected(ctx, o, sub.Reason)
	case orders.SubmissionPending:
		items, err := c.Orders.Lines(ctx, orderID)
		if err != nil {
			return err
		}
		res, err = c.Gateway.Submit(ctx, ebms.BuildInvoice(o, items), sub.IdemKey)
		if err != nil {
			return err
		}
	case orders.SubmissionUnknown:
		res, err = c.Gateway.Status(ctx, sub.IdemKey)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("submission for order %s in unknown status %q", orderID, sub.Status)
	}

	sub.Attempts++
	switch res.Outcome {
	case ebms.OutcomeAccepted:
		sub.Status = orders.SubmissionAccepted
		sub.FiscalRef = res.FiscalRef
		if err := c.Orders.UpdateSubmission(ctx, sub); err != nil {
			return err
		}
		return c.finalize(ctx, o, sub)
	case ebms.OutcomeRejected:
		sub.Status = orders.SubmissionRejected
		sub.Reason = res.Reason
		if err := c.Orders.UpdateSubmission(ctx, sub); err != nil {
			return err
		}
		log.Printf("fulfill: order %s rejected by fiscal authority: %s", o.ID, res.Reason)
		return c.cancelRejected(ctx, o, res.Reason)
	default:
		sub.Status = orders.SubmissionUnknown
		if err := c.Orders.UpdateSubmission(ctx, sub); err != nil {
			return err
		}
		return fmt.Errorf("order %s: %w", o.ID, ErrOutcomePending)
	}
}

// finalize runs the post-acceptance steps: commit the reservation, record
// the sale, confirm the order. The fiscal submission is never re-sent from
// here; if any step fails, the outbox replays finalize alone.
func (c *Coordinator) finalize(ctx context.Context, o orders.Order, sub orders.Submission) error {
	if sub.FiscalRef == "" {
		return fmt.Errorf("order %s accepted without fiscal reference", o.ID)
	}
	if err := c.Orders.SetFiscalRef(ctx, o.ID, sub.FiscalRef); err != nil {
		return err
	}
	o.FiscalRef = sub.FiscalRef

	if err := c.commitByOrder(ctx, o.ID); err != nil {
		return err
	}

	items, err := c.Orders.Lines(ctx, o.ID)
	if err != nil {
		return err
	}
	sale, err := sales.Record(o, items, sub.FiscalRef)
	if err != nil {
		// Internal consistency error: halt this order, never the pipeline.
		log.Printf("fulfill: FATAL consistency error on order %s: %v", o.ID, err)
		return err
	}
	if err := c.Sales.Insert(ctx, sale); err != nil {
		return err
	}

	if err := c.Orders.Transition(ctx, o.ID, orders.StatusInvoiceSubmitted, orders.StatusConfirmed); err != nil {
		return err
	}

	c.Events.Emit(ctx, orders.EventOrderConfirmed, o.ID, orders.OrderConfirmedPayload{
		OrderID:    o.ID,
		FiscalRef:  sub.FiscalRef,
		TotalCents: o.TotalCents,
		SaleID:     sale.ID,
	})
	return nil
}

func (c *Coordinator) cancelRejected(ctx context.Context, o orders.Order, reason string) error {
	if err := c.releaseByOrder(ctx, o.ID); err != nil {
		return err
	}
	if err := c.Orders.Transition(ctx, o.ID, orders.StatusInvoiceSubmitted, orders.StatusCancelled); err != nil {
		return err
	}
	c.Events.Emit(ctx, orders.EventOrderCancelled, o.ID,
		orders.OrderCancelledPayload{OrderID: o.ID, Reason: "FISCAL_REJECTED", Detail: reason})
	return nil
}

func (c *Coordinator) commitByOrder(ctx context.Context, orderID string) error {
	res, err := c.Ledger.ByOrder(ctx, orderID)
	if err != nil {
		return err
	}
	return c.Ledger.Commit(ctx, res.ID)
}

func (c *Coordinator) releaseByOrder(ctx context.Context, orderID string) error {
	res, err := c.Ledger.ByOrder(ctx, orderID)
	if errors.Is(err, ledger.ErrReservationUnknown) {
		return nil // nothing was ever held
	}
	if err != nil {
		return err
	}
	return c.Ledger.Release(ctx, res.ID)
}

func linePayloads(items []orders.LineItem) []orders.LinePayload {
	out := make([]orders.LinePayload, 0, len(items))
	for _, it := range items {
		out = append(out, orders.LinePayload{
			ProductID:      it.ProductID,
			LocationID:     it.LocationID,
			Qty:            it.Qty,
			UnitPriceCents: it.UnitPriceCents,
		})
	}
	return out
}
