package orders

import "time"

type Order struct {
	ID         string
	ExternalID string
	CustomerID string
	Status     Status // see status.go
	TotalCents int
	FiscalRef  string // empty until the authority accepts the invoice
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LineItem rows are owned by the order and never outlive it.
type LineItem struct {
	OrderID        string
	ProductID      string
	LocationID     string
	Qty            int
	UnitPriceCents int
}

// Submission is the one-to-one record of the order's fiscal submission.
// IdemKey is derived from the order id plus a content hash so that resending
// unchanged content is safe for the authority to deduplicate.
type Submission struct {
	OrderID       string
	IdemKey       string
	Status        SubmissionStatus
	Attempts      int
	FiscalRef     string
	Reason        string // authority's message on rejection
	LastAttemptAt time.Time
	CreatedAt     time.Time
}

func Total(items []LineItem) int {
	total := 0
	for _, it := range items {
		total += it.UnitPriceCents * it.Qty
	}
	return total
}
