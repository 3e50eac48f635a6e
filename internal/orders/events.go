package orders

import (
	"encoding/json"
	"time"
)

const (
	EventOrderPlaced    = "OrderPlaced"
	EventOrderConfirmed = "OrderConfirmed"
	EventOrderCancelled = "OrderCancelled"
	EventFiscalAlert    = "FiscalAlert"
)

type Envelope struct {
	EventID       string          `json:"event_id"`      // uuid
	EventType     string          `json:"event_type"`    // one of the consts above
	EventVersion  int             `json:"event_version"` // 1
	OccurredAt    time.Time       `json:"occurred_at"`   // RFC3339
	Producer      string          `json:"producer"`      // e.g., "fulfillment-api"
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // usually order_id
	Payload       json.RawMessage `json:"payload"`
}

// ---- Payload types per event ----

type LinePayload struct {
	ProductID      string `json:"product_id"`
	LocationID     string `json:"location_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int    `json:"unit_price_cents"`
}

type OrderPlacedPayload struct {
	OrderID    string        `json:"order_id"`
	ExternalID string        `json:"external_id"`
	CustomerID string        `json:"customer_id"`
	Lines      []LinePayload `json:"lines"`
	TotalCents int           `json:"total_cents"`
}

type OrderConfirmedPayload struct {
	OrderID    string `json:"order_id"`
	FiscalRef  string `json:"fiscal_ref"`
	TotalCents int    `json:"total_cents"`
	SaleID     string `json:"sale_id"`
}

type OrderCancelledPayload struct {
	OrderID string `json:"order_id"`
	Reason  string `json:"reason"`           // INSUFFICIENT_STOCK | FISCAL_REJECTED | USER_CANCELLED
	Detail  string `json:"detail,omitempty"` // authority's message on fiscal rejection
}

// FiscalAlert flags a reconciliation gap that must never be healed by
// resubmitting (e.g., an accepted invoice whose fiscal reference was lost).
type FiscalAlertPayload struct {
	OrderID string `json:"order_id"`
	IdemKey string `json:"idem_key"`
	Detail  string `json:"detail"`
}
