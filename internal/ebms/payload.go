package ebms

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/allyelvis/aebus/internal/orders"
)

// Invoice is the canonical payload sent to the EBMS endpoint. Field order is
// fixed by the struct, so marshalling the same order always yields the same
// bytes and therefore the same idempotency key.
type Invoice struct {
	InvoiceNumber string        `json:"invoice_number"` // order id
	CustomerID    string        `json:"customer_id"`
	Lines         []InvoiceLine `json:"lines"`
	TotalCents    int           `json:"total_cents"`
}

type InvoiceLine struct {
	ProductID      string `json:"product_id"`
	Qty            int    `json:"qty"`
	UnitPriceCents int    `json:"unit_price_cents"`
}

func BuildInvoice(o orders.Order, lines []orders.LineItem) Invoice {
	inv := Invoice{
		InvoiceNumber: o.ID,
		CustomerID:    o.CustomerID,
		TotalCents:    o.TotalCents,
	}
	for _, ln := range lines {
		inv.Lines = append(inv.Lines, InvoiceLine{
			ProductID:      ln.ProductID,
			Qty:            ln.Qty,
			UnitPriceCents: ln.UnitPriceCents,
		})
	}
	return inv
}

// IdempotencyKey = order id + content hash. Unchanged content maps to the
// same key, so the authority deduplicates a resend instead of double-filing.
func IdempotencyKey(inv Invoice) string {
	b, _ := json.Marshal(inv)
	sum := sha256.Sum256(b)
	return inv.InvoiceNumber + "-" + hex.EncodeToString(sum[:])[:16]
}
