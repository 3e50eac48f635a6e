package redisx

import (
	"fmt"
	"time"
)

const (
	// Idempotent order placement: idem:order:place:{external_id} -> order_id
	KeyIdemOrderPlace = "idem:order:place:%s"

	// Cached order view: order_status:{order_id} -> {"status": ..., "fiscal_ref": ...}
	KeyOrderStatus = "order_status:%s"

	// Dedup of consumed events: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)

func Key(pattern string, args ...any) string {
	return fmt.Sprintf(pattern, args...)
}
