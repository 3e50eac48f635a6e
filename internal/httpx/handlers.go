package httpx

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/allyelvis/aebus/internal/catalog"
	"github.com/allyelvis/aebus/internal/fulfill"
	"github.com/allyelvis/aebus/internal/ledger"
	"github.com/allyelvis/aebus/internal/orders"
	"github.com/allyelvis/aebus/internal/redisx"
	"github.com/allyelvis/aebus/internal/sales"
)

type Handlers struct {
	Coord  *fulfill.Coordinator
	Orders *orders.Repo
	Sales  *sales.Repo
	Ledger ledger.Ledger
	Redis  *redis.Client

	// DefaultLocation fills order lines that omit a fulfillment location.
	DefaultLocation string
}

type orderView struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	CustomerID string `json:"customer_id"`
	Status     string `json:"status"`
	TotalCents int    `json:"total_cents"`
	FiscalRef  string `json:"fiscal_ref,omitempty"`
}

func viewOf(o orders.Order) orderView {
	return orderView{
		ID:         o.ID,
		ExternalID: o.ExternalID,
		CustomerID: o.CustomerID,
		Status:     string(o.Status),
		TotalCents: o.TotalCents,
		FiscalRef:  o.FiscalRef,
	}
}

func (h *Handlers) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req fulfill.PlaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ExternalID == "" || req.CustomerID == "" || len(req.Lines) == 0 {
		writeError(w, http.StatusBadRequest, "external_id, customer_id and lines are required")
		return
	}
	for i := range req.Lines {
		if req.Lines[i].LocationID == "" {
			req.Lines[i].LocationID = h.DefaultLocation
		}
	}

	ctx := r.Context()

	// Fast path: a repeat of an already-placed external id returns the cached
	// order without touching the coordinator.
	idemKey := redisx.Key(redisx.KeyIdemOrderPlace, req.ExternalID)
	if id, err := h.Redis.Get(ctx, idemKey).Result(); err == nil && id != "" {
		if o, err := h.Coord.Orders.Get(ctx, id); err == nil {
			writeJSON(w, http.StatusOK, viewOf(o))
			return
		}
	}

	o, err := h.Coord.PlaceOrder(ctx, req)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrInsufficientStock):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "insufficient stock",
			"order": viewOf(o),
		})
		return
	case errors.Is(err, fulfill.ErrCustomerInvalid):
		writeError(w, http.StatusUnprocessableEntity, "customer is not valid for ordering")
		return
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusUnprocessableEntity, "unknown product in order lines")
		return
	default:
		log.Printf("http: place order %s failed: %v", req.ExternalID, err)
		writeError(w, http.StatusInternalServerError, "could not place order")
		return
	}

	if err := h.Redis.Set(ctx, idemKey, o.ID, redisx.TTLIdempotency).Err(); err != nil {
		log.Printf("http: idempotency cache set failed: %v", err)
	}
	log.Printf("http: order %s placed by %s", o.ID, Principal(ctx))
	writeJSON(w, http.StatusCreated, viewOf(o))
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	cacheKey := redisx.Key(redisx.KeyOrderStatus, id)
	if cached, err := h.Redis.Get(ctx, cacheKey).Result(); err == nil && cached != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(cached))
		return
	}

	o, err := h.Orders.Get(ctx, id)
	if errors.Is(err, orders.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		log.Printf("http: get order %s failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "could not load order")
		return
	}

	body, _ := json.Marshal(viewOf(o))
	ttl := redisx.TTLStatusCache
	if !orders.IsTerminal(o.Status) {
		ttl = ttl / 10 // in-flight orders change fast
	}
	if err := h.Redis.Set(ctx, cacheKey, body, ttl).Err(); err != nil {
		log.Printf("http: status cache set failed: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	o, err := h.Coord.Cancel(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, orders.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
		return
	case errors.Is(err, fulfill.ErrCancelNotAllowed):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error": "order can no longer be cancelled",
			"order": viewOf(o),
		})
		return
	default:
		log.Printf("http: cancel order %s failed: %v", id, err)
		writeError(w, http.StatusInternalServerError, "could not cancel order")
		return
	}

	// Drop the stale cached view so the next read sees CANCELLED.
	_ = h.Redis.Del(ctx, redisx.Key(redisx.KeyOrderStatus, id)).Err()
	writeJSON(w, http.StatusOK, viewOf(o))
}

func (h *Handlers) ListSales(w http.ResponseWriter, r *http.Request) {
	list, err := h.Sales.List(r.Context(), 200)
	if err != nil {
		log.Printf("http: list sales failed: %v", err)
		writeError(w, http.StatusInternalServerError, "could not list sales")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sales": list, "count": len(list)})
}

func (h *Handlers) SaleByOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	s, err := h.Sales.ByOrder(r.Context(), orderID)
	if errors.Is(err, sales.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no sale recorded for order")
		return
	}
	if err != nil {
		log.Printf("http: sale for order %s failed: %v", orderID, err)
		writeError(w, http.StatusInternalServerError, "could not load sale")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handlers) GetStock(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")
	locationID := chi.URLParam(r, "locationID")

	e, err := h.Ledger.Stock(r.Context(), productID, locationID)
	if errors.Is(err, ledger.ErrStockUnknown) {
		writeError(w, http.StatusNotFound, "no stock entry for product at location")
		return
	}
	if err != nil {
		log.Printf("http: stock %s/%s failed: %v", productID, locationID, err)
		writeError(w, http.StatusInternalServerError, "could not load stock")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"product_id":  e.ProductID,
		"location_id": e.LocationID,
		"on_hand":     e.OnHand,
		"reserved":    e.Reserved,
		"available":   e.Available(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("http: encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
