package ebms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/allyelvis/aebus/internal/orders"
)

// gatewayStub simulates the EBMS endpoint: login issues a token, addInvoice
// behavior is scripted per call, getInvoice serves the recorded state.
type gatewayStub struct {
	mu        sync.Mutex
	calls     int
	script    []int // http status per addInvoice call; last entry repeats
	accepted  map[string]string
	refByCall string
}

func newStub(script ...int) *gatewayStub {
	return &gatewayStub{script: script, accepted: map[string]string{}, refByCall: "FR-001"}
}

func (g *gatewayStub) server(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
	})
	mux.HandleFunc("/addInvoice", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			IdemKey string `json:"idem_key"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		g.mu.Lock()
		status := g.script[min(g.calls, len(g.script)-1)]
		g.calls++
		// same idempotency key always maps to the same reference
		ref, seen := g.accepted[req.IdemKey]
		if !seen && status == http.StatusOK {
			ref = g.refByCall
			g.accepted[req.IdemKey] = ref
		}
		g.mu.Unlock()

		if status != http.StatusOK {
			if status >= 500 {
				w.WriteHeader(status)
				return
			}
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(map[string]any{"msg": "invalid fiscal data"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "fiscal_ref": ref})
	})
	mux.HandleFunc("/getInvoice", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			IdemKey string `json:"idem_key"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		g.mu.Lock()
		ref, ok := g.accepted[req.IdemKey]
		g.mu.Unlock()
		if ok {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "accepted", "fiscal_ref": ref})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "unknown"})
	})
	return httptest.NewServer(mux)
}

func (g *gatewayStub) addInvoiceCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func testClient(url string) *Client {
	return NewClient(Options{
		BaseURL:        url,
		Username:       "u",
		Password:       "p",
		Timeout:        time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
}

func testInvoice() (Invoice, string) {
	inv := BuildInvoice(
		orders.Order{ID: "ord-1", CustomerID: "cust-1", TotalCents: 2500},
		[]orders.LineItem{{OrderID: "ord-1", ProductID: "p1", Qty: 1, UnitPriceCents: 2500}},
	)
	return inv, IdempotencyKey(inv)
}

func TestSubmitRetriesTransientThenAccepts(t *testing.T) {
	stub := newStub(http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusOK)
	srv := stub.server(t)
	defer srv.Close()

	inv, key := testInvoice()
	res, err := testClient(srv.URL).Submit(context.Background(), inv, key)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Fatalf("outcome = %s, want ACCEPTED", res.Outcome)
	}
	if res.FiscalRef != "FR-001" {
		t.Fatalf("fiscal ref = %q, want FR-001", res.FiscalRef)
	}
	if got := stub.addInvoiceCalls(); got != 3 {
		t.Fatalf("addInvoice calls = %d, want 3", got)
	}
}

func TestSubmitValidationRejectionIsFinal(t *testing.T) {
	stub := newStub(http.StatusBadRequest)
	srv := stub.server(t)
	defer srv.Close()

	inv, key := testInvoice()
	res, err := testClient(srv.URL).Submit(context.Background(), inv, key)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeRejected {
		t.Fatalf("outcome = %s, want REJECTED", res.Outcome)
	}
	if res.Reason != "invalid fiscal data" {
		t.Fatalf("reason = %q", res.Reason)
	}
	if got := stub.addInvoiceCalls(); got != 1 {
		t.Fatalf("addInvoice calls = %d, want 1 (no retry on 4xx)", got)
	}
}

func TestSubmitExhaustedRetriesIsUnknownNotRejected(t *testing.T) {
	stub := newStub(http.StatusBadGateway)
	srv := stub.server(t)
	defer srv.Close()

	inv, key := testInvoice()
	res, err := testClient(srv.URL).Submit(context.Background(), inv, key)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeUnknown {
		t.Fatalf("outcome = %s, want UNKNOWN", res.Outcome)
	}
	if got := stub.addInvoiceCalls(); got != 3 {
		t.Fatalf("addInvoice calls = %d, want MaxAttempts=3", got)
	}
}

func TestSubmitRetriesRateLimitThenAccepts(t *testing.T) {
	stub := newStub(http.StatusTooManyRequests, http.StatusRequestTimeout, http.StatusOK)
	srv := stub.server(t)
	defer srv.Close()

	inv, key := testInvoice()
	res, err := testClient(srv.URL).Submit(context.Background(), inv, key)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAccepted {
		t.Fatalf("outcome = %s, throttling must not reject the invoice", res.Outcome)
	}
	if got := stub.addInvoiceCalls(); got != 3 {
		t.Fatalf("addInvoice calls = %d, want 3 (429/408 retried)", got)
	}
}

func TestSubmitUnclassifiedClientErrorIsUnknown(t *testing.T) {
	stub := newStub(http.StatusForbidden)
	srv := stub.server(t)
	defer srv.Close()

	inv, key := testInvoice()
	res, err := testClient(srv.URL).Submit(context.Background(), inv, key)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeUnknown {
		t.Fatalf("outcome = %s, want UNKNOWN (403 is not a validation verdict)", res.Outcome)
	}
	if got := stub.addInvoiceCalls(); got != 1 {
		t.Fatalf("addInvoice calls = %d, want 1", got)
	}
}

func TestResubmitSameKeyYieldsSameReference(t *testing.T) {
	stub := newStub(http.StatusOK)
	srv := stub.server(t)
	defer srv.Close()

	c := testClient(srv.URL)
	inv, key := testInvoice()

	first, err := c.Submit(context.Background(), inv, key)
	if err != nil {
		t.Fatal(err)
	}
	stub.mu.Lock()
	stub.refByCall = "FR-999" // would be handed out to a *new* key
	stub.mu.Unlock()

	second, err := c.Submit(context.Background(), inv, key)
	if err != nil {
		t.Fatal(err)
	}
	if first.FiscalRef != second.FiscalRef {
		t.Fatalf("resubmission changed reference: %q vs %q", first.FiscalRef, second.FiscalRef)
	}
}

func TestStatusLookupResolvesAccepted(t *testing.T) {
	stub := newStub(http.StatusOK)
	srv := stub.server(t)
	defer srv.Close()

	c := testClient(srv.URL)
	inv, key := testInvoice()
	if _, err := c.Submit(context.Background(), inv, key); err != nil {
		t.Fatal(err)
	}

	res, err := c.Status(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeAccepted || res.FiscalRef != "FR-001" {
		t.Fatalf("status lookup = %+v, want accepted FR-001", res)
	}
}

func TestStatusLookupUnknownForUnseenKey(t *testing.T) {
	stub := newStub(http.StatusOK)
	srv := stub.server(t)
	defer srv.Close()

	res, err := testClient(srv.URL).Status(context.Background(), "never-submitted")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeUnknown {
		t.Fatalf("outcome = %s, want UNKNOWN", res.Outcome)
	}
}

func TestIdempotencyKeyStability(t *testing.T) {
	inv, key := testInvoice()
	if again := IdempotencyKey(inv); again != key {
		t.Fatalf("same content produced different keys: %q vs %q", key, again)
	}

	changed := inv
	changed.TotalCents++
	if IdempotencyKey(changed) == key {
		t.Fatal("changed content produced the same key")
	}
}
