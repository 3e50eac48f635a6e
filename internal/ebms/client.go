// Package ebms wraps the fiscal authority endpoint (EBMS, the electronic
// billing gateway). It owns request building, idempotent submission, retry
// with backoff and the status lookup used for reconciliation. Transient
// failures never leak out of this package; callers only see the three-way
// outcome Accepted / Rejected / Unknown.
package ebms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRejected Outcome = "REJECTED"
	// OutcomeUnknown: the invoice may or may not be filed. Only a status
	// lookup resolves it; resubmitting could double-file.
	OutcomeUnknown Outcome = "UNKNOWN"
)

type Result struct {
	Outcome   Outcome
	FiscalRef string // verbatim from the authority, empty unless accepted
	Reason    string // authority message on rejection
}

type Options struct {
	BaseURL        string
	TIN            string
	Username       string
	Password       string
	Timeout        time.Duration // per attempt
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type Client struct {
	opts Options
	http *http.Client

	mu    sync.Mutex
	token string
}

func NewClient(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 4
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	return &Client{opts: opts, http: &http.Client{Timeout: opts.Timeout}}
}

// Submit sends the invoice under the given idempotency key. The returned
// error is non-nil only for internal failures (marshalling, cancelled
// context); every gateway-side condition is expressed in the Result.
func (c *Client) Submit(ctx context.Context, inv Invoice, idemKey string) (Result, error) {
	body, err := json.Marshal(struct {
		Invoice
		IdemKey string `json:"idem_key"`
		TIN     string `json:"tin"`
	}{inv, idemKey, c.opts.TIN})
	if err != nil {
		return Result{}, err
	}
	return c.exchange(ctx, "addInvoice", body)
}

// Status looks up a prior submission by idempotency key. Used by the
// reconciler to resolve UNKNOWN outcomes without resubmitting.
func (c *Client) Status(ctx context.Context, idemKey string) (Result, error) {
	body, err := json.Marshal(map[string]string{"idem_key": idemKey, "tin": c.opts.TIN})
	if err != nil {
		return Result{}, err
	}
	return c.exchange(ctx, "getInvoice", body)
}

// exchange runs one logical call with the retry policy: transient failures
// (network errors, 5xx) retried with exponential backoff and jitter up to
// MaxAttempts, 4xx classified REJECTED immediately, exhausted retries
// classified UNKNOWN and never REJECTED.
func (c *Client) exchange(ctx context.Context, endpoint string, body []byte) (Result, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	bo.MaxInterval = c.opts.MaxBackoff
	bo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(c.opts.MaxAttempts-1)), ctx)

	res, err := backoff.RetryWithData(func() (Result, error) {
		res, retryErr := c.attempt(ctx, endpoint, body)
		if retryErr != nil {
			log.Printf("ebms: %s transient failure: %v", endpoint, retryErr)
			return Result{}, retryErr
		}
		return res, nil
	}, policy)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		// Retry bound exceeded. The request may have been delivered, so the
		// outcome is ambiguous, not a rejection.
		return Result{Outcome: OutcomeUnknown, Reason: err.Error()}, nil
	}
	return res, nil
}

// attempt performs a single HTTP exchange. A non-nil error means transient.
func (c *Client) attempt(ctx context.Context, endpoint string, body []byte) (Result, error) {
	token, err := c.bearer(ctx, false)
	if err != nil {
		return Result{}, err
	}

	resp, err := c.post(ctx, endpoint, token, body)
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		if token, err = c.bearer(ctx, true); err != nil {
			return Result{}, err
		}
		if resp, err = c.post(ctx, endpoint, token, body); err != nil {
			return Result{}, err
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, err
	}

	switch {
	case resp.StatusCode >= 500,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests:
		// Server trouble or throttling, not a verdict on the invoice.
		return Result{}, fmt.Errorf("ebms %s: status %d", endpoint, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnprocessableEntity:
		// Validation failure: resubmission cannot succeed without a content
		// change, so this is final.
		return Result{Outcome: OutcomeRejected, Reason: rejectionReason(raw, resp.StatusCode)}, nil
	case resp.StatusCode >= 400:
		// Anything else in the 4xx range says nothing about whether the
		// invoice was filed. Ambiguous, never a synthetic rejection.
		return Result{Outcome: OutcomeUnknown, Reason: rejectionReason(raw, resp.StatusCode)}, nil
	}

	var payload struct {
		Success   bool   `json:"success"`
		Status    string `json:"status"` // getInvoice: accepted|rejected|unknown
		FiscalRef string `json:"fiscal_ref"`
		Msg       string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Result{}, fmt.Errorf("ebms %s: malformed response: %w", endpoint, err)
	}

	switch payload.Status {
	case "", "accepted":
		if payload.Status == "" && !payload.Success {
			return Result{Outcome: OutcomeRejected, Reason: payload.Msg}, nil
		}
		return Result{Outcome: OutcomeAccepted, FiscalRef: payload.FiscalRef}, nil
	case "rejected":
		return Result{Outcome: OutcomeRejected, Reason: payload.Msg}, nil
	default:
		return Result{Outcome: OutcomeUnknown, Reason: payload.Msg}, nil
	}
}

func (c *Client) post(ctx context.Context, endpoint, token string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return c.http.Do(req)
}

// bearer returns the cached token, logging in when absent or forced.
func (c *Client) bearer(ctx context.Context, force bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && !force {
		return c.token, nil
	}

	body, _ := json.Marshal(map[string]string{
		"username": c.opts.Username,
		"password": c.opts.Password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+"/login", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ebms login: status %d", resp.StatusCode)
	}

	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	c.token = out.Token
	return c.token, nil
}

func rejectionReason(raw []byte, code int) string {
	var payload struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Msg != "" {
		return payload.Msg
	}
	return fmt.Sprintf("status %d", code)
}
