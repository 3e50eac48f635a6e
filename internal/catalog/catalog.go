// Package catalog holds the read-only contracts with the Catalog and
// Customer services. Both live outside this core; absence of a referenced
// entity is a permanent order-rejection cause, never retried.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

var ErrNotFound = errors.New("not found")

type Product struct {
	ID         string `json:"id"`
	SKU        string `json:"sku"`
	Unit       string `json:"unit"`
	PriceCents int    `json:"price_cents"`
}

type Products interface {
	Product(ctx context.Context, id string) (Product, error)
}

type Customers interface {
	// CustomerValid reports whether the customer exists and may place
	// orders. ErrNotFound for an unknown id.
	CustomerValid(ctx context.Context, id string) (bool, error)
}

// Client talks to the catalog/customer HTTP endpoints. It implements both
// Products and Customers since the CRM exposes them on one base URL.
type Client struct {
	base string
	http *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{base: baseURL, http: &http.Client{Timeout: timeout}}
}

func (c *Client) Product(ctx context.Context, id string) (Product, error) {
	var p Product
	if err := c.getJSON(ctx, "/products/"+id, &p); err != nil {
		return Product{}, err
	}
	return p, nil
}

func (c *Client) CustomerValid(ctx context.Context, id string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := c.getJSON(ctx, "/customers/"+id, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("catalog %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
