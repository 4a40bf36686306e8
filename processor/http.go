package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to the processor's REST API. Every request is bounded by
// the client timeout and by the caller's context; failed requests are not
// retried.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPClient returns a client for the API at baseURL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// FetchEvent retrieves a notification event by id.
func (c *HTTPClient) FetchEvent(ctx context.Context, id string) (*Event, error) {
	var ev Event
	if err := c.get(ctx, "/v1/events/"+url.PathEscape(id), &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// FetchPaymentIntent retrieves a payment intent.
func (c *HTTPClient) FetchPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	var pi PaymentIntent
	if err := c.get(ctx, "/v1/payment_intents/"+url.PathEscape(id), &pi); err != nil {
		return nil, err
	}
	return &pi, nil
}

// FetchCheckoutSession retrieves a hosted checkout session.
func (c *HTTPClient) FetchCheckoutSession(ctx context.Context, id string) (*CheckoutSession, error) {
	var cs CheckoutSession
	if err := c.get(ctx, "/v1/checkout/sessions/"+url.PathEscape(id), &cs); err != nil {
		return nil, err
	}
	return &cs, nil
}

// FetchCharge retrieves a charge by id.
func (c *HTTPClient) FetchCharge(ctx context.Context, id string) (*Charge, error) {
	var ch Charge
	if err := c.get(ctx, "/v1/charges/"+url.PathEscape(id), &ch); err != nil {
		return nil, err
	}
	return &ch, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("processor GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("processor GET %s: %w", path, ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("processor GET %s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("processor GET %s: decode: %w", path, err)
	}
	return nil
}
