// Package credit wraps the remote credit service in a compensating transaction:
// a recipe is charged once before its pipeline runs and refunded at most once
// when the pipeline fails.
package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Charge identifies one spend against a user's balance. The credit service
// treats RecipeID as the idempotency key.
type Charge struct {
	UserID   uuid.UUID `json:"user_id"`
	RecipeID uuid.UUID `json:"recipe_id"`
	Amount   int64     `json:"amount"`
}

// Client is the remote credit service.
type Client interface {
	Spend(ctx context.Context, c Charge) error
	Refund(ctx context.Context, c Charge) error
}

// HTTPClient implements Client over the credit service's JSON API.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a credit client for the service at baseURL.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// Spend debits the charge. 402 maps to insufficient credit, 404 to an unknown user.
func (c *HTTPClient) Spend(ctx context.Context, charge Charge) error {
	status, msg, err := c.post(ctx, "/credits/spend", charge)
	if err != nil {
		return &Error{Kind: KindUnavailable, Op: "spend", Err: err}
	}
	switch {
	case status == http.StatusOK:
		return nil
	case status == http.StatusPaymentRequired:
		return &Error{Kind: KindInsufficient, Op: "spend", Status: status, Message: msg}
	case status == http.StatusNotFound:
		return &Error{Kind: KindInvalidUser, Op: "spend", Status: status, Message: msg}
	default:
		return &Error{Kind: KindUnavailable, Op: "spend", Status: status, Message: msg}
	}
}

// Refund credits the charge back. 409 means the refund was already issued.
func (c *HTTPClient) Refund(ctx context.Context, charge Charge) error {
	status, msg, err := c.post(ctx, "/credits/refund", charge)
	if err != nil {
		return &Error{Kind: KindUnavailable, Op: "refund", Err: err}
	}
	switch status {
	case http.StatusOK:
		return nil
	case http.StatusConflict:
		return &Error{Kind: KindAlreadyRefunded, Op: "refund", Status: status, Message: msg}
	default:
		return &Error{Kind: KindUnavailable, Op: "refund", Status: status, Message: msg}
	}
}

func (c *HTTPClient) post(ctx context.Context, path string, payload any) (int, string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, "", nil
	}

	var errBody struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(raw, &errBody) == nil && errBody.Error != "" {
		return resp.StatusCode, errBody.Error, nil
	}
	return resp.StatusCode, strings.TrimSpace(string(raw)), nil
}
