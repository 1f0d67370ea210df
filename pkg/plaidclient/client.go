/**
 * @description
 * This package provides a client for interacting with the Plaid API. It
 * encapsulates the logic for making authenticated HTTP requests to the
 * transactions, accounts and webhook-verification endpoints, handling
 * request body construction, response parsing, and bounded retries on
 * rate-limit responses.
 *
 * @dependencies
 * - bytes, context, encoding/json, fmt, net/http, time: Standard Go libraries.
 */
package plaidclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ledgerline/sync-service/internal/domain"
)

const (
	// Retry budget for 429 responses. The backoff is local to one HTTP call,
	// never to a whole sync run.
	maxAttempts    = 3
	initialBackoff = 500 * time.Millisecond
)

// Client is a client for the Plaid API.
type Client struct {
	BaseURL    string
	ClientID   string
	Secret     string
	HTTPClient *http.Client
}

// NewClient creates a new Plaid API client. The timeout bounds every
// individual upstream call so an orchestrator run can never hang on one
// request.
func NewClient(baseURL, clientID, secret string) *Client {
	return &Client{
		BaseURL:  baseURL,
		ClientID: clientID,
		Secret:   secret,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// TransactionsSyncRequest is the payload for the cursor-based incremental endpoint.
type TransactionsSyncRequest struct {
	ClientID    string `json:"client_id"`
	Secret      string `json:"secret"`
	AccessToken string `json:"access_token"`
	Cursor      string `json:"cursor,omitempty"`
	Count       int    `json:"count,omitempty"`
}

// TransactionsSyncResponse is the delta returned by one incremental round.
type TransactionsSyncResponse struct {
	Added    []domain.PlaidTransaction `json:"added"`
	Modified []domain.PlaidTransaction `json:"modified"`
	Removed  []struct {
		TransactionID string `json:"transaction_id"`
	} `json:"removed"`
	NextCursor string `json:"next_cursor"`
	HasMore    bool   `json:"has_more"`
}

// TransactionsGetRequest is the payload for the windowed snapshot endpoint.
type TransactionsGetRequest struct {
	ClientID    string `json:"client_id"`
	Secret      string `json:"secret"`
	AccessToken string `json:"access_token"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Options     struct {
		Count int `json:"count,omitempty"`
	} `json:"options,omitempty"`
}

// TransactionsGetResponse is the full window returned in snapshot mode.
type TransactionsGetResponse struct {
	Transactions      []domain.PlaidTransaction `json:"transactions"`
	TotalTransactions int                       `json:"total_transactions"`
}

// AccountsGetResponse carries the connection's accounts with fresh balances.
type AccountsGetResponse struct {
	Accounts []domain.PlaidAccount `json:"accounts"`
}

// WebhookKey is the JWK served by the provider's key-distribution endpoint.
type WebhookKey struct {
	Alg       string `json:"alg"`
	Crv       string `json:"crv"`
	Kid       string `json:"kid"`
	Kty       string `json:"kty"`
	Use       string `json:"use"`
	X         string `json:"x"`
	Y         string `json:"y"`
	CreatedAt int64  `json:"created_at"`
	ExpiredAt *int64 `json:"expired_at"`
}

// ErrorResponse represents an error body from the Plaid API.
type ErrorResponse struct {
	StatusCode   int    `json:"-"`
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
	RequestID    string `json:"request_id"`
}

func (e *ErrorResponse) Error() string {
	if e.ErrorCode != "" {
		return fmt.Sprintf("plaid api error: %s - %s", e.ErrorCode, e.ErrorMessage)
	}
	return fmt.Sprintf("plaid api error (status %d)", e.StatusCode)
}

// IsRateLimited reports whether the provider throttled the call.
func (e *ErrorResponse) IsRateLimited() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.ErrorType == "RATE_LIMIT_EXCEEDED"
}

// SyncTransactions issues one cursor-based incremental round.
func (c *Client) SyncTransactions(ctx context.Context, accessToken, cursor string, count int) (*TransactionsSyncResponse, error) {
	req := TransactionsSyncRequest{
		ClientID:    c.ClientID,
		Secret:      c.Secret,
		AccessToken: accessToken,
		Cursor:      cursor,
		Count:       count,
	}
	var resp TransactionsSyncResponse
	if err := c.post(ctx, "/transactions/sync", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTransactions fetches the full trailing window used in snapshot mode.
func (c *Client) GetTransactions(ctx context.Context, accessToken string, startDate, endDate time.Time, count int) (*TransactionsGetResponse, error) {
	req := TransactionsGetRequest{
		ClientID:    c.ClientID,
		Secret:      c.Secret,
		AccessToken: accessToken,
		StartDate:   startDate.Format("2006-01-02"),
		EndDate:     endDate.Format("2006-01-02"),
	}
	req.Options.Count = count
	var resp TransactionsGetResponse
	if err := c.post(ctx, "/transactions/get", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAccounts fetches the connection's accounts with current balances.
func (c *Client) GetAccounts(ctx context.Context, accessToken string) (*AccountsGetResponse, error) {
	req := struct {
		ClientID    string `json:"client_id"`
		Secret      string `json:"secret"`
		AccessToken string `json:"access_token"`
	}{c.ClientID, c.Secret, accessToken}
	var resp AccountsGetResponse
	if err := c.post(ctx, "/accounts/get", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetWebhookVerificationKey fetches the JWK for a webhook token's key id.
func (c *Client) GetWebhookVerificationKey(ctx context.Context, keyID string) (*WebhookKey, error) {
	req := struct {
		ClientID string `json:"client_id"`
		Secret   string `json:"secret"`
		KeyID    string `json:"key_id"`
	}{c.ClientID, c.Secret, keyID}
	var resp struct {
		Key WebhookKey `json:"key"`
	}
	if err := c.post(ctx, "/webhook_verification_key/get", req, &resp); err != nil {
		return nil, err
	}
	return &resp.Key, nil
}

// post executes one JSON request against the Plaid API. A 429 is retried
// with exponential backoff up to maxAttempts; every other non-2xx status is
// returned immediately as an *ErrorResponse.
func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request for %s: %w", path, err)
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL+path, bytes.NewBuffer(body))
		if err != nil {
			return fmt.Errorf("failed to create request for %s: %w", path, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			return fmt.Errorf("failed to execute request for %s: %w", path, err)
		}

		bodyBytes, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("failed to read response for %s: %w", path, err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if err := json.Unmarshal(bodyBytes, out); err != nil {
				return fmt.Errorf("failed to decode response for %s: %w", path, err)
			}
			return nil
		}

		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			log.Printf("level=warn component=plaid_client op=%s status=%d msg=\"non-2xx response (unparsable error body)\"", path, resp.StatusCode)
		} else {
			log.Printf("level=warn component=plaid_client op=%s status=%d error_code=%q msg=%q", path, resp.StatusCode, errResp.ErrorCode, errResp.ErrorMessage)
		}

		if !errResp.IsRateLimited() || attempt == maxAttempts {
			return errResp
		}
		lastErr = errResp

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}
