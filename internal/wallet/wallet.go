// Package wallet is a typed client for the wallet resources the dashboard
// renders. It rides on the transport pipeline, so authentication headers,
// renew-and-retry, and rate-limit handling apply to every call; business
// rules stay server-side.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"finbridge.org/internal/ids"
	"finbridge.org/internal/transport"
)

// Money is an amount in minor units of a currency.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

// Account is a wallet account as the API reports it.
type Account struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	CreatedAt time.Time        `json:"created_at"`
	Balances  map[string]int64 `json:"balances"`
}

// Transfer is a completed transfer between two accounts.
type Transfer struct {
	ID             string    `json:"id"`
	FromAccountID  string    `json:"from_account_id"`
	ToAccountID    string    `json:"to_account_id"`
	Currency       string    `json:"currency"`
	Amount         int64     `json:"amount"`
	IdempotencyKey string    `json:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// TransferRequest describes a transfer to create. An empty IdempotencyKey is
// filled with a fresh ULID so an interrupted call can be replayed safely.
type TransferRequest struct {
	FromAccountID  string `json:"from_account_id"`
	ToAccountID    string `json:"to_account_id"`
	Currency       string `json:"currency"`
	Amount         int64  `json:"amount"`
	IdempotencyKey string `json:"-"`
}

// Client talks to the wallet endpoints through an authenticated HTTP client.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// NewClient builds a wallet client. httpc is expected to carry the transport
// pipeline; a plain client works too, the calls just go out unauthenticated.
func NewClient(baseURL string, httpc *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("wallet: base URL is required")
	}
	if httpc == nil {
		httpc = http.DefaultClient
	}
	return &Client{baseURL: baseURL, httpc: httpc}, nil
}

// Accounts lists the accounts visible to the session.
func (c *Client) Accounts(ctx context.Context) ([]Account, error) {
	var out struct {
		Items []Account `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/wallet/accounts", nil, "", &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

// Account fetches one account by id.
func (c *Client) Account(ctx context.Context, id string) (Account, error) {
	var out Account
	if err := c.do(ctx, http.MethodGet, "/wallet/accounts/"+url.PathEscape(id), nil, "", &out); err != nil {
		return Account{}, err
	}
	return out, nil
}

// CreateTransfer submits a transfer. The idempotency key travels as a header
// so the server can dedupe replays of the same submission.
func (c *Client) CreateTransfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	key := req.IdempotencyKey
	if key == "" {
		key = ids.New()
	}
	var out Transfer
	if err := c.do(ctx, http.MethodPost, "/wallet/transfers", req, key, &out); err != nil {
		return Transfer{}, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload any, idemKey string, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set("Idempotency-Key", idemKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	if err := transport.CheckResponse(resp); err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}
