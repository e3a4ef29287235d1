package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"finbridge.org/internal/transport"
)

func TestAccountsDecodesList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/wallet/accounts" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"acc-1","name":"Main","balances":{"USD":1250}},{"id":"acc-2","name":"Savings"}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	accounts, err := c.Accounts(context.Background())
	if err != nil {
		t.Fatalf("Accounts: %v", err)
	}
	if len(accounts) != 2 || accounts[0].ID != "acc-1" || accounts[0].Balances["USD"] != 1250 {
		t.Fatalf("unexpected accounts: %+v", accounts)
	}
}

func TestAccountEscapesID(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.EscapedPath()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"acc/1"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, nil)
	if _, err := c.Account(context.Background(), "acc/1"); err != nil {
		t.Fatalf("Account: %v", err)
	}
	if gotPath != "/wallet/accounts/acc%2F1" {
		t.Fatalf("account id must be path-escaped, got %q", gotPath)
	}
}

func TestCreateTransferSendsIdempotencyKey(t *testing.T) {
	var gotKey string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"tx-1","from_account_id":"acc-1","to_account_id":"acc-2","currency":"USD","amount":420}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, nil)
	tx, err := c.CreateTransfer(context.Background(), TransferRequest{
		FromAccountID:  "acc-1",
		ToAccountID:    "acc-2",
		Currency:       "USD",
		Amount:         420,
		IdempotencyKey: "replay-1",
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if tx.ID != "tx-1" || tx.Amount != 420 {
		t.Fatalf("unexpected transfer: %+v", tx)
	}
	if gotKey != "replay-1" {
		t.Fatalf("unexpected idempotency key: %q", gotKey)
	}
	if gotBody["from_account_id"] != "acc-1" || gotBody["amount"] != float64(420) {
		t.Fatalf("unexpected body: %v", gotBody)
	}
}

func TestCreateTransferGeneratesKeyWhenAbsent(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"tx-2"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, nil)
	if _, err := c.CreateTransfer(context.Background(), TransferRequest{FromAccountID: "a", ToAccountID: "b", Currency: "USD", Amount: 1}); err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}
	if gotKey == "" {
		t.Fatal("expected a generated idempotency key")
	}
}

func TestErrorsCarryAPIDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"insufficient funds","request_id":"req-3"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, nil)
	_, err := c.CreateTransfer(context.Background(), TransferRequest{FromAccountID: "a", ToAccountID: "b", Currency: "USD", Amount: 1})
	var apiErr *transport.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || apiErr.Message != "insufficient funds" || apiErr.RequestID != "req-3" {
		t.Fatalf("unexpected APIError: %+v", apiErr)
	}
}
