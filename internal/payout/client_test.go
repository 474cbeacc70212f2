package payout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var recipient = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func TestTransfer_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Fatalf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/api/payouts" {
			t.Fatalf("path = %s, want /api/payouts", r.URL.Path)
		}
		if r.Header.Get("Idempotency-Key") != "ref-1" {
			t.Fatalf("idempotency key = %q, want ref-1", r.Header.Get("Idempotency-Key"))
		}

		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Amount != "1500" || req.Reference != "ref-1" {
			t.Fatalf("unexpected request: %+v", req)
		}
		if !strings.EqualFold(req.Address, recipient.Hex()) {
			t.Fatalf("address = %s, want %s", req.Address, recipient.Hex())
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Transfer(ctx, recipient, uint256.NewInt(1500), "ref-1"); err != nil {
		t.Fatalf("Transfer error: %v", err)
	}
}

func TestTransfer_RejectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	client := NewClient(ts.URL)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := client.Transfer(ctx, recipient, uint256.NewInt(1), "ref-2")
	if err == nil {
		t.Fatalf("expected error for 503")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("error %q does not mention status", err)
	}
}

func TestTransfer_AddsSchemeToBareHost(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(strings.TrimPrefix(ts.URL, "http://") + "/")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := client.Transfer(ctx, recipient, uint256.NewInt(1), "ref-3"); err != nil {
		t.Fatalf("Transfer error: %v", err)
	}
}

func TestTransfer_NilClient(t *testing.T) {
	var client *Client
	if err := client.Transfer(context.Background(), recipient, uint256.NewInt(1), "ref"); err == nil {
		t.Fatalf("expected error for nil client")
	}
}
