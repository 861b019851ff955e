package numa

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestAuthenticateStoresToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["grant_type"] != "client_credentials" || body["client_id"] != "runtime" {
			t.Errorf("unexpected token request: %v", body)
		}
		_ = json.NewEncoder(w).Encode(Token{AccessToken: "abc123", TokenType: "Bearer", ExpiresIn: 3600})
	})
	mux.HandleFunc("/api/v1/agents/agent-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer abc123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(Agent{ID: "agent-1", Balance: big.NewInt(42)})
	})
	client := newTestClient(t, mux)

	if _, err := client.Authenticate(context.Background(), "runtime", "secret"); err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got := client.AccessToken(); got != "abc123" {
		t.Fatalf("expected token abc123, got %q", got)
	}
	agent, err := client.GetAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Balance.Int64() != 42 {
		t.Fatalf("unexpected balance %v", agent.Balance)
	}
}

func TestPurchaseFailureKeepsCharge(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"code":"EXECUTION_FAILED","error":"provider returned 500","result":{"settlement_id":"s-1","success":false,"price":500,"balance":9500}}`))
	}))

	result, err := client.Purchase(context.Background(), Purchase{AgentID: "agent-1", Category: "weather"})
	if CodeOf(err) != "EXECUTION_FAILED" {
		t.Fatalf("unexpected error %v", err)
	}
	if result == nil || result.SettlementID != "s-1" || result.Balance.Int64() != 9500 {
		t.Fatalf("charged result should be returned: %+v", result)
	}
}

func TestErrorsCarryMarketCodes(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("max_price") != "1000" || r.URL.Query().Get("category") != "maps" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"NO_LISTINGS_AVAILABLE","error":"no listings match the request"}`))
	}))

	_, err := client.Listings(context.Background(), ListingQuery{Category: "maps", MaxPrice: big.NewInt(1000)})
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NO_LISTINGS_AVAILABLE" {
		t.Fatalf("unexpected error %#v", err)
	}
	if CodeOf(nil) != "" {
		t.Fatal("nil error has no code")
	}
}

func TestWaitForJobPollsUntilTerminal(t *testing.T) {
	var polls atomic.Int32
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := JobRunning
		if polls.Add(1) >= 3 {
			status = JobSucceeded
		}
		_ = json.NewEncoder(w).Encode(Job{ID: "job-1", Status: status})
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	job, err := client.WaitForJob(ctx, "job-1", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !job.Done() || polls.Load() != 3 {
		t.Fatalf("unexpected job %+v after %d polls", job, polls.Load())
	}
}
