package metrics

import (
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSettlementCounters(t *testing.T) {
	before := testutil.ToFloat64(settlementsTotal.WithLabelValues("success"))
	ObserveSettlement("success", 20*time.Millisecond)
	if got := testutil.ToFloat64(settlementsTotal.WithLabelValues("success")); got != before+1 {
		t.Fatalf("expected counter to grow by one, got %v -> %v", before, got)
	}

	SetAgentBalance("agent-m", big.NewInt(500_000))
	if got := testutil.ToFloat64(agentBalance.WithLabelValues("agent-m")); got != 500_000 {
		t.Fatalf("unexpected balance gauge %v", got)
	}

	AddCharged("prov-m", big.NewInt(0))
	AddCharged("prov-m", big.NewInt(42))
	if got := testutil.ToFloat64(chargedTotal.WithLabelValues("prov-m")); got != 42 {
		t.Fatalf("unexpected charged total %v", got)
	}
}

func TestHandlerExposesHTTPMetrics(t *testing.T) {
	ObserveHTTPRequest("/api/v1/listings", http.MethodGet, http.StatusOK, 15*time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `numa_http_requests_total{code="200",handler="/api/v1/listings",method="GET"}`) {
		t.Fatalf("request counter missing from exposition")
	}
}
