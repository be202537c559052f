package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("test")
	c.RecordTransition("task.accepted")
	c.RecordTransition("task.accepted")
	c.RecordSettlement("settled", 20*time.Millisecond)
	c.RecordWalletCall("transfer", nil)
	c.RecordWalletCall("transfer", errors.New("boom"))

	if got := testutil.ToFloat64(c.transitions.WithLabelValues("task.accepted")); got != 2 {
		t.Fatalf("transitions = %v", got)
	}
	if got := testutil.ToFloat64(c.walletCalls.WithLabelValues("transfer", "error")); got != 1 {
		t.Fatalf("wallet errors = %v", got)
	}
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordTransition("task.created")
	c.RecordSettlement("failed", time.Second)
	c.RecordWalletCall("lookup", nil)
	c.SetPendingSettlements(3)
	if c.Registry() != nil {
		t.Fatal("expected nil registry")
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("")
	c.RecordSettlement("recovered", time.Millisecond)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `bountyline_settlements_total{result="recovered"} 1`) {
		t.Fatalf("metrics output missing settlement counter:\n%s", rec.Body.String())
	}
}
