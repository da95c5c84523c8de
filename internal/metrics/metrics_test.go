package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestHandlerServesPipelineCollectors(t *testing.T) {
	m := New()
	m.ObserveEvaluation("autonomous_approved", "confidence_above_threshold", 0.002)
	m.LedgerAppend("ok")

	body := scrape(t, m.Handler())
	if !strings.Contains(body, "loopgate_governance_evaluations_total") {
		t.Error("scrape should include the evaluation counter")
	}
	if !strings.Contains(body, `status="ok"`) {
		t.Error("scrape should include the ledger append status label")
	}
}

func TestNilMetricsAreInert(t *testing.T) {
	var m *Metrics
	m.ObserveEvaluation("x", "y", 0)
	m.ObserveApprovalWait(0)
	m.EmergencyEntered()
	m.LedgerAppend("error")
	m.SessionFrozen(1)

	// The nil handler serves an empty registry, never the global one.
	body := scrape(t, m.Handler())
	if strings.TrimSpace(body) != "" {
		t.Errorf("nil handler should expose nothing, got %q", body)
	}
}
