package monitoring

import (
	"net/http/httptest"
	"testing"
)

func TestLossFailureDrivesCriticalStatus(t *testing.T) {
	hm := NewHealthMonitor(0, 4)
	hm.SetEngineReachable(true)
	if got := hm.getHealthStatus().Status; got != "healthy" {
		t.Fatalf("initial status = %q, want healthy", got)
	}

	hm.RecordLossFailure("rank 2: found NaN in local forward loss calculation")

	st := hm.getHealthStatus()
	if st.Status != "critical" {
		t.Errorf("status after loss failure = %q, want critical", st.Status)
	}
	if len(st.Alerts) != 1 || st.Alerts[0].Level != "critical" || st.Alerts[0].Component != "loss" {
		t.Fatalf("alerts = %+v, want one critical loss alert", st.Alerts)
	}

	hm.ResolveAlert(0)
	if got := hm.getHealthStatus().Status; got != "healthy" {
		t.Errorf("status after resolve = %q, want healthy", got)
	}
}

func TestResolveAlertEndpoint(t *testing.T) {
	hm := NewHealthMonitor(0, 1)
	hm.SetEngineReachable(true)
	hm.RecordLossFailure("loss went non-finite")

	w := httptest.NewRecorder()
	hm.handleResolveAlert(w, httptest.NewRequest("POST", "/admin/resolve-alert?index=0", nil))
	if w.Code != 200 {
		t.Fatalf("resolve-alert status = %d, want 200", w.Code)
	}

	hm.mu.RLock()
	alert := hm.alerts[0]
	hm.mu.RUnlock()
	if !alert.Resolved || alert.ResolvedAt == nil {
		t.Errorf("alert = %+v, want resolved with timestamp", alert)
	}

	w = httptest.NewRecorder()
	hm.handleResolveAlert(w, httptest.NewRequest("GET", "/admin/resolve-alert?index=0", nil))
	if w.Code != 405 {
		t.Errorf("GET resolve-alert status = %d, want 405", w.Code)
	}

	w = httptest.NewRecorder()
	hm.handleResolveAlert(w, httptest.NewRequest("POST", "/admin/resolve-alert", nil))
	if w.Code != 400 {
		t.Errorf("resolve-alert without index status = %d, want 400", w.Code)
	}
}
