package runtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadyzReportsFailures(t *testing.T) {
	mux := NewBaseMuxWithReady(
		ReadyCheck{Name: "db", Check: func(context.Context) error { return nil }},
		ReadyCheck{Name: "kafka", Check: func(context.Context) error { return errors.New("no brokers") }},
	)

	rw := httptest.NewRecorder()
	mux.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rw.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rw.Code)
	}
	if !strings.Contains(rw.Body.String(), "kafka: no brokers") {
		t.Fatalf("unexpected body: %q", rw.Body.String())
	}

	rwHealth := httptest.NewRecorder()
	mux.ServeHTTP(rwHealth, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rwHealth.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rwHealth.Code)
	}
}
