package service

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestMonitorEndpoints(t *testing.T) {
	t.Parallel()
	st := testStore(t)
	s := NewMonitorService(testConfig(), st, testLogger())
	if err := s.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}

	ctx := context.Background()
	if err := st.ApplyFill(ctx, "BTC/USDT", "paper", "trend", 2, 100, 90); err != nil {
		t.Fatalf("seed position: %v", err)
	}
	s.collect(ctx)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		s.server.Handler.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		return rec
	}

	if rec := get("/live"); rec.Code != 200 {
		t.Errorf("/live = %d", rec.Code)
	}
	if rec := get("/ready"); rec.Code != 200 {
		t.Errorf("/ready = %d", rec.Code)
	}

	rec := get("/metrics")
	if rec.Code != 200 {
		t.Fatalf("/metrics = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "tradepipe_open_positions 1") {
		t.Errorf("open positions gauge missing:\n%s", body)
	}
	if !strings.Contains(body, "tradepipe_open_risk 20") {
		t.Errorf("open risk gauge missing:\n%s", body)
	}
}
