package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func doReadyz(t *testing.T, h *Handler) (int, result) {
	t.Helper()
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

func TestHealthzAlwaysOK(t *testing.T) {
	h := New()
	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyzAllPass(t *testing.T) {
	h := New(
		PingChecker("redis", stubPinger{}),
		PingChecker("bucket", stubPinger{}),
	)

	code, body := doReadyz(t, h)
	if code != http.StatusOK {
		t.Errorf("status = %d, want %d", code, http.StatusOK)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q", body.Status)
	}
	if body.Checks["redis"] != "ok" || body.Checks["bucket"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReadyzOneFails(t *testing.T) {
	h := New(
		PingChecker("redis", stubPinger{err: errors.New("connection refused")}),
		PingChecker("bucket", stubPinger{}),
	)

	code, body := doReadyz(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", code, http.StatusServiceUnavailable)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want fail", body.Status)
	}
	if body.Checks["redis"] != "fail: connection refused" {
		t.Errorf("redis check = %q", body.Checks["redis"])
	}
	if body.Checks["bucket"] != "ok" {
		t.Errorf("bucket check = %q", body.Checks["bucket"])
	}
}

func TestReadyzNoCheckers(t *testing.T) {
	code, body := doReadyz(t, New())
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("code = %d, status = %q", code, body.Status)
	}
}

func TestReadyzAllFail(t *testing.T) {
	h := New(
		PingChecker("redis", stubPinger{err: errors.New("timeout")}),
		PingChecker("bucket", stubPinger{err: errors.New("permission denied")}),
	)

	code, body := doReadyz(t, h)
	if code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", code)
	}
	if body.Checks["redis"] != "fail: timeout" || body.Checks["bucket"] != "fail: permission denied" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestRegisterRoutes(t *testing.T) {
	h := New(PingChecker("redis", stubPinger{}))
	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest("GET", path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

func TestReadyzRespectsRequestContext(t *testing.T) {
	h := New(Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
