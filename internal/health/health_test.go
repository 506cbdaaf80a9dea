package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func readyz(t *testing.T, h *Handler) (*httptest.ResponseRecorder, result) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))
	return rec, decode(t, rec)
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New(Checker{Name: "x", Critical: true, Check: func(context.Context) error { return errors.New("down") }})

	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decode(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	ok := func(context.Context) error { return nil }
	fail := func(context.Context) error { return errors.New("broken") }

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
	}{
		{"no checkers", nil, http.StatusOK, "ok"},
		{"all pass", []Checker{{Name: "a", Critical: true, Check: ok}, {Name: "b", Check: ok}}, http.StatusOK, "ok"},
		{"non-critical fails", []Checker{{Name: "a", Critical: true, Check: ok}, {Name: "b", Check: fail}}, http.StatusOK, "degraded"},
		{"critical fails", []Checker{{Name: "a", Critical: true, Check: fail}, {Name: "b", Check: fail}}, http.StatusServiceUnavailable, "fail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, body := readyz(t, New(tt.checkers...))
			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for _, c := range tt.checkers {
				if _, ok := body.Checks[c.Name]; !ok {
					t.Errorf("missing check %q in %v", c.Name, body.Checks)
				}
			}
		})
	}
}

func TestReadyz_FailureMessage(t *testing.T) {
	_, body := readyz(t, New(Checker{Name: "store", Check: func(context.Context) error { return errors.New("disk full") }}))
	if got := body.Checks["store"]; got != "fail: disk full" {
		t.Errorf("checks[store] = %q", got)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(Checker{Name: "slow", Critical: true, Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
}

func TestFlagAndWant(t *testing.T) {
	degraded := true
	state := "reconnecting"
	h := New(
		Flag("store", func() bool { return degraded }),
		Want("session", "open", func() string { return state }),
	)

	rec, body := readyz(t, h)
	if rec.Code != http.StatusServiceUnavailable || body.Checks["session"] != "fail: reconnecting, want open" {
		t.Errorf("code = %d, checks = %v", rec.Code, body.Checks)
	}

	state = "open"
	rec, body = readyz(t, h)
	if rec.Code != http.StatusOK || body.Status != "degraded" {
		t.Errorf("code = %d, status = %q", rec.Code, body.Status)
	}

	degraded = false
	if _, body = readyz(t, h); body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	r := chi.NewRouter()
	New().Register(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d", path, resp.StatusCode)
		}
	}

	resp, err := http.Post(srv.URL+"/healthz", "text/plain", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("POST /healthz = %d, want 405", resp.StatusCode)
	}
}
