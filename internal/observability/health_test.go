package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version = "1.2.3"
	Commit = "abc1234"
	t.Cleanup(func() {
		Version = origVersion
		Commit = origCommit
	})

	handler := HandleHealth()
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("resp = %+v", resp)
	}
}

type mockHealthChecker struct {
	err   error
	delay time.Duration
}

func (m *mockHealthChecker) HealthCheck(ctx context.Context) error {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return m.err
}

func ready(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady(t *testing.T) {
	loaded := func() int { return 2 }
	tests := []struct {
		name       string
		checks     ReadinessChecks
		wantStatus int
		wantChecks int
		failing    string
	}{
		{
			name:       "definitions only",
			checks:     ReadinessChecks{ProcessesLoaded: loaded},
			wantStatus: http.StatusOK,
			wantChecks: 1,
		},
		{
			name: "all healthy",
			checks: ReadinessChecks{
				ProcessesLoaded:  loaded,
				Store:            &mockHealthChecker{},
				IdempotencyStore: &mockHealthChecker{},
			},
			wantStatus: http.StatusOK,
			wantChecks: 3,
		},
		{
			name:       "no processes",
			checks:     ReadinessChecks{ProcessesLoaded: func() int { return 0 }},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: 1,
			failing:    "definitions",
		},
		{
			name:       "nil definitions func",
			checks:     ReadinessChecks{},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: 1,
			failing:    "definitions",
		},
		{
			name: "store down",
			checks: ReadinessChecks{
				ProcessesLoaded: loaded,
				Store:           &mockHealthChecker{err: errors.New("connection refused")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: 2,
			failing:    "store",
		},
		{
			name: "idempotency store down",
			checks: ReadinessChecks{
				ProcessesLoaded:  loaded,
				IdempotencyStore: &mockHealthChecker{err: errors.New("redis: nil")},
			},
			wantStatus: http.StatusServiceUnavailable,
			wantChecks: 2,
			failing:    "idempotency_store",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, resp := ready(t, tt.checks)
			if code != tt.wantStatus {
				t.Errorf("status = %d, want %d", code, tt.wantStatus)
			}
			if len(resp.Checks) != tt.wantChecks {
				t.Errorf("checks = %d, want %d", len(resp.Checks), tt.wantChecks)
			}
			if tt.failing == "" {
				if resp.Status != "ready" {
					t.Errorf("status = %q, want ready", resp.Status)
				}
				return
			}
			if resp.Status != "not_ready" {
				t.Errorf("status = %q, want not_ready", resp.Status)
			}
			if c := resp.Checks[tt.failing]; c.Status != "error" || c.Error == "" {
				t.Errorf("%s = %+v, want error", tt.failing, c)
			}
		})
	}
}

func TestRunCheck_timeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result := runCheck(ctx, &mockHealthChecker{delay: time.Second})
	if result.Status != "error" {
		t.Errorf("status = %q, want error", result.Status)
	}
}

func TestHealthCheckFunc(t *testing.T) {
	want := errors.New("down")
	var c HealthChecker = HealthCheckFunc(func(context.Context) error { return want })
	if err := c.HealthCheck(context.Background()); !errors.Is(err, want) {
		t.Errorf("HealthCheck() = %v, want %v", err, want)
	}
}
