package observability

import (
	"net/http/httptest"
	"testing"
)

func TestServerRoutes(t *testing.T) {
	s := NewServer(":0")

	tests := []struct {
		path string
		body string
	}{
		{"/healthz", "ok"},
		{"/readyz", "ready"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.server.Handler.ServeHTTP(rec, httptest.NewRequest("GET", tt.path, nil))
			if rec.Code != 200 {
				t.Errorf("GET %s = %d, want 200", tt.path, rec.Code)
			}
			if rec.Body.String() != tt.body {
				t.Errorf("GET %s body = %q, want %q", tt.path, rec.Body.String(), tt.body)
			}
		})
	}

	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Errorf("GET /metrics = %d, want 200", rec.Code)
	}
}
