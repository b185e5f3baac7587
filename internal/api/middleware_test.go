package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCORSMiddleware(t *testing.T) {
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name           string
		origins        []string
		method         string
		origin         string
		wantStatus     int
		wantCORSHeader bool
	}{
		{"no origin", []string{"*"}, "GET", "", http.StatusOK, false},
		{"wildcard origin", []string{"*"}, "GET", "http://localhost:3000", http.StatusOK, true},
		{"empty allowlist admits any", nil, "GET", "http://localhost:3000", http.StatusOK, true},
		{"listed origin", []string{"https://studio.example.com"}, "GET", "https://studio.example.com", http.StatusOK, true},
		{"unlisted origin", []string{"https://studio.example.com"}, "GET", "https://evil.example.com", http.StatusOK, false},
		{"preflight request", []string{"*"}, "OPTIONS", "http://localhost:3000", http.StatusNoContent, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := corsMiddleware(tt.origins)(okHandler)

			req := httptest.NewRequest(tt.method, "/api/v1/stats", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			w := httptest.NewRecorder()

			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}

			corsHeader := w.Header().Get("Access-Control-Allow-Origin")
			if tt.wantCORSHeader && corsHeader == "" {
				t.Error("expected CORS header to be set")
			}
			if !tt.wantCORSHeader && corsHeader != "" {
				t.Errorf("unexpected CORS header: %s", corsHeader)
			}
		})
	}
}

func TestCORSPreflightHeaders(t *testing.T) {
	handler := corsMiddleware([]string{"*"})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("OPTIONS", "/api/v1/stats", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") == "" {
		t.Error("missing Access-Control-Allow-Origin")
	}
	if w.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Error("missing Access-Control-Allow-Methods")
	}
	if w.Header().Get("Access-Control-Allow-Headers") == "" {
		t.Error("missing Access-Control-Allow-Headers")
	}
	if w.Header().Get("Access-Control-Max-Age") == "" {
		t.Error("missing Access-Control-Max-Age")
	}
}

func TestVisitorLimiter(t *testing.T) {
	rl := newVisitorLimiter(2, 2)

	if !rl.allow("127.0.0.1") {
		t.Error("first request should be allowed")
	}
	if !rl.allow("127.0.0.1") {
		t.Error("second request should be allowed (burst)")
	}
	if rl.allow("127.0.0.1") {
		t.Error("third request should be rate limited")
	}

	// A different key has its own bucket.
	if !rl.allow("192.168.1.1") {
		t.Error("different IP should be allowed")
	}
}

func TestVisitorLimiterDefaults(t *testing.T) {
	rl := newVisitorLimiter(0, 0)
	for i := 0; i < defaultRateLimitBurst; i++ {
		if !rl.allow("127.0.0.1") {
			t.Fatalf("request %d should fit the default burst", i+1)
		}
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl := newVisitorLimiter(1, 1)
	handler := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req1 := httptest.NewRequest("GET", "/test", nil)
	req1.RemoteAddr = "127.0.0.1:1234"
	w1 := httptest.NewRecorder()
	handler.ServeHTTP(w1, req1)

	if w1.Code != http.StatusOK {
		t.Errorf("first request status = %d, want %d", w1.Code, http.StatusOK)
	}

	req2 := httptest.NewRequest("GET", "/test", nil)
	req2.RemoteAddr = "127.0.0.1:1234"
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)

	if w2.Code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want %d", w2.Code, http.StatusTooManyRequests)
	}
	if w2.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header on rate limited response")
	}
}
