package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "10.0.0.1, 10.0.0.2"}, "1.2.3.4:5", "10.0.0.1"},
		{"real ip", map[string]string{"X-Real-IP": " 10.0.0.9 "}, "1.2.3.4:5", "10.0.0.9"},
		{"peer", nil, "1.2.3.4:5", "1.2.3.4"},
		{"peer without port", nil, "1.2.3.4", "1.2.3.4"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("clientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

type brokenLimiter struct{ keys []string }

func (b *brokenLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	b.keys = append(b.keys, key)
	return false, errors.New("redis down")
}

func TestRateLimitFailsOpen(t *testing.T) {
	lim := &brokenLimiter{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := RateLimit(lim, 1, time.Second, logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "9.9.9.9:1"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusTeapot {
		t.Errorf("status = %d, want pass-through", rec.Code)
	}
	if len(lim.keys) != 1 || lim.keys[0] != "api:9.9.9.9" {
		t.Errorf("keys = %v", lim.keys)
	}
}

func TestLoggingRecordsStatus(t *testing.T) {
	var rec *statusRecorder
	h := Logging(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		rec = w.(*statusRecorder)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("gone"))
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	if rec.status != http.StatusNotFound || rec.bytes != 4 {
		t.Errorf("recorded status=%d bytes=%d", rec.status, rec.bytes)
	}
}
