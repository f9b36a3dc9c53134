package http

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	if rl.Enabled() {
		t.Fatal("limiter with rpm 0 should be disabled")
	}
	for range 100 {
		if !rl.Allow("10.0.0.1") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
	var nilRL *RateLimiter
	if nilRL.Enabled() || !nilRL.Allow("x") {
		t.Error("nil limiter should allow everything")
	}
}

func TestRateLimiterPerKey(t *testing.T) {
	rl := NewRateLimiter(60, 2)
	if !rl.Allow("a") || !rl.Allow("a") {
		t.Fatal("burst rejected")
	}
	if rl.Allow("a") {
		t.Error("third request within burst window allowed")
	}
	if !rl.Allow("b") {
		t.Error("other client throttled")
	}
}

func TestDedupeCache(t *testing.T) {
	d := NewDedupeCache(50*time.Millisecond, 10)
	if d.IsDuplicate("k") {
		t.Fatal("first sighting reported as duplicate")
	}
	if !d.IsDuplicate("k") {
		t.Fatal("second sighting not reported")
	}
	d.Forget("k")
	if d.IsDuplicate("k") {
		t.Error("forgotten key still duplicate")
	}
	time.Sleep(120 * time.Millisecond)
	if d.IsDuplicate("k") {
		t.Error("key survived its ttl")
	}
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header, query, want string
	}{
		{"Bearer abc", "", "abc"},
		{"Basic abc", "", ""},
		{"", "tok", "tok"},
		{"Bearer abc", "tok", "abc"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/v1/displays?token="+tt.query, nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		if got := extractBearerToken(r); got != tt.want {
			t.Errorf("header %q query %q: got %q, want %q", tt.header, tt.query, got, tt.want)
		}
	}
	if !tokenMatch("anything", "") {
		t.Error("empty expected token should match")
	}
	if tokenMatch("a", "b") {
		t.Error("mismatched tokens matched")
	}
}
