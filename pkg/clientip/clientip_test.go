package clientip

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/JustCasey76/aqm-security-sub000/pkg/options"
)

func TestResolve(t *testing.T) {
	res := NewResolver(options.NewMemoryStore(nil), nil, nil)

	tests := []struct {
		name       string
		headers    map[string]string
		remoteAddr string
		want       string
	}{
		{"CloudflareWins", map[string]string{"CF-Connecting-IP": "1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, "9.9.9.9:80", "1.1.1.1"},
		{"ClientIP", map[string]string{"Client-IP": "3.3.3.3", "X-Forwarded-For": "2.2.2.2"}, "9.9.9.9:80", "3.3.3.3"},
		{"ForwardedForFirst", map[string]string{"X-Forwarded-For": " 4.4.4.4 , 10.0.0.1, 10.0.0.2"}, "9.9.9.9:80", "4.4.4.4"},
		{"XForwarded", map[string]string{"X-Forwarded": "5.5.5.5"}, "9.9.9.9:80", "5.5.5.5"},
		{"ForwardedFor", map[string]string{"Forwarded-For": "6.6.6.6"}, "9.9.9.9:80", "6.6.6.6"},
		{"Forwarded", map[string]string{"Forwarded": "7.7.7.7"}, "9.9.9.9:80", "7.7.7.7"},
		{"RemoteAddr", nil, "9.9.9.9:1234", "9.9.9.9"},
		{"RemoteAddrIPv6", nil, "[2001:db8::1]:443", "2001:db8::1"},
		{"RemoteAddrNoPort", nil, "8.8.4.4", "8.8.4.4"},
		{"Fallback", nil, "", Fallback},
		{"EmptyForwardedEntry", map[string]string{"X-Forwarded-For": ", 10.0.0.1"}, "9.9.9.9:80", "9.9.9.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := res.Resolve(req, false); got != tt.want {
				t.Errorf("Resolve() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveTestOverride(t *testing.T) {
	ctx := context.Background()
	store := options.NewMemoryStore(map[string]string{
		options.KeyTestMode: "1",
		options.KeyTestIP:   "8.8.8.8",
	})
	res := NewResolver(store, nil, nil)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("CF-Connecting-IP", "1.1.1.1")

	if got := res.Resolve(req, true); got != "8.8.8.8" {
		t.Errorf("Expected test IP with override, got %q", got)
	}
	if got := res.Resolve(req, false); got != "1.1.1.1" {
		t.Errorf("Expected header IP without override, got %q", got)
	}

	store.Set(ctx, options.KeyTestMode, "0")
	if got := res.Resolve(req, true); got != "1.1.1.1" {
		t.Errorf("Expected header IP when test mode is off, got %q", got)
	}

	store.Set(ctx, options.KeyTestMode, "1")
	store.Set(ctx, options.KeyTestIP, "  ")
	if got := res.Resolve(req, true); got != "1.1.1.1" {
		t.Errorf("Expected header IP when test IP is blank, got %q", got)
	}
}

func TestDirectAddr(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "10.0.0.5:5555"
	req.Header.Set("X-Forwarded-For", "1.2.3.4")
	if got := DirectAddr(req); got != "10.0.0.5" {
		t.Errorf("Expected connection address, got %q", got)
	}
}
