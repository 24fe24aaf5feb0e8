package visitor

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/JustCasey76/aqm-security-sub000/pkg/clientip"
	"github.com/JustCasey76/aqm-security-sub000/pkg/geo"
	"github.com/JustCasey76/aqm-security-sub000/pkg/options"
)

// MockGeolocator records lookups and invalidations
type MockGeolocator struct {
	lookups     []string
	invalidated []string
	err         error
}

func (m *MockGeolocator) Lookup(ctx context.Context, ip string) (geo.Result, error) {
	m.lookups = append(m.lookups, ip)
	if m.err != nil {
		return geo.Result{}, m.err
	}
	return geo.Stub(ip), nil
}

func (m *MockGeolocator) Invalidate(ctx context.Context, ip string) error {
	m.invalidated = append(m.invalidated, ip)
	return nil
}

func newResolver(store options.Store, g *MockGeolocator) *Resolver {
	return NewResolver(clientip.NewResolver(store, nil, nil), g, store, nil, nil)
}

func TestNewRecord(t *testing.T) {
	now := time.Unix(1700000000, 0)
	r := NewRecord("", geo.Stub("x"), now)
	if r.IP != clientip.Fallback {
		t.Errorf("Expected fallback IP, got %q", r.IP)
	}
	if !r.Timestamp.Equal(now) || r.CountryCode != "US" || r.IsBlocked {
		t.Errorf("Unexpected record: %+v", r)
	}
}

func TestResolve(t *testing.T) {
	ctx := context.Background()

	t.Run("HeaderIP", func(t *testing.T) {
		g := &MockGeolocator{}
		res := newResolver(options.NewMemoryStore(nil), g)
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Forwarded-For", "8.8.8.8, 10.0.0.1")

		rec := res.Resolve(ctx, req, false)
		if rec == nil {
			t.Fatal("Expected a record")
		}
		if rec.IP != "8.8.8.8" || rec.Zip != "90210" {
			t.Errorf("Unexpected record: %+v", rec)
		}
		if len(g.invalidated) != 0 {
			t.Error("Expected no invalidation without force fresh")
		}
	})

	t.Run("TestModeIP", func(t *testing.T) {
		g := &MockGeolocator{}
		store := options.NewMemoryStore(map[string]string{
			options.KeyTestMode: "1",
			options.KeyTestIP:   "1.2.3.4",
		})
		rec := newResolver(store, g).Resolve(ctx, httptest.NewRequest("GET", "/", nil), false)
		if rec == nil || rec.IP != "1.2.3.4" {
			t.Fatalf("Expected test IP record, got %+v", rec)
		}
	})

	t.Run("InvalidFallsBackToConnection", func(t *testing.T) {
		g := &MockGeolocator{}
		res := newResolver(options.NewMemoryStore(nil), g)
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("CF-Connecting-IP", "unknown")
		req.RemoteAddr = "203.0.113.4:9000"

		rec := res.Resolve(ctx, req, false)
		if rec == nil || rec.IP != "203.0.113.4" {
			t.Fatalf("Expected connection address, got %+v", rec)
		}
	})

	t.Run("InvalidEverywhere", func(t *testing.T) {
		g := &MockGeolocator{}
		res := newResolver(options.NewMemoryStore(nil), g)
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Client-IP", "garbage")
		req.RemoteAddr = "also-garbage"

		rec := res.Resolve(ctx, req, false)
		if rec == nil || rec.IP != clientip.Fallback {
			t.Fatalf("Expected loopback fallback, got %+v", rec)
		}
	})

	t.Run("ForceFresh", func(t *testing.T) {
		g := &MockGeolocator{}
		res := newResolver(options.NewMemoryStore(nil), g)
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "198.51.100.1:1"

		res.Resolve(ctx, req, true)
		if len(g.invalidated) != 1 || g.invalidated[0] != "198.51.100.1" {
			t.Errorf("Expected invalidation of the effective IP, got %v", g.invalidated)
		}
	})

	t.Run("LookupErrorIsNil", func(t *testing.T) {
		g := &MockGeolocator{err: &geo.TransportError{Op: "request", Err: errors.New("refused")}}
		rec := newResolver(options.NewMemoryStore(nil), g).Resolve(ctx, httptest.NewRequest("GET", "/", nil), false)
		if rec != nil {
			t.Errorf("Expected nil record on lookup error, got %+v", rec)
		}
	})

	t.Run("BlockedFromCommaLine", func(t *testing.T) {
		g := &MockGeolocator{}
		store := options.NewMemoryStore(map[string]string{
			options.KeyBlockedIPs: "9.9.9.9, 1.2.3.4\n5.5.5.5",
		})
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = "1.2.3.4:80"

		rec := newResolver(store, g).Resolve(ctx, req, false)
		if rec == nil || !rec.IsBlocked {
			t.Fatalf("Expected blocked record, got %+v", rec)
		}

		req.RemoteAddr = "1.2.3.5:80"
		rec = newResolver(store, g).Resolve(ctx, req, false)
		if rec == nil || rec.IsBlocked {
			t.Fatalf("Expected unblocked record, got %+v", rec)
		}
	})
}
