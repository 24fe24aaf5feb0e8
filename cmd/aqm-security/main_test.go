package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/JustCasey76/aqm-security-sub000/config"
)

func testServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.VisitorLog.Path = filepath.Join(t.TempDir(), "visits.db")
	cfg.Server.AdminToken = "secret"
	cfg.Server.ShutdownTimeout = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	logger := log.New()
	logger.SetLevel(log.PanicLevel)

	s, err := NewServer(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Shutdown(ctx)
	})
	return s
}

func serve(s *Server, method, path, remote string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if remote != "" {
		req.RemoteAddr = remote
	}
	for k, v := range header {
		req.Header[k] = v
	}
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

func TestServerRoutes(t *testing.T) {
	s := testServer(t, nil)

	t.Run("Health", func(t *testing.T) {
		rr := serve(s, http.MethodGet, "/health", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rr.Code)
		}
		var body map[string]any
		if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
			t.Fatalf("Failed to decode health: %v", err)
		}
		if body["status"] != "ok" {
			t.Errorf("Unexpected health body: %v", body)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		serve(s, http.MethodGet, "/aqm-security/visitor", "192.0.2.5:1000", nil)
		rr := serve(s, http.MethodGet, "/metrics", "", nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "aqm_security_") {
			t.Error("Expected application metrics in exposition")
		}
	})

	t.Run("SecurityHeaders", func(t *testing.T) {
		rr := serve(s, http.MethodGet, "/health", "", nil)
		if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("Missing security headers: %v", rr.Header())
		}
	})

	t.Run("FormGating", func(t *testing.T) {
		rr := serve(s, http.MethodGet, "/forms/contact", "103.115.10.127:1000", nil)
		if rr.Code != http.StatusForbidden {
			t.Errorf("Expected emergency IP to be blocked, got %d", rr.Code)
		}

		// Allowed visitors fall through to the router, which has no form page
		rr = serve(s, http.MethodGet, "/forms/contact", "192.0.2.9:1000", nil)
		if rr.Code != http.StatusNotFound {
			t.Errorf("Expected allowed visitor to reach the router, got %d", rr.Code)
		}
	})

	t.Run("LogsAdminOnly", func(t *testing.T) {
		rr := serve(s, http.MethodGet, "/aqm-security/logs", "", nil)
		if rr.Code != http.StatusForbidden {
			t.Errorf("Expected 403 without token, got %d", rr.Code)
		}
		rr = serve(s, http.MethodGet, "/aqm-security/logs", "", http.Header{"Authorization": {"Bearer secret"}})
		if rr.Code != http.StatusOK {
			t.Errorf("Expected 200 with token, got %d", rr.Code)
		}
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		rr := serve(s, http.MethodPut, "/aqm-security/logs", "", nil)
		if rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected 405, got %d", rr.Code)
		}
	})
}

func TestOptionsSeeded(t *testing.T) {
	s := testServer(t, func(cfg *config.Config) {
		cfg.Options["allowed_countries"] = []any{"DE"}
		cfg.VisitorLog.Enabled = false
	})

	rr := serve(s, http.MethodGet, "/forms/contact", "192.0.2.9:1000", nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected seeded allow list to block US stub, got %d", rr.Code)
	}
}

func TestRegisterTask(t *testing.T) {
	s := testServer(t, func(cfg *config.Config) {
		cfg.VisitorLog.Enabled = false
	})
	host := &ServerPluginHost{server: s, plugin: "test"}

	var runs atomic.Int32
	if err := host.RegisterTask("tick", 5*time.Millisecond, func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("RegisterTask failed: %v", err)
	}
	if err := host.RegisterTask("bad", 0, func(context.Context) error { return nil }); err == nil {
		t.Error("Expected error for zero interval")
	}

	deadline := time.Now().Add(time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("Task never ran")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	if runs.Load() != after {
		t.Error("Task kept running after shutdown")
	}
}

func TestAdminCheck(t *testing.T) {
	check := adminCheck("tok")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if check(req) {
		t.Error("Expected no admin without header")
	}
	req.Header.Set("Authorization", "Bearer tok")
	if !check(req) {
		t.Error("Expected admin with token")
	}
	if adminCheck("")(req) {
		t.Error("Empty token must admit nobody")
	}
}
