package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	log "github.com/sirupsen/logrus"
)

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger
}

// tag appends name to the X-Trace response header
func tag(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Add("X-Trace", name)
			next.ServeHTTP(w, r)
		})
	}
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Write([]byte("ok"))
})

func TestMiddlewareChain(t *testing.T) {
	chain := NewMiddlewareChain(quietLogger())
	chain.Add(Middleware{Name: "low", Priority: PriorityLow, Handler: tag("low")})
	chain.Add(Middleware{Name: "high", Priority: PriorityHigh, Handler: tag("high")})
	chain.Add(Middleware{Name: "forms", Priority: PriorityMedium, Handler: tag("forms"), Path: "/forms"})
	chain.Add(Middleware{Name: "high2", Priority: PriorityHigh, Handler: tag("high2")})

	if n := len(chain.Middlewares()); n != 4 {
		t.Fatalf("Expected 4 middlewares, got %d", n)
	}
	handler := chain.Build()(okHandler)

	t.Run("PriorityOrder", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/forms/contact", nil))
		got := strings.Join(rec.Header().Values("X-Trace"), ",")
		if got != "high,high2,forms,low" {
			t.Errorf("Unexpected order %s", got)
		}
	})

	t.Run("PathScope", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/about", nil))
		got := strings.Join(rec.Header().Values("X-Trace"), ",")
		if got != "high,high2,low" {
			t.Errorf("Expected path-scoped middleware to be skipped, got %s", got)
		}
	})
}

func TestMatchPath(t *testing.T) {
	tests := []struct {
		path, pattern string
		want          bool
	}{
		{"/anything", "/", true},
		{"/anything", "", true},
		{"/forms", "/forms", true},
		{"/forms/", "/forms/", true},
		{"/forms/contact", "/forms", true},
		{"/forms/contact", "/forms/", true},
		{"/formsx", "/forms", false},
		{"/other", "/forms", false},
	}
	for _, tt := range tests {
		if got := MatchPath(tt.path, tt.pattern); got != tt.want {
			t.Errorf("MatchPath(%q, %q) = %v, want %v", tt.path, tt.pattern, got, tt.want)
		}
	}
}

func TestPluginMiddlewareWrapper(t *testing.T) {
	wrapper := NewPluginMiddlewareWrapper("geoaccess", quietLogger())
	panicky := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("lookup exploded")
		})
	}

	rec := httptest.NewRecorder()
	wrapper.WrapMiddleware(panicky)(okHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected 500 after panic, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	wrapper.WrapMiddleware(tag("fine"))(okHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("Expected pass-through, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestHostMiddleware(t *testing.T) {
	logger := quietLogger()
	boom := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { panic("boom") })

	rec := httptest.NewRecorder()
	Logging(logger)(Recovery(logger)(boom)).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected recovery to answer 500, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	SecurityHeaders()(okHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Errorf("Missing security headers: %v", rec.Header())
	}
}
