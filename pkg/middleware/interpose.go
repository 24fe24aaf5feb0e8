// Package middleware provides the path-scoped middleware chain plugins
// register into, plus the host's logging and recovery middleware.
package middleware

import (
	"net/http"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// InterposePriority defines middleware execution order
type InterposePriority int

const (
	// High priority - runs first (security, access gating)
	PriorityHigh InterposePriority = 100

	// Medium priority - runs in middle (validation)
	PriorityMedium InterposePriority = 50

	// Low priority - runs last (logging, metrics)
	PriorityLow InterposePriority = 10
)

// Middleware represents a plugin middleware with priority
type Middleware struct {
	Name     string
	Priority InterposePriority
	Handler  func(http.Handler) http.Handler
	Path     string // Path prefix this middleware applies to, "" or "/" for all
}

// MiddlewareChain manages ordered middleware execution compatible with interpose
type MiddlewareChain struct {
	middlewares []Middleware
	logger      *log.Logger
}

// NewMiddlewareChain creates a new middleware chain
func NewMiddlewareChain(logger *log.Logger) *MiddlewareChain {
	return &MiddlewareChain{
		middlewares: make([]Middleware, 0),
		logger:      logger,
	}
}

// Add adds middleware to the chain. Equal priorities keep insertion order.
func (mc *MiddlewareChain) Add(m Middleware) {
	mc.middlewares = append(mc.middlewares, m)
	sort.SliceStable(mc.middlewares, func(i, j int) bool {
		return mc.middlewares[i].Priority > mc.middlewares[j].Priority
	})

	mc.logger.WithFields(log.Fields{
		"middleware": m.Name,
		"priority":   m.Priority,
		"path":       m.Path,
		"total":      len(mc.middlewares),
	}).Debug("Middleware added to chain")
}

// Build creates the final middleware handler compatible with interpose.
// Each middleware only sees requests under its Path.
func (mc *MiddlewareChain) Build() func(http.Handler) http.Handler {
	middlewares := append([]Middleware(nil), mc.middlewares...)

	return func(next http.Handler) http.Handler {
		handler := next
		for i := len(middlewares) - 1; i >= 0; i-- {
			handler = scoped(middlewares[i], handler)
		}
		return handler
	}
}

func scoped(m Middleware, next http.Handler) http.Handler {
	wrapped := m.Handler(next)
	if m.Path == "" || m.Path == "/" {
		return wrapped
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if MatchPath(r.URL.Path, m.Path) {
			wrapped.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Middlewares returns all registered middlewares for inspection
func (mc *MiddlewareChain) Middlewares() []Middleware {
	return mc.middlewares
}

// MatchPath reports whether path equals pattern or lies below it
func MatchPath(path, pattern string) bool {
	if pattern == "" || pattern == "/" || pattern == path {
		return true
	}
	pattern = strings.TrimSuffix(pattern, "/")
	if pattern == path {
		return true
	}
	return strings.HasPrefix(path, pattern) && len(path) > len(pattern) && path[len(pattern)] == '/'
}

// PluginMiddlewareWrapper wraps plugin middleware with logging and panic recovery
type PluginMiddlewareWrapper struct {
	pluginName string
	logger     *log.Logger
}

// NewPluginMiddlewareWrapper creates a wrapper for plugin middleware
func NewPluginMiddlewareWrapper(pluginName string, logger *log.Logger) *PluginMiddlewareWrapper {
	return &PluginMiddlewareWrapper{
		pluginName: pluginName,
		logger:     logger,
	}
}

// WrapMiddleware recovers plugin panics into a 500
func (pmw *PluginMiddlewareWrapper) WrapMiddleware(middleware func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		inner := middleware(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					pmw.logger.WithFields(log.Fields{
						"plugin": pmw.pluginName,
						"path":   r.URL.Path,
						"error":  err,
					}).Error("Plugin middleware panic")
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()
			inner.ServeHTTP(w, r)
		})
	}
}

// Logging logs one line per completed request
func Logging(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   wrapped.statusCode,
				"duration": time.Since(start),
				"size":     wrapped.size,
				"remote":   r.RemoteAddr,
			}).Info("Request completed")
		})
	}
}

// Recovery turns a panic anywhere below it into a 500
func Recovery(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.WithFields(log.Fields{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")
					http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets the response headers every page should carry
func SecurityHeaders() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture metrics
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}
