// Package plugin provides the contract between the host server and the
// request-gating plugins it loads.
package plugin

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// Plugin represents a loadable module that extends the host server
type Plugin interface {
	// Initialize the plugin with server context and configuration
	Initialize(ctx context.Context, host PluginHost, config map[string]any) error

	// Name returns the unique plugin identifier
	Name() string

	// Version returns the plugin version
	Version() string

	// Description returns human-readable plugin description
	Description() string

	// Shutdown gracefully stops the plugin
	Shutdown(ctx context.Context) error
}

// PluginHost provides server context and services to plugins
type PluginHost interface {
	// Register middleware for requests under path
	RegisterMiddleware(path string, middleware func(http.Handler) http.Handler) error

	// Register API endpoints, optionally restricted to methods
	RegisterHandler(pattern string, handler http.HandlerFunc, methods ...string) error

	// Access logger
	Logger() *log.Logger

	// Access metrics registry
	Registerer() prometheus.Registerer

	// Register periodic tasks
	RegisterTask(name string, interval time.Duration, task func(context.Context) error) error
}

// BasePlugin provides a base implementation for plugins
type BasePlugin struct {
	name        string
	version     string
	description string
	initialized bool
	mu          sync.RWMutex
}

// Name returns the plugin name
func (p *BasePlugin) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// Version returns the plugin version
func (p *BasePlugin) Version() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// Description returns the plugin description
func (p *BasePlugin) Description() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.description
}

// SetInfo sets the plugin information
func (p *BasePlugin) SetInfo(name, version, description string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
	p.version = version
	p.description = description
}

func (p *BasePlugin) IsInitialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized
}

func (p *BasePlugin) SetInitialized(initialized bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = initialized
}

// Shutdown marks the plugin uninitialized
func (p *BasePlugin) Shutdown(ctx context.Context) error {
	p.SetInitialized(false)
	return nil
}

// Registry keeps plugins in registration order
type Registry struct {
	plugins map[string]Plugin
	order   []string
	mu      sync.RWMutex
	host    PluginHost
}

// NewRegistry creates a new plugin registry
func NewRegistry(host PluginHost) *Registry {
	return &Registry{
		plugins: make(map[string]Plugin),
		host:    host,
	}
}

// Register registers a plugin
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := p.Name()
	if name == "" {
		return fmt.Errorf("plugin name cannot be empty")
	}
	if _, exists := r.plugins[name]; exists {
		return fmt.Errorf("plugin %s already registered", name)
	}

	r.plugins[name] = p
	r.order = append(r.order, name)
	return nil
}

// Get retrieves a plugin by name
func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, exists := r.plugins[name]
	return p, exists
}

// List returns all registered plugins in registration order
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	plugins := make([]Plugin, 0, len(r.order))
	for _, name := range r.order {
		plugins = append(plugins, r.plugins[name])
	}
	return plugins
}

// Initialize initializes plugins in registration order. The first failure
// stops initialization.
func (r *Registry) Initialize(ctx context.Context, configs map[string]map[string]any) error {
	for _, p := range r.List() {
		config := configs[p.Name()]
		if config == nil {
			config = make(map[string]any)
		}

		if err := p.Initialize(ctx, r.host, config); err != nil {
			return fmt.Errorf("failed to initialize plugin %s: %w", p.Name(), err)
		}

		r.host.Logger().WithFields(log.Fields{
			"plugin":  p.Name(),
			"version": p.Version(),
		}).Info("Plugin initialized")
	}
	return nil
}

// Shutdown shuts plugins down in reverse order and returns the first error
func (r *Registry) Shutdown(ctx context.Context) error {
	plugins := r.List()

	var first error
	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		if err := p.Shutdown(ctx); err != nil {
			// Log error but continue shutdown
			r.host.Logger().WithFields(log.Fields{
				"plugin": p.Name(),
				"error":  err,
			}).Error("Failed to shutdown plugin")
			if first == nil {
				first = err
			}
		}
	}
	return first
}
