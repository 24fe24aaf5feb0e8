// Package geoaccess gates form pages by visitor location and validates form
// submissions for bot behaviour, as a middleware plugin for the interpose
// host.
package geoaccess

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/JustCasey76/aqm-security-sub000/pkg/access"
	"github.com/JustCasey76/aqm-security-sub000/pkg/botdetect"
	"github.com/JustCasey76/aqm-security-sub000/pkg/clientip"
	"github.com/JustCasey76/aqm-security-sub000/pkg/geo"
	"github.com/JustCasey76/aqm-security-sub000/pkg/metrics"
	"github.com/JustCasey76/aqm-security-sub000/pkg/options"
	"github.com/JustCasey76/aqm-security-sub000/pkg/plugin"
	"github.com/JustCasey76/aqm-security-sub000/pkg/rules"
	"github.com/JustCasey76/aqm-security-sub000/pkg/storage"
	"github.com/JustCasey76/aqm-security-sub000/pkg/visitor"
	"github.com/JustCasey76/aqm-security-sub000/pkg/visitorlog"
)

const (
	PluginName        = "geoaccess"
	PluginVersion     = "1.0.0"
	PluginDescription = "Geolocation access control and bot detection for forms"

	DefaultRoutePrefix  = "/aqm-security"
	DefaultBlockMessage = "Sorry, this form is not available in your location."
	DefaultLogLimit     = 100
	DefaultPruneEvery   = time.Hour
)

// Plugin configuration structure
type Config struct {
	Enabled        bool          `toml:"enabled"`
	ProtectedPaths []string      `toml:"protected_paths"`
	BlockMessage   string        `toml:"block_message"`
	RoutePrefix    string        `toml:"route_prefix"`
	LogLimit       int           `toml:"log_limit"`
	LogRetention   time.Duration `toml:"log_retention"`
	PruneInterval  time.Duration `toml:"prune_interval"`
}

// Default configuration
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		ProtectedPaths: []string{"/forms/"},
		BlockMessage:   DefaultBlockMessage,
		RoutePrefix:    DefaultRoutePrefix,
		LogLimit:       DefaultLogLimit,
		PruneInterval:  DefaultPruneEvery,
	}
}

// Deps are the stores and collaborators the plugin is built from
type Deps struct {
	Options    options.Store
	Cache      storage.CacheStorage
	VisitorLog *visitorlog.Logger
	Geo        geo.Config
	Provider   geo.Provider
	HTTPClient geo.HTTPDoer
	Metrics    *metrics.Metrics

	// IsAdmin reports whether the request comes from a site administrator
	IsAdmin func(r *http.Request) bool

	// IsInternalAJAX reports whether the request is the host's own AJAX call
	IsInternalAJAX func(r *http.Request) bool
}

// GeoAccessPlugin implements plugin.Plugin
type GeoAccessPlugin struct {
	plugin.BasePlugin

	config Config
	deps   Deps
	host   plugin.PluginHost
	logger *log.Logger

	ips      *clientip.Resolver
	geo      *geo.Client
	visitors *visitor.Resolver
	engine   *access.Engine
	detector *botdetect.Detector
}

// New creates the plugin
func New(deps Deps) *GeoAccessPlugin {
	p := &GeoAccessPlugin{deps: deps}
	p.SetInfo(PluginName, PluginVersion, PluginDescription)
	return p
}

// Initialize the plugin
func (p *GeoAccessPlugin) Initialize(ctx context.Context, host plugin.PluginHost, configData map[string]any) error {
	p.host = host
	p.logger = host.Logger()

	if err := p.loadConfig(configData); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if !p.config.Enabled {
		return nil // Plugin disabled
	}
	if p.deps.Options == nil {
		return fmt.Errorf("options store is required")
	}
	if p.deps.Cache == nil {
		p.deps.Cache = storage.NewMemoryCache(time.Hour, 10*time.Minute)
	}
	if p.deps.Metrics == nil {
		p.deps.Metrics = metrics.New(host.Registerer())
	}
	if p.deps.IsAdmin == nil {
		p.deps.IsAdmin = func(*http.Request) bool { return false }
	}
	if p.deps.IsInternalAJAX == nil {
		p.deps.IsInternalAJAX = IsXMLHttpRequest
	}

	if err := p.build(); err != nil {
		return err
	}

	for _, path := range p.config.ProtectedPaths {
		if err := host.RegisterMiddleware(path, p.Middleware()); err != nil {
			return fmt.Errorf("failed to register middleware for %s: %w", path, err)
		}
	}
	if err := p.registerRoutes(); err != nil {
		return err
	}

	if p.deps.VisitorLog != nil && p.config.LogRetention > 0 {
		err := host.RegisterTask("visitor-log-prune", p.config.PruneInterval, func(ctx context.Context) error {
			_, err := p.deps.VisitorLog.Prune(ctx, p.config.LogRetention)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to register prune task: %w", err)
		}
	}

	p.SetInitialized(true)
	p.logger.WithFields(log.Fields{
		"paths":    p.config.ProtectedPaths,
		"prefix":   p.config.RoutePrefix,
		"provider": p.deps.Geo.Provider,
	}).Info("Geo access plugin initialized")
	return nil
}

func (p *GeoAccessPlugin) build() error {
	m := p.deps.Metrics
	loader := rules.NewLoader()

	p.ips = clientip.NewResolver(p.deps.Options, p.logger, m)

	opts := []geo.Option{geo.WithLogger(p.logger), geo.WithMetrics(m)}
	if p.deps.HTTPClient != nil {
		opts = append(opts, geo.WithHTTPClient(p.deps.HTTPClient))
	}
	if p.deps.Provider != nil {
		opts = append(opts, geo.WithProvider(p.deps.Provider))
	}
	p.geo = geo.NewClient(p.deps.Geo, p.deps.Cache, p.deps.Options, opts...)

	p.visitors = visitor.NewResolver(p.ips, p.geo, p.deps.Options, loader, p.logger)

	engine, err := access.NewEngine(access.Config{FailOpen: p.deps.Geo.FailOpen}, p.deps.Options, loader, p.ips, p.logger, m)
	if err != nil {
		return fmt.Errorf("failed to create access engine: %w", err)
	}
	p.engine = engine

	tokens := botdetect.NewTokens(p.deps.Cache, p.deps.Geo.CachePrefix, m)
	p.detector = botdetect.NewDetector(p.deps.Options, tokens, p.logger, m)
	return nil
}

// Load and validate configuration
func (p *GeoAccessPlugin) loadConfig(configData map[string]any) error {
	p.config = DefaultConfig()

	if enabled, ok := configData["enabled"].(bool); ok {
		p.config.Enabled = enabled
	}
	switch paths := configData["protected_paths"].(type) {
	case []string:
		p.config.ProtectedPaths = paths
	case []any:
		p.config.ProtectedPaths = p.config.ProtectedPaths[:0]
		for _, v := range paths {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("protected_paths must be strings")
			}
			p.config.ProtectedPaths = append(p.config.ProtectedPaths, s)
		}
	}
	if msg, ok := configData["block_message"].(string); ok {
		p.config.BlockMessage = msg
	}
	if prefix, ok := configData["route_prefix"].(string); ok {
		p.config.RoutePrefix = prefix
	}
	if n, ok := asInt(configData["log_limit"]); ok {
		p.config.LogLimit = n
	}
	if d, err := asDuration(configData["log_retention"]); err != nil {
		return fmt.Errorf("log_retention: %w", err)
	} else if d > 0 {
		p.config.LogRetention = d
	}
	if d, err := asDuration(configData["prune_interval"]); err != nil {
		return fmt.Errorf("prune_interval: %w", err)
	} else if d > 0 {
		p.config.PruneInterval = d
	}

	// Validate configuration
	p.config.RoutePrefix = "/" + strings.Trim(p.config.RoutePrefix, "/")
	if p.config.RoutePrefix == "/" {
		return fmt.Errorf("route_prefix must not be empty")
	}
	if p.config.LogLimit <= 0 {
		return fmt.Errorf("log_limit must be positive")
	}
	for _, path := range p.config.ProtectedPaths {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("protected path %q must start with /", path)
		}
	}
	return nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func asDuration(v any) (time.Duration, error) {
	switch d := v.(type) {
	case nil:
		return 0, nil
	case time.Duration:
		return d, nil
	case string:
		return time.ParseDuration(d)
	}
	return 0, fmt.Errorf("unsupported duration %v", v)
}

// IsXMLHttpRequest reports the conventional AJAX request header
func IsXMLHttpRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("X-Requested-With"), "XMLHttpRequest")
}

// Middleware gates protected pages: blocked visitors get 403, and form posts
// from allowed visitors must pass bot detection.
func (p *GeoAccessPlugin) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if p.deps.IsAdmin(r) {
				next.ServeHTTP(w, r)
				return
			}

			v, decision := p.decide(r, false)
			if !decision.Allowed {
				p.handleBlocked(w, r, v, decision)
				return
			}

			if r.Method == http.MethodPost {
				res, err := p.validate(r)
				if err != nil {
					http.Error(w, "Bad Request", http.StatusBadRequest)
					return
				}
				if res.IsBot() {
					p.handleBot(w, r, res)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// decide resolves the visitor, evaluates access and records the check
func (p *GeoAccessPlugin) decide(r *http.Request, forceFresh bool) (*visitor.Record, access.Decision) {
	v := p.visitors.Resolve(r.Context(), r, forceFresh)
	decision := p.engine.EvaluateRequest(r, v)

	if p.deps.VisitorLog != nil {
		if _, err := p.deps.VisitorLog.Record(r.Context(), v, decision.Allowed); err != nil {
			p.logger.WithError(err).Warn("Failed to write visitor log")
		}
	}
	return v, decision
}

func (p *GeoAccessPlugin) validate(r *http.Request) (botdetect.Result, error) {
	s, err := botdetect.FromRequest(r, p.ips.Resolve(r, false))
	if err != nil {
		return botdetect.Result{}, err
	}
	s.IsAdmin = p.deps.IsAdmin(r)
	s.IsAJAX = p.deps.IsInternalAJAX(r)
	return p.detector.Validate(r.Context(), s), nil
}

func (p *GeoAccessPlugin) handleBlocked(w http.ResponseWriter, r *http.Request, v *visitor.Record, decision access.Decision) {
	fields := log.Fields{
		"path":   r.URL.Path,
		"reason": decision.Reason,
	}
	if v != nil {
		fields["ip"] = v.IP
		fields["country"] = v.CountryCode
		fields["region"] = v.RegionCode
	}
	p.logger.WithFields(fields).Info("Form access blocked")

	w.Header().Set("X-AQM-Security-Block", decision.Reason)
	http.Error(w, p.config.BlockMessage, http.StatusForbidden)
}

func (p *GeoAccessPlugin) handleBot(w http.ResponseWriter, r *http.Request, res botdetect.Result) {
	w.Header().Set("X-AQM-Security-Block", botdetect.CodeBlocked)
	http.Error(w, strings.Join(res.Messages(), " "), http.StatusForbidden)
}

// Shutdown releases the MMDB provider when one was supplied
func (p *GeoAccessPlugin) Shutdown(ctx context.Context) error {
	p.SetInitialized(false)
	if closer, ok := p.deps.Provider.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Example configuration for the plugin
const ExampleConfig = `
[plugins.config.geoaccess]
enabled = true
protected_paths = ["/forms/", "/contact"]
block_message = "Sorry, this form is not available in your location."
route_prefix = "/aqm-security"
log_limit = 100
log_retention = "720h"
prune_interval = "1h"
`
