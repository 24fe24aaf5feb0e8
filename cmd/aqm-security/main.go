// Command aqm-security serves geolocation-gated forms with bot detection.
package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carbocation/interpose"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gopkg.in/tomb.v2"

	"github.com/JustCasey76/aqm-security-sub000/config"
	"github.com/JustCasey76/aqm-security-sub000/pkg/geo"
	"github.com/JustCasey76/aqm-security-sub000/pkg/logging"
	"github.com/JustCasey76/aqm-security-sub000/pkg/metrics"
	"github.com/JustCasey76/aqm-security-sub000/pkg/middleware"
	"github.com/JustCasey76/aqm-security-sub000/pkg/options"
	"github.com/JustCasey76/aqm-security-sub000/pkg/plugin"
	"github.com/JustCasey76/aqm-security-sub000/pkg/storage"
	"github.com/JustCasey76/aqm-security-sub000/pkg/visitorlog"
	"github.com/JustCasey76/aqm-security-sub000/src/plugins/geoaccess/geoaccess"
)

// Server represents the host server with plugin support
type Server struct {
	config          *config.Config
	middleware      *interpose.Middleware
	router          *mux.Router
	middlewareChain *middleware.MiddlewareChain
	registry        *plugin.Registry
	promRegistry    *prometheus.Registry
	metrics         *metrics.Metrics
	logger          *log.Logger
	startTime       time.Time

	cache   storage.CacheStorage
	options options.Store
	visits  *visitorlog.Logger
	closers []io.Closer

	ctx     context.Context
	cancel  context.CancelFunc
	tomb    tomb.Tomb
	started bool
}

// NewServer wires stores and plugins from cfg
func NewServer(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Server, error) {
	s := &Server{
		config:          cfg,
		middleware:      interpose.New(),
		router:          mux.NewRouter(),
		middlewareChain: middleware.NewMiddlewareChain(logger),
		promRegistry:    prometheus.NewRegistry(),
		logger:          logger,
		startTime:       time.Now(),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(s.promRegistry)

	if err := s.openStores(ctx); err != nil {
		s.close()
		return nil, err
	}

	deps := geoaccess.Deps{
		Options:    s.options,
		Cache:      s.cache,
		VisitorLog: s.visits,
		Geo:        cfg.Geo,
		Metrics:    s.metrics,
		IsAdmin:    adminCheck(cfg.Server.AdminToken),
	}
	if cfg.Geo.Provider == "mmdb" {
		provider, err := geo.OpenMMDB(cfg.Geo.MMDBPath)
		if err != nil {
			s.close()
			return nil, err
		}
		deps.Provider = provider
	}

	s.registry = plugin.NewRegistry(&ServerPluginHost{server: s, plugin: geoaccess.PluginName})
	if err := s.registry.Register(geoaccess.New(deps)); err != nil {
		s.close()
		return nil, err
	}
	if err := s.registry.Initialize(ctx, s.pluginConfigs()); err != nil {
		s.cancel()
		s.tomb.Kill(err)
		s.close()
		return nil, err
	}

	s.registerCoreRoutes()

	s.middleware.Use(middleware.Recovery(logger))
	s.middleware.Use(middleware.Logging(logger))
	s.middleware.Use(middleware.SecurityHeaders())
	s.middleware.Use(s.middlewareChain.Build())
	s.middleware.UseHandler(s.router)
	return s, nil
}

func (s *Server) openStores(ctx context.Context) error {
	cfg := s.config

	var client *redis.Client
	if cfg.Cache.Backend == "redis" || cfg.OptionsStore.Backend == "redis" {
		c, err := storage.NewRedisClient(cfg.Redis)
		if err != nil {
			return err
		}
		client = c
		s.closers = append(s.closers, client)
	}

	if cfg.Cache.Backend == "redis" {
		s.cache = storage.NewRedisCache(client, cfg.Redis)
	} else {
		s.cache = storage.NewMemoryCache(cfg.Cache.DefaultTTL, cfg.Cache.CleanupInterval)
	}

	if cfg.OptionsStore.Backend == "redis" {
		s.options = options.NewRedisStore(client, cfg.OptionsStore.Key)
	} else {
		s.options = options.NewMemoryStore(nil)
	}
	if err := options.Seed(ctx, s.options, cfg.Options); err != nil {
		return err
	}
	if cfg.Geo.APIKey != "" {
		// The configured key wins over a stale stored one
		if err := s.options.Set(ctx, options.KeyAPIKey, cfg.Geo.APIKey); err != nil {
			return err
		}
	}

	if cfg.VisitorLog.Enabled {
		db, err := visitorlog.OpenSQLite(cfg.VisitorLog.Path)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, db)
		s.visits = visitorlog.NewLogger(db, cfg.VisitorLog.Throttle, s.logger, s.metrics)
	}

	s.logger.WithFields(log.Fields{
		"cache":       cfg.Cache.Backend,
		"options":     cfg.OptionsStore.Backend,
		"visitor_log": cfg.VisitorLog.Enabled,
	}).Info("Stores ready")
	return nil
}

// pluginConfigs fills visitor log retention from the host section
func (s *Server) pluginConfigs() map[string]map[string]any {
	configs := make(map[string]map[string]any, len(s.config.Plugins.Config))
	for name, pc := range s.config.Plugins.Config {
		copied := make(map[string]any, len(pc)+2)
		for k, v := range pc {
			copied[k] = v
		}
		configs[name] = copied
	}

	ga := configs[geoaccess.PluginName]
	if ga == nil {
		ga = make(map[string]any)
		configs[geoaccess.PluginName] = ga
	}
	if !s.config.Plugins.Enabled {
		ga["enabled"] = false
	}
	if _, ok := ga["log_retention"]; !ok {
		ga["log_retention"] = s.config.VisitorLog.Retention
	}
	if _, ok := ga["prune_interval"]; !ok {
		ga["prune_interval"] = s.config.VisitorLog.PruneInterval
	}
	return configs
}

func (s *Server) registerCoreRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.config.Metrics.Enabled {
		s.router.Handle(s.config.Metrics.Path, promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	plugins := make([]string, 0)
	for _, p := range s.registry.List() {
		plugins = append(plugins, p.Name())
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"plugins": plugins,
		"cache":   s.cache.Stats(),
	})
}

// Handler returns the full middleware stack
func (s *Server) Handler() http.Handler {
	return s.middleware
}

// Run serves until ctx is cancelled, then shuts down
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.config.Server.Bind,
		Handler:      s.middleware,
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	s.goTomb(func() error {
		s.logger.WithField("addr", srv.Addr).Info("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var runErr error
	select {
	case <-ctx.Done():
	case <-s.tomb.Dying():
		runErr = s.tomb.Err()
	}

	s.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.WithError(err).Error("Error shutting down HTTP server")
	}
	if err := s.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// goTomb starts f under the server tomb
func (s *Server) goTomb(f func() error) {
	s.started = true
	s.tomb.Go(f)
}

// Shutdown stops tasks and plugins and releases stores
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.tomb.Kill(nil)
	if err := s.waitTasks(ctx); err != nil {
		s.logger.WithError(err).Warn("Background tasks did not stop cleanly")
	}

	err := s.registry.Shutdown(ctx)
	s.close()
	return err
}

func (s *Server) waitTasks(ctx context.Context) error {
	if !s.started {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- s.tomb.Wait()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.WithError(err).Warn("Failed to close store")
		}
	}
	s.closers = nil
}

// adminCheck accepts "Authorization: Bearer <token>". An empty token admits
// nobody.
func adminCheck(token string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if token == "" {
			return false
		}
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		return ok && subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
	}
}

func main() {
	configPath := flag.String("config", "config.toml", "path to the TOML configuration file")
	envPath := flag.String("env", ".env", "optional dotenv file with secrets")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", *envPath, err)
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := NewServer(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}
	if err := server.Run(ctx); err != nil {
		logger.WithError(err).Fatal("Server error")
	}
}
