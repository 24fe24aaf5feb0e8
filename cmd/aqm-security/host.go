package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/JustCasey76/aqm-security-sub000/pkg/middleware"
)

// ServerPluginHost implements the PluginHost interface for the server
type ServerPluginHost struct {
	server *Server
	plugin string
}

// RegisterMiddleware registers a path-scoped middleware. Plugin panics are
// recovered into a 500.
func (h *ServerPluginHost) RegisterMiddleware(path string, middlewareFunc func(http.Handler) http.Handler) error {
	if middlewareFunc == nil {
		return fmt.Errorf("nil middleware for %s", path)
	}
	wrapper := middleware.NewPluginMiddlewareWrapper(h.plugin, h.server.logger)
	h.server.middlewareChain.Add(middleware.Middleware{
		Name:     h.plugin + ":" + path,
		Priority: middleware.PriorityHigh,
		Handler:  wrapper.WrapMiddleware(middlewareFunc),
		Path:     path,
	})
	return nil
}

// RegisterHandler registers API endpoints
func (h *ServerPluginHost) RegisterHandler(pattern string, handler http.HandlerFunc, methods ...string) error {
	route := h.server.router.HandleFunc(pattern, handler)
	if len(methods) > 0 {
		route.Methods(methods...)
	}
	h.server.logger.WithFields(log.Fields{
		"pattern": pattern,
		"methods": methods,
	}).Debug("Registered route")
	return nil
}

// Logger returns logger
func (h *ServerPluginHost) Logger() *log.Logger {
	return h.server.logger
}

// Registerer returns the prometheus registry served on the metrics path
func (h *ServerPluginHost) Registerer() prometheus.Registerer {
	return h.server.promRegistry
}

// RegisterTask runs task every interval until the server dies
func (h *ServerPluginHost) RegisterTask(name string, interval time.Duration, task func(context.Context) error) error {
	if interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", name)
	}
	s := h.server
	s.logger.WithFields(log.Fields{
		"task":     name,
		"interval": interval,
	}).Debug("Task registered")

	s.goTomb(func() error {
		ctx := s.ctx
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := task(ctx); err != nil {
					s.logger.WithFields(log.Fields{
						"task":  name,
						"error": err,
					}).Error("Task error")
				}
			case <-s.tomb.Dying():
				return nil
			}
		}
	})
	return nil
}
