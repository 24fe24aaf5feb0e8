// Package clientip picks the best-guess client address for a request from the
// forwarding headers and the connection address.
package clientip

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/JustCasey76/aqm-security-sub000/pkg/metrics"
	"github.com/JustCasey76/aqm-security-sub000/pkg/options"
)

// Fallback is returned when no source yields an address
const Fallback = "127.0.0.1"

// Names used for the source label of a resolution
const (
	SourceTestIP     = "test_ip"
	SourceRemoteAddr = "remote_addr"
	SourceFallback   = "fallback"
)

// Headers lists the forwarding headers in priority order
var Headers = []string{
	"CF-Connecting-IP",
	"Client-IP",
	"X-Forwarded-For",
	"X-Forwarded",
	"Forwarded-For",
	"Forwarded",
}

// Resolver resolves client addresses. Store supplies test mode and the test IP.
type Resolver struct {
	store   options.Store
	logger  *logrus.Logger
	metrics *metrics.Metrics
}

// NewResolver creates a resolver. A nil logger discards diagnostics.
func NewResolver(store options.Store, logger *logrus.Logger, m *metrics.Metrics) *Resolver {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Resolver{store: store, logger: logger, metrics: m}
}

// Resolve returns the client address for r. With useTestOverride set and test
// mode on, the configured test IP wins over every header.
func (res *Resolver) Resolve(r *http.Request, useTestOverride bool) string {
	if useTestOverride {
		if ip := res.testIP(r.Context()); ip != "" {
			res.record(SourceTestIP, ip)
			return ip
		}
	}

	for _, h := range Headers {
		v := strings.TrimSpace(r.Header.Get(h))
		if v == "" {
			continue
		}
		if h == "X-Forwarded-For" {
			if first, _, found := strings.Cut(v, ","); found {
				v = strings.TrimSpace(first)
			}
			if v == "" {
				continue
			}
		}
		res.record(h, v)
		return v
	}

	if addr := DirectAddr(r); addr != "" {
		res.record(SourceRemoteAddr, addr)
		return addr
	}

	res.record(SourceFallback, Fallback)
	return Fallback
}

// TestIP returns the configured test IP when test mode is on, otherwise ""
func (res *Resolver) TestIP(ctx context.Context) string {
	return res.testIP(ctx)
}

func (res *Resolver) testIP(ctx context.Context) string {
	if res.store == nil {
		return ""
	}
	on, err := options.GetBool(ctx, res.store, options.KeyTestMode, false)
	if err != nil {
		res.logger.WithError(err).Warn("Failed to read test mode")
		return ""
	}
	if !on {
		return ""
	}
	ip, err := options.GetString(ctx, res.store, options.KeyTestIP, "")
	if err != nil {
		res.logger.WithError(err).Warn("Failed to read test IP")
		return ""
	}
	return strings.TrimSpace(ip)
}

func (res *Resolver) record(source, ip string) {
	res.logger.WithFields(logrus.Fields{
		"source": source,
		"ip":     ip,
	}).Debug("Resolved client IP")
	res.metrics.IPSource(source)
}

// DirectAddr returns the host part of the connection address, or "" when it
// is empty.
func DirectAddr(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return strings.Trim(addr, "[]")
}
