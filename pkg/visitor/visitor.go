// Package visitor resolves the geolocated identity of a request.
package visitor

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JustCasey76/aqm-security-sub000/pkg/clientip"
	"github.com/JustCasey76/aqm-security-sub000/pkg/geo"
	"github.com/JustCasey76/aqm-security-sub000/pkg/options"
	"github.com/JustCasey76/aqm-security-sub000/pkg/rules"
)

// Record is the resolved identity of one request
type Record struct {
	IP          string       `json:"ip"`
	CountryCode string       `json:"country_code"`
	CountryName string       `json:"country_name"`
	RegionCode  string       `json:"region_code"`
	Region      string       `json:"region"`
	City        string       `json:"city"`
	Zip         string       `json:"zip"`
	Latitude    float64      `json:"latitude"`
	Longitude   float64      `json:"longitude"`
	Location    geo.Location `json:"location"`
	Timestamp   time.Time    `json:"timestamp"`
	IsBlocked   bool         `json:"is_blocked"`
}

// NewRecord builds a record for ip from a geolocation result
func NewRecord(ip string, res geo.Result, now time.Time) *Record {
	if ip == "" {
		ip = clientip.Fallback
	}
	return &Record{
		IP:          ip,
		CountryCode: res.CountryCode,
		CountryName: res.CountryName,
		RegionCode:  res.RegionCode,
		Region:      res.Region,
		City:        res.City,
		Zip:         res.Zip,
		Latitude:    res.Latitude,
		Longitude:   res.Longitude,
		Location:    res.Location,
		Timestamp:   now,
	}
}

// Geolocator is the part of geo.Client the resolver needs
type Geolocator interface {
	Lookup(ctx context.Context, ip string) (geo.Result, error)
	Invalidate(ctx context.Context, ip string) error
}

// Resolver combines client IP resolution with geolocation
type Resolver struct {
	ips    *clientip.Resolver
	geo    Geolocator
	store  options.Store
	rules  *rules.Loader
	logger *logrus.Logger
	now    func() time.Time
}

// NewResolver creates a visitor resolver
func NewResolver(ips *clientip.Resolver, geo Geolocator, store options.Store, loader *rules.Loader, logger *logrus.Logger) *Resolver {
	if loader == nil {
		loader = rules.NewLoader()
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Resolver{
		ips:    ips,
		geo:    geo,
		store:  store,
		rules:  loader,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve returns the visitor record for r, or nil when geolocation failed
func (v *Resolver) Resolve(ctx context.Context, r *http.Request, forceFresh bool) *Record {
	settings, err := options.Load(ctx, v.store)
	if err != nil {
		v.logger.WithError(err).Warn("Resolving visitor with default settings")
	}

	ip := v.ips.Resolve(r, false)
	if settings.TestMode && settings.TestIP != "" {
		ip = settings.TestIP
	}
	if !validIP(ip) {
		fallback := clientip.DirectAddr(r)
		if !validIP(fallback) {
			fallback = clientip.Fallback
		}
		v.logger.WithFields(logrus.Fields{
			"ip":       ip,
			"fallback": fallback,
		}).Debug("Effective IP is not a valid address")
		ip = fallback
	}

	if forceFresh {
		if err := v.geo.Invalidate(ctx, ip); err != nil {
			v.logger.WithError(err).WithField("ip", ip).Warn("Failed to invalidate cached geolocation")
		}
	}

	res, err := v.geo.Lookup(ctx, ip)
	if err != nil {
		v.logger.WithError(err).WithField("ip", ip).Warn("Geolocation lookup failed")
		return nil
	}

	record := NewRecord(ip, res, v.now())
	rs := v.rules.Load(settings.BlockedIPs, settings.AllowedCountries, settings.AllowedStates)
	record.IsBlocked = rs.IsBlockedIP(ip)
	return record
}

func validIP(ip string) bool {
	ip = strings.TrimSpace(ip)
	if ip == "" || strings.EqualFold(ip, "unknown") {
		return false
	}
	_, err := netip.ParseAddr(ip)
	return err == nil
}
