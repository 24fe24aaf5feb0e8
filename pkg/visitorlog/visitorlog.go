// Package visitorlog records access decisions for audit.
package visitorlog

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/JustCasey76/aqm-security-sub000/pkg/metrics"
	"github.com/JustCasey76/aqm-security-sub000/pkg/visitor"
)

// Entry is one logged visitor check
type Entry struct {
	ID        string    `json:"id"`
	IP        string    `json:"ip"`
	Country   string    `json:"country"`
	Region    string    `json:"region"`
	Zipcode   string    `json:"zipcode"`
	Allowed   bool      `json:"allowed"`
	FlagURL   string    `json:"flag_url"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists entries
type Store interface {
	Insert(ctx context.Context, e Entry) error
	Recent(ctx context.Context, limit int) ([]Entry, error)
	LastSeen(ctx context.Context, ip string) (time.Time, bool, error)
	DeleteAll(ctx context.Context) (int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// DefaultThrottle is the per-IP window in which repeated checks are not logged
const DefaultThrottle = 5 * time.Minute

// Logger writes one entry per visitor check, throttled per IP
type Logger struct {
	store    Store
	throttle time.Duration
	logger   *logrus.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewLogger creates a visitor logger. A zero throttle uses DefaultThrottle.
func NewLogger(store Store, throttle time.Duration, logger *logrus.Logger, m *metrics.Metrics) *Logger {
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Logger{
		store:    store,
		throttle: throttle,
		logger:   logger,
		metrics:  m,
		now:      time.Now,
	}
}

// Record logs the decision for v. It reports whether a row was written.
func (l *Logger) Record(ctx context.Context, v *visitor.Record, allowed bool) (bool, error) {
	if v == nil {
		return false, nil
	}
	now := l.now()

	last, seen, err := l.store.LastSeen(ctx, v.IP)
	if err != nil {
		l.metrics.LogWrite("error")
		return false, fmt.Errorf("failed to read last visit: %w", err)
	}
	if seen && now.Sub(last) < l.throttle {
		l.metrics.LogWrite("throttled")
		return false, nil
	}

	entry := Entry{
		ID:        uuid.NewString(),
		IP:        v.IP,
		Country:   v.CountryCode,
		Region:    v.RegionCode,
		Zipcode:   v.Zip,
		Allowed:   allowed,
		FlagURL:   v.Location.CountryFlag,
		Timestamp: now,
	}
	if err := l.store.Insert(ctx, entry); err != nil {
		l.metrics.LogWrite("error")
		return false, fmt.Errorf("failed to insert visitor log: %w", err)
	}

	l.metrics.LogWrite("written")
	l.logger.WithFields(logrus.Fields{
		"ip":      entry.IP,
		"country": entry.Country,
		"region":  entry.Region,
		"allowed": allowed,
	}).Debug("Visitor logged")
	return true, nil
}

// Recent returns the newest entries first
func (l *Logger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	return l.store.Recent(ctx, limit)
}

// Clear deletes every entry
func (l *Logger) Clear(ctx context.Context) (int64, error) {
	return l.store.DeleteAll(ctx)
}

// Prune deletes entries older than retention
func (l *Logger) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := l.store.DeleteOlderThan(ctx, l.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.WithField("deleted", n).Info("Pruned visitor log")
	}
	return n, nil
}
