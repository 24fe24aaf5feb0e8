// Package access decides whether a resolved visitor may use protected forms.
package access

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/JustCasey76/aqm-security-sub000/pkg/cidr"
	"github.com/JustCasey76/aqm-security-sub000/pkg/clientip"
	"github.com/JustCasey76/aqm-security-sub000/pkg/metrics"
	"github.com/JustCasey76/aqm-security-sub000/pkg/options"
	"github.com/JustCasey76/aqm-security-sub000/pkg/rules"
	"github.com/JustCasey76/aqm-security-sub000/pkg/visitor"
)

// Emergency blocks are checked before any configured rule and cannot be
// lifted through settings.
var (
	EmergencyIPs    = []string{"103.115.10.127"}
	EmergencyRanges = []string{"103.115.0.0/16"}
)

// Decision reasons
const (
	ReasonEmergencyIP      = "emergency_ip"
	ReasonEmergencyRange   = "emergency_range"
	ReasonVisitorBlocked   = "visitor_blocked"
	ReasonLoopbackBlocked  = "loopback_blocked"
	ReasonCurrentIPBlocked = "current_ip_blocked"
	ReasonIPBlocked        = "ip_blocked"
	ReasonNoRestrictions   = "no_restrictions"
	ReasonCountry          = "country_not_allowed"
	ReasonState            = "state_not_allowed"
	ReasonRulesPassed      = "rules_passed"
	ReasonUnresolved       = "unresolved"
)

// Blocklist is the compiled emergency table
type Blocklist struct {
	ips    map[string]struct{}
	ranges []*cidr.Range
}

// NewBlocklist compiles the given literals and ranges
func NewBlocklist(ips, ranges []string) (*Blocklist, error) {
	b := &Blocklist{ips: make(map[string]struct{}, len(ips))}
	for _, ip := range ips {
		b.ips[strings.TrimSpace(ip)] = struct{}{}
	}
	for _, r := range ranges {
		parsed, err := cidr.Parse(r)
		if err != nil {
			return nil, fmt.Errorf("emergency range: %w", err)
		}
		b.ranges = append(b.ranges, parsed)
	}
	return b, nil
}

// DefaultBlocklist compiles EmergencyIPs and EmergencyRanges
func DefaultBlocklist() (*Blocklist, error) {
	return NewBlocklist(EmergencyIPs, EmergencyRanges)
}

// Match returns the emergency reason for ip, or ""
func (b *Blocklist) Match(ip string) string {
	if b == nil {
		return ""
	}
	ip = strings.TrimSpace(ip)
	if _, ok := b.ips[ip]; ok {
		return ReasonEmergencyIP
	}
	for _, r := range b.ranges {
		if r.Contains(ip) {
			return ReasonEmergencyRange
		}
	}
	return ""
}

// Decision is the outcome of an evaluation
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// Input is everything a decision depends on
type Input struct {
	Visitor   *visitor.Record
	CurrentIP string
	Rules     *rules.RuleSet
	TestMode  bool
	TestIP    string
	FailOpen  bool
	Emergency *Blocklist
}

// Evaluate applies the checks in order. Each check short-circuits, so later
// checks may assume the earlier ones passed.
func Evaluate(in Input) Decision {
	v := in.Visitor
	if v == nil {
		return Decision{Allowed: in.FailOpen, Reason: ReasonUnresolved}
	}

	if reason := in.Emergency.Match(v.IP); reason != "" {
		return Decision{Reason: reason}
	}
	if v.IsBlocked {
		return Decision{Reason: ReasonVisitorBlocked}
	}

	rs := in.Rules
	if loopbackBlocked(v.IP, rs) {
		return Decision{Reason: ReasonLoopbackBlocked}
	}

	current := strings.TrimSpace(in.CurrentIP)
	if current != "" && current != v.IP && rs.IsBlockedIP(current) {
		return Decision{Reason: ReasonCurrentIPBlocked}
	}

	ip := v.IP
	if in.TestMode && strings.TrimSpace(in.TestIP) != "" {
		ip = strings.TrimSpace(in.TestIP)
	}
	if rs.IsBlockedIP(ip) {
		return Decision{Reason: ReasonIPBlocked}
	}

	if !rs.HasAllowLists() {
		return Decision{Allowed: true, Reason: ReasonNoRestrictions}
	}
	if !rs.CountryAllowed(v.CountryCode) {
		return Decision{Reason: ReasonCountry}
	}
	if !rs.StateAllowed(v.RegionCode) {
		return Decision{Reason: ReasonState}
	}
	return Decision{Allowed: true, Reason: ReasonRulesPassed}
}

func loopbackBlocked(ip string, rs *rules.RuleSet) bool {
	switch ip {
	case "::1":
		return rs.IsBlockedIP("127.0.0.1")
	case "127.0.0.1":
		return rs.IsBlockedIP("::1")
	}
	return false
}

// Engine evaluates visitors against the live settings
type Engine struct {
	store     options.Store
	rules     *rules.Loader
	emergency *Blocklist
	ips       *clientip.Resolver
	failOpen  bool
	logger    *logrus.Logger
	metrics   *metrics.Metrics
}

// Config configures an Engine
type Config struct {
	FailOpen bool
}

// NewEngine compiles the emergency table and returns an engine
func NewEngine(cfg Config, store options.Store, loader *rules.Loader, ips *clientip.Resolver, logger *logrus.Logger, m *metrics.Metrics) (*Engine, error) {
	emergency, err := DefaultBlocklist()
	if err != nil {
		return nil, err
	}
	if loader == nil {
		loader = rules.NewLoader()
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.PanicLevel)
	}
	return &Engine{
		store:     store,
		rules:     loader,
		emergency: emergency,
		ips:       ips,
		failOpen:  cfg.FailOpen,
		logger:    logger,
		metrics:   m,
	}, nil
}

// Evaluate decides for v. currentIP is the address resolved with the test
// override enabled.
func (e *Engine) Evaluate(ctx context.Context, v *visitor.Record, currentIP string) Decision {
	settings, err := options.Load(ctx, e.store)
	if err != nil {
		e.logger.WithError(err).Warn("Evaluating access with default settings")
	}

	d := Evaluate(Input{
		Visitor:   v,
		CurrentIP: currentIP,
		Rules:     e.rules.Load(settings.BlockedIPs, settings.AllowedCountries, settings.AllowedStates),
		TestMode:  settings.TestMode,
		TestIP:    settings.TestIP,
		FailOpen:  e.failOpen,
		Emergency: e.emergency,
	})

	fields := logrus.Fields{
		"allowed": d.Allowed,
		"reason":  d.Reason,
	}
	if v != nil {
		fields["ip"] = v.IP
		fields["country"] = v.CountryCode
		fields["region"] = v.RegionCode
	}
	e.logger.WithFields(fields).Debug("Access decision")
	e.metrics.Decision(d.Reason, d.Allowed)
	return d
}

// IsAllowed is Evaluate reduced to its verdict
func (e *Engine) IsAllowed(ctx context.Context, v *visitor.Record, currentIP string) bool {
	return e.Evaluate(ctx, v, currentIP).Allowed
}

// EvaluateRequest resolves the current IP from r and evaluates v
func (e *Engine) EvaluateRequest(r *http.Request, v *visitor.Record) Decision {
	current := ""
	if e.ips != nil {
		current = e.ips.Resolve(r, true)
	}
	return e.Evaluate(r.Context(), v, current)
}
