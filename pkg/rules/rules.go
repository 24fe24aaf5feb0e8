// Package rules parses the administrator allow and block lists into
// normalized sets.
package rules

import (
	"strings"
	"sync"
)

// RuleSet holds the parsed allow and block lists. An empty list leaves its
// dimension unrestricted.
type RuleSet struct {
	BlockedIPs       []string
	AllowedCountries []string
	AllowedStates    []string

	blocked   map[string]struct{}
	countries map[string]struct{}
	states    map[string]struct{}
}

// ParseList splits newline and comma separated text into trimmed, upper-cased,
// de-duplicated entries in their original order.
func ParseList(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == '\n' || r == '\r' || r == ','
	})

	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToUpper(strings.TrimSpace(f))
		if f == "" {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// Parse builds a RuleSet from the raw option values
func Parse(blockedIPs, allowedCountries, allowedStates string) *RuleSet {
	rs := &RuleSet{
		BlockedIPs:       ParseList(blockedIPs),
		AllowedCountries: ParseList(allowedCountries),
		AllowedStates:    ParseList(allowedStates),
	}
	rs.blocked = toSet(rs.BlockedIPs)
	rs.countries = toSet(rs.AllowedCountries)
	rs.states = toSet(rs.AllowedStates)
	return rs
}

func toSet(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, v := range list {
		set[v] = struct{}{}
	}
	return set
}

// IsBlockedIP reports an exact block-list match
func (rs *RuleSet) IsBlockedIP(ip string) bool {
	if rs == nil {
		return false
	}
	ip = strings.ToUpper(strings.TrimSpace(ip))
	if ip == "" {
		return false
	}
	_, ok := rs.blocked[ip]
	return ok
}

// HasAllowLists reports whether any allow-list dimension is configured
func (rs *RuleSet) HasAllowLists() bool {
	return rs != nil && (len(rs.AllowedCountries) > 0 || len(rs.AllowedStates) > 0)
}

// CountryAllowed reports whether code passes the country dimension
func (rs *RuleSet) CountryAllowed(code string) bool {
	if rs == nil || len(rs.countries) == 0 {
		return true
	}
	_, ok := rs.countries[strings.ToUpper(strings.TrimSpace(code))]
	return ok
}

// StateAllowed reports whether code passes the state dimension
func (rs *RuleSet) StateAllowed(code string) bool {
	if rs == nil || len(rs.states) == 0 {
		return true
	}
	_, ok := rs.states[strings.ToUpper(strings.TrimSpace(code))]
	return ok
}

// AppendIP adds ip to a raw block-list value. It returns the new value and
// whether anything changed.
func AppendIP(raw, ip string) (string, bool) {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return raw, false
	}
	upper := strings.ToUpper(ip)
	for _, existing := range ParseList(raw) {
		if existing == upper {
			return raw, false
		}
	}

	trimmed := strings.TrimRight(raw, "\r\n ")
	if trimmed == "" {
		return ip, true
	}
	return trimmed + "\n" + ip, true
}

// Loader caches the parsed RuleSet and re-parses only when a raw value changes
type Loader struct {
	mu     sync.Mutex
	key    [3]string
	parsed *RuleSet
}

// NewLoader creates an empty loader
func NewLoader() *Loader {
	return &Loader{}
}

// Load returns the RuleSet for the given raw values
func (l *Loader) Load(blockedIPs, allowedCountries, allowedStates string) *RuleSet {
	key := [3]string{blockedIPs, allowedCountries, allowedStates}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.parsed != nil && l.key == key {
		return l.parsed
	}
	l.key = key
	l.parsed = Parse(blockedIPs, allowedCountries, allowedStates)
	return l.parsed
}
