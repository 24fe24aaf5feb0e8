// Package options provides the named settings store consumed by the access
// engine and the bot detector, plus typed accessors over it.
package options

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Prefix is prepended to every settings key
const Prefix = "aqm_security_"

// Setting keys
const (
	KeyAPIKey             = Prefix + "api_key"
	KeyTestMode           = Prefix + "test_mode"
	KeyTestIP             = Prefix + "test_ip"
	KeyBlockedIPs         = Prefix + "blocked_ips"
	KeyAllowedCountries   = Prefix + "allowed_countries"
	KeyAllowedStates      = Prefix + "allowed_states"
	KeyEnableHoneypot     = Prefix + "enable_honeypot"
	KeyEnableTimeTrap     = Prefix + "enable_time_trap"
	KeyEnableJSValidation = Prefix + "enable_js_validation"
	KeyEnableDecoyField   = Prefix + "enable_decoy_field"
	KeyMinFormTime        = Prefix + "min_form_time"
	KeyAutoBlockBots      = Prefix + "auto_block_bots"
)

// Store is a get/set/delete store of named string values
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	All(ctx context.Context) (map[string]string, error)
}

// Settings is a typed snapshot of the store
type Settings struct {
	APIKey             string
	TestMode           bool
	TestIP             string
	BlockedIPs         string
	AllowedCountries   string
	AllowedStates      string
	EnableHoneypot     bool
	EnableTimeTrap     bool
	EnableJSValidation bool
	EnableDecoyField   bool
	MinFormTime        int
	AutoBlockBots      bool
}

// DefaultSettings returns the values used for unset keys
func DefaultSettings() Settings {
	return Settings{
		EnableHoneypot:     true,
		EnableTimeTrap:     true,
		EnableJSValidation: true,
		MinFormTime:        3,
	}
}

// Load reads every known key into a Settings value
func Load(ctx context.Context, store Store) (Settings, error) {
	s := DefaultSettings()
	all, err := store.All(ctx)
	if err != nil {
		return s, fmt.Errorf("failed to load settings: %w", err)
	}

	str := func(key string, dst *string) {
		if v, ok := all[key]; ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := all[key]; ok {
			*dst = ParseBool(v)
		}
	}

	str(KeyAPIKey, &s.APIKey)
	boolean(KeyTestMode, &s.TestMode)
	str(KeyTestIP, &s.TestIP)
	str(KeyBlockedIPs, &s.BlockedIPs)
	str(KeyAllowedCountries, &s.AllowedCountries)
	str(KeyAllowedStates, &s.AllowedStates)
	boolean(KeyEnableHoneypot, &s.EnableHoneypot)
	boolean(KeyEnableTimeTrap, &s.EnableTimeTrap)
	boolean(KeyEnableJSValidation, &s.EnableJSValidation)
	boolean(KeyEnableDecoyField, &s.EnableDecoyField)
	boolean(KeyAutoBlockBots, &s.AutoBlockBots)
	if v, ok := all[KeyMinFormTime]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			s.MinFormTime = n
		}
	}

	s.TestIP = strings.TrimSpace(s.TestIP)
	return s, nil
}

// ParseBool reports whether a stored value reads as true
func ParseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// FormatBool converts b to its stored form
func FormatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// GetString returns the value for key, or def when unset
func GetString(ctx context.Context, store Store, key, def string) (string, error) {
	v, ok, err := store.Get(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// GetBool returns the boolean value for key, or def when unset
func GetBool(ctx context.Context, store Store, key string, def bool) (bool, error) {
	v, ok, err := store.Get(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return ParseBool(v), nil
}

// GetInt returns the integer value for key, or def when unset or malformed
func GetInt(ctx context.Context, store Store, key string, def int) (int, error) {
	v, ok, err := store.Get(ctx, key)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def, nil
	}
	return n, nil
}

// SetBool stores a boolean value
func SetBool(ctx context.Context, store Store, key string, b bool) error {
	return store.Set(ctx, key, FormatBool(b))
}

// SetInt stores an integer value
func SetInt(ctx context.Context, store Store, key string, n int) error {
	return store.Set(ctx, key, strconv.Itoa(n))
}

// Seed writes values for keys that are not already set. Short names such as
// "test_mode" are expanded with Prefix.
func Seed(ctx context.Context, store Store, values map[string]any) error {
	for name, raw := range values {
		key := name
		if !strings.HasPrefix(key, Prefix) {
			key = Prefix + key
		}

		_, ok, err := store.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", key, err)
		}
		if ok {
			continue
		}

		value, err := formatValue(raw)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		if err := store.Set(ctx, key, value); err != nil {
			return fmt.Errorf("failed to seed %s: %w", key, err)
		}
	}
	return nil
}

func formatValue(raw any) (string, error) {
	switch v := raw.(type) {
	case string:
		return v, nil
	case bool:
		return FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, err := formatValue(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, "\n"), nil
	case []string:
		return strings.Join(v, "\n"), nil
	default:
		return "", fmt.Errorf("unsupported type %T", raw)
	}
}
