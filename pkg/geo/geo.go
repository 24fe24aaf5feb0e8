// Package geo resolves IP addresses to country and region data, either from
// the ipstack-style HTTP API or from a local MaxMind database, and caches the
// normalized results.
package geo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Location carries presentation fields derived from the country
type Location struct {
	CountryFlag      string `json:"country_flag"`
	CountryFlagEmoji string `json:"country_flag_emoji"`
}

// Result is a normalized geolocation answer
type Result struct {
	IP          string   `json:"ip"`
	CountryCode string   `json:"country_code"`
	CountryName string   `json:"country_name"`
	RegionCode  string   `json:"region_code"`
	Region      string   `json:"region"`
	City        string   `json:"city"`
	Zip         string   `json:"zip"`
	Latitude    float64  `json:"latitude"`
	Longitude   float64  `json:"longitude"`
	Location    Location `json:"location"`
}

// Provider resolves an address without caching
type Provider interface {
	Lookup(ctx context.Context, ip string) (Result, error)
}

// Config configures the geolocation client
type Config struct {
	Provider    string        `toml:"provider"`
	APIKey      string        `toml:"apiKey"`
	BaseURL     string        `toml:"baseURL"`
	Timeout     time.Duration `toml:"timeout"`
	CacheTTL    time.Duration `toml:"cacheTTL"`
	CachePrefix string        `toml:"cachePrefix"`
	MMDBPath    string        `toml:"mmdbPath"`
	FailOpen    bool          `toml:"failOpen"`
}

// DefaultConfig returns the API provider defaults
func DefaultConfig() Config {
	return Config{
		Provider:    "api",
		BaseURL:     "http://api.ipstack.com",
		Timeout:     10 * time.Second,
		CacheTTL:    time.Hour,
		CachePrefix: "aqm_security",
		FailOpen:    true,
	}
}

// Fields is the field selection sent to the API
const Fields = "country_code,country_name,region_code,region_name,zip,latitude,longitude"

const flagURLFormat = "https://assets.ipstack.com/flags/%s.svg"

// ErrUpstream is wrapped by TransportError
var ErrUpstream = errors.New("geolocation upstream unavailable")

// TransportError reports a failure to reach the provider or understand its reply
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("geolocation %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("geolocation %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrUpstream, e.Err}
	}
	return []error{ErrUpstream}
}

// ProviderError carries an application-level error envelope from the provider
type ProviderError struct {
	Code int
	Type string
	Info string
}

func (e *ProviderError) Error() string {
	if e.Info == "" {
		return fmt.Sprintf("geolocation provider error %d (%s)", e.Code, e.Type)
	}
	return fmt.Sprintf("geolocation provider error %d (%s): %s", e.Code, e.Type, e.Info)
}

// Stub is returned when no API key is configured
func Stub(ip string) Result {
	r := Result{
		IP:          ip,
		CountryCode: "US",
		CountryName: "United States",
		RegionCode:  "CA",
		Region:      "California",
		City:        "Beverly Hills",
		Zip:         "90210",
		Latitude:    34.0901,
		Longitude:   -118.4065,
	}
	r.Location = flagLocation(r.CountryCode)
	return r
}

// FlagURL returns the flag image URL for a two-letter country code
func FlagURL(countryCode string) string {
	if countryCode == "" {
		return ""
	}
	return fmt.Sprintf(flagURLFormat, strings.ToLower(countryCode))
}

// FlagEmoji builds the regional-indicator pair for a two-letter country code
func FlagEmoji(countryCode string) string {
	cc := strings.ToUpper(countryCode)
	if len(cc) != 2 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < 2; i++ {
		c := cc[i]
		if c < 'A' || c > 'Z' {
			return ""
		}
		b.WriteRune(rune(0x1F1E6 + int(c-'A')))
	}
	return b.String()
}

func flagLocation(countryCode string) Location {
	return Location{
		CountryFlag:      FlagURL(countryCode),
		CountryFlagEmoji: FlagEmoji(countryCode),
	}
}
