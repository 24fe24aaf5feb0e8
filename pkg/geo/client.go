package geo

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/JustCasey76/aqm-security-sub000/pkg/metrics"
	"github.com/JustCasey76/aqm-security-sub000/pkg/options"
	"github.com/JustCasey76/aqm-security-sub000/pkg/storage"
)

// HTTPDoer is the subset of *http.Client the API provider needs
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for API calls
func WithHTTPClient(doer HTTPDoer) Option {
	return func(c *Client) { c.http = doer }
}

// WithLogger sets the logger
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithProvider resolves through p instead of the HTTP API. No API key is
// required in that case.
func WithProvider(p Provider) Option {
	return func(c *Client) { c.provider = p }
}

// Client looks addresses up through the configured provider with a
// per-address cache. The cache is bypassed entirely in test mode.
type Client struct {
	config   Config
	cache    storage.CacheStorage
	store    options.Store
	http     HTTPDoer
	provider Provider
	logger   *logrus.Logger
	metrics  *metrics.Metrics
}

// NewClient creates a client. store supplies the API key and test mode flag.
func NewClient(config Config, cache storage.CacheStorage, store options.Store, opts ...Option) *Client {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.CacheTTL <= 0 {
		config.CacheTTL = defaults.CacheTTL
	}
	if config.CachePrefix == "" {
		config.CachePrefix = defaults.CachePrefix
	}

	c := &Client{
		config: config,
		cache:  cache,
		store:  store,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: config.Timeout}
	}
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.SetLevel(logrus.PanicLevel)
	}
	return c
}

// CacheKey returns the cache key for ip
func (c *Client) CacheKey(ip string) string {
	sum := md5.Sum([]byte(ip))
	return c.config.CachePrefix + "_" + hex.EncodeToString(sum[:])
}

// Lookup resolves ip. Without an API key and without an alternative provider
// the fixed stub record is returned.
func (c *Client) Lookup(ctx context.Context, ip string) (Result, error) {
	apiKey := c.apiKey(ctx)
	if c.provider == nil && apiKey == "" {
		c.metrics.GeoLookup("stub")
		return Stub(ip), nil
	}

	testMode := c.testMode(ctx)
	key := c.CacheKey(ip)

	if !testMode && c.cache != nil {
		if res, ok := c.cached(ctx, key); ok {
			res.IP = ip
			c.metrics.GeoLookup("cache")
			return res, nil
		}
	}

	start := time.Now()
	var (
		res     Result
		err     error
		outcome string
	)
	if c.provider != nil {
		outcome = "provider"
		res, err = c.provider.Lookup(ctx, ip)
	} else {
		outcome = "api"
		res, err = c.fetch(ctx, ip, apiKey)
	}
	c.metrics.ObserveGeoLatency(time.Since(start))

	if err != nil {
		c.metrics.GeoLookup("error")
		return Result{}, err
	}
	c.metrics.GeoLookup(outcome)

	res.IP = ip
	if !testMode && c.cache != nil {
		c.storeCached(ctx, key, res)
	}
	return res, nil
}

// Invalidate drops any cached entry for ip
func (c *Client) Invalidate(ctx context.Context, ip string) error {
	if c.cache == nil {
		return nil
	}
	if err := c.cache.Delete(ctx, c.CacheKey(ip)); err != nil {
		return fmt.Errorf("failed to invalidate geolocation cache: %w", err)
	}
	return nil
}

func (c *Client) cached(ctx context.Context, key string) (Result, bool) {
	data, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrCacheMiss) {
			c.logger.WithError(err).Warn("Geolocation cache read failed")
		}
		return Result{}, false
	}

	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Discarding unreadable geolocation cache entry")
		return Result{}, false
	}
	return res, true
}

func (c *Client) storeCached(ctx context.Context, key string, res Result) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, data, c.config.CacheTTL); err != nil {
		c.logger.WithError(err).Warn("Geolocation cache write failed")
	}
}

func (c *Client) fetch(ctx context.Context, ip, apiKey string) (Result, error) {
	q := url.Values{}
	q.Set("access_key", apiKey)
	q.Set("fields", Fields)
	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/" + url.PathEscape(ip) + "?" + q.Encode()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Result{}, &TransportError{Op: "request", Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, &TransportError{Op: "request", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return Result{}, &TransportError{Op: "request", StatusCode: resp.StatusCode}
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, &TransportError{Op: "decode", Err: err}
	}
	if pe := body.providerError(); pe != nil {
		c.logger.WithFields(logrus.Fields{
			"ip":   ip,
			"code": pe.Code,
			"type": pe.Type,
		}).Warn("Geolocation provider returned an error")
		return Result{}, pe
	}

	return body.normalize(), nil
}

func (c *Client) apiKey(ctx context.Context) string {
	if c.store != nil {
		key, err := options.GetString(ctx, c.store, options.KeyAPIKey, "")
		if err != nil {
			c.logger.WithError(err).Warn("Failed to read API key")
		}
		if key = strings.TrimSpace(key); key != "" {
			return key
		}
	}
	return strings.TrimSpace(c.config.APIKey)
}

func (c *Client) testMode(ctx context.Context) bool {
	if c.store == nil {
		return false
	}
	on, err := options.GetBool(ctx, c.store, options.KeyTestMode, false)
	if err != nil {
		c.logger.WithError(err).Warn("Failed to read test mode")
	}
	return on
}
