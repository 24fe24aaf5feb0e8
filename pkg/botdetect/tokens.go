package botdetect

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JustCasey76/aqm-security-sub000/pkg/metrics"
	"github.com/JustCasey76/aqm-security-sub000/pkg/storage"
)

// TokenTTL is how long an issued script token stays valid
const TokenTTL = time.Hour

// Tokens issues and verifies one-time script tokens
type Tokens struct {
	cache   storage.CacheStorage
	prefix  string
	metrics *metrics.Metrics
}

// NewTokens creates a token store. Keys are "<prefix>_token_<token>".
func NewTokens(cache storage.CacheStorage, prefix string, m *metrics.Metrics) *Tokens {
	if prefix == "" {
		prefix = "aqm_security"
	}
	return &Tokens{cache: cache, prefix: prefix, metrics: m}
}

func (t *Tokens) key(token string) string {
	return t.prefix + "_token_" + token
}

// Issue generates and stores a new token
func (t *Tokens) Issue(ctx context.Context) (string, error) {
	token := uuid.NewString()
	if err := t.cache.Set(ctx, t.key(token), []byte("1"), TokenTTL); err != nil {
		return "", fmt.Errorf("failed to store script token: %w", err)
	}
	t.metrics.TokenIssued()
	return token, nil
}

// Verify reports whether token was issued and not yet used, consuming it
func (t *Tokens) Verify(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	if _, err := t.cache.Take(ctx, t.key(token)); err != nil {
		if errors.Is(err, storage.ErrCacheMiss) {
			return false, nil
		}
		return false, fmt.Errorf("failed to consume script token: %w", err)
	}
	return true, nil
}
