// Package auth resolves upstream API keys to account profiles.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/capitalize-ai/appforge/internal/model"
	"github.com/capitalize-ai/appforge/pkg/logger"
	"github.com/capitalize-ai/appforge/pkg/metrics"
)

var (
	// ErrInvalidCredential is returned when the upstream rejects the key.
	ErrInvalidCredential = errors.New("invalid API key")

	// ErrMissingCredential is returned for an empty key.
	ErrMissingCredential = errors.New("API key is required")
)

const (
	DefaultCacheTTL  = 30 * time.Second
	DefaultCacheSize = 500

	requestTimeout = 10 * time.Second
)

type keyInfo struct {
	Valid bool `json:"valid"`
}

// cacheEntry holds a verification outcome. Rejections are cached too so a
// bad key does not hit the upstream on every request.
type cacheEntry struct {
	profile *model.Profile
	err     error
}

// Verifier checks API keys against the upstream account endpoints and caches
// the outcome for a short TTL in a size-bounded cache.
type Verifier struct {
	baseURL string
	client  *http.Client
	cache   *expirable.LRU[string, cacheEntry]
	logger  *logger.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithHTTPClient sets the client used for upstream calls.
func WithHTTPClient(c *http.Client) Option {
	return func(v *Verifier) { v.client = c }
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(v *Verifier) {
		if log != nil {
			v.logger = log
		}
	}
}

// NewVerifier creates a verifier. Non-positive ttl or size take the defaults.
func NewVerifier(baseURL string, ttl time.Duration, size int, opts ...Option) *Verifier {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if size <= 0 {
		size = DefaultCacheSize
	}
	v := &Verifier{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
		cache:   expirable.NewLRU[string, cacheEntry](size, nil, ttl),
		logger:  logger.Nop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify returns the profile of the account owning credential.
func (v *Verifier) Verify(ctx context.Context, credential string) (*model.Profile, error) {
	if credential == "" {
		return nil, ErrMissingCredential
	}

	key := cacheKey(credential)
	if entry, ok := v.cache.Get(key); ok {
		metrics.AuthCacheLookups.WithLabelValues("hit").Inc()
		return entry.profile, entry.err
	}
	metrics.AuthCacheLookups.WithLabelValues("miss").Inc()

	profile, err := v.verify(ctx, credential)
	if err == nil || errors.Is(err, ErrInvalidCredential) {
		v.cache.Add(key, cacheEntry{profile: profile, err: err})
	}
	return profile, err
}

// Invalidate drops the cached outcome for credential.
func (v *Verifier) Invalidate(credential string) {
	v.cache.Remove(cacheKey(credential))
}

func (v *Verifier) verify(ctx context.Context, credential string) (*model.Profile, error) {
	var info keyInfo
	if err := v.get(ctx, "/account/key", credential, &info); err != nil {
		return nil, err
	}
	if !info.Valid {
		return nil, ErrInvalidCredential
	}

	var profile model.Profile
	if err := v.get(ctx, "/account/profile", credential, &profile); err != nil {
		return nil, err
	}
	if profile.Email == "" {
		return nil, fmt.Errorf("%w: account has no email", ErrInvalidCredential)
	}
	return &profile, nil
}

func (v *Verifier) get(ctx context.Context, path, credential string, out any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Accept", "application/json")

	resp, err := v.client.Do(req)
	if err != nil {
		v.logger.Warn("account lookup failed", zap.String("path", path), zap.Error(err))
		return fmt.Errorf("account lookup failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrInvalidCredential
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("account lookup returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode account response: %w", err)
	}
	return nil
}

// cacheKey keeps raw credentials out of the cache.
func cacheKey(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
