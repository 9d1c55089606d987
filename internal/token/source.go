package token

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

//go:generate mockgen -source=source.go -destination=mock_source.go -package=token

// Source hands out bearer tokens for outbound calls. Implementations
// decide whether a token is reused.
type Source interface {
	// Token returns a bearer token for the configured scope.
	Token(ctx context.Context) (string, error)
	// Invalidate discards any reused token, typically after the upstream
	// answered 401.
	Invalidate()
}

// RefetchSource performs a fresh exchange on every call.
type RefetchSource struct {
	exchanger Exchanger
}

// NewRefetchSource returns a Source that never reuses tokens.
func NewRefetchSource(ex Exchanger) *RefetchSource {
	return &RefetchSource{exchanger: ex}
}

// Token performs a new exchange.
func (s *RefetchSource) Token(ctx context.Context) (string, error) {
	tok, err := s.exchanger.Exchange(ctx)
	if err != nil {
		return "", err
	}

	return tok.AccessToken, nil
}

// Invalidate is a no-op; nothing is reused.
func (s *RefetchSource) Invalidate() {}

// cacheEntry holds a cached token with its expiry.
type cacheEntry struct {
	token     string
	expiresAt time.Time
}

// CachingSource reuses a token until skew before its expiry. Concurrent
// callers that miss the cache share a single exchange. Tokens with an
// unknown expiry are never cached.
type CachingSource struct {
	exchanger Exchanger
	scope     string
	skew      time.Duration
	logger    *slog.Logger
	now       func() time.Time

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry // scope -> token
}

// NewCachingSource returns a Source caching tokens for scope.
func NewCachingSource(ex Exchanger, scope string, skew time.Duration, logger *slog.Logger) *CachingSource {
	return &CachingSource{
		exchanger: ex,
		scope:     scope,
		skew:      skew,
		logger:    logger,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
}

// Token returns the cached token when it is still fresh, otherwise
// exchanges a new one.
func (s *CachingSource) Token(ctx context.Context) (string, error) {
	if tok, ok := s.cached(); ok {
		return tok, nil
	}

	v, err, shared := s.group.Do(s.scope, func() (any, error) {
		if tok, ok := s.cached(); ok {
			return tok, nil
		}

		// The exchange outlives any single caller that joined it.
		tok, err := s.exchanger.Exchange(context.WithoutCancel(ctx))
		if err != nil {
			return "", err
		}

		if !tok.ExpiresAt.IsZero() {
			s.mu.Lock()
			s.cache[s.scope] = cacheEntry{token: tok.AccessToken, expiresAt: tok.ExpiresAt}
			s.mu.Unlock()
		}

		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}

	s.logger.Debug("token cache miss", slog.String("scope", s.scope), slog.Bool("shared", shared))

	return v.(string), nil
}

func (s *CachingSource) cached() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache[s.scope]
	if !ok {
		return "", false
	}

	if !s.now().Before(entry.expiresAt.Add(-s.skew)) {
		delete(s.cache, s.scope)
		return "", false
	}

	return entry.token, true
}

// Invalidate drops the cached token so the next call exchanges again.
func (s *CachingSource) Invalidate() {
	s.mu.Lock()
	delete(s.cache, s.scope)
	s.mu.Unlock()
}
