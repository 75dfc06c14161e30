package auth

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/althrussell/databricks-sql-copilot/internal/logging"
	"github.com/althrussell/databricks-sql-copilot/internal/metrics"
	"github.com/althrussell/databricks-sql-copilot/internal/secure"
	"github.com/althrussell/databricks-sql-copilot/internal/transport"
)

// TokenCache hands out the bearer token for control-plane calls.
type TokenCache struct {
	mode   Mode
	static *secure.Value
	source TokenSource
	cache  *Cache
	group  singleflight.Group
	logger *logging.Logger
}

// TokenCacheConfig configures a TokenCache. Source is nil when no service
// principal is configured.
type TokenCacheConfig struct {
	Mode   Mode
	Static *secure.Value
	Source TokenSource
	Logger *logging.Logger
}

// NewTokenCache creates a TokenCache with the control-plane safety buffer.
func NewTokenCache(cfg TokenCacheConfig) *TokenCache {
	return &TokenCache{
		mode:   cfg.Mode,
		static: cfg.Static,
		source: cfg.Source,
		cache:  NewCache(ControlPlaneBuffer),
		logger: cfg.Logger.Component("auth"),
	}
}

// Cache exposes the service-principal token slot. Tests only.
func (c *TokenCache) Cache() *Cache { return c.cache }

// BearerToken returns the token to present for the current request.
func (c *TokenCache) BearerToken(ctx context.Context) (string, Source, error) {
	static, err := c.static.Reveal()
	if err != nil {
		return "", "", fmt.Errorf("read static token: %w", err)
	}

	id := Identity{
		Mode:        c.mode,
		OBOToken:    OBOTokenFrom(ctx),
		StaticToken: static,
	}
	if c.source != nil {
		id.OAuth = c.ServicePrincipalToken
	}
	return Resolve(ctx, id)
}

// ServicePrincipalToken returns the cached OAuth token, exchanging for a new
// one when it is missing or inside the safety buffer. Concurrent callers
// that find the token stale share one exchange.
func (c *TokenCache) ServicePrincipalToken(ctx context.Context) (string, error) {
	if tok, ok := c.cache.Get(); ok {
		return tok.Value, nil
	}

	ch := c.group.DoChan("refresh", func() (interface{}, error) {
		if tok, ok := c.cache.Get(); ok {
			return tok.Value, nil
		}
		// The exchange outlives any single waiter's cancellation.
		tok, err := c.source.Token(context.WithoutCancel(ctx))
		if err != nil {
			c.cache.Clear()
			metrics.RecordTokenRefresh("failure")
			c.logger.Warn("service principal token exchange failed: %v", err)
			return "", err
		}
		c.cache.Set(tok)
		metrics.RecordTokenRefresh("success")
		c.logger.Debug("service principal token refreshed, expires %s", tok.ExpiresAt.Format("15:04:05"))
		return tok.Value, nil
	})

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("waiting for token refresh: %w: %w", transport.ErrCancelled, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops the cached service-principal token so the next call
// exchanges again.
func (c *TokenCache) Invalidate() {
	c.cache.Clear()
}

// AppTokens presents the application's own identity: the static token or
// the service principal. A user token on the context is ignored. Used for
// provisioning and credential minting, which must not depend on who is
// signed in.
type AppTokens struct {
	*TokenCache
}

// BearerToken resolves a token with any user token hidden.
func (a AppTokens) BearerToken(ctx context.Context) (string, Source, error) {
	return a.TokenCache.BearerToken(WithoutOBO(ctx))
}
