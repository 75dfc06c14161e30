package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/althrussell/databricks-sql-copilot/internal/secure"
	"github.com/althrussell/databricks-sql-copilot/internal/transport"
)

const (
	// TokenPath is the workspace OIDC token endpoint.
	TokenPath = "/oidc/v1/token"

	// AllAPIsScope grants access to every workspace REST API.
	AllAPIsScope = "all-apis"

	defaultTokenLifetime = time.Hour
)

// TokenSource mints a fresh token on every call.
type TokenSource interface {
	Token(ctx context.Context) (CachedToken, error)
}

// OAuthSource performs the client-credentials exchange for a service principal.
type OAuthSource struct {
	host     string
	clientID string
	secret   *secure.Value
	client   *http.Client
	timeout  time.Duration
	now      func() time.Time
}

// NewOAuthSource creates a source for the workspace at host. A nil client
// uses http.DefaultClient.
func NewOAuthSource(host, clientID string, secret *secure.Value, client *http.Client, timeout time.Duration) *OAuthSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuthSource{
		host:     strings.TrimRight(host, "/"),
		clientID: clientID,
		secret:   secret,
		client:   client,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Token exchanges the client id/secret for an access token using HTTP Basic
// auth. A non-2xx response is returned with its body as the error detail.
func (s *OAuthSource) Token(ctx context.Context) (CachedToken, error) {
	secret, err := s.secret.Reveal()
	if err != nil {
		return CachedToken{}, fmt.Errorf("read client secret: %w", err)
	}

	cfg := clientcredentials.Config{
		ClientID:     s.clientID,
		ClientSecret: secret,
		TokenURL:     s.host + TokenPath,
		Scopes:       []string{AllAPIsScope},
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	var tok *oauth2.Token
	err = transport.Guard(ctx, s.timeout, func(callCtx context.Context) error {
		var err error
		tok, err = cfg.Token(context.WithValue(callCtx, oauth2.HTTPClient, s.client))
		return err
	})
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.Response != nil {
			return CachedToken{}, fmt.Errorf("token exchange failed (HTTP %d): %s",
				re.Response.StatusCode, strings.TrimSpace(string(re.Body)))
		}
		return CachedToken{}, fmt.Errorf("token exchange failed: %w", err)
	}

	expiresAt := tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = s.now().Add(defaultTokenLifetime)
	}
	return CachedToken{Value: tok.AccessToken, ExpiresAt: expiresAt}, nil
}
