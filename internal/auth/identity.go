package auth

import (
	"context"
	"net/http"
	"strings"

	dserrors "github.com/althrussell/databricks-sql-copilot/internal/errors"
)

// Mode selects how the caller identity is resolved.
type Mode string

const (
	// ModeOBO prefers the end user's forwarded token when one is present.
	ModeOBO Mode = "obo"
	// ModeServicePrincipal ignores forwarded user tokens.
	ModeServicePrincipal Mode = "sp"
)

// ParseMode accepts the values of COPILOT_AUTH_MODE.
func ParseMode(s string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "obo", "user":
		return ModeOBO, true
	case "sp", "service-principal", "service_principal":
		return ModeServicePrincipal, true
	default:
		return "", false
	}
}

// Source names where a bearer token came from.
type Source string

const (
	SourceOBO              Source = "obo"
	SourceStatic           Source = "static"
	SourceServicePrincipal Source = "service_principal"
)

// ForwardedTokenHeader carries the end user's token from the hosting proxy.
const ForwardedTokenHeader = "X-Forwarded-Access-Token"

// Identity is everything that can supply a bearer token for one call.
type Identity struct {
	Mode        Mode
	OBOToken    string
	StaticToken string
	// OAuth returns the cached service-principal token; nil when no service
	// principal is configured.
	OAuth func(ctx context.Context) (string, error)
}

// Resolve picks the token to present on an outgoing call: the user's token
// (unless forced into service-principal mode), then the static token, then
// the service principal. It is evaluated per call; nothing about the choice
// is cached.
func Resolve(ctx context.Context, id Identity) (string, Source, error) {
	if id.Mode != ModeServicePrincipal && id.OBOToken != "" {
		return id.OBOToken, SourceOBO, nil
	}
	if id.StaticToken != "" {
		return id.StaticToken, SourceStatic, nil
	}
	if id.OAuth != nil {
		tok, err := id.OAuth(ctx)
		if err != nil {
			return "", SourceServicePrincipal, err
		}
		return tok, SourceServicePrincipal, nil
	}
	return "", "", dserrors.ConfigError{
		Field:      "auth",
		Message:    "no credential source is configured",
		Suggestion: "Set DATABRICKS_CLIENT_ID and DATABRICKS_CLIENT_SECRET, or DATABRICKS_TOKEN",
	}
}

type oboKey struct{}

// WithOBOToken attaches the end user's token to ctx.
func WithOBOToken(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, oboKey{}, token)
}

// WithoutOBO hides any user token attached to ctx.
func WithoutOBO(ctx context.Context) context.Context {
	if OBOTokenFrom(ctx) == "" {
		return ctx
	}
	return context.WithValue(ctx, oboKey{}, "")
}

// OBOTokenFrom returns the user token attached to ctx, if any.
func OBOTokenFrom(ctx context.Context) string {
	tok, _ := ctx.Value(oboKey{}).(string)
	return tok
}

// OBOMiddleware copies the forwarded user token into the request context.
func OBOMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok := strings.TrimSpace(r.Header.Get(ForwardedTokenHeader)); tok != "" {
			r = r.WithContext(WithOBOToken(r.Context(), tok))
		}
		next.ServeHTTP(w, r)
	})
}
