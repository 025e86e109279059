package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"filevault/internal/store"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

var (
	ErrInvalidToken  = errors.New("invalid API token")
	ErrTokenDisabled = errors.New("token disabled")
)

// Claims identify the caller. Subject is the owner id used for uploads.
type Claims struct {
	Subject string
	IsAdmin bool
}

const claimsContextKey = "auth_claims"

// TokenLookup resolves sha256 token hashes from the catalog.
type TokenLookup interface {
	AuthenticateToken(ctx context.Context, tokenHash string) (store.APIToken, error)
	TouchTokenLastUsed(ctx context.Context, id uuid.UUID)
}

type Authenticator struct {
	lookup       TokenLookup
	adminToken   string
	staticTokens map[string]string
}

// NewAuthenticator checks tokens against adminToken, then the static
// token->owner map, then lookup. lookup may be nil.
func NewAuthenticator(lookup TokenLookup, adminToken string, staticTokens map[string]string) *Authenticator {
	return &Authenticator{
		lookup:       lookup,
		adminToken:   adminToken,
		staticTokens: staticTokens,
	}
}

func (a *Authenticator) Middleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := extractToken(c.Request())
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing API token")
		}

		claims, err := a.Authenticate(c.Request().Context(), token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid API token")
		}
		c.Set(claimsContextKey, claims)

		return next(c)
	}
}

func (a *Authenticator) Authenticate(ctx context.Context, token string) (Claims, error) {
	if token == "" {
		return Claims{}, ErrInvalidToken
	}
	if a.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.adminToken)) == 1 {
		return Claims{Subject: "admin", IsAdmin: true}, nil
	}
	if owner, ok := a.staticTokens[token]; ok {
		return Claims{Subject: owner}, nil
	}
	if a.lookup == nil {
		return Claims{}, ErrInvalidToken
	}

	t, err := a.lookup.AuthenticateToken(ctx, HashToken(token))
	if err != nil {
		if store.IsNotFound(err) {
			return Claims{}, ErrInvalidToken
		}
		return Claims{}, err
	}
	if t.Disabled {
		return Claims{}, ErrTokenDisabled
	}
	a.lookup.TouchTokenLastUsed(ctx, t.ID)

	return Claims{Subject: t.Subject}, nil
}

// HashToken returns the hex sha256 stored in api_tokens.token_hash.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

func GetClaims(c echo.Context) (Claims, bool) {
	raw := c.Get(claimsContextKey)
	if raw == nil {
		return Claims{}, false
	}
	claims, ok := raw.(Claims)
	return claims, ok
}

// extractToken reads a bearer token, the X-API-Token header, or the
// access_token query parameter used by browser sockets.
func extractToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return strings.TrimSpace(authz[7:])
	}
	if tok := strings.TrimSpace(r.Header.Get("X-API-Token")); tok != "" {
		return tok
	}
	return strings.TrimSpace(r.URL.Query().Get("access_token"))
}
