package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ehr/ehr-realtime/internal/platform/apperr"
)

// Authenticator resolves a bearer credential to a verified identity or fails
// with an unauthorized error.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (Identity, error)
}

// Claims is the token body issued by the EMR identity provider.
type Claims struct {
	jwt.RegisteredClaims
	Role  string   `json:"role"`
	Roles []string `json:"roles"`
	Name  string   `json:"name"`
}

// PrimaryRole prefers the single role claim and falls back to the first entry
// of the roles list.
func (c *Claims) PrimaryRole() string {
	if c.Role != "" {
		return c.Role
	}
	if len(c.Roles) > 0 {
		return c.Roles[0]
	}
	return ""
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey selects HS256 verification; used for development and
	// standalone deployments without an identity provider.
	SigningKey []byte
}

// JWTAuthenticator verifies HS256 tokens against a shared key, or RS256 tokens
// against the identity provider's JWKS.
type JWTAuthenticator struct {
	keyfunc jwt.Keyfunc
	opts    []jwt.ParserOption
}

func NewJWTAuthenticator(cfg JWTConfig) (*JWTAuthenticator, error) {
	a := &JWTAuthenticator{}

	if len(cfg.SigningKey) > 0 {
		key := cfg.SigningKey
		a.keyfunc = func(*jwt.Token) (interface{}, error) { return key, nil }
		a.opts = append(a.opts, jwt.WithValidMethods([]string{"HS256"}))
	} else {
		url := cfg.JWKSURL
		if url == "" {
			if cfg.Issuer == "" {
				return nil, fmt.Errorf("jwt authenticator needs a signing key, a JWKS URL or an issuer")
			}
			discovered, err := DiscoverJWKSURL(cfg.Issuer)
			if err != nil {
				return nil, fmt.Errorf("resolve JWKS URL: %w", err)
			}
			url = discovered
		}
		a.keyfunc = NewJWKSCache(url, defaultJWKSCacheTTL).Keyfunc
		a.opts = append(a.opts, jwt.WithValidMethods([]string{"RS256"}))
	}

	if cfg.Issuer != "" {
		a.opts = append(a.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		a.opts = append(a.opts, jwt.WithAudience(cfg.Audience))
	}
	return a, nil
}

func (a *JWTAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, apperr.Unauthorized("missing credential")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, a.keyfunc, a.opts...)
	if err != nil || !parsed.Valid {
		return Identity{}, apperr.Wrap(apperr.KindUnauthorized, err, "invalid token")
	}
	if claims.Subject == "" || claims.PrimaryRole() == "" {
		return Identity{}, apperr.Unauthorized("token is missing subject or role")
	}

	return Identity{
		UserID: claims.Subject,
		Role:   claims.PrimaryRole(),
		Name:   claims.Name,
	}, nil
}

// DevAuthenticator trusts credentials of the form "userId:role[:name]". It is
// only installed when AUTH_MODE=development.
type DevAuthenticator struct{}

func (DevAuthenticator) Authenticate(_ context.Context, token string) (Identity, error) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Identity{}, apperr.Unauthorized("development credential must be userId:role[:name]")
	}
	id := Identity{UserID: parts[0], Role: parts[1]}
	if len(parts) == 3 {
		id.Name = parts[2]
	}
	return id, nil
}
