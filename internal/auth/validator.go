// Package auth validates bearer JWTs against an external OIDC JWKS endpoint
// and derives the caller identity used by the authorization engine.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"go.uber.org/zap"
)

// Validation errors signalled to callers. Handlers map these onto 401
// responses with machine-readable codes.
var (
	ErrNoToken         = errors.New("no token provided")
	ErrInvalidToken    = errors.New("invalid token")
	ErrExpiredToken    = errors.New("token expired")
	ErrUnknownKey      = errors.New("signing key not found in JWKS")
	ErrClaimMissing    = errors.New("required claim missing")
	ErrJWKSUnavailable = errors.New("failed to fetch JWKS")
)

// fallbackGroupsClaim is consulted when the configured groups claim is absent.
const fallbackGroupsClaim = "cognito:groups"

// Identity is derived from a validated bearer token. It is never persisted.
type Identity struct {
	Subject     string
	DisplayName string
	Groups      []string
	TokenExpiry time.Time
	RawClaims   map[string]interface{}
}

// Config holds validator settings.
type Config struct {
	Issuer      string
	Audience    string
	JWKSURL     string
	GroupsClaim string
	ClockSkew   time.Duration
}

// Validator verifies bearer tokens. Signing keys come from a JWKS cache
// with automatic refresh; a kid miss triggers a re-fetch.
type Validator struct {
	cfg    Config
	cache  *jwk.Cache
	tokens *TokenCache
	logger *zap.SugaredLogger
}

// NewValidator creates a validator and registers the JWKS URL with the
// key cache.
func NewValidator(ctx context.Context, cfg Config, tokens *TokenCache, logger *zap.SugaredLogger) (*Validator, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("JWKS URL is required")
	}
	if cfg.GroupsClaim == "" {
		cfg.GroupsClaim = "groups"
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}

	return &Validator{
		cfg:    cfg,
		cache:  cache,
		tokens: tokens,
		logger: logger,
	}, nil
}

// Validate verifies the raw bearer token and returns the caller identity.
// The advisory token cache short-circuits repeated validations of the same
// token; correctness is preserved when the cache is nil.
func (v *Validator) Validate(ctx context.Context, raw string) (*Identity, error) {
	if raw == "" {
		return nil, ErrNoToken
	}

	if v.tokens != nil {
		if identity, ok := v.tokens.Get(raw); ok {
			if time.Now().Before(identity.TokenExpiry) {
				return identity, nil
			}
			return nil, ErrExpiredToken
		}
	}

	token, err := jwt.Parse(raw,
		func(token *jwt.Token) (interface{}, error) { return v.keyForToken(ctx, token) },
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithLeeway(v.cfg.ClockSkew),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	identity, err := v.identityFromClaims(claims)
	if err != nil {
		return nil, err
	}

	if v.tokens != nil {
		v.tokens.Put(raw, identity)
	}
	return identity, nil
}

// keyForToken resolves the RSA public key for the token's kid from the JWKS.
func (v *Validator) keyForToken(ctx context.Context, token *jwt.Token) (interface{}, error) {
	kid, ok := token.Header["kid"].(string)
	if !ok || kid == "" {
		return nil, ErrUnknownKey
	}

	keySet, err := v.cache.Get(ctx, v.cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrJWKSUnavailable, err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		// Refresh once on kid miss to pick up rotated keys.
		keySet, err = v.cache.Refresh(ctx, v.cfg.JWKSURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrJWKSUnavailable, err)
		}
		key, found = keySet.LookupKeyID(kid)
		if !found {
			return nil, fmt.Errorf("%w: kid=%s", ErrUnknownKey, kid)
		}
	}

	var rawKey interface{}
	if err := key.Raw(&rawKey); err != nil {
		return nil, fmt.Errorf("failed to materialize JWKS key: %w", err)
	}
	return rawKey, nil
}

// identityFromClaims checks iss/aud and extracts the identity fields.
func (v *Validator) identityFromClaims(claims jwt.MapClaims) (*Identity, error) {
	if v.cfg.Issuer != "" {
		issuer, err := claims.GetIssuer()
		if err != nil || issuer != v.cfg.Issuer {
			return nil, fmt.Errorf("%w: issuer mismatch", ErrInvalidToken)
		}
	}

	if v.cfg.Audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return nil, fmt.Errorf("%w: audience", ErrClaimMissing)
		}
		found := false
		for _, aud := range audiences {
			if aud == v.cfg.Audience {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
		}
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrClaimMissing)
	}

	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return nil, fmt.Errorf("%w: exp", ErrClaimMissing)
	}

	groups := v.extractGroups(claims)

	displayName := subject
	if name, ok := claims["name"].(string); ok && name != "" {
		displayName = name
	} else if name, ok := claims["preferred_username"].(string); ok && name != "" {
		displayName = name
	}

	return &Identity{
		Subject:     subject,
		DisplayName: displayName,
		Groups:      groups,
		TokenExpiry: expiry.Time,
		RawClaims:   claims,
	}, nil
}

// extractGroups reads the configured groups claim, falling back to the
// Cognito convention when absent. A missing claim yields an empty group
// list, not an error; such callers simply match no rules.
func (v *Validator) extractGroups(claims jwt.MapClaims) []string {
	for _, claim := range []string{v.cfg.GroupsClaim, fallbackGroupsClaim} {
		raw, ok := claims[claim]
		if !ok {
			continue
		}
		switch values := raw.(type) {
		case []interface{}:
			groups := make([]string, 0, len(values))
			for _, value := range values {
				if s, ok := value.(string); ok {
					groups = append(groups, s)
				}
			}
			return groups
		case []string:
			return values
		case string:
			if values != "" {
				return []string{values}
			}
		}
	}
	return nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpiredToken
	case errors.Is(err, ErrUnknownKey):
		return err
	case errors.Is(err, ErrJWKSUnavailable):
		return err
	default:
		return fmt.Errorf("%w: %s", ErrInvalidToken, err)
	}
}
