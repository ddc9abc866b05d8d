// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// JWTConfig configures the JWTAuthProvider.
//
// Exactly one of Secret or JWKSURL must be set. Secret selects the
// symmetric HS256 mode used by Supabase and similar providers; JWKSURL
// selects the asymmetric mode where public keys are fetched from the
// identity provider and refreshed automatically.
//
// Example (Supabase):
//
//	cfg := extensions.JWTConfig{
//	    Secret:   os.Getenv("GATEWAY_JWT_SECRET"),
//	    Audience: "authenticated",
//	}
//
// Example (JWKS):
//
//	cfg := extensions.JWTConfig{
//	    JWKSURL:  "https://auth.example.com/.well-known/jwks.json",
//	    Issuer:   "https://auth.example.com",
//	    Audience: "relaygate",
//	}
type JWTConfig struct {
	// Secret is the HS256 shared signing secret.
	// Supabase exposes this as the project's JWT secret.
	Secret string

	// JWKSURL is the provider's JSON Web Key Set endpoint.
	// Keys are cached and refreshed to handle rotation.
	JWKSURL string

	// Issuer is the expected "iss" claim.
	// If empty, the issuer is not validated.
	Issuer string

	// Audience is the expected "aud" claim.
	// Supabase access tokens carry "authenticated".
	// If empty, the audience is not validated.
	Audience string
}

// JWTAuthProvider validates JWT bearer tokens for multi-user deployments.
//
// This is the production AuthProvider shipped with the open source
// gateway. It verifies the token signature, expiration, and (when
// configured) issuer and audience, then maps the claims onto AuthInfo.
//
// # Modes
//
// HS256 shared-secret mode validates tokens signed with a symmetric
// secret. This matches how Supabase signs access tokens, so a gateway
// fronting a Supabase project only needs the project's JWT secret.
//
// JWKS mode fetches the provider's public key set and caches it with
// automatic refresh (minimum 15 minute interval) to pick up key
// rotation without restarts.
//
// # Claim Mapping
//
//   - "sub" -> AuthInfo.UserID (required; tokens without it are rejected)
//   - "email" -> AuthInfo.Email
//   - "role" / "roles" -> AuthInfo.Roles
//   - remaining non-registered claims -> AuthInfo.Metadata
//
// Thread-safe: the only mutable state is the jwk.Cache, which is
// safe for concurrent use.
//
// Example:
//
//	provider, err := extensions.NewJWTAuthProvider(extensions.JWTConfig{
//	    Secret:   secret,
//	    Audience: "authenticated",
//	})
//	if err != nil {
//	    return err
//	}
//	info, err := provider.Validate(ctx, bearerToken)
type JWTAuthProvider struct {
	secret   []byte
	jwksURL  string
	keyCache *jwk.Cache
	issuer   string
	audience string
}

// NewJWTAuthProvider creates a validator for the given configuration.
//
// In JWKS mode the key set is fetched once up front so that a bad URL
// or unreachable provider fails at startup rather than on the first
// request.
//
// Parameters:
//   - cfg: Validation configuration. Exactly one of Secret or JWKSURL
//     must be set.
//
// Returns:
//   - *JWTAuthProvider: Ready-to-use provider.
//   - error: Non-nil if the configuration is invalid or the initial
//     JWKS fetch failed.
func NewJWTAuthProvider(cfg JWTConfig) (*JWTAuthProvider, error) {
	if cfg.Secret == "" && cfg.JWKSURL == "" {
		return nil, errors.New("jwt config requires either Secret or JWKSURL")
	}
	if cfg.Secret != "" && cfg.JWKSURL != "" {
		return nil, errors.New("jwt config cannot set both Secret and JWKSURL")
	}

	provider := &JWTAuthProvider{
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}

	if cfg.Secret != "" {
		provider.secret = []byte(cfg.Secret)
		return provider, nil
	}

	ctx := context.Background()
	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(15*time.Minute)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	provider.jwksURL = cfg.JWKSURL
	provider.keyCache = cache
	return provider, nil
}

// Validate verifies the token and returns the caller's identity.
//
// Signature, expiration, and not-before are always checked. Issuer and
// audience are checked when configured. Invalid tokens return an error
// wrapping ErrUnauthorized so callers can distinguish rejection from
// infrastructure failures (such as an unreachable JWKS endpoint).
//
// Parameters:
//   - ctx: Context for cancellation and timeout control
//   - token: The compact-serialized JWT, without the "Bearer " prefix
//
// Returns:
//   - *AuthInfo: Identity mapped from the token claims
//   - error: Wraps ErrUnauthorized for rejected tokens
func (p *JWTAuthProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token: %w", ErrUnauthorized)
	}

	parseOpts := []jwt.ParseOption{jwt.WithValidate(true)}
	if p.keyCache != nil {
		keyset, err := p.keyCache.Get(ctx, p.jwksURL)
		if err != nil {
			return nil, fmt.Errorf("failed to get JWKS: %w", err)
		}
		parseOpts = append(parseOpts, jwt.WithKeySet(keyset))
	} else {
		parseOpts = append(parseOpts, jwt.WithKey(jwa.HS256, p.secret))
	}
	if p.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(p.audience))
	}

	parsed, err := jwt.Parse([]byte(token), parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed (%v): %w", err, ErrUnauthorized)
	}

	if parsed.Subject() == "" {
		return nil, fmt.Errorf("token has no subject claim: %w", ErrUnauthorized)
	}

	info := &AuthInfo{
		UserID:   parsed.Subject(),
		Roles:    rolesFromToken(parsed),
		Metadata: metadataFromToken(ctx, parsed),
	}
	if email, ok := parsed.Get("email"); ok {
		if emailStr, ok := email.(string); ok {
			info.Email = emailStr
		}
	}
	return info, nil
}

// rolesFromToken extracts role claims.
//
// Supabase issues a single "role" string claim; other providers issue
// a "roles" array. Both are honored, in that order.
func rolesFromToken(token jwt.Token) []string {
	var roles []string
	if v, ok := token.Get("role"); ok {
		if role, ok := v.(string); ok && role != "" {
			roles = append(roles, role)
		}
	}
	if v, ok := token.Get("roles"); ok {
		if list, ok := v.([]any); ok {
			for _, item := range list {
				if role, ok := item.(string); ok && role != "" {
					roles = append(roles, role)
				}
			}
		}
	}
	return roles
}

// metadataFromToken collects provider-specific claims into Metadata.
//
// Registered JWT claims and the claims already mapped onto AuthInfo
// fields are skipped; everything else (Supabase's app_metadata,
// session_id, aal, and so on) is preserved for enterprise extensions.
func metadataFromToken(ctx context.Context, token jwt.Token) Metadata {
	meta := NewMetadata()
	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key, ok := pair.Key.(string)
		if !ok {
			continue
		}
		switch key {
		case "sub", "iss", "aud", "exp", "iat", "nbf", "jti", "email", "role", "roles":
			continue
		}
		meta.Set(key, pair.Value)
	}
	if meta.Len() == 0 {
		return nil
	}
	return meta
}

// Compile-time interface compliance check.
var _ AuthProvider = (*JWTAuthProvider)(nil)
